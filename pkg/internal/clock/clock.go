// Package clock provides the time source shared by the streaming packages.
package clock

import (
	"sort"
	"sync"
	"time"
)

// Clock is an interface for obtaining monotonic time and scheduling timers.
// This abstraction allows for deterministic testing of time-dependent code.
type Clock interface {
	// Now returns the current time. Implementations must return
	// monotonically increasing time values.
	Now() time.Time

	// AfterFunc waits for d to elapse and then calls f in its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a handle on a pending AfterFunc call.
type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was stopped.
	Stop() bool
}

// MonotonicClock is a Clock implementation that uses the system's monotonic clock.
type MonotonicClock struct{}

// Now returns the current system time with monotonic clock reading.
func (MonotonicClock) Now() time.Time {
	return time.Now()
}

// AfterFunc wraps time.AfterFunc.
func (MonotonicClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// MockClock is a Clock implementation for testing that allows manual control
// of time progression. Timers fire synchronously from Advance, in deadline
// order. It is safe for concurrent use.
type MockClock struct {
	mu      sync.Mutex
	current time.Time
	timers  []*mockTimer
}

type mockTimer struct {
	clock    *MockClock
	deadline time.Time
	f        func()
	done     bool
}

// NewMockClock creates a new MockClock initialized to the given time.
// If t is zero, it initializes to a reasonable default start time.
func NewMockClock(t time.Time) *MockClock {
	if t.IsZero() {
		t = time.Unix(1000000000, 0) // 2001-09-09
	}
	return &MockClock{current: t}
}

// Now returns the mock clock's current time.
func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// AfterFunc registers f to run once the clock is advanced past d.
// A non-positive d still waits for the next Advance call.
func (m *MockClock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{clock: m, deadline: m.current.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Advance moves the clock forward by the given duration and fires every
// timer whose deadline has been reached.
// Panics if d is negative to maintain monotonicity.
func (m *MockClock) Advance(d time.Duration) {
	if d < 0 {
		panic("MockClock.Advance: duration must be non-negative")
	}
	m.mu.Lock()
	m.current = m.current.Add(d)
	now := m.current
	var due []*mockTimer
	kept := m.timers[:0]
	for _, t := range m.timers {
		if t.done {
			continue
		}
		if !t.deadline.After(now) {
			t.done = true
			due = append(due, t)
			continue
		}
		kept = append(kept, t)
	}
	m.timers = kept
	m.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, t := range due {
		t.f()
	}
}

// Set sets the clock to the given time.
// This should only be used for initialization; prefer Advance for tests.
func (m *MockClock) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = t
}

// PendingTimers returns the number of timers that have neither fired nor
// been stopped.
func (m *MockClock) PendingTimers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (t *mockTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
