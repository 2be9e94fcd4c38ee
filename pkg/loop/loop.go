// Package loop provides the single logical thread the streaming core runs on.
//
// Every control decision of the core runs as a task on a Loop. Blocking
// work (segment fetches, sink operations, timers) runs elsewhere and posts
// its continuation back, so control state is never touched concurrently.
//
// Usage:
//
//	l := loop.New(nil)
//	go l.Run(ctx)
//	loop.Await(l, sig, func(ctx context.Context) ([]byte, error) {
//	    return fetcher.Fetch(ctx, req, nil)
//	}, func(data []byte, err error) {
//	    // back on the loop
//	})
package loop

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
)

// ErrStopped is returned by Do when the loop stops before running the task.
var ErrStopped = errors.New("loop: stopped")

// Loop is a FIFO task executor served by a single goroutine.
type Loop struct {
	clock clock.Clock

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped chan struct{}
	running bool
}

// New creates a Loop. If clk is nil, a MonotonicClock is used.
func New(clk clock.Clock) *Loop {
	if clk == nil {
		clk = clock.MonotonicClock{}
	}
	return &Loop{
		clock:   clk,
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

// Clock returns the loop's time source.
func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post appends fn to the task queue. It is safe to call from any goroutine,
// including from a running task; fn then runs after the current task.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes tasks until ctx is done. Run must be called at most once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return errors.New("loop: already running")
	}
	l.running = true
	l.mu.Unlock()
	defer close(l.stopped)

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do posts fn and waits for it to run. It must not be called from a task.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sleep runs fn on the loop after d, unless sig is cancelled first.
// It must be called from a task.
func (l *Loop) Sleep(sig *cancellation.Signal, d time.Duration, fn func()) {
	if sig.IsCancelled() {
		return
	}
	var deregister func()
	timer := l.clock.AfterFunc(d, func() {
		l.Post(func() {
			deregister()
			if sig.IsCancelled() {
				return
			}
			fn()
		})
	})
	deregister = sig.Register(func() { timer.Stop() })
}

// Await runs op on its own goroutine with a context tied to sig, then runs
// then on the loop with op's result. then runs even if sig was cancelled in
// the meantime; callers check the signal before acting on the result.
func Await[T any](l *Loop, sig *cancellation.Signal, op func(ctx context.Context) (T, error), then func(T, error)) {
	go func() {
		v, err := op(sig.Context())
		l.Post(func() { then(v, err) })
	}()
}
