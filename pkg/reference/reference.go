// Package reference implements shared references: mutable values whose
// updates can be observed.
//
// Listeners run synchronously, in registration order, on the goroutine that
// calls SetValue. References used by the streaming core are only written
// from the core's loop, so listeners never race each other.
//
// Usage:
//
//	goal := reference.New(30.0, sig)
//	goal.OnUpdate(func(v float64) {
//	    log.Printf("buffer goal: %v", v)
//	}, reference.EmitCurrentValue(), reference.ClearSignal(streamSig))
//	goal.SetValue(21)
package reference

import (
	"sync"

	"github.com/thesyncim/abrstream/pkg/cancellation"
)

// ReadOnly is the reading side of a shared reference.
type ReadOnly[T any] interface {
	// Value returns the last value set.
	Value() T

	// OnUpdate registers fn to be called on each update. It returns a
	// function that removes the listener.
	OnUpdate(fn func(T), opts ...ListenOption) (stop func())
}

// ListenOption configures an OnUpdate registration.
type ListenOption func(*listenConfig)

type listenConfig struct {
	emitCurrent bool
	once        bool
	signal      *cancellation.Signal
}

// EmitCurrentValue calls the listener with the current value right away.
func EmitCurrentValue() ListenOption {
	return func(c *listenConfig) { c.emitCurrent = true }
}

// Once removes the listener after its first call.
func Once() ListenOption {
	return func(c *listenConfig) { c.once = true }
}

// ClearSignal removes the listener when sig is cancelled.
func ClearSignal(sig *cancellation.Signal) ListenOption {
	return func(c *listenConfig) { c.signal = sig }
}

type listener[T any] struct {
	fn      func(T)
	once    bool
	removed bool
}

// Shared is a mutable value with update notifications.
type Shared[T any] struct {
	mu        sync.Mutex
	value     T
	listeners []*listener[T]
	finished  bool
}

// New creates a reference holding initial. When sig is non-nil, the
// reference is finished, dropping its listeners, once sig is cancelled.
func New[T any](initial T, sig *cancellation.Signal) *Shared[T] {
	r := &Shared[T]{value: initial}
	if sig != nil {
		sig.Register(r.Finish)
	}
	return r
}

// Value returns the current value.
func (r *Shared[T]) Value() T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.value
}

// SetValue stores v and notifies listeners. A finished reference still
// stores the value but has no listener left to notify.
func (r *Shared[T]) SetValue(v T) {
	r.mu.Lock()
	r.value = v
	snapshot := make([]*listener[T], len(r.listeners))
	copy(snapshot, r.listeners)
	r.mu.Unlock()

	for _, l := range snapshot {
		r.mu.Lock()
		if l.removed {
			r.mu.Unlock()
			continue
		}
		if l.once {
			l.removed = true
			r.dropLocked(l)
		}
		r.mu.Unlock()
		l.fn(v)
	}
}

// OnUpdate registers fn. See ReadOnly.
func (r *Shared[T]) OnUpdate(fn func(T), opts ...ListenOption) func() {
	var cfg listenConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.signal != nil && cfg.signal.IsCancelled() {
		return func() {}
	}

	if cfg.emitCurrent {
		fn(r.Value())
		if cfg.once {
			return func() {}
		}
	}

	r.mu.Lock()
	if r.finished {
		r.mu.Unlock()
		return func() {}
	}
	l := &listener[T]{fn: fn, once: cfg.once}
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()

	remove := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if !l.removed {
			l.removed = true
			r.dropLocked(l)
		}
	}
	if cfg.signal != nil {
		// Stopping the listener early also drops the cleanup.
		deregister := cfg.signal.Register(remove)
		return func() {
			remove()
			deregister()
		}
	}
	return remove
}

// Finish removes every listener. Later OnUpdate calls register nothing.
func (r *Shared[T]) Finish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		l.removed = true
	}
	r.listeners = nil
	r.finished = true
}

// Listeners returns the number of active listeners.
func (r *Shared[T]) Listeners() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

func (r *Shared[T]) dropLocked(target *listener[T]) {
	for i, l := range r.listeners {
		if l == target {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// SetIfChanged sets v only when it differs from the current value.
// It reports whether an update was emitted.
func SetIfChanged[T comparable](r *Shared[T], v T) bool {
	if r.Value() == v {
		return false
	}
	r.SetValue(v)
	return true
}

// Map derives a reference whose value is fn applied to src. The derived
// reference follows src until sig is cancelled.
func Map[T, U any](src ReadOnly[T], fn func(T) U, sig *cancellation.Signal) *Shared[U] {
	out := New(fn(src.Value()), sig)
	src.OnUpdate(func(v T) {
		out.SetValue(fn(v))
	}, ClearSignal(sig))
	return out
}

// Const returns a reference that never changes.
func Const[T any](v T) ReadOnly[T] {
	return constRef[T]{value: v}
}

type constRef[T any] struct {
	value T
}

func (c constRef[T]) Value() T { return c.value }

func (c constRef[T]) OnUpdate(fn func(T), opts ...ListenOption) func() {
	var cfg listenConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.emitCurrent {
		fn(c.value)
	}
	return func() {}
}
