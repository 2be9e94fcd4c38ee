// Package cancellation provides explicit cancellation tokens.
//
// A Canceller owns a Signal. The Signal is handed to every asynchronous
// operation that should stop when the Canceller fires. Cleanups registered
// on a Signal run once, in reverse registration order.
//
// Usage:
//
//	c := cancellation.New()
//	defer c.Cancel()
//	c.Signal().Register(func() { queue.Stop() })
//	go fetch(c.Signal().Context())
package cancellation

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by operations interrupted by a Signal.
var ErrCancelled = errors.New("cancellation: operation cancelled")

// Canceller triggers its Signal.
type Canceller struct {
	signal *Signal
}

// New creates a Canceller with a fresh Signal.
func New() *Canceller {
	ctx, cancel := context.WithCancel(context.Background())
	return &Canceller{signal: &Signal{ctx: ctx, cancelCtx: cancel}}
}

// Signal returns the Signal controlled by c.
func (c *Canceller) Signal() *Signal {
	return c.signal
}

// Cancel triggers the Signal. Calling Cancel more than once is a no-op.
func (c *Canceller) Cancel() {
	c.signal.trigger()
}

// IsUsed reports whether Cancel was called, directly or through a linked parent.
func (c *Canceller) IsUsed() bool {
	return c.signal.IsCancelled()
}

// LinkTo cancels c when parent is cancelled. The returned function removes
// the link. If parent is already cancelled, c is cancelled immediately.
func (c *Canceller) LinkTo(parent *Signal) (unlink func()) {
	if parent == nil {
		return func() {}
	}
	unlink = parent.Register(c.Cancel)
	// Drop the parent's reference once c fires on its own.
	c.signal.Register(unlink)
	return unlink
}

// Signal is a read-only view on a Canceller.
type Signal struct {
	mu        sync.Mutex
	cancelled bool
	nextID    uint64
	cleanups  []cleanup

	ctx       context.Context
	cancelCtx context.CancelFunc
}

type cleanup struct {
	id uint64
	fn func()
}

var never = &Signal{ctx: context.Background(), cancelCtx: func() {}}

// Never returns a Signal that is never cancelled.
func Never() *Signal {
	return never
}

// IsCancelled reports whether the Signal was triggered.
func (s *Signal) IsCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

// Err returns ErrCancelled once the Signal was triggered, nil before.
func (s *Signal) Err() error {
	if s.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// Context returns a context that is done once the Signal is triggered.
func (s *Signal) Context() context.Context {
	return s.ctx
}

// Register adds fn to the cleanups run on cancellation. If the Signal is
// already cancelled, fn runs immediately. The returned function removes fn
// without running it.
func (s *Signal) Register(fn func()) (deregister func()) {
	if s == never {
		return func() {}
	}
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.cleanups = append(s.cleanups, cleanup{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, c := range s.cleanups {
			if c.id == id {
				s.cleanups = append(s.cleanups[:i], s.cleanups[i+1:]...)
				return
			}
		}
	}
}

func (s *Signal) trigger() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	s.cancelCtx()
	for i := len(cleanups) - 1; i >= 0; i-- {
		cleanups[i].fn()
	}
}

// IsCancellation reports whether err stems from a cancellation, either
// ErrCancelled or a context cancellation.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
