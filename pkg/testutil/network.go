package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
)

// NetworkConfig configures a simulated network.
type NetworkConfig struct {
	// Latency is added before the first byte of every request.
	// Default: 0
	Latency time.Duration

	// ProgressInterval is how often progress is reported while a body
	// downloads.
	// Default: 100ms
	ProgressInterval time.Duration

	// InitSize is the size of initialization segments in bytes.
	// Default: 1000
	InitSize int
}

func (c NetworkConfig) withDefaults() NetworkConfig {
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = 100 * time.Millisecond
	}
	if c.InitSize <= 0 {
		c.InitSize = 1000
	}
	return c
}

// NetworkOption configures a Network.
type NetworkOption func(*Network)

// WithClock sets the clock driving transfers.
func WithClock(c clock.Clock) NetworkOption {
	return func(n *Network) {
		n.clock = c
	}
}

// Network is a fetch.Fetcher that loads synthetic media segments at the
// bandwidth of a Trace. A media segment weighs its Representation bitrate
// times its duration. Concurrent requests share the bandwidth equally.
type Network struct {
	config NetworkConfig
	trace  *Trace
	clock  clock.Clock
	origin time.Time

	mu       sync.Mutex
	active   int
	requests int
	bytes    int64
	failures map[string]error
}

// NewNetwork creates a Network replaying trace from now.
func NewNetwork(trace *Trace, config NetworkConfig, opts ...NetworkOption) *Network {
	n := &Network{
		config:   config.withDefaults(),
		trace:    trace,
		clock:    clock.MonotonicClock{},
		failures: make(map[string]error),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.origin = n.clock.Now()
	return n
}

// FailSegment makes every request for the segment id fail with err.
// A nil err clears the failure.
func (n *Network) FailSegment(id string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if err == nil {
		delete(n.failures, id)
		return
	}
	n.failures[id] = err
}

// Stats returns the number of completed requests and loaded bytes.
func (n *Network) Stats() (requests int, bytes int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.requests, n.bytes
}

// BitrateNow returns the bandwidth currently available.
func (n *Network) BitrateNow() float64 {
	return n.trace.BitrateAt(n.elapsed())
}

func (n *Network) elapsed() time.Duration {
	return n.clock.Now().Sub(n.origin)
}

func (n *Network) size(req fetch.Request) int64 {
	if req.Segment.IsInit || req.Content.Representation == nil {
		return int64(n.config.InitSize)
	}
	return int64(req.Content.Representation.Bitrate * req.Segment.Duration / 8)
}

// Fetch implements fetch.Fetcher.
func (n *Network) Fetch(ctx context.Context, req fetch.Request, onProgress func(fetch.Progress)) ([]byte, error) {
	n.mu.Lock()
	failure := n.failures[req.Segment.ID]
	n.active++
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.active--
		n.mu.Unlock()
	}()

	start := n.clock.Now()
	if err := n.sleep(ctx, n.config.Latency); err != nil {
		return nil, err
	}
	if failure != nil {
		return nil, failure
	}

	total := n.size(req)
	var loaded int64
	for loaded < total {
		n.mu.Lock()
		share := n.trace.BitrateAt(n.elapsed()) / float64(n.active)
		n.mu.Unlock()

		// Bytes transferable in one progress interval.
		step := int64(share / 8 * n.config.ProgressInterval.Seconds())
		if step <= 0 {
			step = 1
		}
		wait := n.config.ProgressInterval
		if remaining := total - loaded; remaining < step {
			wait = time.Duration(float64(wait) * float64(remaining) / float64(step))
			step = remaining
		}
		if err := n.sleep(ctx, wait); err != nil {
			return nil, err
		}
		loaded += step
		if onProgress != nil {
			onProgress(fetch.Progress{Size: loaded, TotalSize: total, Duration: n.clock.Now().Sub(start)})
		}
	}

	n.mu.Lock()
	n.requests++
	n.bytes += total
	n.mu.Unlock()
	return make([]byte, total), nil
}

// sleep waits d on the network clock.
func (n *Network) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	done := make(chan struct{})
	t := n.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		t.Stop()
		return ctx.Err()
	}
}
