package abr

import (
	"time"

	"github.com/thesyncim/abrstream/pkg/fetch"
)

// ProgressTrackerConfig configures in-flight throughput measurement.
type ProgressTrackerConfig struct {
	// WindowSize is the duration of the sliding window over progress
	// reports.
	// Default: 2 seconds
	WindowSize time.Duration
}

// DefaultProgressTrackerConfig returns default configuration.
func DefaultProgressTrackerConfig() ProgressTrackerConfig {
	return ProgressTrackerConfig{WindowSize: 2 * time.Second}
}

type progressSample struct {
	timestamp time.Time
	size      int64
}

type trackedRequest struct {
	begin     fetch.RequestBegin
	samples   []progressSample
	totalSize int64
}

// ProgressTracker follows running requests to tell, before they end,
// whether they will complete in time.
//
// Usage:
//
//	p := NewProgressTracker(DefaultProgressTrackerConfig())
//	p.Begin(begin)
//	p.Progress(progress)
//	if left, ok := p.RemainingTime(begin.ID, now); ok && left > bufferGap {
//	    // the request will not finish before the buffer runs dry
//	}
type ProgressTracker struct {
	windowSize time.Duration
	requests   map[string]*trackedRequest
}

// NewProgressTracker creates a tracker.
func NewProgressTracker(config ProgressTrackerConfig) *ProgressTracker {
	windowSize := config.WindowSize
	if windowSize <= 0 {
		windowSize = DefaultProgressTrackerConfig().WindowSize
	}
	return &ProgressTracker{
		windowSize: windowSize,
		requests:   make(map[string]*trackedRequest),
	}
}

// Begin starts tracking a request.
func (p *ProgressTracker) Begin(b fetch.RequestBegin) {
	p.requests[b.ID] = &trackedRequest{
		begin:   b,
		samples: []progressSample{{timestamp: b.RequestedAt}},
	}
}

// Progress records a progress report. Reports of unknown requests are
// dropped.
func (p *ProgressTracker) Progress(pr fetch.RequestProgress) {
	r, ok := p.requests[pr.ID]
	if !ok {
		return
	}
	r.totalSize = pr.TotalSize
	r.samples = append(r.samples, progressSample{timestamp: pr.Timestamp, size: pr.Size})
	r.removeExpired(pr.Timestamp, p.windowSize)
}

// End stops tracking a request.
func (p *ProgressTracker) End(id string) {
	delete(p.requests, id)
}

// Rate returns the throughput of a request over the window, in bits per
// second. It needs two reports at least 1ms apart.
func (p *ProgressTracker) Rate(id string) (float64, bool) {
	r, ok := p.requests[id]
	if !ok || len(r.samples) < 2 {
		return 0, false
	}
	oldest := r.samples[0]
	newest := r.samples[len(r.samples)-1]
	elapsed := newest.timestamp.Sub(oldest.timestamp)
	if elapsed < time.Millisecond {
		return 0, false
	}
	return float64((newest.size-oldest.size)*8) / elapsed.Seconds(), true
}

// RemainingTime estimates the time left before a request completes. It
// needs the total size to be known and a measurable rate.
func (p *ProgressTracker) RemainingTime(id string, now time.Time) (time.Duration, bool) {
	r, ok := p.requests[id]
	if !ok || r.totalSize <= 0 {
		return 0, false
	}
	rate, ok := p.Rate(id)
	if !ok || rate <= 0 {
		return 0, false
	}
	newest := r.samples[len(r.samples)-1]
	left := float64((r.totalSize-newest.size)*8) / rate
	elapsedSinceReport := now.Sub(newest.timestamp).Seconds()
	return time.Duration((left - elapsedSinceReport) * float64(time.Second)), true
}

// Elapsed returns how long a request has been running.
func (p *ProgressTracker) Elapsed(id string, now time.Time) (time.Duration, bool) {
	r, ok := p.requests[id]
	if !ok {
		return 0, false
	}
	return now.Sub(r.begin.RequestedAt), true
}

// Requests returns the requests being tracked.
func (p *ProgressTracker) Requests() []fetch.RequestBegin {
	out := make([]fetch.RequestBegin, 0, len(p.requests))
	for _, r := range p.requests {
		out = append(out, r.begin)
	}
	return out
}

// removeExpired drops samples older than the window, keeping at least the
// newest one.
func (r *trackedRequest) removeExpired(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	expired := 0
	for i, s := range r.samples[:len(r.samples)-1] {
		if !s.timestamp.Before(cutoff) {
			break
		}
		expired = i + 1
	}
	if expired > 0 {
		r.samples = r.samples[expired:]
	}
}
