package fetch

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/reference"
)

// QueueConfig configures the segment queues created by a Factory.
type QueueConfig struct {
	// MaxConcurrentMedia is the number of media segments loaded in
	// parallel. Default: 1
	MaxConcurrentMedia int

	// MaxRetries is the number of retries of a retryable failure before
	// the segment is reported as failed. A negative value disables
	// retries. Default: 3
	MaxRetries int

	// BaseRetryDelay is the delay before the first retry. It doubles on
	// each attempt. Default: 200ms
	BaseRetryDelay time.Duration

	// MaxRetryDelay caps the retry delay. Default: 3s
	MaxRetryDelay time.Duration

	// RequestsPerSecond limits how fast requests are started. 0 disables
	// the limit. Default: 0
	RequestsPerSecond float64

	// Burst is the limiter burst when RequestsPerSecond is set. Default: 1
	Burst int
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		MaxConcurrentMedia: 1,
		MaxRetries:         3,
		BaseRetryDelay:     200 * time.Millisecond,
		MaxRetryDelay:      3 * time.Second,
		Burst:              1,
	}
}

func (c QueueConfig) withDefaults() QueueConfig {
	def := DefaultQueueConfig()
	if c.MaxConcurrentMedia <= 0 {
		c.MaxConcurrentMedia = def.MaxConcurrentMedia
	}
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = def.MaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BaseRetryDelay <= 0 {
		c.BaseRetryDelay = def.BaseRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = def.MaxRetryDelay
	}
	if c.Burst <= 0 {
		c.Burst = def.Burst
	}
	return c
}

// retryDelay returns the backoff before retry number attempt+1.
func (c QueueConfig) retryDelay(attempt int) time.Duration {
	d := time.Duration(float64(c.BaseRetryDelay) * math.Pow(2, float64(attempt)))
	return min(d, c.MaxRetryDelay)
}

// QueuedSegment is a media segment the queue should load. Lower
// priorities are more urgent.
type QueuedSegment struct {
	Segment  manifest.Segment
	Priority int
}

// QueueHandler receives the outcome of queued requests, on the loop.
type QueueHandler interface {
	// OnSegmentLoaded is called with each loaded and parsed segment. The
	// init segment, if any, is always reported first.
	OnSegmentLoaded(seg manifest.Segment, parsed ParsedSegment)

	// OnSegmentFailed is called when a segment cannot be loaded.
	OnSegmentFailed(seg manifest.Segment, err error)

	// OnRetry is called before a failed request is retried.
	OnRetry(seg manifest.Segment, err error)

	// OnDrained is called once after Drain, when no request is left.
	OnDrained()
}

// Queue loads the segments of one Representation. Methods must be called
// on the loop the queue was created with.
type Queue interface {
	// Reset starts a new session for content. Requests of a previous
	// session are aborted. init may be nil.
	Reset(content manifest.Content, init *manifest.Segment, h QueueHandler)

	// Update replaces the wanted media segments. In-flight requests for
	// segments no longer wanted are aborted.
	Update(wanted []QueuedSegment)

	// Drain stops starting requests and lets in-flight ones finish.
	Drain()

	// Clear aborts the current session. The queue can be Reset again.
	Clear()

	// Stop aborts every request. The queue cannot be reused.
	Stop()

	// InFlight returns the number of running requests.
	InFlight() int
}

// FactoryOption configures a Factory.
type FactoryOption func(*Factory) error

// Factory creates SegmentQueues sharing a Fetcher.
type Factory struct {
	fetcher Fetcher
	parser  Parser
	config  QueueConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// WithParser sets the parser applied to loaded segments.
// Default: PassThrough
func WithParser(p Parser) FactoryOption {
	return func(f *Factory) error {
		if p == nil {
			return errors.New("fetch: parser must not be nil")
		}
		f.parser = p
		return nil
	}
}

// WithQueueConfig sets the queue configuration. Zero fields keep their
// defaults.
// Default: DefaultQueueConfig()
func WithQueueConfig(cfg QueueConfig) FactoryOption {
	return func(f *Factory) error {
		if cfg.RequestsPerSecond < 0 {
			return errors.New("fetch: requests per second must not be negative")
		}
		f.config = cfg.withDefaults()
		return nil
	}
}

// WithLogger sets the logger of created queues.
// Default: slog.Default()
func WithLogger(l *slog.Logger) FactoryOption {
	return func(f *Factory) error {
		f.logger = l
		return nil
	}
}

// WithMetrics sets the collectors request outcomes are recorded in.
// Default: nil (no metrics)
func WithMetrics(m *metrics.Metrics) FactoryOption {
	return func(f *Factory) error {
		f.metrics = m
		return nil
	}
}

// NewFactory creates a Factory loading segments with fetcher.
//
// Example:
//
//	fetcher, _ := fetch.NewHTTPFetcher("https://cdn.example.com/live/")
//	factory, err := fetch.NewFactory(fetcher,
//	    fetch.WithQueueConfig(fetch.QueueConfig{MaxRetries: 5}),
//	)
//	if err != nil {
//	    return err
//	}
func NewFactory(fetcher Fetcher, opts ...FactoryOption) (*Factory, error) {
	if fetcher == nil {
		return nil, errors.New("fetch: fetcher must not be nil")
	}
	f := &Factory{
		fetcher: fetcher,
		parser:  PassThrough,
		config:  DefaultQueueConfig(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(f); err != nil {
			return nil, err
		}
	}
	return f, nil
}

// NewQueue creates a queue for one track. listener may be nil. New
// requests are held back while interrupted is true.
func (f *Factory) NewQueue(l *loop.Loop, t manifest.BufferType, listener RequestListener, interrupted reference.ReadOnly[bool]) Queue {
	if listener == nil {
		listener = nopListener{}
	}
	if interrupted == nil {
		interrupted = reference.Const(false)
	}
	q := &SegmentQueue{
		loop:        l,
		fetcher:     f.fetcher,
		parser:      f.parser,
		config:      f.config,
		bufferType:  t,
		listener:    listener,
		interrupted: interrupted,
		logger:      f.logger.With("component", "segment_queue", "type", string(t)),
		metrics:     f.metrics,
		newID:       func() string { return uuid.NewString() },
		inFlight:    make(map[string]*pendingRequest),
		retrying:    make(map[string]bool),
	}
	if f.config.RequestsPerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(f.config.RequestsPerSecond), f.config.Burst)
	}
	q.stopInterrupted = interrupted.OnUpdate(func(v bool) {
		if !v {
			q.schedule()
		}
	})
	return q
}

// SegmentQueue is the Queue implementation of a Factory.
type SegmentQueue struct {
	loop        *loop.Loop
	fetcher     Fetcher
	parser      Parser
	config      QueueConfig
	bufferType  manifest.BufferType
	listener    RequestListener
	interrupted reference.ReadOnly[bool]
	limiter     *rate.Limiter
	logger      *slog.Logger
	metrics     *metrics.Metrics
	newID       func() string

	session    *cancellation.Canceller
	content    manifest.Content
	handler    QueueHandler
	initSeg    *manifest.Segment
	initLoaded bool
	wanted     []QueuedSegment
	inFlight   map[string]*pendingRequest
	retrying   map[string]bool

	draining        bool
	drainNotified   bool
	stopped         bool
	stopInterrupted func()
}

type pendingRequest struct {
	segment   manifest.Segment
	canceller *cancellation.Canceller
}

// Reset implements Queue.
func (q *SegmentQueue) Reset(content manifest.Content, init *manifest.Segment, h QueueHandler) {
	if q.stopped {
		return
	}
	if q.session != nil {
		q.session.Cancel()
	}
	q.session = cancellation.New()
	q.content = content
	q.handler = h
	q.initSeg = init
	q.initLoaded = init == nil
	q.wanted = nil
	q.inFlight = make(map[string]*pendingRequest)
	q.retrying = make(map[string]bool)
	q.draining = false
	q.drainNotified = false
	q.schedule()
}

// Update implements Queue.
func (q *SegmentQueue) Update(wanted []QueuedSegment) {
	if q.stopped || q.draining || q.session == nil {
		return
	}
	next := make([]QueuedSegment, len(wanted))
	copy(next, wanted)
	sort.SliceStable(next, func(i, j int) bool { return next[i].Priority < next[j].Priority })
	q.wanted = next

	for id, req := range q.inFlight {
		if req.segment.IsInit || q.isWanted(id) {
			continue
		}
		q.logger.Debug("aborting unwanted request", "segment", id)
		req.canceller.Cancel()
	}
	q.schedule()
}

// Drain implements Queue.
func (q *SegmentQueue) Drain() {
	if q.stopped || q.session == nil {
		return
	}
	q.draining = true
	q.wanted = nil
	q.checkDrained()
}

// Clear implements Queue.
func (q *SegmentQueue) Clear() {
	if q.session != nil {
		q.session.Cancel()
		q.session = nil
	}
	q.wanted = nil
	q.handler = nil
	q.draining = false
}

// Stop implements Queue.
func (q *SegmentQueue) Stop() {
	if q.stopped {
		return
	}
	q.stopped = true
	q.stopInterrupted()
	if q.session != nil {
		q.session.Cancel()
	}
	q.wanted = nil
}

// InFlight implements Queue.
func (q *SegmentQueue) InFlight() int {
	return len(q.inFlight)
}

func (q *SegmentQueue) isWanted(id string) bool {
	for _, w := range q.wanted {
		if w.Segment.ID == id {
			return true
		}
	}
	return false
}

func (q *SegmentQueue) schedule() {
	if q.stopped || q.draining || q.session == nil || q.session.IsUsed() {
		return
	}
	if !q.initLoaded {
		if q.initSeg != nil && q.inFlight[q.initSeg.ID] == nil && !q.retrying[q.initSeg.ID] {
			q.start(*q.initSeg, 0)
		}
		return
	}
	if q.interrupted.Value() {
		return
	}
	for _, w := range q.wanted {
		if len(q.inFlight) >= q.config.MaxConcurrentMedia {
			return
		}
		id := w.Segment.ID
		if q.inFlight[id] != nil || q.retrying[id] {
			continue
		}
		q.start(w.Segment, 0)
	}
}

func (q *SegmentQueue) start(seg manifest.Segment, attempt int) {
	session := q.session
	content := q.content
	handler := q.handler

	req := &pendingRequest{segment: seg, canceller: cancellation.New()}
	req.canceller.LinkTo(session.Signal())
	q.inFlight[seg.ID] = req
	sig := req.canceller.Signal()

	id := q.newID()
	clk := q.loop.Clock()
	begin := clk.Now()
	q.listener.OnRequestBegin(RequestBegin{ID: id, Content: content, Segment: seg, RequestedAt: begin})

	loop.Await(q.loop, sig, func(ctx context.Context) ([]byte, error) {
		if q.limiter != nil {
			if err := q.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		return q.fetcher.Fetch(ctx, Request{Content: content, Segment: seg}, func(p Progress) {
			q.loop.Post(func() {
				if !sig.IsCancelled() {
					q.listener.OnRequestProgress(RequestProgress{ID: id, Timestamp: clk.Now(), Progress: p})
				}
			})
		})
	}, func(data []byte, err error) {
		q.listener.OnRequestEnd(RequestEnd{ID: id})
		if q.inFlight[seg.ID] == req {
			delete(q.inFlight, seg.ID)
		}
		if sig.IsCancelled() {
			q.metrics.IncSegmentRequests(string(q.bufferType), "aborted")
			q.checkDrained()
			q.schedule()
			return
		}
		req.canceller.Cancel()

		if err != nil {
			q.onFailure(session, handler, seg, attempt, err)
			return
		}
		parsed, err := q.parser(content, seg, data)
		if err != nil {
			q.metrics.IncSegmentRequests(string(q.bufferType), "error")
			handler.OnSegmentFailed(seg, err)
			if session.IsUsed() {
				return
			}
			q.schedule()
			q.checkDrained()
			return
		}

		elapsed := clk.Now().Sub(begin)
		q.metrics.IncSegmentRequests(string(q.bufferType), "success")
		q.metrics.ObserveRequestDuration(string(q.bufferType), elapsed.Seconds())
		q.listener.OnMetrics(RequestMetrics{Content: content, Segment: seg, Size: int64(len(data)), Duration: elapsed})
		if session.IsUsed() {
			return
		}

		if seg.IsInit {
			q.initLoaded = true
		} else {
			q.dropWanted(seg.ID)
		}
		handler.OnSegmentLoaded(seg, parsed)
		if session.IsUsed() {
			return
		}
		q.schedule()
		q.checkDrained()
	})
}

func (q *SegmentQueue) onFailure(session *cancellation.Canceller, handler QueueHandler, seg manifest.Segment, attempt int, err error) {
	if !IsRetryable(err) || attempt >= q.config.MaxRetries {
		q.metrics.IncSegmentRequests(string(q.bufferType), "error")
		q.logger.Warn("segment request failed", "segment", seg.ID, "attempts", attempt+1, "error", err)
		q.dropWanted(seg.ID)
		handler.OnSegmentFailed(seg, err)
		if session.IsUsed() {
			return
		}
		q.schedule()
		q.checkDrained()
		return
	}

	q.metrics.IncSegmentRetries(string(q.bufferType))
	handler.OnRetry(seg, err)
	if session.IsUsed() {
		return
	}
	q.retrying[seg.ID] = true
	delay := q.config.retryDelay(attempt)
	q.logger.Debug("retrying segment request", "segment", seg.ID, "attempt", attempt+1, "delay", delay, "error", err)

	q.loop.Sleep(session.Signal(), delay, func() {
		delete(q.retrying, seg.ID)
		if seg.IsInit || q.isWanted(seg.ID) {
			q.start(seg, attempt+1)
		}
		q.schedule()
		q.checkDrained()
	})
}

func (q *SegmentQueue) dropWanted(id string) {
	for i, w := range q.wanted {
		if w.Segment.ID == id {
			q.wanted = append(q.wanted[:i:i], q.wanted[i+1:]...)
			return
		}
	}
}

func (q *SegmentQueue) checkDrained() {
	if q.session == nil || !q.draining || q.drainNotified || len(q.inFlight) > 0 || len(q.retrying) > 0 {
		return
	}
	q.drainNotified = true
	session, handler := q.session, q.handler
	q.loop.Post(func() {
		if !session.IsUsed() {
			handler.OnDrained()
		}
	})
}

type nopListener struct{}

func (nopListener) OnRequestBegin(RequestBegin)       {}
func (nopListener) OnRequestProgress(RequestProgress) {}
func (nopListener) OnRequestEnd(RequestEnd)           {}
func (nopListener) OnMetrics(RequestMetrics)          {}
