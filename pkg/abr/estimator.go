package abr

import (
	"errors"
	"log/slog"
	"math"
	"sort"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/ranges"
	"github.com/thesyncim/abrstream/pkg/reference"
)

// Estimate is the Representation a track should be streamed in.
type Estimate struct {
	// Representation is nil when no choice can be made.
	Representation *manifest.Representation

	// Bitrate is the bandwidth estimate in bits per second, nil while
	// unknown.
	Bitrate *float64

	// KnownStableBitrate is a bitrate the link sustained over a longer
	// window. Buffered segments below it may be replaced by better ones.
	KnownStableBitrate *float64

	// Urgent means the current Representation must be left right away
	// rather than after its running requests.
	Urgent bool
}

func (e Estimate) equal(o Estimate) bool {
	return e.Representation == o.Representation &&
		e.Urgent == o.Urgent &&
		equalPtr(e.Bitrate, o.Bitrate) &&
		equalPtr(e.KnownStableBitrate, o.KnownStableBitrate)
}

func equalPtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// AddedSegment reports a segment pushed to the sink.
type AddedSegment struct {
	Content  manifest.Content
	Segment  manifest.Segment
	Buffered ranges.Ranges
}

// Feedback is what the streaming core reports to an estimate.
type Feedback interface {
	fetch.RequestListener
	AddedSegment(AddedSegment)
}

// EstimatorConfig configures an Estimator.
type EstimatorConfig struct {
	BandwidthConfig BandwidthEstimatorConfig
	ProgressConfig  ProgressTrackerConfig
	SwitchConfig    SwitchControllerConfig

	// InitialBitrate is the bandwidth assumed before any request ended.
	// Default: 0 (start with the lowest Representation)
	InitialBitrate float64

	// MinAutoBitrate and MaxAutoBitrate bound the Representations the
	// estimator picks from. A zero MaxAutoBitrate means no limit.
	MinAutoBitrate float64
	MaxAutoBitrate float64

	// ConfidentSegments is the number of pushed segments of a
	// Representation after which its download score restricts
	// up-switches.
	// Default: 3
	ConfidentSegments int
}

// DefaultEstimatorConfig returns default configuration.
func DefaultEstimatorConfig() EstimatorConfig {
	return EstimatorConfig{
		BandwidthConfig:   DefaultBandwidthEstimatorConfig(),
		ProgressConfig:    DefaultProgressTrackerConfig(),
		SwitchConfig:      DefaultSwitchControllerConfig(),
		ConfidentSegments: 3,
	}
}

// Option configures an Estimator.
type Option func(*Estimator)

// WithClock sets the time source.
// Default: MonotonicClock
func WithClock(c clock.Clock) Option {
	return func(e *Estimator) { e.clock = c }
}

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(l *slog.Logger) Option {
	return func(e *Estimator) { e.logger = l }
}

// Estimator creates estimate sessions, one per AdaptationStream. The
// bandwidth estimate of a track type is shared by its sessions.
//
// An Estimator and its sessions must only be used from the streaming loop.
//
// Example:
//
//	est := abr.NewEstimator(abr.DefaultEstimatorConfig())
//	estimates, feedback, err := est.Start(content, current, reps, obs, sig)
//	if err != nil {
//	    return err
//	}
//	estimates.OnUpdate(func(e abr.Estimate) { ... }, reference.EmitCurrentValue())
type Estimator struct {
	config    EstimatorConfig
	clock     clock.Clock
	logger    *slog.Logger
	bandwidth map[manifest.BufferType]*BandwidthEstimator
}

// NewEstimator creates an Estimator.
func NewEstimator(config EstimatorConfig, opts ...Option) *Estimator {
	if config.ConfidentSegments <= 0 {
		config.ConfidentSegments = DefaultEstimatorConfig().ConfidentSegments
	}
	if config.MaxAutoBitrate <= 0 {
		config.MaxAutoBitrate = math.Inf(1)
	}
	e := &Estimator{
		config:    config,
		clock:     clock.MonotonicClock{},
		logger:    slog.Default(),
		bandwidth: make(map[manifest.BufferType]*BandwidthEstimator),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bandwidth returns the bandwidth estimator shared by sessions of type t.
func (e *Estimator) Bandwidth(t manifest.BufferType) *BandwidthEstimator {
	b, ok := e.bandwidth[t]
	if !ok {
		b = NewBandwidthEstimator(e.config.BandwidthConfig)
		e.bandwidth[t] = b
	}
	return b
}

// Start begins estimating for content. current is the Representation
// being streamed, representations the eligible ones. The session stops
// when sig is cancelled.
func (e *Estimator) Start(
	content manifest.Content,
	current reference.ReadOnly[*manifest.Representation],
	representations reference.ReadOnly[[]*manifest.Representation],
	obs observer.Observer,
	sig *cancellation.Signal,
) (reference.ReadOnly[Estimate], Feedback, error) {
	if content.Adaptation == nil {
		return nil, nil, errors.New("abr: content has no adaptation")
	}
	s := &session{
		estimator:  e,
		bandwidth:  e.Bandwidth(content.Adaptation.Type),
		progress:   NewProgressTracker(e.config.ProgressConfig),
		controller: NewSwitchController(e.config.SwitchConfig),
		scores:     make(map[string]*score),
		current:    current,
		reps:       representations,
		estimate:   reference.New(Estimate{}, sig),
		logger:     e.logger.With("component", "abr", "type", string(content.Adaptation.Type), "adaptation", content.Adaptation.ID),
	}

	obs.Listen(func(o observer.Observation) {
		s.lastObservation = o
		s.recompute()
	}, reference.EmitCurrentValue(), reference.ClearSignal(sig))
	representations.OnUpdate(func([]*manifest.Representation) { s.recompute() }, reference.ClearSignal(sig))
	current.OnUpdate(func(*manifest.Representation) {
		s.controller.Reset()
		s.recompute()
	}, reference.ClearSignal(sig))

	return s.estimate, s, nil
}

type score struct {
	average  *ewma
	segments int
}

type session struct {
	estimator  *Estimator
	bandwidth  *BandwidthEstimator
	progress   *ProgressTracker
	controller *SwitchController
	scores     map[string]*score

	current         reference.ReadOnly[*manifest.Representation]
	reps            reference.ReadOnly[[]*manifest.Representation]
	estimate        *reference.Shared[Estimate]
	lastObservation observer.Observation
	logger          *slog.Logger
}

func (s *session) OnRequestBegin(b fetch.RequestBegin) {
	s.progress.Begin(b)
}

func (s *session) OnRequestProgress(p fetch.RequestProgress) {
	s.progress.Progress(p)
	s.recompute()
}

func (s *session) OnRequestEnd(e fetch.RequestEnd) {
	s.progress.End(e.ID)
}

func (s *session) OnMetrics(m fetch.RequestMetrics) {
	s.bandwidth.AddSample(m.Duration, m.Size)
	if rep := m.Content.Representation; rep != nil && !m.Segment.IsInit && m.Duration > 0 {
		sc := s.scoreOf(rep.ID)
		sc.average.addSample(m.Segment.Duration, m.Segment.Duration/m.Duration.Seconds())
	}
	s.recompute()
}

func (s *session) AddedSegment(a AddedSegment) {
	if rep := a.Content.Representation; rep != nil && !a.Segment.IsInit {
		s.scoreOf(rep.ID).segments++
	}
}

func (s *session) scoreOf(id string) *score {
	sc, ok := s.scores[id]
	if !ok {
		sc = &score{average: newEWMA(s.bandwidth.config.FastHalfLife)}
		s.scores[id] = sc
	}
	return sc
}

// maintainable reports whether rep downloads faster than it plays, once
// enough of its segments were pushed to trust the score.
func (s *session) maintainable(rep *manifest.Representation) bool {
	sc, ok := s.scores[rep.ID]
	if !ok || sc.segments < s.estimator.config.ConfidentSegments {
		return true
	}
	return sc.average.value() >= 1
}

func (s *session) eligible() []*manifest.Representation {
	cfg := s.estimator.config
	var out []*manifest.Representation
	for _, r := range s.reps.Value() {
		if r.IsPlayable() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Bitrate < out[j].Bitrate })

	var bounded []*manifest.Representation
	for _, r := range out {
		if r.Bitrate >= cfg.MinAutoBitrate && r.Bitrate <= cfg.MaxAutoBitrate {
			bounded = append(bounded, r)
		}
	}
	if len(bounded) == 0 && len(out) > 0 {
		// Bounds exclude everything: stay as close to them as possible.
		if out[0].Bitrate > cfg.MaxAutoBitrate {
			return out[:1]
		}
		return out[len(out)-1:]
	}
	return bounded
}

// pick returns the highest Representation at or below bitrate, or the
// lowest one. reps is sorted by bitrate.
func pick(reps []*manifest.Representation, bitrate float64) *manifest.Representation {
	chosen := reps[0]
	for _, r := range reps {
		if r.Bitrate <= bitrate {
			chosen = r
		}
	}
	return chosen
}

func nextHigher(reps []*manifest.Representation, cur *manifest.Representation) float64 {
	for _, r := range reps {
		if r.Bitrate > cur.Bitrate {
			return r.Bitrate
		}
	}
	return 0
}

func contains(reps []*manifest.Representation, rep *manifest.Representation) bool {
	for _, r := range reps {
		if r == rep {
			return true
		}
	}
	return false
}

// starvingRate returns the throughput of a running media request of cur
// that will not finish before the buffer runs dry.
func (s *session) starvingRate(cur *manifest.Representation) (float64, bool) {
	gap := s.lastObservation.BufferGap
	if gap >= s.controller.config.UrgentBufferGap {
		return 0, false
	}
	now := s.estimator.clock.Now()
	for _, b := range s.progress.Requests() {
		if b.Segment.IsInit || b.Content.Representation != cur {
			continue
		}
		left, ok := s.progress.RemainingTime(b.ID, now)
		if !ok || left.Seconds() <= gap {
			continue
		}
		if rate, ok := s.progress.Rate(b.ID); ok {
			return rate, true
		}
	}
	return 0, false
}

func (s *session) recompute() {
	reps := s.eligible()
	next := s.choose(reps)
	if s.estimate.Value().equal(next) {
		return
	}
	if next.Representation != s.estimate.Value().Representation && next.Representation != nil {
		s.logger.Debug("new estimate",
			"representation", next.Representation.ID,
			"bitrate", next.Representation.Bitrate,
			"urgent", next.Urgent,
			"state", s.controller.State().String(),
		)
	}
	s.estimate.SetValue(next)
}

func (s *session) choose(reps []*manifest.Representation) Estimate {
	switch len(reps) {
	case 0:
		return Estimate{}
	case 1:
		return Estimate{Representation: reps[0], Urgent: true}
	}

	cur := s.current.Value()
	bw, ok := s.bandwidth.Estimate()
	if !ok {
		if cur != nil && contains(reps, cur) {
			return Estimate{Representation: cur}
		}
		return Estimate{Representation: pick(reps, s.estimator.config.InitialBitrate), Urgent: cur != nil}
	}

	stable, _ := s.bandwidth.Stable()
	est := Estimate{Bitrate: &bw, KnownStableBitrate: &stable}
	if cur == nil || !contains(reps, cur) {
		s.controller.Reset()
		est.Representation = pick(reps, bw*s.controller.config.SafetyFactor)
		est.Urgent = cur != nil
		return est
	}

	rate, starving := s.starvingRate(cur)
	if starving && rate < bw {
		bw = rate
	}
	d := s.controller.Update(bw, cur.Bitrate, nextHigher(reps, cur), s.lastObservation.BufferGap, s.estimator.clock.Now())
	target := pick(reps, d.MaxBitrate)
	if target.Bitrate > cur.Bitrate && !s.maintainable(cur) {
		target = cur
	}
	est.Representation = target
	est.Urgent = target.Bitrate < cur.Bitrate && (d.Urgent || starving)
	return est
}
