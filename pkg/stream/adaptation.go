// Package stream drives the loading of one track of one Period: an
// AdaptationStream picks the Representation to stream and supervises the
// RepresentationStream loading its segments.
//
// Everything in this package runs on a loop.Loop. Callbacks are called
// synchronously, in the order the underlying events happened.
//
// Usage:
//
//	as, err := stream.StartAdaptationStream(stream.AdaptationStreamArgs{
//	    Content:           manifest.Content{Manifest: m, Period: p, Adaptation: a},
//	    Choice:            choice,
//	    Playback:          obs,
//	    Sink:              videoSink,
//	    Estimator:         estimator,
//	    Queues:            queues,
//	    Loop:              l,
//	    WantedBufferAhead: wba,
//	}, callbacks, sig)
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"

	"github.com/thesyncim/abrstream/pkg/abr"
	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/ranges"
	"github.com/thesyncim/abrstream/pkg/reference"
	"github.com/thesyncim/abrstream/pkg/sink"
)

// RateEstimator starts an estimate session for an Adaptation.
// *abr.Estimator implements it.
type RateEstimator interface {
	Start(
		content manifest.Content,
		current reference.ReadOnly[*manifest.Representation],
		representations reference.ReadOnly[[]*manifest.Representation],
		obs observer.Observer,
		sig *cancellation.Signal,
	) (reference.ReadOnly[abr.Estimate], abr.Feedback, error)
}

// QueueCreator creates the segment queue of a track.
// *fetch.Factory implements it.
type QueueCreator interface {
	NewQueue(l *loop.Loop, t manifest.BufferType, listener fetch.RequestListener, interrupted reference.ReadOnly[bool]) fetch.Queue
}

var (
	_ RateEstimator = (*abr.Estimator)(nil)
	_ QueueCreator  = (*fetch.Factory)(nil)
)

// AdaptationStreamArgs holds what an AdaptationStream works with.
type AdaptationStreamArgs struct {
	// Content designates the Period and Adaptation to stream.
	Content manifest.Content

	// Choice restricts the Representations to stream.
	Choice reference.ReadOnly[RepresentationsChoice]

	Playback  observer.Observer
	Sink      sink.SegmentSink
	Estimator RateEstimator
	Queues    QueueCreator
	Loop      *loop.Loop

	// WantedBufferAhead is the nominal buffer goal, in seconds. It may be
	// +Inf.
	WantedBufferAhead reference.ReadOnly[float64]

	// MaxVideoBufferSize bounds the video buffered ahead, in kilobytes.
	// Other track types are not bounded.
	// Default: +Inf
	MaxVideoBufferSize reference.ReadOnly[float64]

	// EnableFastSwitching allows replacing buffered segments by segments
	// of a better Representation.
	EnableFastSwitching bool
}

// AdaptationStreamOption configures an AdaptationStream.
type AdaptationStreamOption func(*AdaptationStream)

// WithConfig sets the stream tunables.
// Default: DefaultConfig()
func WithConfig(cfg Config) AdaptationStreamOption {
	return func(as *AdaptationStream) { as.cfg = cfg.withDefaults() }
}

// WithLogger sets the logger.
// Default: slog.Default()
func WithLogger(l *slog.Logger) AdaptationStreamOption {
	return func(as *AdaptationStream) {
		if l != nil {
			as.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
// Default: nil (no metrics)
func WithMetrics(m *metrics.Metrics) AdaptationStreamOption {
	return func(as *AdaptationStream) { as.metrics = m }
}

// representationStarter starts a RepresentationStream.
type representationStarter func(args RepresentationStreamArgs, cb RepresentationStreamCallbacks, sig *cancellation.Signal)

func withRepresentationStarter(fn representationStarter) AdaptationStreamOption {
	return func(as *AdaptationStream) { as.startRepresentation = fn }
}

// AdaptationStream chooses the Representation of one Adaptation and runs
// at most one RepresentationStream for it at a time.
type AdaptationStream struct {
	args    AdaptationStreamArgs
	cfg     Config
	cb      AdaptationStreamCallbacks
	logger  *slog.Logger
	metrics *metrics.Metrics

	startRepresentation representationStarter

	canceller *cancellation.Canceller
	state     AdaptationState

	// ratios holds the buffer goal ratio of each Representation id. A
	// ratio never grows.
	ratios map[string]float64

	current         *reference.Shared[*manifest.Representation]
	representations *reference.Shared[[]*manifest.Representation]
	estimates       reference.ReadOnly[abr.Estimate]
	feedback        abr.Feedback
	interrupted     *reference.Shared[bool]
	fastSwitch      *reference.Shared[FastSwitchThreshold]
	queue           fetch.Queue

	choiceCanceller *cancellation.Canceller
	lastBitrate     *float64
}

// StartAdaptationStream starts streaming args.Content.Adaptation. It must
// be called on the loop. The stream runs until sig is cancelled or cb.Error
// is called.
func StartAdaptationStream(args AdaptationStreamArgs, cb AdaptationStreamCallbacks, sig *cancellation.Signal, opts ...AdaptationStreamOption) (*AdaptationStream, error) {
	switch {
	case args.Content.Period == nil || args.Content.Adaptation == nil:
		return nil, errors.New("stream: content needs a period and an adaptation")
	case args.Choice == nil:
		return nil, errors.New("stream: representations choice required")
	case args.Playback == nil || args.Sink == nil || args.Loop == nil:
		return nil, errors.New("stream: playback observer, sink and loop required")
	case args.Estimator == nil || args.Queues == nil:
		return nil, errors.New("stream: estimator and queue creator required")
	case args.WantedBufferAhead == nil:
		return nil, errors.New("stream: wanted buffer ahead required")
	}
	if args.MaxVideoBufferSize == nil {
		args.MaxVideoBufferSize = reference.Const(inf)
	}

	as := &AdaptationStream{
		args:                args,
		cfg:                 DefaultConfig(),
		cb:                  cb,
		logger:              slog.Default(),
		startRepresentation: func(a RepresentationStreamArgs, c RepresentationStreamCallbacks, s *cancellation.Signal) {
			StartRepresentationStream(a, c, s)
		},
		canceller: cancellation.New(),
		ratios:    make(map[string]float64),
	}
	for _, opt := range opts {
		opt(as)
	}
	as.logger = as.logger.With(
		slog.String("type", string(args.Content.Adaptation.Type)),
		slog.String("period", args.Content.Period.ID),
		slog.String("adaptation", args.Content.Adaptation.ID),
	)

	as.canceller.LinkTo(sig)
	own := as.canceller.Signal()
	if own.IsCancelled() {
		as.state = AdaptationStopped
		return as, nil
	}
	own.Register(func() { as.transitionTo(AdaptationStopped) })

	content := manifest.Content{
		Manifest:   args.Content.Manifest,
		Period:     args.Content.Period,
		Adaptation: args.Content.Adaptation,
	}
	as.args.Content = content

	as.current = reference.New[*manifest.Representation](nil, own)
	as.representations = reference.New(as.playable(args.Choice.Value()), own)

	estimates, feedback, err := args.Estimator.Start(content, as.current, as.representations, args.Playback, own)
	if err != nil {
		as.fail(&StreamError{Kind: KindEstimator, Type: content.Adaptation.Type, Err: err})
		return as, nil
	}
	as.estimates = estimates
	as.feedback = feedback

	as.interrupted = reference.New(!args.Playback.Reference().Value().AllowsStreaming(), own)
	args.Playback.Listen(func(o observer.Observation) {
		if reference.SetIfChanged(as.interrupted, !o.AllowsStreaming()) {
			as.logger.Debug("media segment queue interruption changed", slog.Bool("interrupted", !o.AllowsStreaming()))
		}
	}, reference.ClearSignal(own))

	as.queue = args.Queues.NewQueue(args.Loop, content.Adaptation.Type, feedback, as.interrupted)
	own.Register(as.queue.Stop)

	as.fastSwitch = reference.New(FastSwitchThreshold{}, own)
	estimates.OnUpdate(as.onEstimate, reference.EmitCurrentValue(), reference.ClearSignal(own))
	if as.done() {
		return as, nil
	}

	args.Choice.OnUpdate(as.onChoice, reference.EmitCurrentValue(), reference.ClearSignal(own))
	return as, nil
}

// State returns the current state.
func (as *AdaptationStream) State() AdaptationState {
	return as.state
}

// BufferGoalRatio returns the buffer goal ratio of a Representation.
func (as *AdaptationStream) BufferGoalRatio(representationID string) float64 {
	if r, ok := as.ratios[representationID]; ok {
		return r
	}
	return 1
}

func (as *AdaptationStream) done() bool {
	return as.canceller.IsUsed()
}

func (as *AdaptationStream) transitionTo(s AdaptationState) {
	from := as.state
	if from == s {
		return
	}
	as.state = s
	as.metrics.IncStateTransition("adaptation", from.String(), s.String())
	as.logger.Info("adaptation stream state transition",
		slog.String("from", from.String()),
		slog.String("to", s.String()),
	)
}

func (as *AdaptationStream) fail(err error) {
	if as.done() {
		return
	}
	as.logger.Warn("adaptation stream failed", slog.Any("error", err))
	as.metrics.IncFatalErrors(string(as.args.Content.Adaptation.Type))
	as.canceller.Cancel()
	as.cb.Error(err)
}

func (as *AdaptationStream) playable(choice RepresentationsChoice) []*manifest.Representation {
	var out []*manifest.Representation
	for _, r := range as.args.Content.Adaptation.Representations {
		if choice.includes(r.ID) && r.IsPlayable() {
			out = append(out, r)
		}
	}
	return out
}

func (as *AdaptationStream) onEstimate(e abr.Estimate) {
	if as.args.EnableFastSwitching {
		th := FastSwitchThreshold{Unlimited: true}
		if e.KnownStableBitrate != nil {
			th = FastSwitchThreshold{Bitrate: *e.KnownStableBitrate}
		}
		reference.SetIfChanged(as.fastSwitch, th)
	}
	if e.Bitrate == nil || (as.lastBitrate != nil && *as.lastBitrate == *e.Bitrate) {
		return
	}
	b := *e.Bitrate
	as.lastBitrate = &b
	t := as.args.Content.Adaptation.Type
	as.logger.Debug("new bitrate estimate", slog.Float64("bitrate", b))
	as.metrics.SetBitrateEstimate(string(t), b)
	as.cb.BitrateEstimateChange(BitrateEstimateEvent{Type: t, Bitrate: b})
}

func (as *AdaptationStream) onChoice(choice RepresentationsChoice) {
	if as.choiceCanceller != nil {
		as.choiceCanceller.Cancel()
	}
	if as.done() {
		return
	}
	reps := as.playable(choice)
	if len(reps) == 0 {
		as.fail(&StreamError{Kind: KindManifest, Type: as.args.Content.Adaptation.Type, Err: ErrNoPlayableRepresentation})
		return
	}
	if !slices.Equal(reps, as.representations.Value()) {
		as.representations.SetValue(reps)
		if as.done() {
			return
		}
	}

	c := cancellation.New()
	c.LinkTo(as.canceller.Signal())
	as.choiceCanceller = c
	as.applyChoice(choice, c.Signal())
}

// applyChoice handles the media buffered for Representations left out of
// choice, then starts streaming.
func (as *AdaptationStream) applyChoice(choice RepresentationsChoice, sig *cancellation.Signal) {
	content := as.args.Content
	strategy := SwitchingStrategy(content, choice, as.args.Sink, as.args.Playback.CurrentTime(), as.cfg)
	as.logger.Debug("representations choice",
		slog.Any("representations", choice.RepresentationIDs),
		slog.String("mode", choice.SwitchingMode.String()),
		slog.String("strategy", strategy.Kind.String()),
	)

	switch strategy.Kind {
	case StrategyContinue:
	case StrategyNeedsReload:
		as.transitionTo(AdaptationWaitingReload)
		// Wait for the next task so the request reflects the latest
		// observation.
		as.args.Loop.Post(func() {
			if sig.IsCancelled() {
				return
			}
			as.args.Playback.Listen(func(observer.Observation) {
				if sig.IsCancelled() {
					return
				}
				as.cb.WaitingMediaSourceReload(ReloadRequest{
					Type:         content.Adaptation.Type,
					Period:       content.Period,
					TimeOffset:   as.cfg.ReloadOffsetAfterSwitch,
					StayInPeriod: true,
				})
			}, reference.EmitCurrentValue(), reference.Once(), reference.ClearSignal(sig))
		})
		return
	case StrategyCleanBuffer, StrategyFlushBuffer:
		as.transitionTo(AdaptationCleaningBuffer)
		as.removeRanges(strategy.Ranges, sig, func() {
			if strategy.Kind == StrategyFlushBuffer {
				as.cb.NeedsBufferFlush()
				if sig.IsCancelled() {
					return
				}
			}
			as.createNext(sig)
		})
		return
	}
	as.createNext(sig)
}

// removeRanges removes each range from the sink in order, then calls done.
func (as *AdaptationStream) removeRanges(rs ranges.Ranges, sig *cancellation.Signal, done func()) {
	if len(rs) == 0 {
		done()
		return
	}
	r := rs[0]
	loop.Await(as.args.Loop, sig, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, as.args.Sink.RemoveBuffer(ctx, r.Start, r.End)
	}, func(_ struct{}, err error) {
		if sig.IsCancelled() {
			return
		}
		if err != nil {
			as.fail(&StreamError{Kind: KindSink, Type: as.args.Content.Adaptation.Type, Err: fmt.Errorf("removing [%g, %g): %w", r.Start, r.End, err)})
			return
		}
		as.removeRanges(rs[1:], sig, done)
	})
}

// createNext starts a RepresentationStream for the estimated
// Representation. It runs again each time that stream terminates.
func (as *AdaptationStream) createNext(sig *cancellation.Signal) {
	if sig.IsCancelled() || as.done() {
		return
	}
	rep := as.estimates.Value().Representation
	if rep == nil {
		as.transitionTo(AdaptationAwaitingEstimate)
		var stop func()
		stop = as.estimates.OnUpdate(func(e abr.Estimate) {
			if e.Representation == nil {
				return
			}
			stop()
			as.args.Loop.Post(func() { as.createNext(sig) })
		}, reference.ClearSignal(sig))
		return
	}

	terminating := cancellation.New()
	terminating.LinkTo(sig)
	terminate := reference.New[*TerminationOrder](nil, terminating.Signal())
	as.estimates.OnUpdate(func(e abr.Estimate) {
		if e.Representation == nil || e.Representation.ID == rep.ID {
			return
		}
		if e.Urgent {
			as.logger.Info("urgent representation switch", slog.String("to", e.Representation.ID))
		} else {
			as.logger.Info("slow representation switch", slog.String("to", e.Representation.ID))
		}
		terminate.SetValue(&TerminationOrder{Urgent: e.Urgent})
	}, reference.EmitCurrentValue(), reference.ClearSignal(terminating.Signal()))

	as.current.SetValue(rep)
	if as.done() {
		return
	}
	t := as.args.Content.Adaptation.Type
	as.metrics.IncRepresentationSwitches(string(t))
	as.cb.RepresentationChange(RepresentationChangeEvent{
		Type:           t,
		Period:         as.args.Content.Period,
		Adaptation:     as.args.Content.Adaptation,
		Representation: rep,
	})
	if as.done() {
		return
	}

	parent := &chainCallbacks{
		as: as,
		onTerminating: func() {
			if terminating.IsUsed() {
				return
			}
			terminating.Cancel()
			as.args.Loop.Post(func() { as.createNext(sig) })
		},
	}
	as.createStream(rep, terminate, parent, sig)
}

// createStream starts one RepresentationStream for rep. A recoverable
// buffer full error starts another one for rep after a pause, with a
// smaller buffer goal.
func (as *AdaptationStream) createStream(rep *manifest.Representation, terminate reference.ReadOnly[*TerminationOrder], parent *chainCallbacks, sig *cancellation.Signal) {
	if sig.IsCancelled() || as.done() {
		return
	}
	content := as.args.Content.WithRepresentation(rep)
	t := content.Adaptation.Type

	streamCanceller := cancellation.New()
	streamCanceller.LinkTo(sig)
	goal := reference.Map(as.args.WantedBufferAhead, func(wba float64) float64 {
		return as.bufferGoal(rep, wba)
	}, streamCanceller.Signal())
	maxSize := reference.Const(inf)
	if t == manifest.Video {
		maxSize = as.args.MaxVideoBufferSize
	}
	as.metrics.SetBufferGoalRatio(string(t), rep.ID, as.BufferGoalRatio(rep.ID))
	as.logger.Info("changing representation",
		slog.String("representation", rep.ID),
		slog.Float64("bitrate", rep.Bitrate),
		slog.Float64("bufferGoal", goal.Value()),
	)
	as.transitionTo(AdaptationStreaming)

	failed := false
	cb := &streamCallbacks{
		chainCallbacks: parent,
		onError: func(err error) {
			if failed {
				as.logger.Warn("ignoring representation stream error", slog.Any("error", err))
				return
			}
			failed = true
			if !errors.Is(err, sink.ErrBufferFull) {
				as.fail(err)
				return
			}
			as.onBufferFull(rep, terminate, parent, sig, streamCanceller)
		},
		onTerminating: func() {
			streamCanceller.Cancel()
			parent.Terminating()
		},
	}

	if m := content.Manifest; m != nil {
		m.OnUpdate(func(u manifest.Update) {
			if !u.RemovesRepresentation(content.Period.ID, content.Adaptation.ID, rep.ID) || sig.IsCancelled() {
				return
			}
			as.logger.Info("streamed representation removed from the manifest", slog.String("representation", rep.ID))
			as.transitionTo(AdaptationWaitingReload)
			as.cb.WaitingMediaSourceReload(ReloadRequest{
				Type:         t,
				Period:       content.Period,
				TimeOffset:   0,
				StayInPeriod: true,
			})
		}, streamCanceller.Signal())
	}

	as.startRepresentation(RepresentationStreamArgs{
		Content:             content,
		Sink:                as.args.Sink,
		Queue:               as.queue,
		Playback:            as.args.Playback,
		Loop:                as.args.Loop,
		Terminate:           terminate,
		BufferGoal:          goal,
		MaxBufferSize:       maxSize,
		FastSwitchThreshold: as.fastSwitch,
		Config:              as.cfg,
		Logger:              as.logger,
		Metrics:             as.metrics,
	}, cb, sig)
}

func (as *AdaptationStream) onBufferFull(rep *manifest.Representation, terminate reference.ReadOnly[*TerminationOrder], parent *chainCallbacks, sig *cancellation.Signal, streamCanceller *cancellation.Canceller) {
	t := string(as.args.Content.Adaptation.Type)
	wba := as.args.WantedBufferAhead.Value()
	ratio := as.BufferGoalRatio(rep.ID) * as.cfg.BufferGoalShrinkFactor
	as.ratios[rep.ID] = ratio
	as.metrics.SetBufferGoalRatio(t, rep.ID, ratio)
	goal := as.bufferGoal(rep, wba)

	if ratio <= as.cfg.MinBufferGoalRatio || goal <= as.cfg.MinBufferGoal {
		as.metrics.IncBufferFull(t, "fatal")
		as.fail(&StreamError{
			Kind:           KindSink,
			Type:           as.args.Content.Adaptation.Type,
			Representation: rep.ID,
			Err:            fmt.Errorf("%w (ratio %.3f, goal %.2fs): %w", ErrBufferFullUnrecoverable, ratio, goal, sink.ErrBufferFull),
		})
		return
	}

	as.metrics.IncBufferFull(t, "retry")
	as.logger.Warn("buffer full, retrying with a smaller buffer goal",
		slog.String("representation", rep.ID),
		slog.Float64("ratio", ratio),
		slog.Float64("bufferGoal", goal),
		slog.Duration("delay", as.cfg.BufferFullRetryDelay),
	)
	as.transitionTo(AdaptationBackingOff)
	as.args.Loop.Sleep(sig, as.cfg.BufferFullRetryDelay, func() {
		streamCanceller.Cancel()
		as.createStream(rep, terminate, parent, sig)
	})
}

// bufferGoal returns the buffer goal of rep for the wanted buffer ahead wba.
func (as *AdaptationStream) bufferGoal(rep *manifest.Representation, wba float64) float64 {
	ratio, ok := as.ratios[rep.ID]
	if !ok {
		ratio = 1
		as.ratios[rep.ID] = ratio
	}
	if ratio < 1 && math.IsInf(wba, 1) {
		return as.cfg.InfiniteBufferGoal * ratio
	}
	return wba * ratio
}

// chainCallbacks forwards RepresentationStream events of a chain of
// streams to the AdaptationStream callbacks.
type chainCallbacks struct {
	as            *AdaptationStream
	onTerminating func()
}

func (c *chainCallbacks) StreamStatusUpdate(s StreamStatus) { c.as.cb.StreamStatusUpdate(s) }

func (c *chainCallbacks) AddedSegment(e AddedSegmentEvent) {
	c.as.feedback.AddedSegment(abr.AddedSegment{Content: e.Content, Segment: e.Segment, Buffered: e.Buffered})
	c.as.cb.AddedSegment(e)
}

func (c *chainCallbacks) EncryptionDataEncountered(p []fetch.ProtectionData) {
	c.as.cb.EncryptionDataEncountered(p)
}

func (c *chainCallbacks) ManifestMightBeOutOfSync() { c.as.cb.ManifestMightBeOutOfSync() }

func (c *chainCallbacks) NeedsManifestRefresh() { c.as.cb.NeedsManifestRefresh() }

func (c *chainCallbacks) InbandEvent(e []fetch.InbandEvent) { c.as.cb.InbandEvent(e) }

func (c *chainCallbacks) Warning(err error) { c.as.cb.Warning(err) }

func (c *chainCallbacks) Error(err error) { c.as.fail(err) }

func (c *chainCallbacks) Terminating() { c.onTerminating() }

// streamCallbacks are the callbacks of one RepresentationStream.
type streamCallbacks struct {
	*chainCallbacks
	onError       func(error)
	onTerminating func()
}

func (c *streamCallbacks) Error(err error) { c.onError(err) }

func (c *streamCallbacks) Terminating() { c.onTerminating() }
