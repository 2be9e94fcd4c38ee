package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/metrics"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/reference"
	"github.com/thesyncim/abrstream/pkg/sink"
)

// RepresentationStreamArgs holds what a RepresentationStream works with.
type RepresentationStreamArgs struct {
	Content  manifest.Content
	Sink     sink.SegmentSink
	Queue    fetch.Queue
	Playback observer.Observer
	Loop     *loop.Loop

	// Terminate carries the termination order. nil means keep streaming.
	Terminate reference.ReadOnly[*TerminationOrder]

	// BufferGoal is the wanted buffer ahead of the position, in seconds.
	BufferGoal reference.ReadOnly[float64]

	// MaxBufferSize bounds the media buffered ahead, in kilobytes.
	MaxBufferSize reference.ReadOnly[float64]

	FastSwitchThreshold reference.ReadOnly[FastSwitchThreshold]

	Config  Config
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// RepresentationStream loads the segments of one Representation up to the
// buffer goal and pushes them to the sink, until terminated or cancelled.
//
// Every method and callback runs on the loop.
type RepresentationStream struct {
	id      string
	args    RepresentationStreamArgs
	cfg     Config
	cb      RepresentationStreamCallbacks
	logger  *slog.Logger
	metrics *metrics.Metrics

	canceller *cancellation.Canceller
	state     RepresentationState

	pushes  []pendingPush
	pushing bool
	drained bool

	refreshRequested bool
}

type pendingPush struct {
	segment manifest.Segment
	parsed  fetch.ParsedSegment
}

// StartRepresentationStream starts streaming args.Content.Representation.
// It must be called on the loop. Cancelling sig stops the stream without
// calling cb.Terminating.
func StartRepresentationStream(args RepresentationStreamArgs, cb RepresentationStreamCallbacks, sig *cancellation.Signal) *RepresentationStream {
	logger := args.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if args.MaxBufferSize == nil {
		args.MaxBufferSize = reference.Const(inf)
	}
	if args.FastSwitchThreshold == nil {
		args.FastSwitchThreshold = reference.Const(FastSwitchThreshold{})
	}
	if args.Terminate == nil {
		args.Terminate = reference.Const[*TerminationOrder](nil)
	}

	rs := &RepresentationStream{
		id:        uuid.NewString(),
		args:      args,
		cfg:       args.Config.withDefaults(),
		cb:        cb,
		metrics:   args.Metrics,
		canceller: cancellation.New(),
	}
	rep := args.Content.Representation
	rs.logger = logger.With(
		slog.String("stream", rs.id),
		slog.String("representation", rep.ID),
	)
	rs.canceller.LinkTo(sig)
	own := rs.canceller.Signal()
	if own.IsCancelled() {
		rs.state = RepresentationTerminated
		return rs
	}
	own.Register(func() {
		args.Queue.Clear()
		rs.pushes = nil
	})

	var init *manifest.Segment
	if idx := rep.Index(); idx != nil {
		if seg, ok := idx.InitSegment(); ok {
			init = &seg
		}
	}
	args.Queue.Reset(args.Content, init, queueHandler{rs})

	args.Terminate.OnUpdate(rs.onTerminate, reference.EmitCurrentValue(), reference.ClearSignal(own))
	if rs.done() {
		return rs
	}

	check := func(float64) { rs.check() }
	args.BufferGoal.OnUpdate(check, reference.ClearSignal(own))
	args.MaxBufferSize.OnUpdate(check, reference.ClearSignal(own))
	args.FastSwitchThreshold.OnUpdate(func(FastSwitchThreshold) { rs.check() }, reference.ClearSignal(own))
	if m := args.Content.Manifest; m != nil {
		periodID := args.Content.Period.ID
		m.OnUpdate(func(u manifest.Update) {
			if !u.AffectsPeriod(periodID) {
				return
			}
			rs.refreshRequested = false
			rs.check()
		}, own)
	}
	args.Playback.Listen(func(observer.Observation) { rs.check() },
		reference.EmitCurrentValue(), reference.ClearSignal(own))
	return rs
}

// ID returns the instance id used in logs.
func (rs *RepresentationStream) ID() string {
	return rs.id
}

// State returns the current state.
func (rs *RepresentationStream) State() RepresentationState {
	return rs.state
}

func (rs *RepresentationStream) done() bool {
	return rs.state == RepresentationTerminated || rs.canceller.IsUsed()
}

func (rs *RepresentationStream) transitionTo(s RepresentationState) {
	from := rs.state
	if from == s {
		return
	}
	rs.state = s
	rs.metrics.IncStateTransition("representation", from.String(), s.String())
	level := slog.LevelInfo
	if s == RepresentationScheduling || s == RepresentationWaiting {
		level = slog.LevelDebug
	}
	rs.logger.Log(context.Background(), level, "representation stream state transition",
		slog.String("from", from.String()),
		slog.String("to", s.String()),
	)
}

// check recomputes the needed segments, reports the status and updates
// the queue.
func (rs *RepresentationStream) check() {
	if rs.done() || rs.state == RepresentationTerminating {
		return
	}
	content := rs.args.Content
	obs := rs.args.Playback.Reference().Value()
	position := obs.Position.Wanted()

	pending := rs.args.Sink.PendingPushes()
	for _, p := range rs.pushes {
		pending = append(pending, sink.ChunkInfo{
			Content: content,
			Segment: p.segment,
			Start:   p.segment.Time,
			End:     p.segment.End(),
			Size:    len(p.parsed.Data),
		})
	}
	res := neededSegments(neededInput{
		content:       content,
		position:      position,
		bufferGoal:    rs.args.BufferGoal.Value(),
		maxBufferSize: rs.args.MaxBufferSize.Value(),
		threshold:     rs.args.FastSwitchThreshold.Value(),
		buffered:      rs.args.Sink.Inventory(),
		pending:       pending,
	}, rs.cfg)

	status := StreamStatus{
		Period:                content.Period,
		PeriodID:              content.Period.ID,
		Type:                  content.Adaptation.Type,
		Position:              position,
		ImminentDiscontinuity: imminentDiscontinuity(content, position, res.end, rs.args.Sink.Buffered(), rs.cfg),
		HasFinishedLoading: len(res.segments) == 0 && len(pending) == 0 &&
			rs.args.Queue.InFlight() == 0 && reachedEnd(content, res.end, rs.cfg),
		NeededSegments: res.segments,
	}
	rs.cb.StreamStatusUpdate(status)
	if rs.done() {
		return
	}
	if !rs.refreshRequested && needsRefresh(content, res.end, rs.cfg) {
		rs.refreshRequested = true
		rs.logger.Debug("segment index ends before the buffer goal")
		rs.cb.NeedsManifestRefresh()
		if rs.done() {
			return
		}
	}

	rs.args.Queue.Update(res.segments)
	if rs.done() || rs.state == RepresentationTerminating {
		return
	}
	if len(res.segments) > 0 {
		rs.transitionTo(RepresentationScheduling)
	} else {
		rs.transitionTo(RepresentationWaiting)
	}
}

func (rs *RepresentationStream) onTerminate(order *TerminationOrder) {
	if order == nil || rs.done() {
		return
	}
	if order.Urgent {
		rs.logger.Debug("urgent termination")
		rs.finish()
		return
	}
	if rs.state == RepresentationTerminating {
		return
	}
	rs.transitionTo(RepresentationTerminating)
	rs.args.Queue.Drain()
}

// maybeFinish ends a graceful termination once requests and pushes are over.
func (rs *RepresentationStream) maybeFinish() {
	if rs.state == RepresentationTerminating && rs.drained && len(rs.pushes) == 0 && !rs.pushing {
		rs.finish()
	}
}

func (rs *RepresentationStream) finish() {
	rs.transitionTo(RepresentationTerminated)
	rs.canceller.Cancel()
	rs.cb.Terminating()
}

func (rs *RepresentationStream) fail(err error) {
	if rs.done() {
		return
	}
	rs.transitionTo(RepresentationTerminated)
	rs.canceller.Cancel()
	rs.cb.Error(err)
}

func (rs *RepresentationStream) streamError(kind ErrorKind, err error) *StreamError {
	return &StreamError{
		Kind:           kind,
		Type:           rs.args.Content.Adaptation.Type,
		Representation: rs.args.Content.Representation.ID,
		Err:            err,
	}
}

func (rs *RepresentationStream) onLoaded(seg manifest.Segment, parsed fetch.ParsedSegment) {
	if rs.done() {
		return
	}
	if len(parsed.Protection) > 0 {
		rs.cb.EncryptionDataEncountered(parsed.Protection)
		if rs.done() {
			return
		}
	}
	if len(parsed.InbandEvents) > 0 {
		rs.cb.InbandEvent(parsed.InbandEvents)
		if rs.done() {
			return
		}
	}
	rs.pushes = append(rs.pushes, pendingPush{segment: seg, parsed: parsed})
	rs.pushNext()
}

// pushNext pushes queued segments one at a time, in load order.
func (rs *RepresentationStream) pushNext() {
	if rs.pushing || len(rs.pushes) == 0 || rs.done() {
		return
	}
	p := rs.pushes[0]
	rs.pushing = true
	sig := rs.canceller.Signal()
	chunk := sink.Chunk{Content: rs.args.Content, Segment: p.segment, Data: p.parsed.Data}

	loop.Await(rs.args.Loop, sig, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, rs.args.Sink.PushChunk(ctx, chunk)
	}, func(_ struct{}, err error) {
		rs.pushing = false
		if sig.IsCancelled() {
			return
		}
		rs.pushes = rs.pushes[1:]
		if err != nil {
			rs.logger.Warn("segment push failed", slog.String("segment", p.segment.ID), slog.Any("error", err))
			rs.fail(rs.streamError(KindSink, err))
			return
		}
		rs.metrics.IncSegmentsPushed(string(rs.args.Content.Adaptation.Type))
		if !p.segment.IsInit {
			rs.cb.AddedSegment(AddedSegmentEvent{
				Content:  rs.args.Content,
				Segment:  p.segment,
				Buffered: rs.args.Sink.Buffered(),
			})
			if rs.done() {
				return
			}
		}
		rs.maybeFinish()
		if rs.done() {
			return
		}
		rs.pushNext()
		rs.check()
	})
}

func (rs *RepresentationStream) onFailed(seg manifest.Segment, err error) {
	if rs.done() {
		return
	}
	if errors.Is(err, fetch.ErrSegmentNotFound) {
		if idx := rs.args.Content.Representation.Index(); idx != nil && idx.CanBeOutOfSync() {
			rs.cb.Warning(rs.streamError(KindFetch, err))
			if rs.done() {
				return
			}
			rs.cb.ManifestMightBeOutOfSync()
			return
		}
	}
	rs.fail(rs.streamError(KindFetch, fmt.Errorf("segment %s: %w", seg.ID, err)))
}

type queueHandler struct {
	rs *RepresentationStream
}

func (h queueHandler) OnSegmentLoaded(seg manifest.Segment, parsed fetch.ParsedSegment) {
	h.rs.onLoaded(seg, parsed)
}

func (h queueHandler) OnSegmentFailed(seg manifest.Segment, err error) {
	h.rs.onFailed(seg, err)
}

func (h queueHandler) OnRetry(seg manifest.Segment, err error) {
	if h.rs.done() {
		return
	}
	h.rs.cb.Warning(fmt.Errorf("stream: retrying segment %s: %w", seg.ID, err))
}

func (h queueHandler) OnDrained() {
	rs := h.rs
	if rs.done() {
		return
	}
	rs.drained = true
	rs.maybeFinish()
}
