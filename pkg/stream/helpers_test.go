package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/abr"
	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/reference"
	"github.com/thesyncim/abrstream/pkg/sink"
)

func startLoop(t *testing.T, clk clock.Clock) *loop.Loop {
	t.Helper()
	l := loop.New(clk)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func onLoop(t *testing.T, l *loop.Loop, fn func()) {
	t.Helper()
	require.NoError(t, l.Do(context.Background(), fn))
}

func ptr(v float64) *float64 { return &v }

// testContent builds a Period [0, end) with one video Adaptation whose
// Representations use 2 second template segments with an init segment.
func testContent(end float64, bitrates map[string]float64, ids ...string) manifest.Content {
	period := &manifest.Period{ID: "p0", Start: 0, End: ptr(end)}
	adaptation := &manifest.Adaptation{ID: "video-main", Type: manifest.Video}
	for _, id := range ids {
		idx := manifest.NewTemplateIndex(manifest.TemplateConfig{
			SegmentDuration: 2,
			PeriodStart:     0,
			PeriodEnd:       ptr(end),
			Media:           manifest.URLTemplate{Template: id + "/$Number$.m4s", RepresentationID: id},
			Init:            manifest.URLTemplate{Template: id + "/init.mp4", RepresentationID: id},
		})
		adaptation.Representations = append(adaptation.Representations, manifest.NewRepresentation(id, bitrates[id], idx))
	}
	period.Adaptations = []*manifest.Adaptation{adaptation}
	m := manifest.New("m", false, []*manifest.Period{period})
	return manifest.Content{Manifest: m, Period: period, Adaptation: adaptation}
}

// recorder collects stream callbacks. It implements both callback
// interfaces.
type recorder struct {
	mu sync.Mutex

	events      []string
	statuses    []StreamStatus
	added       []AddedSegmentEvent
	errs        []error
	warnings    []error
	reloads     []ReloadRequest
	bitrates    []float64
	flushes     int
	refreshes   int
	outOfSync   int
	terminating int
	protection  int
	inband      int
}

func (r *recorder) log(format string, args ...any) {
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recorder) BitrateEstimateChange(e BitrateEstimateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bitrates = append(r.bitrates, e.Bitrate)
}

func (r *recorder) RepresentationChange(e RepresentationChangeEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.log("change:%s", e.Representation.ID)
}

func (r *recorder) StreamStatusUpdate(s StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) AddedSegment(e AddedSegmentEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.added = append(r.added, e)
}

func (r *recorder) NeedsBufferFlush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	r.log("flush")
}

func (r *recorder) WaitingMediaSourceReload(req ReloadRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reloads = append(r.reloads, req)
}

func (r *recorder) EncryptionDataEncountered([]fetch.ProtectionData) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.protection++
}

func (r *recorder) InbandEvent([]fetch.InbandEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inband++
}

func (r *recorder) Warning(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, err)
}

func (r *recorder) ManifestMightBeOutOfSync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outOfSync++
}

func (r *recorder) NeedsManifestRefresh() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshes++
}

func (r *recorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *recorder) Terminating() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.terminating++
}

type recordSnapshot struct {
	events      []string
	statuses    []StreamStatus
	added       int
	errs        []error
	warnings    []error
	reloads     []ReloadRequest
	bitrates    []float64
	flushes     int
	refreshes   int
	outOfSync   int
	terminating int
}

func (r *recorder) snapshot() recordSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recordSnapshot{
		events:      append([]string(nil), r.events...),
		statuses:    append([]StreamStatus(nil), r.statuses...),
		added:       len(r.added),
		errs:        append([]error(nil), r.errs...),
		warnings:    append([]error(nil), r.warnings...),
		reloads:     append([]ReloadRequest(nil), r.reloads...),
		bitrates:    append([]float64(nil), r.bitrates...),
		flushes:     r.flushes,
		refreshes:   r.refreshes,
		outOfSync:   r.outOfSync,
		terminating: r.terminating,
	}
}

func (s recordSnapshot) lastStatus() (StreamStatus, bool) {
	if len(s.statuses) == 0 {
		return StreamStatus{}, false
	}
	return s.statuses[len(s.statuses)-1], true
}

// fakeEstimator hands out an estimate reference driven by the test.
type fakeEstimator struct {
	estimates *reference.Shared[abr.Estimate]
	feedback  *feedbackRecorder
	err       error

	current reference.ReadOnly[*manifest.Representation]
	reps    reference.ReadOnly[[]*manifest.Representation]
}

func newFakeEstimator(initial abr.Estimate) *fakeEstimator {
	return &fakeEstimator{
		estimates: reference.New(initial, nil),
		feedback:  &feedbackRecorder{},
	}
}

func (f *fakeEstimator) Start(_ manifest.Content, current reference.ReadOnly[*manifest.Representation], reps reference.ReadOnly[[]*manifest.Representation], _ observer.Observer, _ *cancellation.Signal) (reference.ReadOnly[abr.Estimate], abr.Feedback, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	f.current = current
	f.reps = reps
	return f.estimates, f.feedback, nil
}

type feedbackRecorder struct {
	mu    sync.Mutex
	added int
}

func (f *feedbackRecorder) OnRequestBegin(fetch.RequestBegin)       {}
func (f *feedbackRecorder) OnRequestProgress(fetch.RequestProgress) {}
func (f *feedbackRecorder) OnRequestEnd(fetch.RequestEnd)           {}
func (f *feedbackRecorder) OnMetrics(fetch.RequestMetrics)          {}

func (f *feedbackRecorder) AddedSegment(abr.AddedSegment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added++
}

// fakeQueues creates fakeQueue instances.
type fakeQueues struct {
	queue       *fakeQueue
	interrupted reference.ReadOnly[bool]
}

func (f *fakeQueues) NewQueue(_ *loop.Loop, _ manifest.BufferType, _ fetch.RequestListener, interrupted reference.ReadOnly[bool]) fetch.Queue {
	f.interrupted = interrupted
	f.queue = &fakeQueue{}
	return f.queue
}

type fakeQueue struct {
	resets, clears int
	stopped        bool
}

func (q *fakeQueue) Reset(manifest.Content, *manifest.Segment, fetch.QueueHandler) { q.resets++ }
func (q *fakeQueue) Update([]fetch.QueuedSegment)                                 {}
func (q *fakeQueue) Drain()                                                       {}
func (q *fakeQueue) Clear()                                                       { q.clears++ }
func (q *fakeQueue) Stop()                                                        { q.stopped = true }
func (q *fakeQueue) InFlight() int                                                { return 0 }

// fakeStream stands for a RepresentationStream started by an
// AdaptationStream.
type fakeStream struct {
	args  RepresentationStreamArgs
	cb    RepresentationStreamCallbacks
	sig   *cancellation.Signal
	order *TerminationOrder
	ended bool
}

// fakeStarter records started streams and counts streams running at once.
type fakeStarter struct {
	rec        *recorder
	streams    []*fakeStream
	overlapped int
}

func (f *fakeStarter) start(args RepresentationStreamArgs, cb RepresentationStreamCallbacks, sig *cancellation.Signal) {
	for _, s := range f.streams {
		if !s.ended && !s.sig.IsCancelled() {
			f.overlapped++
		}
	}
	s := &fakeStream{args: args, cb: cb, sig: sig}
	args.Terminate.OnUpdate(func(o *TerminationOrder) {
		if o == nil {
			return
		}
		s.order = o
		f.rec.mu.Lock()
		f.rec.log("order:%s:urgent=%t", args.Content.Representation.ID, o.Urgent)
		f.rec.mu.Unlock()
	}, reference.EmitCurrentValue(), reference.ClearSignal(sig))
	f.streams = append(f.streams, s)
}

func (s *fakeStream) terminate() {
	s.ended = true
	s.cb.Terminating()
}

func (s *fakeStream) fail(err error) {
	s.ended = true
	s.cb.Error(err)
}

func bufferFull() error {
	return &StreamError{Kind: KindSink, Type: manifest.Video, Err: sink.ErrBufferFull}
}
