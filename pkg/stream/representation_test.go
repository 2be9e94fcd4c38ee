package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/loop"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/reference"
	"github.com/thesyncim/abrstream/pkg/sink"
)

const waitFor = 2 * time.Second

type repHarness struct {
	l         *loop.Loop
	content   manifest.Content
	sink      *sink.Memory
	playback  *observer.Source
	goal      *reference.Shared[float64]
	terminate *reference.Shared[*TerminationOrder]
	rec       *recorder
	canceller *cancellation.Canceller
	rs        *RepresentationStream
}

func segmentFetcher(size int, fail func(seg manifest.Segment) error) fetch.Fetcher {
	return fetch.FetcherFunc(func(_ context.Context, req fetch.Request, _ func(fetch.Progress)) ([]byte, error) {
		if fail != nil {
			if err := fail(req.Segment); err != nil {
				return nil, err
			}
		}
		return make([]byte, size), nil
	})
}

// gatedFetcher blocks media requests until release is closed.
func gatedFetcher(started chan<- string, release <-chan struct{}) fetch.Fetcher {
	return fetch.FetcherFunc(func(ctx context.Context, req fetch.Request, _ func(fetch.Progress)) ([]byte, error) {
		if req.Segment.IsInit {
			return make([]byte, 10), nil
		}
		select {
		case started <- req.Segment.ID:
		default:
		}
		select {
		case <-release:
			return make([]byte, 1000), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func newRepHarness(t *testing.T, content manifest.Content, f fetch.Fetcher, s *sink.Memory, goal float64) *repHarness {
	t.Helper()
	if s == nil {
		s = sink.NewMemory(manifest.Video, sink.MemoryConfig{})
	}
	factory, err := fetch.NewFactory(f, fetch.WithQueueConfig(fetch.QueueConfig{MaxRetries: -1}))
	require.NoError(t, err)

	h := &repHarness{
		l:         startLoop(t, nil),
		content:   content,
		sink:      s,
		playback:  observer.NewSource(observer.Observation{}),
		goal:      reference.New(goal, nil),
		terminate: reference.New[*TerminationOrder](nil, nil),
		rec:       &recorder{},
		canceller: cancellation.New(),
	}
	queue := factory.NewQueue(h.l, manifest.Video, nil, nil)
	t.Cleanup(func() { _ = h.l.Do(context.Background(), h.canceller.Cancel) })

	onLoop(t, h.l, func() {
		h.rs = StartRepresentationStream(RepresentationStreamArgs{
			Content:    content,
			Sink:       s,
			Queue:      queue,
			Playback:   h.playback,
			Loop:       h.l,
			Terminate:  h.terminate,
			BufferGoal: h.goal,
		}, h.rec, h.canceller.Signal())
	})
	return h
}

func (h *repHarness) state(t *testing.T) RepresentationState {
	var s RepresentationState
	onLoop(t, h.l, func() { s = h.rs.State() })
	return s
}

func singleRepresentation(end float64) manifest.Content {
	content := testContent(end, map[string]float64{"r": 1e6}, "r")
	return content.WithRepresentation(content.Adaptation.RepresentationByID("r"))
}

func TestRepresentationStream_LoadsUpToBufferGoal(t *testing.T) {
	h := newRepHarness(t, singleRepresentation(20), segmentFetcher(1000, nil), nil, 10)

	require.Eventually(t, func() bool { return h.rec.snapshot().added == 5 }, waitFor, time.Millisecond)
	assert.True(t, h.sink.HasInit("r"))
	assert.Len(t, h.sink.Inventory(), 5)

	require.Eventually(t, func() bool { return h.state(t) == RepresentationWaiting }, waitFor, time.Millisecond)
	status, ok := h.rec.snapshot().lastStatus()
	require.True(t, ok)
	assert.Empty(t, status.NeededSegments)
	assert.False(t, status.HasFinishedLoading)
	assert.Equal(t, "p0", status.PeriodID)
	assert.Equal(t, manifest.Video, status.Type)

	// A larger goal resumes loading.
	onLoop(t, h.l, func() { h.goal.SetValue(14) })
	require.Eventually(t, func() bool { return h.rec.snapshot().added == 7 }, waitFor, time.Millisecond)
	assert.Empty(t, h.rec.snapshot().errs)
}

func TestRepresentationStream_FinishesAtPeriodEnd(t *testing.T) {
	h := newRepHarness(t, singleRepresentation(20), segmentFetcher(1000, nil), nil, 30)

	require.Eventually(t, func() bool {
		status, ok := h.rec.snapshot().lastStatus()
		return ok && status.HasFinishedLoading
	}, waitFor, time.Millisecond)
	assert.Equal(t, 10, h.rec.snapshot().added)
	assert.Zero(t, h.rec.snapshot().refreshes)
}

func TestRepresentationStream_FollowsPlayback(t *testing.T) {
	h := newRepHarness(t, singleRepresentation(60), segmentFetcher(1000, nil), nil, 4)
	require.Eventually(t, func() bool { return h.rec.snapshot().added == 2 }, waitFor, time.Millisecond)

	onLoop(t, h.l, func() {
		h.playback.Update(func(o *observer.Observation) { o.Position.Last = 30 })
	})
	require.Eventually(t, func() bool { return h.rec.snapshot().added == 4 }, waitFor, time.Millisecond)

	inv := h.sink.Inventory()
	require.Len(t, inv, 4)
	assert.Equal(t, 30.0, inv[2].Start)
	assert.Equal(t, 32.0, inv[3].Start)
}

func TestRepresentationStream_GracefulTermination(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	h := newRepHarness(t, singleRepresentation(20), gatedFetcher(started, release), nil, 10)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("no media request started")
	}
	onLoop(t, h.l, func() { h.terminate.SetValue(&TerminationOrder{Urgent: false}) })
	assert.Equal(t, RepresentationTerminating, h.state(t))
	assert.Zero(t, h.rec.snapshot().terminating, "the running request finishes first")

	close(release)
	require.Eventually(t, func() bool { return h.rec.snapshot().terminating == 1 }, waitFor, time.Millisecond)
	assert.Equal(t, RepresentationTerminated, h.state(t))
	assert.Equal(t, 1, h.rec.snapshot().added, "no request starts once terminating")
	assert.Empty(t, h.rec.snapshot().errs)
}

func TestRepresentationStream_UrgentTermination(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	defer close(release)
	h := newRepHarness(t, singleRepresentation(20), gatedFetcher(started, release), nil, 10)

	select {
	case <-started:
	case <-time.After(waitFor):
		t.Fatal("no media request started")
	}
	onLoop(t, h.l, func() { h.terminate.SetValue(&TerminationOrder{Urgent: true}) })

	snap := h.rec.snapshot()
	assert.Equal(t, 1, snap.terminating)
	assert.Zero(t, snap.added)
	assert.Equal(t, RepresentationTerminated, h.state(t))

	onLoop(t, h.l, func() { h.terminate.SetValue(&TerminationOrder{Urgent: true}) })
	assert.Equal(t, 1, h.rec.snapshot().terminating, "terminating is reported once")
}

func TestRepresentationStream_CancelIsSilent(t *testing.T) {
	h := newRepHarness(t, singleRepresentation(20), segmentFetcher(1000, nil), nil, 10)
	require.Eventually(t, func() bool { return h.rec.snapshot().added >= 1 }, waitFor, time.Millisecond)

	onLoop(t, h.l, h.canceller.Cancel)
	before := h.rec.snapshot()
	onLoop(t, h.l, func() { h.goal.SetValue(20) })
	after := h.rec.snapshot()

	assert.Zero(t, after.terminating)
	assert.Empty(t, after.errs)
	assert.Equal(t, len(before.statuses), len(after.statuses))
}

func TestRepresentationStream_BufferFull(t *testing.T) {
	s := sink.NewMemory(manifest.Video, sink.MemoryConfig{Quota: 1500})
	h := newRepHarness(t, singleRepresentation(20), segmentFetcher(1000, nil), s, 10)

	require.Eventually(t, func() bool { return len(h.rec.snapshot().errs) == 1 }, waitFor, time.Millisecond)
	err := h.rec.snapshot().errs[0]
	assert.ErrorIs(t, err, sink.ErrBufferFull)

	var se *StreamError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, KindSink, se.Kind)
	assert.Equal(t, "r", se.Representation)
	assert.Equal(t, RepresentationTerminated, h.state(t))
	assert.Equal(t, 1, h.rec.snapshot().added)
}

func TestRepresentationStream_NotFound(t *testing.T) {
	missing := func(seg manifest.Segment) error {
		if seg.ID == "3" {
			return fetch.ErrSegmentNotFound
		}
		return nil
	}

	t.Run("dynamic index warns", func(t *testing.T) {
		content := singleRepresentation(20)
		idx := manifest.NewTemplateIndex(manifest.TemplateConfig{SegmentDuration: 2, PeriodEnd: ptr(20), Dynamic: true})
		idx.SetAvailableUntil(20)
		content.Representation = manifest.NewRepresentation("r", 1e6, idx)

		h := newRepHarness(t, content, segmentFetcher(1000, missing), nil, 10)
		require.Eventually(t, func() bool { return h.rec.snapshot().outOfSync >= 1 }, waitFor, time.Millisecond)

		snap := h.rec.snapshot()
		require.NotEmpty(t, snap.warnings)
		assert.ErrorIs(t, snap.warnings[0], fetch.ErrSegmentNotFound)
		assert.Empty(t, snap.errs)
		require.Eventually(t, func() bool { return h.rec.snapshot().added == 4 }, waitFor, time.Millisecond)
	})

	t.Run("static index fails", func(t *testing.T) {
		h := newRepHarness(t, singleRepresentation(20), segmentFetcher(1000, missing), nil, 10)
		require.Eventually(t, func() bool { return len(h.rec.snapshot().errs) == 1 }, waitFor, time.Millisecond)

		err := h.rec.snapshot().errs[0]
		assert.ErrorIs(t, err, fetch.ErrSegmentNotFound)
		var se *StreamError
		require.True(t, errors.As(err, &se))
		assert.Equal(t, KindFetch, se.Kind)
		assert.Zero(t, h.rec.snapshot().outOfSync)
	})
}

func TestRepresentationStream_ManifestRefresh(t *testing.T) {
	idx := manifest.NewTemplateIndex(manifest.TemplateConfig{SegmentDuration: 2, Dynamic: true})
	idx.SetAvailableUntil(6)
	content := indexContent(60, idx)

	h := newRepHarness(t, content, segmentFetcher(100, nil), nil, 10)
	require.Eventually(t, func() bool { return h.rec.snapshot().added == 3 }, waitFor, time.Millisecond)
	onLoop(t, h.l, func() {})
	assert.Equal(t, 1, h.rec.snapshot().refreshes, "asked once until the manifest changes")

	// The refreshed manifest announces more segments.
	next := manifest.NewTemplateIndex(manifest.TemplateConfig{SegmentDuration: 2, Dynamic: true})
	next.SetAvailableUntil(8)
	refreshed := indexContent(60, next)
	onLoop(t, h.l, func() { content.Manifest.Replace(refreshed.Manifest) })

	require.Eventually(t, func() bool { return h.rec.snapshot().added == 4 }, waitFor, time.Millisecond)
	onLoop(t, h.l, func() {})
	assert.Equal(t, 2, h.rec.snapshot().refreshes, "the still short index is asked for again")
}

// sliceFetcher records the order segments are requested in.
type sliceFetcher struct {
	mu  sync.Mutex
	ids []string
}

func (f *sliceFetcher) Fetch(_ context.Context, req fetch.Request, _ func(fetch.Progress)) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, req.Segment.ID)
	return make([]byte, 100), nil
}

func (f *sliceFetcher) requested() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func TestRepresentationStream_InitFirst(t *testing.T) {
	f := &sliceFetcher{}
	h := newRepHarness(t, singleRepresentation(20), f, nil, 6)
	require.Eventually(t, func() bool { return h.rec.snapshot().added == 3 }, waitFor, time.Millisecond)
	assert.Equal(t, []string{"init", "1", "2", "3"}, f.requested())
}
