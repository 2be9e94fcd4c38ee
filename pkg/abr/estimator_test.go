package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/cancellation"
	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/internal/clock"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/observer"
	"github.com/thesyncim/abrstream/pkg/reference"
)

type ladder struct {
	low, mid, high *manifest.Representation
	content        manifest.Content
}

func newLadder() ladder {
	l := ladder{
		low:  manifest.NewRepresentation("low", 300_000, nil),
		mid:  manifest.NewRepresentation("mid", 1_000_000, nil),
		high: manifest.NewRepresentation("high", 3_000_000, nil),
	}
	adaptation := &manifest.Adaptation{
		ID:              "video",
		Type:            manifest.Video,
		Representations: []*manifest.Representation{l.high, l.low, l.mid},
	}
	l.content = manifest.Content{Adaptation: adaptation}
	return l
}

type harness struct {
	clock     *clock.MockClock
	obs       *observer.Source
	current   *reference.Shared[*manifest.Representation]
	reps      *reference.Shared[[]*manifest.Representation]
	estimates reference.ReadOnly[Estimate]
	feedback  Feedback
	canceller *cancellation.Canceller
}

func startHarness(t *testing.T, l ladder, current *manifest.Representation, reps []*manifest.Representation, gap float64) *harness {
	t.Helper()
	h := &harness{
		clock:     clock.NewMockClock(time.Time{}),
		obs:       observer.NewSource(observer.Observation{BufferGap: gap}),
		current:   reference.New(current, nil),
		reps:      reference.New(reps, nil),
		canceller: cancellation.New(),
	}
	t.Cleanup(h.canceller.Cancel)

	e := NewEstimator(DefaultEstimatorConfig(), WithClock(h.clock))
	var err error
	h.estimates, h.feedback, err = e.Start(l.content, h.current, h.reps, h.obs, h.canceller.Signal())
	require.NoError(t, err)
	return h
}

func (h *harness) sample(d time.Duration, bytes int64) {
	h.feedback.OnMetrics(fetch.RequestMetrics{Size: bytes, Duration: d})
}

func TestEstimator_SingleRepresentation(t *testing.T) {
	l := newLadder()
	h := startHarness(t, l, nil, []*manifest.Representation{l.mid}, 30)

	est := h.estimates.Value()
	assert.Same(t, l.mid, est.Representation)
	assert.True(t, est.Urgent)
}

func TestEstimator_StartsLowWithoutData(t *testing.T) {
	l := newLadder()
	h := startHarness(t, l, nil, l.content.Adaptation.Representations, 30)

	est := h.estimates.Value()
	assert.Same(t, l.low, est.Representation)
	assert.Nil(t, est.Bitrate)
	assert.Nil(t, est.KnownStableBitrate)
}

func TestEstimator_SkipsUnplayable(t *testing.T) {
	l := newLadder()
	l.low.SetDecipherable(false)
	h := startHarness(t, l, nil, l.content.Adaptation.Representations, 30)

	assert.Same(t, l.mid, h.estimates.Value().Representation)
}

func TestEstimator_UpSwitchAfterStableEstimate(t *testing.T) {
	l := newLadder()
	h := startHarness(t, l, l.low, l.content.Adaptation.Representations, 30)
	require.Same(t, l.low, h.estimates.Value().Representation)

	h.sample(time.Second, 625_000) // 5 Mbps
	est := h.estimates.Value()
	assert.Same(t, l.low, est.Representation, "an up-switch waits for the estimate to be stable")
	require.NotNil(t, est.Bitrate)
	assert.InDelta(t, 5_000_000, *est.Bitrate, 1)
	require.NotNil(t, est.KnownStableBitrate)

	h.clock.Advance(4 * time.Second)
	h.obs.Update(func(o *observer.Observation) { o.Position.Last = 4 })

	est = h.estimates.Value()
	assert.Same(t, l.high, est.Representation)
	assert.False(t, est.Urgent)
}

func TestEstimator_DownSwitchUrgency(t *testing.T) {
	tests := []struct {
		name   string
		gap    float64
		urgent bool
	}{
		{"low buffer", 2, true},
		{"comfortable buffer", 20, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newLadder()
			h := startHarness(t, l, l.high, l.content.Adaptation.Representations, tt.gap)

			h.sample(time.Second, 100_000)
			assert.Same(t, l.high, h.estimates.Value().Representation, "not enough data yet")

			h.sample(time.Second, 100_000) // 0.8 Mbps
			est := h.estimates.Value()
			assert.Same(t, l.low, est.Representation)
			assert.Equal(t, tt.urgent, est.Urgent)
		})
	}
}

func TestEstimator_CurrentNoLongerEligible(t *testing.T) {
	l := newLadder()
	h := startHarness(t, l, l.high, l.content.Adaptation.Representations, 30)
	require.Same(t, l.high, h.estimates.Value().Representation)

	h.reps.SetValue([]*manifest.Representation{l.low, l.mid})

	est := h.estimates.Value()
	assert.Same(t, l.low, est.Representation)
	assert.True(t, est.Urgent, "the streamed Representation must be left now")
}

func TestEstimator_StopsOnCancel(t *testing.T) {
	l := newLadder()
	h := startHarness(t, l, l.low, l.content.Adaptation.Representations, 30)

	h.canceller.Cancel()
	h.reps.SetValue([]*manifest.Representation{l.mid})

	assert.Same(t, l.low, h.estimates.Value().Representation, "no update after cancellation")
	assert.Zero(t, h.reps.Listeners())
}

func TestEstimator_RequiresAdaptation(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig())
	_, _, err := e.Start(manifest.Content{}, reference.Const[*manifest.Representation](nil),
		reference.Const[[]*manifest.Representation](nil), observer.NewSource(observer.Observation{}), cancellation.Never())
	assert.Error(t, err)
}

func TestEstimator_SharesBandwidthPerType(t *testing.T) {
	e := NewEstimator(DefaultEstimatorConfig())
	assert.Same(t, e.Bandwidth(manifest.Video), e.Bandwidth(manifest.Video))
	assert.NotSame(t, e.Bandwidth(manifest.Video), e.Bandwidth(manifest.Audio))
}
