package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thesyncim/abrstream/pkg/cancellation"
)

func ptr[T any](v T) *T { return &v }

func TestTemplateIndex_Static(t *testing.T) {
	idx := NewTemplateIndex(TemplateConfig{
		Timescale:       1000,
		SegmentDuration: 4000,
		PeriodStart:     10,
		PeriodEnd:       ptr(28.0),
		Media:           URLTemplate{Template: "v/$RepresentationID$/$Number%05d$.m4s", RepresentationID: "720p"},
		Init:            URLTemplate{Template: "v/$RepresentationID$/init.mp4", RepresentationID: "720p"},
	})

	initSeg, ok := idx.InitSegment()
	require.True(t, ok)
	assert.True(t, initSeg.IsInit)
	assert.Equal(t, "v/720p/init.mp4", initSeg.URL)

	segs := idx.Segments(13, 6)
	require.Len(t, segs, 3, "segments overlapping [13,19)")
	assert.Equal(t, 10.0, segs[0].Time)
	assert.Equal(t, uint64(1), segs[0].Number)
	assert.Equal(t, "v/720p/00001.m4s", segs[0].URL)
	assert.Equal(t, 18.0, segs[2].Time)

	last, ok := idx.LastPosition()
	require.True(t, ok)
	assert.Equal(t, 28.0, last)

	all := idx.Segments(10, 100)
	require.Len(t, all, 5)
	assert.InDelta(t, 2.0, all[4].Duration, 1e-9, "last segment is clamped to the Period end")
	assert.True(t, idx.IsFinished())
	assert.False(t, idx.CanBeOutOfSync())
}

func TestTemplateIndex_Dynamic(t *testing.T) {
	idx := NewTemplateIndex(TemplateConfig{SegmentDuration: 2, Dynamic: true})
	idx.SetAvailableUntil(7)

	assert.False(t, idx.IsFinished())
	assert.True(t, idx.CanBeOutOfSync())
	assert.Len(t, idx.Segments(0, 100), 3, "only complete segments are available")

	last, ok := idx.LastPosition()
	require.True(t, ok)
	assert.Equal(t, 6.0, last)

	idx.SetAvailableUntil(11)
	assert.Len(t, idx.Segments(0, 100), 5)
	idx.Finish()
	assert.True(t, idx.IsFinished())
}

func TestTimelineIndex_Holes(t *testing.T) {
	idx := NewTimelineIndex(TimelineConfig{Timescale: 10}, []TimelineEntry{
		{Start: ptr(uint64(0)), Duration: 20, Repeat: 2}, // 0-6
		{Start: ptr(uint64(100)), Duration: 20},         // 10-12
	})

	segs := idx.Segments(0, 20)
	require.Len(t, segs, 4)
	assert.Equal(t, 10.0, segs[3].Time)
	assert.Equal(t, "100", segs[3].ID)

	next, ok := idx.CheckDiscontinuity(7)
	require.True(t, ok)
	assert.Equal(t, 10.0, next)

	_, ok = idx.CheckDiscontinuity(3)
	assert.False(t, ok, "no hole at a buffered segment")

	idx.Append(TimelineEntry{Duration: 20, Repeat: 1})
	last, _ := idx.LastPosition()
	assert.Equal(t, 16.0, last)
}

func TestURLTemplate(t *testing.T) {
	tpl := URLTemplate{Template: "$RepresentationID$_$Bandwidth$_$Time$_$Number%03d$$$.mp4", RepresentationID: "a", Bandwidth: 128000}
	assert.Equal(t, "a_128000_900_007$.mp4", tpl.Expand(7, 900))
}

func TestRepresentation_Playability(t *testing.T) {
	r := NewRepresentation("r", 1e6, nil)
	assert.True(t, r.IsPlayable())

	r.SetDecipherable(false)
	assert.False(t, r.IsPlayable())
	r.SetDecipherable(true)
	assert.True(t, r.IsPlayable())

	r.SetSupported(false)
	assert.False(t, r.IsPlayable())
}

func newTestManifest(repIDs ...string) *Manifest {
	var reps []*Representation
	for _, id := range repIDs {
		reps = append(reps, NewRepresentation(id, 1e6, NewTemplateIndex(TemplateConfig{SegmentDuration: 2})))
	}
	return New("m", false, []*Period{{
		ID:          "p1",
		Adaptations: []*Adaptation{{ID: "video", Type: Video, Representations: reps}},
	}})
}

func TestManifest_Replace(t *testing.T) {
	m := newTestManifest("low", "high")
	high := m.PeriodByID("p1").AdaptationByID("video").RepresentationByID("high")
	low := m.PeriodByID("p1").AdaptationByID("video").RepresentationByID("low")
	oldIndex := high.Index()

	c := cancellation.New()
	var got []Update
	m.OnUpdate(func(u Update) { got = append(got, u) }, c.Signal())

	u := m.Replace(newTestManifest("high", "uhd"))

	require.Len(t, got, 1)
	assert.Equal(t, u, got[0])
	assert.Equal(t, []string{"p1"}, u.UpdatedPeriods)
	assert.True(t, u.RemovesRepresentation("p1", "video", "low"))
	assert.False(t, u.RemovesRepresentation("p1", "video", "high"))
	assert.Equal(t, []RepresentationRef{{"p1", "video", "uhd"}}, u.AddedRepresentations)

	ad := m.PeriodByID("p1").AdaptationByID("video")
	assert.Same(t, high, ad.RepresentationByID("high"), "surviving representations keep their identity")
	assert.NotSame(t, oldIndex, high.Index(), "index is refreshed")
	assert.Nil(t, ad.RepresentationByID("low"))
	assert.NotNil(t, low)

	c.Cancel()
	m.Replace(newTestManifest("high"))
	assert.Len(t, got, 1, "listener removed with its signal")
}

func TestManifest_PeriodLookup(t *testing.T) {
	p2 := &Period{ID: "p2", Start: 10}
	p1 := &Period{ID: "p1", Start: 0, End: ptr(10.0)}
	m := New("m", false, []*Period{p2, p1})

	assert.Equal(t, []*Period{p1, p2}, m.Periods())
	assert.Same(t, p1, m.PeriodAt(5))
	assert.Same(t, p2, m.PeriodAt(50))
	assert.Same(t, p2, m.NextPeriod(p1))
	assert.Nil(t, m.NextPeriod(p2))
}
