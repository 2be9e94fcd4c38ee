package manifest

import (
	"sort"
	"strconv"
	"sync"
)

// TimelineEntry is a run of Repeat+1 segments of equal duration, in ticks.
// A Start of nil continues from the end of the previous entry.
type TimelineEntry struct {
	Start    *uint64
	Duration uint64
	Repeat   int
}

// TimelineConfig configures a TimelineIndex.
type TimelineConfig struct {
	// Timescale is the number of ticks per second.
	// Default: 1
	Timescale uint64

	// StartNumber is the number of the first segment.
	// Default: 1
	StartNumber uint64

	PresentationTimeOffset uint64

	PeriodStart float64
	PeriodEnd   *float64

	Media URLTemplate
	Init  URLTemplate

	Dynamic bool
}

// TimelineIndex describes an explicit list of segments. Entries whose start
// is past the end of the previous one leave a hole in the index.
type TimelineIndex struct {
	cfg TimelineConfig

	mu       sync.Mutex
	segments []Segment
	// media time, in ticks, of the end of the last segment
	lastEnd  uint64
	finished bool
}

// NewTimelineIndex creates a TimelineIndex holding entries.
func NewTimelineIndex(cfg TimelineConfig, entries []TimelineEntry) *TimelineIndex {
	if cfg.Timescale == 0 {
		cfg.Timescale = 1
	}
	if cfg.StartNumber == 0 {
		cfg.StartNumber = 1
	}
	x := &TimelineIndex{cfg: cfg, finished: !cfg.Dynamic, lastEnd: cfg.PresentationTimeOffset}
	x.Append(entries...)
	return x
}

// Append adds entries after the known segments. Segments starting before
// the current end are ignored.
func (x *TimelineIndex) Append(entries ...TimelineEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, e := range entries {
		t := x.lastEnd
		if e.Start != nil {
			t = *e.Start
		}
		for r := 0; r <= e.Repeat; r++ {
			if e.Duration == 0 {
				break
			}
			if len(x.segments) > 0 && t < x.lastEnd {
				t += e.Duration
				continue
			}
			x.segments = append(x.segments, x.makeSegment(t, e.Duration))
			t += e.Duration
			x.lastEnd = t
		}
	}
}

func (x *TimelineIndex) makeSegment(mediaTime, d uint64) Segment {
	number := x.cfg.StartNumber + uint64(len(x.segments))
	ts := float64(x.cfg.Timescale)
	start := x.cfg.PeriodStart + (float64(mediaTime)-float64(x.cfg.PresentationTimeOffset))/ts
	end := start + float64(d)/ts
	if x.cfg.PeriodEnd != nil && end > *x.cfg.PeriodEnd {
		end = *x.cfg.PeriodEnd
	}
	return Segment{
		ID:       strconv.FormatUint(mediaTime, 10),
		Time:     start,
		Duration: end - start,
		Number:   number,
		URL:      x.cfg.Media.Expand(number, mediaTime),
	}
}

// Finish marks the index as complete.
func (x *TimelineIndex) Finish() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.finished = true
}

// InitSegment implements SegmentIndex.
func (x *TimelineIndex) InitSegment() (Segment, bool) {
	if x.cfg.Init.Template == "" {
		return Segment{}, false
	}
	return Segment{
		ID:     "init",
		Time:   x.cfg.PeriodStart,
		URL:    x.cfg.Init.Expand(0, 0),
		IsInit: true,
	}, true
}

// Segments implements SegmentIndex.
func (x *TimelineIndex) Segments(from, dur float64) []Segment {
	x.mu.Lock()
	defer x.mu.Unlock()
	to := from + dur
	i := sort.Search(len(x.segments), func(i int) bool {
		return x.segments[i].End() > from
	})
	var out []Segment
	for ; i < len(x.segments) && x.segments[i].Time < to; i++ {
		if x.segments[i].Duration > 0 {
			out = append(out, x.segments[i])
		}
	}
	return out
}

// FirstPosition implements SegmentIndex.
func (x *TimelineIndex) FirstPosition() (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.segments) == 0 {
		return 0, false
	}
	return x.segments[0].Time, true
}

// LastPosition implements SegmentIndex.
func (x *TimelineIndex) LastPosition() (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if len(x.segments) == 0 {
		return 0, false
	}
	return x.segments[len(x.segments)-1].End(), true
}

// IsFinished implements SegmentIndex.
func (x *TimelineIndex) IsFinished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.finished
}

// CheckDiscontinuity implements SegmentIndex.
func (x *TimelineIndex) CheckDiscontinuity(t float64) (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	prevEnd := x.cfg.PeriodStart
	for _, s := range x.segments {
		if s.Time > t {
			if t >= prevEnd && s.Time-prevEnd > holeTolerance {
				return s.Time, true
			}
			return 0, false
		}
		prevEnd = s.End()
	}
	return 0, false
}

// CanBeOutOfSync implements SegmentIndex.
func (x *TimelineIndex) CanBeOutOfSync() bool {
	return x.cfg.Dynamic
}

// holeTolerance is the smallest gap between two segments treated as a hole.
const holeTolerance = 1.0 / 60
