package manifest

import (
	"math"
	"strconv"
	"sync"
)

// maxListedSegments bounds a single Segments call on an unbounded index.
const maxListedSegments = 4096

// TemplateConfig configures a TemplateIndex.
type TemplateConfig struct {
	// Timescale is the number of ticks per second.
	// Default: 1
	Timescale uint64

	// SegmentDuration is the duration of every segment, in ticks.
	SegmentDuration uint64

	// StartNumber is the number of the first segment.
	// Default: 1
	StartNumber uint64

	// EndNumber is the number of the last segment, if known.
	EndNumber *uint64

	// PresentationTimeOffset is the media time, in ticks, that maps to
	// the Period start.
	PresentationTimeOffset uint64

	PeriodStart float64
	PeriodEnd   *float64

	Media URLTemplate
	Init  URLTemplate

	// Dynamic marks a live index whose segments become available over
	// time. See SetAvailableUntil.
	Dynamic bool
}

// TemplateIndex describes numbered segments of constant duration.
type TemplateIndex struct {
	cfg TemplateConfig

	mu             sync.Mutex
	availableUntil *float64
	finished       bool
}

// NewTemplateIndex creates a TemplateIndex, applying defaults to zero fields.
func NewTemplateIndex(cfg TemplateConfig) *TemplateIndex {
	if cfg.Timescale == 0 {
		cfg.Timescale = 1
	}
	if cfg.StartNumber == 0 {
		cfg.StartNumber = 1
	}
	return &TemplateIndex{cfg: cfg, finished: !cfg.Dynamic}
}

// SetAvailableUntil declares that segments ending before t exist on the
// server. Only meaningful for dynamic indexes.
func (x *TemplateIndex) SetAvailableUntil(t float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.availableUntil = &t
}

// Finish marks the index as complete.
func (x *TemplateIndex) Finish() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.finished = true
}

func (x *TemplateIndex) segmentDuration() float64 {
	return float64(x.cfg.SegmentDuration) / float64(x.cfg.Timescale)
}

// count returns the number of available segments, or -1 when unbounded.
func (x *TemplateIndex) count() int64 {
	if x.cfg.SegmentDuration == 0 {
		return 0
	}
	n := int64(-1)
	if x.cfg.EndNumber != nil {
		n = int64(*x.cfg.EndNumber) - int64(x.cfg.StartNumber) + 1
	} else if x.cfg.PeriodEnd != nil {
		n = int64(math.Ceil((*x.cfg.PeriodEnd - x.cfg.PeriodStart) / x.segmentDuration()))
	}

	x.mu.Lock()
	until := x.availableUntil
	x.mu.Unlock()
	if x.cfg.Dynamic && until != nil {
		avail := int64(math.Floor((*until - x.cfg.PeriodStart) / x.segmentDuration()))
		if avail < 0 {
			avail = 0
		}
		if n < 0 || avail < n {
			n = avail
		}
	}
	if n < -1 {
		n = 0
	}
	return n
}

func (x *TemplateIndex) segment(i int64) Segment {
	d := x.segmentDuration()
	number := x.cfg.StartNumber + uint64(i)
	mediaTime := x.cfg.PresentationTimeOffset + uint64(i)*x.cfg.SegmentDuration
	start := x.cfg.PeriodStart + float64(i)*d
	end := start + d
	if x.cfg.PeriodEnd != nil && end > *x.cfg.PeriodEnd {
		end = *x.cfg.PeriodEnd
	}
	return Segment{
		ID:       strconv.FormatUint(number, 10),
		Time:     start,
		Duration: end - start,
		Number:   number,
		URL:      x.cfg.Media.Expand(number, mediaTime),
	}
}

// InitSegment implements SegmentIndex.
func (x *TemplateIndex) InitSegment() (Segment, bool) {
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
func (x *TemplateIndex) Segments(from, dur float64) []Segment {
	d := x.segmentDuration()
	if d <= 0 || dur <= 0 {
		return nil
	}
	n := x.count()
	i := int64(math.Floor((from - x.cfg.PeriodStart) / d))
	if i < 0 {
		i = 0
	}
	to := from + dur
	var out []Segment
	for ; (n < 0 || i < n) && len(out) < maxListedSegments; i++ {
		seg := x.segment(i)
		if seg.Time >= to || seg.Duration <= 0 {
			break
		}
		if seg.End() > from {
			out = append(out, seg)
		}
	}
	return out
}

// FirstPosition implements SegmentIndex.
func (x *TemplateIndex) FirstPosition() (float64, bool) {
	if x.count() == 0 {
		return 0, false
	}
	return x.cfg.PeriodStart, true
}

// LastPosition implements SegmentIndex.
func (x *TemplateIndex) LastPosition() (float64, bool) {
	n := x.count()
	if n <= 0 {
		return 0, false
	}
	return x.segment(n - 1).End(), true
}

// IsFinished implements SegmentIndex.
func (x *TemplateIndex) IsFinished() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.finished
}

// CheckDiscontinuity implements SegmentIndex. Template indexes have no holes.
func (x *TemplateIndex) CheckDiscontinuity(float64) (float64, bool) {
	return 0, false
}

// CanBeOutOfSync implements SegmentIndex.
func (x *TemplateIndex) CanBeOutOfSync() bool {
	return x.cfg.Dynamic
}
