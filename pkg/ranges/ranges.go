// Package ranges implements arithmetic on sorted time ranges, in seconds.
package ranges

import (
	"math"
	"sort"
)

// Tolerance is the gap under which two ranges are considered contiguous.
const Tolerance = 1.0 / 60

// Range is a half-open time interval [Start, End).
type Range struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Duration returns End - Start.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t falls inside r.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Overlaps reports whether r and o share any time.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

// Ranges is a sorted list of non-overlapping ranges.
type Ranges []Range

// FromUnsorted normalizes an arbitrary list of ranges.
func FromUnsorted(in []Range) Ranges {
	var out Ranges
	for _, r := range in {
		out = out.Insert(r)
	}
	return out
}

// Insert adds r, merging it with neighbours closer than Tolerance.
func (rs Ranges) Insert(r Range) Ranges {
	if r.End <= r.Start {
		return rs
	}
	out := make(Ranges, 0, len(rs)+1)
	merged := r
	inserted := false
	for _, cur := range rs {
		switch {
		case cur.End+Tolerance < merged.Start:
			out = append(out, cur)
		case merged.End+Tolerance < cur.Start:
			if !inserted {
				out = append(out, merged)
				inserted = true
			}
			out = append(out, cur)
		default:
			merged.Start = math.Min(merged.Start, cur.Start)
			merged.End = math.Max(merged.End, cur.End)
		}
	}
	if !inserted {
		out = append(out, merged)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Remove deletes [start, end) from rs.
func (rs Ranges) Remove(start, end float64) Ranges {
	return Exclude(rs, []Range{{Start: start, End: end}})
}

// Contains reports whether t falls inside one of the ranges.
func (rs Ranges) Contains(t float64) bool {
	_, ok := rs.RangeAt(t)
	return ok
}

// RangeAt returns the range containing t.
func (rs Ranges) RangeAt(t float64) (Range, bool) {
	for _, r := range rs {
		if r.Contains(t) {
			return r, true
		}
	}
	return Range{}, false
}

// GapAhead returns how much contiguous time is available from t, or 0 if t
// is not buffered.
func (rs Ranges) GapAhead(t float64) float64 {
	r, ok := rs.RangeAt(t)
	if !ok {
		return 0
	}
	return r.End - t
}

// Intersect returns the parts of rs that overlap r.
func (rs Ranges) Intersect(r Range) Ranges {
	var out Ranges
	for _, cur := range rs {
		if !cur.Overlaps(r) {
			continue
		}
		out = append(out, Range{
			Start: math.Max(cur.Start, r.Start),
			End:   math.Min(cur.End, r.End),
		})
	}
	return out
}

// Exclude returns base minus every range of excluded. base does not need
// to be normalized; the result is.
func Exclude(base []Range, excluded []Range) Ranges {
	out := FromUnsorted(base)
	for _, ex := range excluded {
		if ex.End <= ex.Start {
			continue
		}
		next := make(Ranges, 0, len(out))
		for _, r := range out {
			if !r.Overlaps(ex) {
				next = append(next, r)
				continue
			}
			if r.Start < ex.Start {
				next = append(next, Range{Start: r.Start, End: ex.Start})
			}
			if ex.End < r.End {
				next = append(next, Range{Start: ex.End, End: r.End})
			}
		}
		out = next
	}
	return out
}
