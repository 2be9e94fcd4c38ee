package manifest

import (
	"math"
	"strconv"
	"strings"
)

var inf = math.Inf(1)

// Segment is one addressable piece of media, with times in seconds on the
// presentation timeline.
type Segment struct {
	ID       string  `json:"id"`
	Time     float64 `json:"time"`
	Duration float64 `json:"duration"`
	Number   uint64  `json:"number,omitempty"`
	URL      string  `json:"url,omitempty"`
	IsInit   bool    `json:"isInit,omitempty"`
}

// End returns Time + Duration.
func (s Segment) End() float64 {
	return s.Time + s.Duration
}

// SegmentIndex lists the segments available for one Representation.
type SegmentIndex interface {
	// InitSegment returns the initialization segment, if the
	// Representation has one.
	InitSegment() (Segment, bool)

	// Segments returns the media segments overlapping [from, from+dur),
	// ordered by time.
	Segments(from, dur float64) []Segment

	// FirstPosition returns the start of the first available segment.
	FirstPosition() (float64, bool)

	// LastPosition returns the end of the last available segment.
	LastPosition() (float64, bool)

	// IsFinished reports whether no segment will ever be added.
	IsFinished() bool

	// CheckDiscontinuity returns the start of the next available segment
	// when t falls in a hole of the index.
	CheckDiscontinuity(t float64) (float64, bool)

	// CanBeOutOfSync reports whether the index may describe segments the
	// server does not have yet, or no longer has.
	CanBeOutOfSync() bool
}

// URLTemplate expands DASH-style identifiers: $RepresentationID$,
// $Number$, $Time$ and $Bandwidth$, with optional %0Nd width on the
// numeric ones.
type URLTemplate struct {
	Template         string
	RepresentationID string
	Bandwidth        uint64
}

// Expand returns the URL for a segment.
func (t URLTemplate) Expand(number, time uint64) string {
	if t.Template == "" {
		return ""
	}
	var b strings.Builder
	s := t.Template
	for {
		start := strings.IndexByte(s, '$')
		if start < 0 {
			b.WriteString(s)
			break
		}
		end := strings.IndexByte(s[start+1:], '$')
		if end < 0 {
			b.WriteString(s)
			break
		}
		end += start + 1
		b.WriteString(s[:start])
		b.WriteString(t.identifier(s[start+1:end], number, time))
		s = s[end+1:]
	}
	return b.String()
}

func (t URLTemplate) identifier(id string, number, time uint64) string {
	name, format, _ := strings.Cut(id, "%")
	var value uint64
	switch name {
	case "":
		return "$"
	case "RepresentationID":
		return t.RepresentationID
	case "Number":
		value = number
	case "Time":
		value = time
	case "Bandwidth":
		value = t.Bandwidth
	default:
		return "$" + id + "$"
	}
	out := strconv.FormatUint(value, 10)
	if format != "" {
		width, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(format, "0"), "d"))
		if err == nil && len(out) < width {
			out = strings.Repeat("0", width-len(out)) + out
		}
	}
	return out
}
