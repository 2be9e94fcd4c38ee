package stream

import (
	"fmt"

	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
)

// SwitchingMode tells what to do with buffered media of Representations
// that are no longer chosen.
type SwitchingMode int

const (
	// SwitchSeamless removes unwanted media ahead of the position and
	// keeps what is about to play.
	SwitchSeamless SwitchingMode = iota
	// SwitchLazy keeps buffered media. It is replaced progressively.
	SwitchLazy
	// SwitchDirect removes unwanted media right away, flushing the
	// decoder when media at the position is removed.
	SwitchDirect
	// SwitchReload reloads the media source.
	SwitchReload
)

var switchingModeNames = [...]string{"seamless", "lazy", "direct", "reload"}

func (m SwitchingMode) String() string {
	if int(m) < len(switchingModeNames) {
		return switchingModeNames[m]
	}
	return fmt.Sprintf("unknown(%d)", int(m))
}

// ParseSwitchingMode parses the String form of a SwitchingMode.
func ParseSwitchingMode(s string) (SwitchingMode, error) {
	for i, name := range switchingModeNames {
		if name == s {
			return SwitchingMode(i), nil
		}
	}
	return 0, fmt.Errorf("stream: unknown switching mode %q", s)
}

// RepresentationsChoice restricts the Representations an AdaptationStream
// may stream.
type RepresentationsChoice struct {
	RepresentationIDs []string
	SwitchingMode     SwitchingMode
}

func (c RepresentationsChoice) includes(id string) bool {
	for _, rid := range c.RepresentationIDs {
		if rid == id {
			return true
		}
	}
	return false
}

// TerminationOrder asks a RepresentationStream to stop. An urgent order
// aborts running requests.
type TerminationOrder struct {
	Urgent bool
}

// FastSwitchThreshold bounds the bitrate under which buffered segments may
// be replaced by segments of a better Representation. The zero value
// disables replacement. Unlimited allows replacing any segment by one of a
// sufficiently higher bitrate.
type FastSwitchThreshold struct {
	Bitrate   float64
	Unlimited bool
}

// allowsReplacing reports whether buffered media at bitrate old may be
// replaced by media at bitrate next. ratio is the minimum next/old ratio
// of an unlimited threshold.
func (t FastSwitchThreshold) allowsReplacing(old, next, ratio float64) bool {
	if t.Unlimited {
		return next > old*ratio
	}
	return old < t.Bitrate && next > old
}

// Discontinuity is a hole in the segments ahead of the position. A nil
// End means no segment follows in the Period.
type Discontinuity struct {
	Start *float64 `json:"start,omitempty"`
	End   *float64 `json:"end,omitempty"`
}

// StreamStatus is the loading state of a track in a Period. A new status
// replaces the previous one for the same Period and type.
//
// RepresentationStreams always stream an Adaptation and never set
// IsEmptyStream. It marks the status an orchestrator reports for a track
// the Period has no Adaptation of; such a status has also finished
// loading.
type StreamStatus struct {
	Period                *manifest.Period      `json:"-"`
	PeriodID              string                `json:"period"`
	Type                  manifest.BufferType   `json:"type"`
	Position              float64               `json:"position"`
	ImminentDiscontinuity *Discontinuity        `json:"imminentDiscontinuity,omitempty"`
	HasFinishedLoading    bool                  `json:"hasFinishedLoading"`
	IsEmptyStream         bool                  `json:"isEmptyStream"`
	NeededSegments        []fetch.QueuedSegment `json:"neededSegments"`
}

// AddedSegmentEvent is reported after a segment was pushed to the sink.
type AddedSegmentEvent struct {
	Content  manifest.Content
	Segment  manifest.Segment
	Buffered ranges.Ranges
}

// RepresentationChangeEvent announces the Representation being streamed.
type RepresentationChangeEvent struct {
	Type           manifest.BufferType
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
}

// BitrateEstimateEvent reports a new bandwidth estimate.
type BitrateEstimateEvent struct {
	Type    manifest.BufferType
	Bitrate float64
}

// ReloadRequest asks the orchestrator to reload the media source.
type ReloadRequest struct {
	Type         manifest.BufferType
	Period       *manifest.Period
	TimeOffset   float64
	StayInPeriod bool
}
