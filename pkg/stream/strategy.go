package stream

import (
	"fmt"
	"math"

	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
	"github.com/thesyncim/abrstream/pkg/sink"
)

// StrategyKind is what a RepresentationsChoice update requires before
// streaming resumes.
type StrategyKind int

const (
	StrategyContinue    StrategyKind = iota // keep the buffer as is
	StrategyNeedsReload                     // reload the media source
	StrategyCleanBuffer                     // remove Ranges
	StrategyFlushBuffer                     // remove Ranges, then flush the decoder
)

var strategyKindNames = [...]string{"continue", "needs-reload", "clean-buffer", "flush-buffer"}

func (k StrategyKind) String() string {
	if int(k) < len(strategyKindNames) {
		return strategyKindNames[k]
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// SwitchStrategy is the outcome of SwitchingStrategy.
type SwitchStrategy struct {
	Kind   StrategyKind
	Ranges ranges.Ranges
}

// SwitchingStrategy compares choice against the media buffered in s for
// content's Period and returns what to do with media of Representations
// that are no longer chosen.
//
// Lazy mode always continues. Reload mode reloads as soon as unwanted media
// is buffered. Seamless mode keeps the configured padding around position
// and cleans the rest. Direct mode keeps no padding and flushes when media
// at position is removed.
func SwitchingStrategy(content manifest.Content, choice RepresentationsChoice, s sink.SegmentSink, position float64, cfg Config) SwitchStrategy {
	cfg = cfg.withDefaults()
	if choice.SwitchingMode == SwitchLazy {
		return SwitchStrategy{Kind: StrategyContinue}
	}

	unwanted := unwantedRanges(content, choice, s)
	if len(unwanted) == 0 {
		return SwitchStrategy{Kind: StrategyContinue}
	}
	if choice.SwitchingMode == SwitchReload {
		return SwitchStrategy{Kind: StrategyNeedsReload}
	}

	period := content.Period
	excluded := []ranges.Range{{Start: 0, End: period.Start}}
	if end := period.EndOrInf(); !math.IsInf(end, 1) {
		excluded = append(excluded, ranges.Range{Start: end, End: math.Inf(1)})
	}
	if choice.SwitchingMode != SwitchDirect {
		pad := cfg.SwitchPaddings[content.Adaptation.Type]
		excluded = append(excluded, ranges.Range{
			Start: math.Max(0, position-pad.Before),
			End:   position + pad.After,
		})
	}

	toRemove := ranges.Exclude(unwanted, excluded)
	if len(toRemove) == 0 {
		return SwitchStrategy{Kind: StrategyContinue}
	}
	if choice.SwitchingMode == SwitchDirect && toRemove.Contains(position) {
		return SwitchStrategy{Kind: StrategyFlushBuffer, Ranges: toRemove}
	}
	return SwitchStrategy{Kind: StrategyCleanBuffer, Ranges: toRemove}
}

// unwantedRanges returns the ranges of buffered or pending media of
// content's Period that belong to another Adaptation or to a Representation
// absent from choice.
func unwantedRanges(content manifest.Content, choice RepresentationsChoice, s sink.SegmentSink) ranges.Ranges {
	var out ranges.Ranges
	collect := func(chunks []sink.ChunkInfo) {
		for _, c := range chunks {
			if c.Segment.IsInit || c.Content.Period == nil || c.Content.Period.ID != content.Period.ID {
				continue
			}
			if c.Content.Adaptation != nil && c.Content.Adaptation.ID == content.Adaptation.ID &&
				c.Content.Representation != nil && choice.includes(c.Content.Representation.ID) {
				continue
			}
			out = out.Insert(c.Range())
		}
	}
	collect(s.Inventory())
	collect(s.PendingPushes())
	return out
}
