package stream

import (
	"math"

	"github.com/thesyncim/abrstream/pkg/fetch"
	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
	"github.com/thesyncim/abrstream/pkg/sink"
)

var inf = math.Inf(1)

// neededInput is what the segment selection works from.
type neededInput struct {
	content       manifest.Content
	position      float64
	bufferGoal    float64
	maxBufferSize float64 // kilobytes
	threshold     FastSwitchThreshold
	buffered      []sink.ChunkInfo // pushed chunks
	pending       []sink.ChunkInfo // chunks loaded or being pushed
}

// neededResult is the outcome of neededSegments.
type neededResult struct {
	segments []fetch.QueuedSegment
	start    float64
	end      float64 // end of the wanted range
	capped   bool    // maxBufferSize stopped the selection
}

// neededSegments returns the media segments to load for the wanted range
// [position, position+bufferGoal), bounded by the Period, in priority order.
func neededSegments(in neededInput, cfg Config) neededResult {
	period := in.content.Period
	rep := in.content.Representation
	res := neededResult{
		start: math.Max(in.position, period.Start),
		end:   math.Min(in.position+in.bufferGoal, period.EndOrInf()),
	}
	index := rep.Index()
	if index == nil || res.end <= res.start {
		return res
	}

	used := 0.0
	for _, c := range in.buffered {
		if c.End > in.position {
			used += float64(c.Size) / 1000
		}
	}

	for _, seg := range index.Segments(res.start, res.end-res.start) {
		if seg.Time >= period.EndOrInf() {
			break
		}
		if isCovered(in, seg, cfg) {
			continue
		}
		estimated := rep.Bitrate * seg.Duration / 8000
		if used+estimated > in.maxBufferSize && (used > 0 || len(res.segments) > 0) {
			res.capped = true
			break
		}
		used += estimated
		res.segments = append(res.segments, fetch.QueuedSegment{
			Segment:  seg,
			Priority: cfg.priority(math.Max(0, seg.Time-in.position)),
		})
	}
	return res
}

// isCovered reports whether seg is already buffered or pending in a way
// that should be kept.
func isCovered(in neededInput, seg manifest.Segment, cfg Config) bool {
	covers := func(c sink.ChunkInfo) bool {
		return !c.Segment.IsInit &&
			c.Start <= seg.Time+cfg.Tolerance &&
			c.End >= seg.End()-cfg.Tolerance
	}
	for _, c := range in.pending {
		if covers(c) {
			return true
		}
	}
	for _, c := range in.buffered {
		if covers(c) && !shouldReplace(in, c, cfg) {
			return true
		}
	}
	return false
}

// shouldReplace reports whether the buffered chunk c should be loaded again
// from the streamed Representation.
func shouldReplace(in neededInput, c sink.ChunkInfo, cfg Config) bool {
	if c.Content.Period == nil || c.Content.Period.ID != in.content.Period.ID {
		return false
	}
	if c.Start < in.position+cfg.ReplacementPadding {
		return false
	}
	if c.Content.Adaptation == nil || c.Content.Adaptation.ID != in.content.Adaptation.ID {
		return true
	}
	if c.Content.Representation != nil && c.Content.Representation.ID == in.content.Representation.ID {
		return false
	}
	return in.threshold.allowsReplacing(c.Bitrate(), in.content.Representation.Bitrate, cfg.UnlimitedReplacementRatio)
}

// imminentDiscontinuity looks for a hole in the index from the end of the
// media buffered at position.
func imminentDiscontinuity(content manifest.Content, position, wantedEnd float64, buffered ranges.Ranges, cfg Config) *Discontinuity {
	index := content.Representation.Index()
	if index == nil {
		return nil
	}
	from := position
	if r, ok := buffered.RangeAt(position); ok {
		from = r.End
	}
	if from > wantedEnd {
		return nil
	}
	if next, ok := index.CheckDiscontinuity(from); ok && next > from+cfg.Tolerance {
		start := from
		return &Discontinuity{Start: &start, End: &next}
	}
	if !index.IsFinished() {
		return nil
	}
	last, ok := index.LastPosition()
	if !ok {
		return nil
	}
	if last < content.Period.EndOrInf()-cfg.Tolerance && from >= last-cfg.Tolerance {
		return &Discontinuity{Start: &last}
	}
	return nil
}

// reachedEnd reports whether every segment up to the end of the content
// lies inside the wanted range.
func reachedEnd(content manifest.Content, wantedEnd float64, cfg Config) bool {
	if wantedEnd >= content.Period.EndOrInf()-cfg.Tolerance {
		return true
	}
	index := content.Representation.Index()
	if index == nil || !index.IsFinished() {
		return false
	}
	last, ok := index.LastPosition()
	return !ok || wantedEnd >= last-cfg.Tolerance
}

// needsRefresh reports whether the index ends before the wanted range while
// more segments may still be announced.
func needsRefresh(content manifest.Content, wantedEnd float64, cfg Config) bool {
	index := content.Representation.Index()
	if index == nil || index.IsFinished() {
		return false
	}
	last, ok := index.LastPosition()
	return !ok || last < wantedEnd-cfg.Tolerance
}
