// Package sink defines the media buffer the streaming core pushes segments
// to, and an in-memory implementation.
package sink

import (
	"context"
	"errors"

	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
)

// ErrBufferFull is returned by PushChunk when the sink cannot hold more
// data. The caller may retry with less data buffered ahead.
var ErrBufferFull = errors.New("sink: buffer full")

// Chunk is media data ready to be appended.
type Chunk struct {
	Content manifest.Content
	Segment manifest.Segment
	Data    []byte
}

// ChunkInfo describes appended or pending media.
type ChunkInfo struct {
	Content manifest.Content
	Segment manifest.Segment
	Start   float64
	End     float64
	Size    int
}

// Bitrate returns the bitrate of the Representation the chunk comes from.
func (c ChunkInfo) Bitrate() float64 {
	if c.Content.Representation == nil {
		return 0
	}
	return c.Content.Representation.Bitrate
}

// Range returns [Start, End).
func (c ChunkInfo) Range() ranges.Range {
	return ranges.Range{Start: c.Start, End: c.End}
}

// SegmentSink is a media buffer for one track type.
type SegmentSink interface {
	Type() manifest.BufferType

	// PushChunk appends a chunk. Initialization segments carry no time
	// range. Returns ErrBufferFull when the buffer is saturated.
	PushChunk(ctx context.Context, c Chunk) error

	// RemoveBuffer removes media in [start, end).
	RemoveBuffer(ctx context.Context, start, end float64) error

	// Buffered returns the time ranges currently buffered.
	Buffered() ranges.Ranges

	// Inventory lists buffered media chunks, ordered by start.
	Inventory() []ChunkInfo

	// PendingPushes lists chunks whose push has not completed.
	PendingPushes() []ChunkInfo
}
