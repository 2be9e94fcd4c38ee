package sink

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/thesyncim/abrstream/pkg/manifest"
	"github.com/thesyncim/abrstream/pkg/ranges"
)

// MemoryConfig configures a Memory sink.
type MemoryConfig struct {
	// Quota is the maximum number of media bytes held. Zero means unlimited.
	Quota int

	// Latency delays every operation, simulating a decoder buffer.
	// Default: 0
	Latency time.Duration
}

// Memory is a SegmentSink keeping chunk metadata and sizes in memory.
// It is safe for concurrent use.
type Memory struct {
	typ manifest.BufferType
	cfg MemoryConfig

	mu        sync.Mutex
	inventory []ChunkInfo
	pending   map[uint64]ChunkInfo
	nextID    uint64
	used      int
	inits     map[string]int
}

// NewMemory creates an empty Memory sink for typ.
func NewMemory(typ manifest.BufferType, cfg MemoryConfig) *Memory {
	return &Memory{
		typ:     typ,
		cfg:     cfg,
		pending: make(map[uint64]ChunkInfo),
		inits:   make(map[string]int),
	}
}

// Type implements SegmentSink.
func (s *Memory) Type() manifest.BufferType {
	return s.typ
}

// PushChunk implements SegmentSink. Media already buffered over the chunk's
// time range is replaced.
func (s *Memory) PushChunk(ctx context.Context, c Chunk) error {
	info := ChunkInfo{
		Content: c.Content,
		Segment: c.Segment,
		Start:   c.Segment.Time,
		End:     c.Segment.End(),
		Size:    len(c.Data),
	}

	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.pending[id] = info
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if c.Segment.IsInit {
		if c.Content.Representation != nil {
			s.inits[c.Content.Representation.ID] = len(c.Data)
		}
		return nil
	}
	if info.End <= info.Start {
		return nil
	}

	if s.cfg.Quota > 0 && s.used-s.overlapLocked(info.Start, info.End)+info.Size > s.cfg.Quota {
		return ErrBufferFull
	}
	s.removeLocked(info.Start, info.End)
	s.used += info.Size
	i := sort.Search(len(s.inventory), func(i int) bool {
		return s.inventory[i].Start >= info.Start
	})
	s.inventory = append(s.inventory, ChunkInfo{})
	copy(s.inventory[i+1:], s.inventory[i:])
	s.inventory[i] = info
	return nil
}

// RemoveBuffer implements SegmentSink.
func (s *Memory) RemoveBuffer(ctx context.Context, start, end float64) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(start, end)
	return nil
}

// CollectBehind removes media ending more than keep seconds before position.
func (s *Memory) CollectBehind(position, keep float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit := position - keep; limit > 0 {
		s.removeLocked(0, limit)
	}
}

func (s *Memory) removeLocked(start, end float64) {
	if end <= start {
		return
	}
	kept := make([]ChunkInfo, 0, len(s.inventory)+1)
	for _, c := range s.inventory {
		if c.End <= start || c.Start >= end {
			kept = append(kept, c)
			continue
		}
		dur := c.End - c.Start
		s.used -= c.Size
		if c.Start < start {
			head := c
			head.End = start
			head.Size = prorate(c.Size, head.End-head.Start, dur)
			s.used += head.Size
			kept = append(kept, head)
		}
		if c.End > end {
			tail := c
			tail.Start = end
			tail.Size = prorate(c.Size, tail.End-tail.Start, dur)
			s.used += tail.Size
			kept = append(kept, tail)
		}
	}
	s.inventory = kept
}

// overlapLocked returns the bytes removeLocked(start, end) would free.
func (s *Memory) overlapLocked(start, end float64) int {
	n := 0
	for _, c := range s.inventory {
		if c.End <= start || c.Start >= end {
			continue
		}
		inside := min(c.End, end) - max(c.Start, start)
		n += prorate(c.Size, inside, c.End-c.Start)
	}
	return n
}

func prorate(size int, part, whole float64) int {
	if whole <= 0 {
		return 0
	}
	return int(float64(size) * part / whole)
}

// Buffered implements SegmentSink.
func (s *Memory) Buffered() ranges.Ranges {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out ranges.Ranges
	for _, c := range s.inventory {
		out = out.Insert(c.Range())
	}
	return out
}

// Inventory implements SegmentSink.
func (s *Memory) Inventory() []ChunkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ChunkInfo(nil), s.inventory...)
}

// PendingPushes implements SegmentSink.
func (s *Memory) PendingPushes() []ChunkInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ChunkInfo, 0, len(s.pending))
	for _, c := range s.pending {
		if !c.Segment.IsInit {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Used returns the number of media bytes held.
func (s *Memory) Used() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// HasInit reports whether the initialization segment of the given
// Representation was pushed.
func (s *Memory) HasInit(representationID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inits[representationID]
	return ok
}

func (s *Memory) wait(ctx context.Context) error {
	if s.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.cfg.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
