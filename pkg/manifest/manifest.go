// Package manifest models the content being streamed: a Manifest made of
// Periods, each holding Adaptations (tracks), each holding Representations
// (qualities) with their segment index.
package manifest

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// BufferType identifies the kind of track an Adaptation carries.
type BufferType string

const (
	Audio BufferType = "audio"
	Video BufferType = "video"
	Text  BufferType = "text"
)

// ParseBufferType maps a content type string to a BufferType.
func ParseBufferType(s string) (BufferType, error) {
	switch BufferType(s) {
	case Audio, Video, Text:
		return BufferType(s), nil
	}
	return "", fmt.Errorf("manifest: unknown buffer type %q", s)
}

// Representation is one encoded quality of an Adaptation.
//
// Metadata fields are immutable once the manifest is built. Playability
// flags and the segment index can change at runtime.
type Representation struct {
	ID      string
	Bitrate float64 // bits per second
	Codecs  string
	Width   int
	Height  int

	mu    sync.Mutex
	index SegmentIndex

	// 0: unknown, 1: decipherable, 2: not decipherable
	decipherable atomic.Int32
	unsupported  atomic.Bool
}

// NewRepresentation creates a Representation backed by index.
func NewRepresentation(id string, bitrate float64, index SegmentIndex) *Representation {
	return &Representation{ID: id, Bitrate: bitrate, index: index}
}

// Index returns the current segment index.
func (r *Representation) Index() SegmentIndex {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index
}

func (r *Representation) setIndex(idx SegmentIndex) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.index = idx
}

// SetDecipherable records whether the content keys for r are usable.
func (r *Representation) SetDecipherable(ok bool) {
	if ok {
		r.decipherable.Store(1)
	} else {
		r.decipherable.Store(2)
	}
}

// SetSupported records whether r's codec can be decoded.
func (r *Representation) SetSupported(ok bool) {
	r.unsupported.Store(!ok)
}

// IsPlayable reports whether r is neither unsupported nor known to be
// undecipherable.
func (r *Representation) IsPlayable() bool {
	return !r.unsupported.Load() && r.decipherable.Load() != 2
}

// Adaptation is a track of a Period.
type Adaptation struct {
	ID              string
	Type            BufferType
	Language        string
	Representations []*Representation
}

// RepresentationByID returns the Representation with the given id, or nil.
func (a *Adaptation) RepresentationByID(id string) *Representation {
	for _, r := range a.Representations {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// RepresentationIDs returns the ids of every Representation, in order.
func (a *Adaptation) RepresentationIDs() []string {
	ids := make([]string, len(a.Representations))
	for i, r := range a.Representations {
		ids[i] = r.ID
	}
	return ids
}

// Period is a time range of the content, in seconds.
type Period struct {
	ID    string
	Start float64
	// End is nil while the Period's end is unknown.
	End         *float64
	Adaptations []*Adaptation
}

// EndOrInf returns End, or +Inf when it is unknown.
func (p *Period) EndOrInf() float64 {
	if p.End == nil {
		return inf
	}
	return *p.End
}

// AdaptationByID returns the Adaptation with the given id, or nil.
func (p *Period) AdaptationByID(id string) *Adaptation {
	for _, a := range p.Adaptations {
		if a.ID == id {
			return a
		}
	}
	return nil
}

// AdaptationsOfType returns the Adaptations carrying t.
func (p *Period) AdaptationsOfType(t BufferType) []*Adaptation {
	var out []*Adaptation
	for _, a := range p.Adaptations {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

// Content designates what a stream works on. Representation is nil at the
// Adaptation level.
type Content struct {
	Manifest       *Manifest
	Period         *Period
	Adaptation     *Adaptation
	Representation *Representation
}

// WithRepresentation returns a copy of c targeting rep.
func (c Content) WithRepresentation(rep *Representation) Content {
	c.Representation = rep
	return c
}

// Manifest is the root of the content model.
type Manifest struct {
	ID        string
	IsDynamic bool

	mu      sync.Mutex
	periods []*Period
	events  emitter
}

// New creates a Manifest. Periods are sorted by start time.
func New(id string, dynamic bool, periods []*Period) *Manifest {
	sorted := append([]*Period(nil), periods...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Manifest{ID: id, IsDynamic: dynamic, periods: sorted}
}

// Periods returns the Periods ordered by start time.
func (m *Manifest) Periods() []*Period {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Period(nil), m.periods...)
}

// PeriodByID returns the Period with the given id, or nil.
func (m *Manifest) PeriodByID(id string) *Period {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.periods {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// PeriodAt returns the Period playing at t, or nil.
func (m *Manifest) PeriodAt(t float64) *Period {
	for _, p := range m.Periods() {
		if t >= p.Start && t < p.EndOrInf() {
			return p
		}
	}
	return nil
}

// NextPeriod returns the Period following p, or nil.
func (m *Manifest) NextPeriod(p *Period) *Period {
	periods := m.Periods()
	for i, cur := range periods {
		if cur == p && i+1 < len(periods) {
			return periods[i+1]
		}
	}
	return nil
}
