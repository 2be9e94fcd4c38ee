// Package observer describes playback observations consumed by the
// streaming core.
package observer

import (
	"github.com/thesyncim/abrstream/pkg/reference"
)

// Position is the playback position, in seconds. Pending is set while a seek
// to that position has not been applied yet.
type Position struct {
	Last    float64  `json:"last"`
	Pending *float64 `json:"pending,omitempty"`
}

// Wanted returns the position streams should work from.
func (p Position) Wanted() float64 {
	if p.Pending != nil {
		return *p.Pending
	}
	return p.Last
}

// Paused is the pause state. Pending is set while a play or pause request
// has not been applied yet.
type Paused struct {
	Last    bool  `json:"last"`
	Pending *bool `json:"pending,omitempty"`
}

// Observation is a snapshot of the playback state.
type Observation struct {
	Position Position `json:"position"`
	Paused   Paused   `json:"paused"`
	Speed    float64  `json:"speed"`

	// BufferGap is the amount of contiguous media buffered ahead of the
	// position for the observed track, in seconds.
	BufferGap float64 `json:"bufferGap"`

	Rebuffering bool `json:"rebuffering,omitempty"`

	// CanStream is nil when unknown, which counts as true. A false value
	// interrupts media segment requests.
	CanStream *bool `json:"canStream,omitempty"`
}

// AllowsStreaming reports whether new media requests may start.
func (o Observation) AllowsStreaming() bool {
	return o.CanStream == nil || *o.CanStream
}

// Observer exposes the live playback state.
type Observer interface {
	// Reference returns the observation stream.
	Reference() reference.ReadOnly[Observation]

	// CurrentTime returns the last known position.
	CurrentTime() float64

	// Listen calls fn on every new observation. Use
	// reference.EmitCurrentValue to replay the last one first.
	Listen(fn func(Observation), opts ...reference.ListenOption) (stop func())
}

// Source is an Observer fed by Emit.
type Source struct {
	ref *reference.Shared[Observation]
}

// NewSource creates a Source starting at initial.
func NewSource(initial Observation) *Source {
	if initial.Speed == 0 {
		initial.Speed = 1
	}
	return &Source{ref: reference.New(initial, nil)}
}

// Emit publishes a new observation.
func (s *Source) Emit(o Observation) {
	s.ref.SetValue(o)
}

// Update publishes a modified copy of the last observation.
func (s *Source) Update(fn func(*Observation)) {
	o := s.ref.Value()
	fn(&o)
	s.ref.SetValue(o)
}

// Reference implements Observer.
func (s *Source) Reference() reference.ReadOnly[Observation] {
	return s.ref
}

// CurrentTime implements Observer.
func (s *Source) CurrentTime() float64 {
	return s.ref.Value().Position.Last
}

// Listen implements Observer.
func (s *Source) Listen(fn func(Observation), opts ...reference.ListenOption) func() {
	return s.ref.OnUpdate(fn, opts...)
}
