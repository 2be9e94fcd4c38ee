package observer

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/thesyncim/abrstream/pkg/reference"
)

func TestPosition_Wanted(t *testing.T) {
	p := Position{Last: 10}
	assert.Equal(t, 10.0, p.Wanted())

	seek := 42.0
	p.Pending = &seek
	assert.Equal(t, 42.0, p.Wanted())
}

func TestObservation_AllowsStreaming(t *testing.T) {
	yes, no := true, false
	assert.True(t, Observation{}.AllowsStreaming(), "unknown counts as allowed")
	assert.True(t, Observation{CanStream: &yes}.AllowsStreaming())
	assert.False(t, Observation{CanStream: &no}.AllowsStreaming())
}

func TestSource(t *testing.T) {
	s := NewSource(Observation{Position: Position{Last: 1}})
	assert.Equal(t, 1.0, s.Reference().Value().Speed, "speed defaults to 1")

	var seen []float64
	s.Listen(func(o Observation) { seen = append(seen, o.Position.Last) }, reference.EmitCurrentValue())
	s.Update(func(o *Observation) { o.Position.Last = 2 })
	s.Emit(Observation{Position: Position{Last: 3}})

	assert.Equal(t, []float64{1, 2, 3}, seen)
	assert.Equal(t, 3.0, s.CurrentTime())
}
