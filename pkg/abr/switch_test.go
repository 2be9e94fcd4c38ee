package abr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSwitchController_InitialState(t *testing.T) {
	c := NewSwitchController(DefaultSwitchControllerConfig())
	assert.Equal(t, SwitchHold, c.State(), "should start in Hold state")
}

func TestSwitchController_StateTransitions(t *testing.T) {
	// Usage      | Hold     | Increase | Decrease
	// -----------+----------+----------+----------
	// Overusing  | Decrease | Decrease | (stay)
	// Normal     | (stay)   | Hold     | Hold
	// Underusing | Increase | (stay)   | Hold

	type bitrates struct{ estimate, current, next float64 }
	overusing := bitrates{1_000_000, 1_000_000, 2_000_000}
	normal := bitrates{1_000_000, 500_000, 2_000_000}
	underusing := bitrates{1_000_000, 500_000, 700_000}

	tests := []struct {
		name       string
		startState SwitchState
		input      bitrates
		endState   SwitchState
	}{
		{"Hold + Overusing -> Decrease", SwitchHold, overusing, SwitchDecrease},
		{"Hold + Normal -> Hold", SwitchHold, normal, SwitchHold},
		{"Hold + Underusing -> Increase", SwitchHold, underusing, SwitchIncrease},

		{"Increase + Overusing -> Decrease", SwitchIncrease, overusing, SwitchDecrease},
		{"Increase + Normal -> Hold", SwitchIncrease, normal, SwitchHold},
		{"Increase + Underusing -> Increase", SwitchIncrease, underusing, SwitchIncrease},

		{"Decrease + Overusing -> Decrease", SwitchDecrease, overusing, SwitchDecrease},
		{"Decrease + Normal -> Hold", SwitchDecrease, normal, SwitchHold},
		{"Decrease + Underusing -> Hold", SwitchDecrease, underusing, SwitchHold},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewSwitchController(DefaultSwitchControllerConfig())
			c.state = tt.startState

			c.Update(tt.input.estimate, tt.input.current, tt.input.next, 30, time.Now())

			assert.Equal(t, tt.endState, c.State(), "unexpected state after transition")
		})
	}
}

func TestSwitchController_Classify(t *testing.T) {
	c := NewSwitchController(DefaultSwitchControllerConfig())

	assert.Equal(t, UsageOverusing, c.Classify(1_000_000, 900_000, 0))
	assert.Equal(t, UsageNormal, c.Classify(1_000_000, 800_000, 0), "no higher bitrate to reach")
	assert.Equal(t, UsageUnderusing, c.Classify(1_000_000, 400_000, 800_000))
	assert.Equal(t, UsageNormal, c.Classify(1_000_000, 400_000, 900_000))
}

func TestSwitchController_DecreaseUrgency(t *testing.T) {
	now := time.Now()

	c := NewSwitchController(DefaultSwitchControllerConfig())
	d := c.Update(1_000_000, 3_000_000, 0, 2, now)
	assert.Equal(t, SwitchDecrease, d.State)
	assert.InDelta(t, 800_000, d.MaxBitrate, 1e-6, "decrease follows the usable estimate")
	assert.True(t, d.Urgent, "low buffer makes the down-switch urgent")

	c = NewSwitchController(DefaultSwitchControllerConfig())
	d = c.Update(1_000_000, 3_000_000, 0, 20, now)
	assert.False(t, d.Urgent, "a comfortable buffer lets requests finish")
}

func TestSwitchController_IncreaseWaitsForStability(t *testing.T) {
	config := DefaultSwitchControllerConfig()
	config.StableDuration = 4 * time.Second
	c := NewSwitchController(config)
	start := time.Now()

	d := c.Update(5_000_000, 1_000_000, 2_000_000, 30, start)
	assert.Equal(t, SwitchIncrease, d.State)
	assert.Equal(t, 1_000_000.0, d.MaxBitrate, "no up-switch before the estimate is stable")

	d = c.Update(5_000_000, 1_000_000, 2_000_000, 30, start.Add(3*time.Second))
	assert.Equal(t, 1_000_000.0, d.MaxBitrate)

	d = c.Update(5_000_000, 1_000_000, 2_000_000, 30, start.Add(4*time.Second))
	assert.InDelta(t, 4_000_000, d.MaxBitrate, 1e-6)
	assert.False(t, d.Urgent, "up-switches are never urgent")
}

func TestSwitchController_DecreaseThenHold(t *testing.T) {
	c := NewSwitchController(DefaultSwitchControllerConfig())
	now := time.Now()

	c.Update(1_000_000, 3_000_000, 0, 30, now)
	assert.Equal(t, SwitchDecrease, c.State())

	// The estimate now allows more than the new bitrate: go through Hold.
	c.Update(5_000_000, 800_000, 3_000_000, 30, now.Add(time.Second))
	assert.Equal(t, SwitchHold, c.State(), "Decrease must go to Hold, not Increase")

	c.Reset()
	assert.Equal(t, SwitchHold, c.State())
}

func TestSwitchState_String(t *testing.T) {
	assert.Equal(t, "Hold", SwitchHold.String())
	assert.Equal(t, "Increase", SwitchIncrease.String())
	assert.Equal(t, "Decrease", SwitchDecrease.String())
	assert.Equal(t, "Unknown", SwitchState(42).String())
	assert.Equal(t, "Overusing", UsageOverusing.String())
}
