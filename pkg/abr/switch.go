package abr

import (
	"time"
)

// Usage tells how the bandwidth estimate compares with the streamed
// bitrate.
type Usage int

const (
	// UsageNormal indicates the current bitrate fits the estimate and the
	// next one up does not.
	UsageNormal Usage = iota
	// UsageUnderusing indicates the estimate has room for a higher bitrate.
	UsageUnderusing
	// UsageOverusing indicates the current bitrate exceeds the estimate.
	UsageOverusing
)

// String returns a string representation of the Usage.
func (u Usage) String() string {
	switch u {
	case UsageNormal:
		return "Normal"
	case UsageUnderusing:
		return "Underusing"
	case UsageOverusing:
		return "Overusing"
	default:
		return "Unknown"
	}
}

// SwitchState is the state of the SwitchController.
type SwitchState int

const (
	// SwitchHold keeps the current Representation. This is the initial
	// state, and the state between a decrease and an increase.
	SwitchHold SwitchState = iota
	// SwitchIncrease allows an up-switch once the estimate stayed high
	// for StableDuration.
	SwitchIncrease
	// SwitchDecrease switches down to what the estimate allows.
	SwitchDecrease
)

// String returns a string representation of the SwitchState.
func (s SwitchState) String() string {
	switch s {
	case SwitchHold:
		return "Hold"
	case SwitchIncrease:
		return "Increase"
	case SwitchDecrease:
		return "Decrease"
	default:
		return "Unknown"
	}
}

// SwitchControllerConfig configures the SwitchController.
type SwitchControllerConfig struct {
	// SafetyFactor scales the estimate before comparing it with bitrates.
	// Default: 0.8
	SafetyFactor float64

	// StableDuration is how long the estimate must allow a higher bitrate
	// before switching up.
	// Default: 4 seconds
	StableDuration time.Duration

	// UrgentBufferGap is the buffer gap, in seconds, under which a
	// down-switch interrupts the current requests.
	// Default: 5
	UrgentBufferGap float64
}

// DefaultSwitchControllerConfig returns default configuration.
func DefaultSwitchControllerConfig() SwitchControllerConfig {
	return SwitchControllerConfig{
		SafetyFactor:    0.8,
		StableDuration:  4 * time.Second,
		UrgentBufferGap: 5,
	}
}

// Decision is the output of the SwitchController.
type Decision struct {
	// MaxBitrate is the highest bitrate the next Representation may have.
	MaxBitrate float64
	// Urgent is set when the current requests should be interrupted.
	Urgent bool
	State  SwitchState
}

// SwitchController decides when the streamed bitrate may change.
//
// The controller maintains three states:
//   - Hold: keep the current bitrate
//   - Increase: switch up once the estimate stayed high long enough
//   - Decrease: switch down right away, urgently when the buffer is low
//
// State transitions:
//
//	Usage      | Hold     | Increase | Decrease
//	-----------+----------+----------+----------
//	Overusing  | Decrease | Decrease | (stay)
//	Normal     | (stay)   | Hold     | Hold
//	Underusing | Increase | (stay)   | Hold
//
// Leaving Decrease always goes through Hold, so a down-switch is never
// directly followed by an up-switch.
type SwitchController struct {
	config        SwitchControllerConfig
	state         SwitchState
	increaseSince time.Time
}

// NewSwitchController creates a controller. Zero fields use defaults.
func NewSwitchController(config SwitchControllerConfig) *SwitchController {
	def := DefaultSwitchControllerConfig()
	if config.SafetyFactor <= 0 || config.SafetyFactor > 1 {
		config.SafetyFactor = def.SafetyFactor
	}
	if config.StableDuration <= 0 {
		config.StableDuration = def.StableDuration
	}
	if config.UrgentBufferGap <= 0 {
		config.UrgentBufferGap = def.UrgentBufferGap
	}
	return &SwitchController{config: config, state: SwitchHold}
}

// Classify compares the estimate with the current bitrate and the next
// higher one (0 when there is none).
func (c *SwitchController) Classify(estimate, current, next float64) Usage {
	usable := estimate * c.config.SafetyFactor
	switch {
	case usable < current:
		return UsageOverusing
	case next > 0 && usable >= next:
		return UsageUnderusing
	default:
		return UsageNormal
	}
}

// Update feeds a new estimate and returns the decision.
func (c *SwitchController) Update(estimate, current, next, bufferGap float64, now time.Time) Decision {
	usage := c.Classify(estimate, current, next)
	c.transitionState(usage, now)

	usable := estimate * c.config.SafetyFactor
	d := Decision{MaxBitrate: current, State: c.state}
	switch c.state {
	case SwitchDecrease:
		d.MaxBitrate = usable
		d.Urgent = bufferGap < c.config.UrgentBufferGap
	case SwitchIncrease:
		if now.Sub(c.increaseSince) >= c.config.StableDuration {
			d.MaxBitrate = usable
		}
	case SwitchHold:
	}
	return d
}

func (c *SwitchController) transitionState(usage Usage, now time.Time) {
	switch c.state {
	case SwitchHold:
		switch usage {
		case UsageOverusing:
			c.state = SwitchDecrease
		case UsageUnderusing:
			c.state = SwitchIncrease
			c.increaseSince = now
		case UsageNormal:
		}

	case SwitchIncrease:
		switch usage {
		case UsageOverusing:
			c.state = SwitchDecrease
		case UsageNormal:
			c.state = SwitchHold
		case UsageUnderusing:
		}

	case SwitchDecrease:
		switch usage {
		case UsageOverusing:
		case UsageNormal, UsageUnderusing:
			c.state = SwitchHold
		}
	}
}

// State returns the current state.
func (c *SwitchController) State() SwitchState {
	return c.state
}

// Reset returns to Hold.
func (c *SwitchController) Reset() {
	c.state = SwitchHold
	c.increaseSince = time.Time{}
}
