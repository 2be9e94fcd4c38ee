package stream

import (
	"time"

	"github.com/thesyncim/abrstream/pkg/manifest"
)

// Padding is the media kept around the position when buffered media of
// another Representation is removed, in seconds.
type Padding struct {
	Before float64
	After  float64
}

// Config holds the tunables of the adaptation and representation streams.
type Config struct {
	// BufferGoalShrinkFactor multiplies the buffer goal ratio of a
	// Representation on each buffer full error.
	// Default: 0.7
	BufferGoalShrinkFactor float64

	// MinBufferGoalRatio is the ratio at or under which a buffer full
	// error becomes fatal.
	// Default: 0.05
	MinBufferGoalRatio float64

	// MinBufferGoal is the buffer goal, in seconds, at or under which a
	// buffer full error becomes fatal.
	// Default: 2
	MinBufferGoal float64

	// BufferFullRetryDelay is the pause before streaming again after a
	// buffer full error.
	// Default: 4 seconds
	BufferFullRetryDelay time.Duration

	// InfiniteBufferGoal replaces an infinite wanted buffer ahead once its
	// ratio dropped below 1, in seconds.
	// Default: 300
	InfiniteBufferGoal float64

	// ReloadOffsetAfterSwitch is the time offset of a reload requested by
	// a Representation switch, in seconds.
	// Default: -0.1
	ReloadOffsetAfterSwitch float64

	// SwitchPaddings is the media kept around the position per type on a
	// seamless switch.
	// Default: video 5/5, audio 2/2.5, text 0/0
	SwitchPaddings map[manifest.BufferType]Padding

	// PrioritySteps are the distances to the position, in seconds,
	// separating segment priorities. A segment closer than the first step
	// gets priority 0.
	// Default: [2, 4, 8, 12, 18, 25]
	PrioritySteps []float64

	// ReplacementPadding is the distance to the position, in seconds, under
	// which buffered segments are never replaced.
	// Default: 1.2
	ReplacementPadding float64

	// UnlimitedReplacementRatio is the bitrate ratio over which a segment
	// replaces a buffered one when the fast-switch threshold is unlimited.
	// Default: 1.5
	UnlimitedReplacementRatio float64

	// Tolerance is the time difference, in seconds, under which buffered
	// media counts as covering a segment.
	// Default: 1/60
	Tolerance float64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferGoalShrinkFactor:  0.7,
		MinBufferGoalRatio:      0.05,
		MinBufferGoal:           2,
		BufferFullRetryDelay:    4 * time.Second,
		InfiniteBufferGoal:      300,
		ReloadOffsetAfterSwitch: -0.1,
		SwitchPaddings: map[manifest.BufferType]Padding{
			manifest.Video: {Before: 5, After: 5},
			manifest.Audio: {Before: 2, After: 2.5},
			manifest.Text:  {Before: 0, After: 0},
		},
		PrioritySteps:             []float64{2, 4, 8, 12, 18, 25},
		ReplacementPadding:        1.2,
		UnlimitedReplacementRatio: 1.5,
		Tolerance:                 1.0 / 60,
	}
}

// withDefaults fills zero fields.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BufferGoalShrinkFactor <= 0 || c.BufferGoalShrinkFactor >= 1 {
		c.BufferGoalShrinkFactor = def.BufferGoalShrinkFactor
	}
	if c.MinBufferGoalRatio <= 0 {
		c.MinBufferGoalRatio = def.MinBufferGoalRatio
	}
	if c.MinBufferGoal <= 0 {
		c.MinBufferGoal = def.MinBufferGoal
	}
	if c.BufferFullRetryDelay <= 0 {
		c.BufferFullRetryDelay = def.BufferFullRetryDelay
	}
	if c.InfiniteBufferGoal <= 0 {
		c.InfiniteBufferGoal = def.InfiniteBufferGoal
	}
	if c.SwitchPaddings == nil {
		c.SwitchPaddings = def.SwitchPaddings
	}
	if len(c.PrioritySteps) == 0 {
		c.PrioritySteps = def.PrioritySteps
	}
	if c.ReplacementPadding <= 0 {
		c.ReplacementPadding = def.ReplacementPadding
	}
	if c.UnlimitedReplacementRatio <= 0 {
		c.UnlimitedReplacementRatio = def.UnlimitedReplacementRatio
	}
	if c.Tolerance <= 0 {
		c.Tolerance = def.Tolerance
	}
	return c
}

// priority maps a distance to the position onto a segment priority.
func (c Config) priority(distance float64) int {
	for i, step := range c.PrioritySteps {
		if distance < step {
			return i
		}
	}
	return len(c.PrioritySteps)
}
