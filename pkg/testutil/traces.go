// Package testutil provides testing utilities for the streaming packages.
// It includes synthetic bandwidth traces and a simulated network Fetcher
// that loads segments at the rate a trace allows.
package testutil

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Phase is a period of constant available bandwidth.
type Phase struct {
	// Duration of the phase. The last phase of a trace lasts forever.
	Duration time.Duration `json:"duration"`

	// Bitrate is the available bandwidth in bits per second.
	Bitrate float64 `json:"bitrate"`
}

// Trace describes the available bandwidth over time.
type Trace struct {
	// Name is a short identifier for the trace (e.g., "step-down").
	Name string `json:"name"`

	// Phases is the ordered list of bandwidth phases. When Loop is set the
	// trace restarts after the last phase.
	Phases []Phase `json:"phases"`
	Loop   bool    `json:"loop,omitempty"`
}

// BitrateAt returns the available bandwidth elapsed after the trace start.
func (t *Trace) BitrateAt(elapsed time.Duration) float64 {
	if len(t.Phases) == 0 {
		return 0
	}
	if t.Loop {
		if total := t.total(); total > 0 {
			elapsed %= total
		}
	}
	for _, p := range t.Phases {
		if elapsed < p.Duration {
			return p.Bitrate
		}
		elapsed -= p.Duration
	}
	return t.Phases[len(t.Phases)-1].Bitrate
}

func (t *Trace) total() time.Duration {
	var d time.Duration
	for _, p := range t.Phases {
		d += p.Duration
	}
	return d
}

// StableTrace is a network with constant bandwidth.
func StableTrace(bitrate float64) *Trace {
	return &Trace{Name: "stable", Phases: []Phase{{Bitrate: bitrate}}}
}

// StepDownTrace starts at high and drops to low after at.
// Useful to exercise urgent down-switches.
func StepDownTrace(high, low float64, at time.Duration) *Trace {
	return &Trace{Name: "step-down", Phases: []Phase{
		{Duration: at, Bitrate: high},
		{Bitrate: low},
	}}
}

// OscillatingTrace alternates between high and low every half period.
func OscillatingTrace(high, low float64, period time.Duration) *Trace {
	return &Trace{Name: "oscillating", Loop: true, Phases: []Phase{
		{Duration: period / 2, Bitrate: high},
		{Duration: period / 2, Bitrate: low},
	}}
}

// Profile returns the named synthetic trace around bitrate: "stable",
// "step-down" (drops to a quarter after 30s) or "oscillating" (between
// bitrate and a third of it every 20s).
func Profile(name string, bitrate float64) (*Trace, error) {
	switch name {
	case "stable":
		return StableTrace(bitrate), nil
	case "step-down":
		return StepDownTrace(bitrate, bitrate/4, 30*time.Second), nil
	case "oscillating":
		return OscillatingTrace(bitrate, bitrate/3, 40*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown network profile %q", name)
	}
}

// LoadTrace reads a trace from a JSON file.
//
// File format:
//
//	{
//	    "name": "trace_name",
//	    "loop": false,
//	    "phases": [
//	        {"duration": 10000000000, "bitrate": 4000000},
//	        {"duration": 0, "bitrate": 1000000}
//	    ]
//	}
func LoadTrace(path string) (*Trace, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trace file %s: %w", path, err)
	}

	var trace Trace
	if err := json.Unmarshal(data, &trace); err != nil {
		return nil, fmt.Errorf("failed to parse trace file %s: %w", path, err)
	}
	if len(trace.Phases) == 0 {
		return nil, fmt.Errorf("trace file %s has no phases", path)
	}
	return &trace, nil
}
