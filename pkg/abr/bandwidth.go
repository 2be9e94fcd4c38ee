// Package abr estimates the available bandwidth from segment requests and
// picks the Representation a track should be streamed in.
package abr

import (
	"math"
	"time"
)

// BandwidthEstimatorConfig configures the request-based bandwidth estimate.
type BandwidthEstimatorConfig struct {
	// FastHalfLife is the half-life of the reactive average.
	// Default: 2 seconds
	FastHalfLife time.Duration

	// SlowHalfLife is the half-life of the conservative average.
	// Default: 10 seconds
	SlowHalfLife time.Duration

	// MinimumChunkSize is the smallest request, in bytes, taken as a
	// sample. Smaller requests mostly measure latency.
	// Default: 16000
	MinimumChunkSize int64

	// MinimumTotalBytes is the amount of data to sample before an
	// estimate is produced.
	// Default: 150000
	MinimumTotalBytes int64
}

// DefaultBandwidthEstimatorConfig returns default configuration.
func DefaultBandwidthEstimatorConfig() BandwidthEstimatorConfig {
	return BandwidthEstimatorConfig{
		FastHalfLife:      2 * time.Second,
		SlowHalfLife:      10 * time.Second,
		MinimumChunkSize:  16_000,
		MinimumTotalBytes: 150_000,
	}
}

// ewma is an exponentially weighted moving average whose samples are
// weighted by their duration.
type ewma struct {
	alpha       float64
	estimate    float64
	totalWeight float64
}

func newEWMA(halfLife time.Duration) *ewma {
	return &ewma{alpha: math.Exp(math.Log(0.5) / halfLife.Seconds())}
}

func (e *ewma) addSample(weight, value float64) {
	adjAlpha := math.Pow(e.alpha, weight)
	e.estimate = value*(1-adjAlpha) + adjAlpha*e.estimate
	e.totalWeight += weight
}

// value corrects the zero initialisation bias.
func (e *ewma) value() float64 {
	zeroFactor := 1 - math.Pow(e.alpha, e.totalWeight)
	if zeroFactor <= 0 {
		return 0
	}
	return e.estimate / zeroFactor
}

// BandwidthEstimator combines a fast and a slow average of request
// throughputs. The estimate is the lower of both, so it drops quickly and
// recovers slowly.
//
// Usage:
//
//	e := NewBandwidthEstimator(DefaultBandwidthEstimatorConfig())
//	e.AddSample(requestDuration, bytes)
//	if bps, ok := e.Estimate(); ok {
//	    fmt.Printf("bandwidth: %.0f bps\n", bps)
//	}
type BandwidthEstimator struct {
	config       BandwidthEstimatorConfig
	fast         *ewma
	slow         *ewma
	bytesSampled int64
}

// NewBandwidthEstimator creates an estimator. Zero fields use defaults.
func NewBandwidthEstimator(config BandwidthEstimatorConfig) *BandwidthEstimator {
	def := DefaultBandwidthEstimatorConfig()
	if config.FastHalfLife <= 0 {
		config.FastHalfLife = def.FastHalfLife
	}
	if config.SlowHalfLife <= 0 {
		config.SlowHalfLife = def.SlowHalfLife
	}
	if config.MinimumChunkSize <= 0 {
		config.MinimumChunkSize = def.MinimumChunkSize
	}
	if config.MinimumTotalBytes <= 0 {
		config.MinimumTotalBytes = def.MinimumTotalBytes
	}
	return &BandwidthEstimator{
		config: config,
		fast:   newEWMA(config.FastHalfLife),
		slow:   newEWMA(config.SlowHalfLife),
	}
}

// AddSample records a finished request. Requests below the minimum chunk
// size or with no duration are ignored.
func (e *BandwidthEstimator) AddSample(duration time.Duration, bytes int64) {
	if duration <= 0 || bytes < e.config.MinimumChunkSize {
		return
	}
	bandwidth := float64(bytes*8) / duration.Seconds()
	weight := duration.Seconds()
	e.bytesSampled += bytes
	e.fast.addSample(weight, bandwidth)
	e.slow.addSample(weight, bandwidth)
}

// Estimate returns the bandwidth in bits per second once enough data was
// sampled.
func (e *BandwidthEstimator) Estimate() (float64, bool) {
	if e.bytesSampled < e.config.MinimumTotalBytes {
		return 0, false
	}
	return math.Min(e.fast.value(), e.slow.value()), true
}

// Stable returns the slow average, the bitrate the link has sustained over
// the longer window.
func (e *BandwidthEstimator) Stable() (float64, bool) {
	if e.bytesSampled < e.config.MinimumTotalBytes {
		return 0, false
	}
	return e.slow.value(), true
}

// Reset clears all samples.
func (e *BandwidthEstimator) Reset() {
	e.fast = newEWMA(e.config.FastHalfLife)
	e.slow = newEWMA(e.config.SlowHalfLife)
	e.bytesSampled = 0
}
