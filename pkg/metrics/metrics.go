// Package metrics holds the Prometheus collectors of the streaming core.
//
// A nil *Metrics is valid and records nothing, so components can take an
// optional *Metrics without branching.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the streaming core.
type Metrics struct {
	registry *prometheus.Registry

	representationSwitches *prometheus.CounterVec
	bufferFullErrors       *prometheus.CounterVec
	bufferGoalRatio        *prometheus.GaugeVec
	segmentsPushed         *prometheus.CounterVec
	bitrateEstimate        *prometheus.GaugeVec
	stateTransitions       *prometheus.CounterVec
	fatalErrors            *prometheus.CounterVec
	segmentRequests        *prometheus.CounterVec
	segmentRetries         *prometheus.CounterVec
	requestDuration        *prometheus.HistogramVec
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		representationSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_representation_switches_total",
			Help: "Representation changes announced by adaptation streams",
		}, []string{"type"}),
		bufferFullErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_buffer_full_errors_total",
			Help: "Buffer full errors received from the media sink",
		}, []string{"type", "outcome"}),
		bufferGoalRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_buffer_goal_ratio",
			Help: "Current buffer goal ratio per representation",
		}, []string{"type", "representation"}),
		segmentsPushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_segments_pushed_total",
			Help: "Segments successfully pushed to the media sink",
		}, []string{"type"}),
		bitrateEstimate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "abr_bitrate_estimate_bps",
			Help: "Last bandwidth estimate emitted, in bits per second",
		}, []string{"type"}),
		stateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_stream_state_transitions_total",
			Help: "State machine transitions of adaptation and representation streams",
		}, []string{"stream", "from", "to"}),
		fatalErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_fatal_errors_total",
			Help: "Errors that stopped an adaptation stream",
		}, []string{"type"}),
		segmentRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_segment_requests_total",
			Help: "Segment requests by outcome",
		}, []string{"type", "outcome"}),
		segmentRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "abr_segment_retries_total",
			Help: "Segment request retries",
		}, []string{"type"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "abr_segment_request_duration_seconds",
			Help:    "Duration of successful segment requests",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"type"}),
	}

	registry.MustRegister(
		m.representationSwitches,
		m.bufferFullErrors,
		m.bufferGoalRatio,
		m.segmentsPushed,
		m.bitrateEstimate,
		m.stateTransitions,
		m.fatalErrors,
		m.segmentRequests,
		m.segmentRetries,
		m.requestDuration,
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// IncRepresentationSwitches counts a representation change.
func (m *Metrics) IncRepresentationSwitches(bufferType string) {
	if m == nil {
		return
	}
	m.representationSwitches.WithLabelValues(bufferType).Inc()
}

// IncBufferFull counts a buffer full error. outcome is "retry" or "fatal".
func (m *Metrics) IncBufferFull(bufferType, outcome string) {
	if m == nil {
		return
	}
	m.bufferFullErrors.WithLabelValues(bufferType, outcome).Inc()
}

// SetBufferGoalRatio records the ratio applied to a representation.
func (m *Metrics) SetBufferGoalRatio(bufferType, representation string, ratio float64) {
	if m == nil {
		return
	}
	m.bufferGoalRatio.WithLabelValues(bufferType, representation).Set(ratio)
}

// IncSegmentsPushed counts a pushed segment.
func (m *Metrics) IncSegmentsPushed(bufferType string) {
	if m == nil {
		return
	}
	m.segmentsPushed.WithLabelValues(bufferType).Inc()
}

// SetBitrateEstimate records the last bandwidth estimate.
func (m *Metrics) SetBitrateEstimate(bufferType string, bps float64) {
	if m == nil {
		return
	}
	m.bitrateEstimate.WithLabelValues(bufferType).Set(bps)
}

// IncStateTransition counts a state machine transition.
func (m *Metrics) IncStateTransition(stream, from, to string) {
	if m == nil {
		return
	}
	m.stateTransitions.WithLabelValues(stream, from, to).Inc()
}

// IncFatalErrors counts an error that stopped a stream.
func (m *Metrics) IncFatalErrors(bufferType string) {
	if m == nil {
		return
	}
	m.fatalErrors.WithLabelValues(bufferType).Inc()
}

// IncSegmentRequests counts a finished request. outcome is one of
// "success", "error" or "aborted".
func (m *Metrics) IncSegmentRequests(bufferType, outcome string) {
	if m == nil {
		return
	}
	m.segmentRequests.WithLabelValues(bufferType, outcome).Inc()
}

// IncSegmentRetries counts a retried request.
func (m *Metrics) IncSegmentRetries(bufferType string) {
	if m == nil {
		return
	}
	m.segmentRetries.WithLabelValues(bufferType).Inc()
}

// ObserveRequestDuration records the duration of a successful request.
func (m *Metrics) ObserveRequestDuration(bufferType string, seconds float64) {
	if m == nil {
		return
	}
	m.requestDuration.WithLabelValues(bufferType).Observe(seconds)
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
