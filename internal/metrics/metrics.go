// Package metrics exposes pipeline counters through a dedicated Prometheus
// registry. All methods are safe on a nil *Metrics so components can treat
// instrumentation as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors.
type Metrics struct {
	registry *prometheus.Registry

	framesRecorded       *prometheus.CounterVec
	framesDropped        *prometheus.CounterVec
	segmentsCreated      *prometheus.CounterVec
	consolidationRuns    *prometheus.CounterVec
	consolidationFailed  *prometheus.CounterVec
	recordingActive      prometheus.Gauge
	sourcesConnected     prometheus.Gauge
	sourceReplacements   prometheus.Counter
}

// Drop reasons used as the "reason" label of the dropped-frames counter.
const (
	DropGovernor  = "governor"
	DropQueueFull = "queue_full"
	DropNotReady  = "not_ready"
	DropMalformed = "malformed"
)

// New creates a Metrics instance backed by its own registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.framesRecorded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aircap_frames_recorded_total",
		Help: "Access units written to segment files, per source.",
	}, []string{"source"})

	m.framesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aircap_frames_dropped_total",
		Help: "Access units not written, per source and reason.",
	}, []string{"source", "reason"})

	m.segmentsCreated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aircap_segments_created_total",
		Help: "Segment files finalized, per source.",
	}, []string{"source"})

	m.consolidationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aircap_consolidation_runs_total",
		Help: "Completed consolidation passes, per source.",
	}, []string{"source"})

	m.consolidationFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "aircap_consolidation_failures_total",
		Help: "Consolidation passes aborted by an error, per source.",
	}, []string{"source"})

	m.recordingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aircap_recording_active",
		Help: "1 while a recording session is active.",
	})

	m.sourcesConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "aircap_sources_connected",
		Help: "Number of currently connected sources.",
	})

	m.sourceReplacements = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "aircap_source_replacements_total",
		Help: "Slot takeovers by a new client without a prior disconnect.",
	})

	m.registry.MustRegister(
		m.framesRecorded,
		m.framesDropped,
		m.segmentsCreated,
		m.consolidationRuns,
		m.consolidationFailed,
		m.recordingActive,
		m.sourcesConnected,
		m.sourceReplacements,
	)

	return m
}

// Handler returns the HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FrameRecorded counts one written access unit.
func (m *Metrics) FrameRecorded(source string) {
	if m == nil {
		return
	}
	m.framesRecorded.WithLabelValues(source).Inc()
}

// FrameDropped counts one dropped access unit with a reason label.
func (m *Metrics) FrameDropped(source, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(source, reason).Inc()
}

// SegmentCreated counts one finalized segment file.
func (m *Metrics) SegmentCreated(source string) {
	if m == nil {
		return
	}
	m.segmentsCreated.WithLabelValues(source).Inc()
}

// ConsolidationRun counts one successful consolidation pass.
func (m *Metrics) ConsolidationRun(source string) {
	if m == nil {
		return
	}
	m.consolidationRuns.WithLabelValues(source).Inc()
}

// ConsolidationFailed counts one aborted consolidation pass.
func (m *Metrics) ConsolidationFailed(source string) {
	if m == nil {
		return
	}
	m.consolidationFailed.WithLabelValues(source).Inc()
}

// SetRecordingActive flips the session-active gauge.
func (m *Metrics) SetRecordingActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.recordingActive.Set(1)
	} else {
		m.recordingActive.Set(0)
	}
}

// SourceConnected adjusts the connected-sources gauge by delta.
func (m *Metrics) SourceConnected(delta int) {
	if m == nil {
		return
	}
	m.sourcesConnected.Add(float64(delta))
}

// SourceReplaced counts one nohold takeover.
func (m *Metrics) SourceReplaced() {
	if m == nil {
		return
	}
	m.sourceReplacements.Inc()
}
