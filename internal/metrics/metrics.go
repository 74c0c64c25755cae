// Package metrics exposes Prometheus metrics for the playback engine
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sync run outcomes
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeFailed      = "failed"
	OutcomeRejected    = "rejected"
)

// Metrics contains all Prometheus metrics for the engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Sync runs
	SyncRuns        *prometheus.CounterVec
	SyncDuration    prometheus.Histogram
	ClipDuration    prometheus.Histogram
	SegmentsPerClip prometheus.Histogram
	DecodeFailures  prometheus.Counter

	// Steps
	StepsPlayed   *prometheus.CounterVec
	StepFailures  prometheus.Counter
	StepOverrun   prometheus.Histogram
	IdleLoops     prometheus.Counter
	SyncInFlight  prometheus.Gauge
	IdleLoopGauge prometheus.Gauge

	// Browser link
	ClientConnections prometheus.Gauge
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		SyncRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatar_sync_runs_total",
			Help: "Audio sync runs by outcome",
		}, []string{"outcome"}),
		SyncDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatar_sync_duration_seconds",
			Help:    "Wall-clock duration of sync runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatar_clip_duration_seconds",
			Help:    "Duration of decoded narration clips",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		SegmentsPerClip: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatar_segments_per_clip",
			Help:    "Number of speaking/silence segments per clip",
			Buckets: prometheus.LinearBuckets(1, 2, 10),
		}),
		DecodeFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "avatar_decode_failures_total",
			Help: "Clips that could not be fetched or decoded",
		}),

		StepsPlayed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "avatar_steps_played_total",
			Help: "Playback steps played by kind",
		}, []string{"kind"}),
		StepFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "avatar_step_failures_total",
			Help: "Steps the source refused to play",
		}),
		StepOverrun: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "avatar_step_overrun_seconds",
			Help:    "How far past the step end the source was when it was pinned",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10),
		}),
		IdleLoops: factory.NewCounter(prometheus.CounterOpts{
			Name: "avatar_idle_iterations_total",
			Help: "Idle loop repetitions played",
		}),
		SyncInFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "avatar_sync_in_progress",
			Help: "1 while a sync run owns the source",
		}),
		IdleLoopGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "avatar_idle_loop_active",
			Help: "1 while the idle loop is active",
		}),

		ClientConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "avatar_client_connections",
			Help: "Connected browser front ends",
		}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordSync records a finished sync run
func (m *Metrics) RecordSync(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.SyncRuns.WithLabelValues(outcome).Inc()
	if outcome != OutcomeRejected {
		m.SyncDuration.Observe(seconds)
	}
}

// RecordClip records a decoded clip and its segmentation
func (m *Metrics) RecordClip(duration float64, segments int) {
	if m == nil {
		return
	}
	m.ClipDuration.Observe(duration)
	m.SegmentsPerClip.Observe(float64(segments))
}

// RecordDecodeFailure counts a fetch/decode error
func (m *Metrics) RecordDecodeFailure() {
	if m == nil {
		return
	}
	m.DecodeFailures.Inc()
}

// RecordStep records one played step
func (m *Metrics) RecordStep(kind string, overrun float64) {
	if m == nil {
		return
	}
	m.StepsPlayed.WithLabelValues(kind).Inc()
	if overrun > 0 {
		m.StepOverrun.Observe(overrun)
	}
}

// RecordStepFailure counts a refused step
func (m *Metrics) RecordStepFailure() {
	if m == nil {
		return
	}
	m.StepFailures.Inc()
}

// RecordIdleIteration counts one idle repetition
func (m *Metrics) RecordIdleIteration() {
	if m == nil {
		return
	}
	m.IdleLoops.Inc()
}

// SetSyncInProgress flips the in-flight gauge
func (m *Metrics) SetSyncInProgress(active bool) {
	if m == nil {
		return
	}
	m.SyncInFlight.Set(boolGauge(active))
}

// SetIdleLoopActive flips the idle gauge
func (m *Metrics) SetIdleLoopActive(active bool) {
	if m == nil {
		return
	}
	m.IdleLoopGauge.Set(boolGauge(active))
}

// SetClients sets the connected browser count
func (m *Metrics) SetClients(n int) {
	if m == nil {
		return
	}
	m.ClientConnections.Set(float64(n))
}

func boolGauge(v bool) float64 {
	if v {
		return 1
	}
	return 0
}
