package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	registry *prometheus.Registry
	stages   *stageWindow

	ActiveSessions     prometheus.Gauge
	SessionEvents      *prometheus.CounterVec
	WSMessages         *prometheus.CounterVec
	PipelineErrors     *prometheus.CounterVec
	GenerationDuration *prometheus.HistogramVec
	ExportDuration     *prometheus.HistogramVec
	AcceleratorWait    prometheus.Histogram
	RateLimited        *prometheus.CounterVec
}

// NewMetrics builds the instruments on a private registry so several servers
// (tests, mostly) can coexist in one process.
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		stages:   newStageWindow(256),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions with a live working directory.",
		}),
		SessionEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session events by type.",
		}, []string{"event"}),
		WSMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		PipelineErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipeline_errors_total",
			Help:      "Pipeline errors by stage and code.",
		}, []string{"stage", "code"}),
		GenerationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Preview generation latency by input mode.",
			Buckets:   []float64{1, 5, 10, 20, 30, 60, 90, 120, 180, 300},
		}, []string{"mode"}),
		ExportDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "export_duration_seconds",
			Help:      "Export latency by format.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 90},
		}, []string{"format"}),
		AcceleratorWait: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "accelerator_wait_seconds",
			Help:      "Time spent waiting for exclusive accelerator access.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-client rate limiter.",
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveGeneration(mode string, d time.Duration) {
	m.GenerationDuration.WithLabelValues(mode).Observe(d.Seconds())
}

func (m *Metrics) ObserveExport(format string, d time.Duration) {
	m.ExportDuration.WithLabelValues(format).Observe(d.Seconds())
}

func (m *Metrics) ObserveAcceleratorWait(d time.Duration) {
	m.AcceleratorWait.Observe(d.Seconds())
	m.stages.observe(StageAcceleratorWait, d)
}

func (m *Metrics) ObservePipelineError(stage, code string) {
	m.PipelineErrors.WithLabelValues(stage, code).Inc()
	m.stages.observeOutcome(stage + ":" + code)
}

// ObserveStage records one pipeline stage duration in the latency window.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	m.stages.observe(stage, d)
}

// SnapshotStages summarizes the recent stage latencies.
func (m *Metrics) SnapshotStages() StageSnapshot {
	return m.stages.snapshot()
}

// Handler exposes this metric set in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
