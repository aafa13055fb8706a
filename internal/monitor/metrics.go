package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the analysis service.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveExecutions  prometheus.Gauge
	SecurityEvents    *prometheus.CounterVec
	Validations       *prometheus.CounterVec
	StageRuns         *prometheus.CounterVec
	StageDuration     *prometheus.HistogramVec
	LLMRequests       *prometheus.CounterVec
	LLMDuration       prometheus.Histogram
	ActiveSessions    prometheus.Gauge
	RequestsInFlight  prometheus.Gauge
	CodeSizeBytes     prometheus.Histogram
	OutputSizeBytes   prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "analysis",
				Name:      "executions_total",
				Help:      "Total number of script executions by backend and status.",
			},
			[]string{"backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "analysis",
				Name:      "execution_duration_seconds",
				Help:      "Duration of script executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "analysis",
				Name:      "execution_errors_total",
				Help:      "Total script errors by error type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "analysis",
				Name:      "active_executions",
				Help:      "Number of currently running script executions.",
			},
		),

		SecurityEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "analysis",
				Name:      "security_events_total",
				Help:      "Total security events detected in scripts and output.",
			},
			[]string{"type"},
		),

		Validations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "analysis",
				Name:      "validations_total",
				Help:      "Validator verdicts by kind.",
			},
			[]string{"kind"},
		),

		StageRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "analysis",
				Name:      "stage_runs_total",
				Help:      "Pipeline stage runs by stage and status.",
			},
			[]string{"stage", "status"},
		),

		StageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "analysis",
				Name:      "stage_duration_seconds",
				Help:      "Duration of pipeline stages in seconds.",
				Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"stage"},
		),

		LLMRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Chat-completion attempts by outcome.",
			},
			[]string{"outcome"},
		),

		LLMDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of chat-completion attempts in seconds.",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
		),

		ActiveSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "analysis",
				Name:      "active_sessions",
				Help:      "Number of live analysis sessions.",
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "analysis",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "analysis",
				Name:      "code_size_bytes",
				Help:      "Size of executed scripts in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "analysis",
				Name:      "output_size_bytes",
				Help:      "Size of captured script output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.SecurityEvents,
		m.Validations,
		m.StageRuns,
		m.StageDuration,
		m.LLMRequests,
		m.LLMDuration,
		m.ActiveSessions,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records metrics for a completed execution.
func (m *Metrics) RecordExecution(backend, status string, durationSec float64) {
	m.ExecutionsTotal.WithLabelValues(backend, status).Inc()
	m.ExecutionDuration.WithLabelValues(backend).Observe(durationSec)
}

// RecordError records a script error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordSecurityEvent records a security event.
func (m *Metrics) RecordSecurityEvent(eventType string) {
	m.SecurityEvents.WithLabelValues(eventType).Inc()
}

// RecordValidation records one validator verdict.
func (m *Metrics) RecordValidation(kind string) {
	m.Validations.WithLabelValues(kind).Inc()
}

// RecordStage records a finished pipeline stage.
func (m *Metrics) RecordStage(stage, status string, durationSec float64) {
	m.StageRuns.WithLabelValues(stage, status).Inc()
	m.StageDuration.WithLabelValues(stage).Observe(durationSec)
}

// RecordLLMRequest records one chat-completion call, retries included.
func (m *Metrics) RecordLLMRequest(outcome string, durationSec float64) {
	m.LLMRequests.WithLabelValues(outcome).Inc()
	m.LLMDuration.Observe(durationSec)
}
