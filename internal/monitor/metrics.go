package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the refinery.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	ExecutionErrors   *prometheus.CounterVec
	ActiveContexts    prometheus.Gauge

	ValidationsTotal  *prometheus.CounterVec
	TestOutcomesTotal *prometheus.CounterVec
	FindingsTotal     *prometheus.CounterVec

	ImprovementCycles *prometheus.CounterVec
	TelemetryDropped  *prometheus.CounterVec

	RequestsInFlight prometheus.Gauge
	CodeSizeBytes    prometheus.Histogram
	OutputSizeBytes  prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "executions_total",
				Help:      "Total number of sandbox executions by backend and status.",
			},
			[]string{"backend", "status"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "refinery",
				Name:      "execution_duration_seconds",
				Help:      "Duration of sandbox executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"backend"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "execution_errors_total",
				Help:      "Total sandbox execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveContexts: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "refinery",
				Name:      "active_contexts",
				Help:      "Number of currently registered live execution contexts.",
			},
		),

		ValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "validations_total",
				Help:      "Total validation runs by verdict.",
			},
			[]string{"verdict"},
		),

		TestOutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "test_outcomes_total",
				Help:      "Total individual validation test outcomes.",
			},
			[]string{"outcome"},
		),

		FindingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "security_findings_total",
				Help:      "Total static security findings by severity.",
			},
			[]string{"severity"},
		),

		ImprovementCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "improvement_cycles_total",
				Help:      "Total improvement cycles by status.",
			},
			[]string{"status"},
		),

		TelemetryDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "refinery",
				Name:      "telemetry_dropped_total",
				Help:      "Telemetry writes dropped due to storage failures.",
			},
			[]string{"kind"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "refinery",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "refinery",
				Name:      "code_size_bytes",
				Help:      "Size of submitted agent code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "refinery",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveContexts,
		m.ValidationsTotal,
		m.TestOutcomesTotal,
		m.FindingsTotal,
		m.ImprovementCycles,
		m.TelemetryDropped,
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

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordValidation records a completed validation verdict and its findings.
func (m *Metrics) RecordValidation(valid bool, passed, failed int, findingSeverities []string) {
	verdict := "invalid"
	if valid {
		verdict = "valid"
	}
	m.ValidationsTotal.WithLabelValues(verdict).Inc()
	m.TestOutcomesTotal.WithLabelValues("passed").Add(float64(passed))
	m.TestOutcomesTotal.WithLabelValues("failed").Add(float64(failed))
	for _, sev := range findingSeverities {
		m.FindingsTotal.WithLabelValues(sev).Inc()
	}
}

// RecordImprovement records one improvement cycle outcome.
func (m *Metrics) RecordImprovement(status string) {
	m.ImprovementCycles.WithLabelValues(status).Inc()
}
