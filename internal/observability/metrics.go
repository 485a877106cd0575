package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for deepread.
// Uses a custom registry, no global state. A nil *Metrics is valid: all
// Record methods become no-ops, so callers never branch on enablement.
type Metrics struct {
	Registry *prometheus.Registry

	// LLM metrics.
	LLMRequestsTotal   *prometheus.CounterVec
	LLMRequestDuration *prometheus.HistogramVec
	LLMTokensUsed      *prometheus.CounterVec

	// Sandbox execution metrics.
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram

	// Recursive sub-query metrics.
	SubQueriesTotal *prometheus.CounterVec

	// Agent run metrics.
	RunsTotal *prometheus.CounterVec
	RunTurns  prometheus.Histogram

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetrics creates a Metrics with all collectors registered on a custom
// prometheus.Registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		LLMRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "llm",
			Name:      "requests_total",
			Help:      "Total LLM API requests.",
		}, []string{"provider", "status"}),

		LLMRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepread",
			Subsystem: "llm",
			Name:      "request_duration_seconds",
			Help:      "LLM API request duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		LLMTokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "llm",
			Name:      "tokens_used_total",
			Help:      "Total LLM tokens consumed.",
		}, []string{"provider", "direction"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "sandbox",
			Name:      "executions_total",
			Help:      "Total sandbox code executions.",
		}, []string{"status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deepread",
			Subsystem: "sandbox",
			Name:      "execution_duration_seconds",
			Help:      "Sandbox code execution duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 120},
		}),

		SubQueriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "subquery",
			Name:      "requests_total",
			Help:      "Total recursive sub-queries issued by executed code.",
		}, []string{"status"}),

		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "agent",
			Name:      "runs_total",
			Help:      "Total agent runs.",
		}, []string{"status"}),

		RunTurns: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "deepread",
			Subsystem: "agent",
			Name:      "run_turns",
			Help:      "Turns consumed per agent run.",
			Buckets:   []float64{1, 2, 3, 5, 8, 10, 15, 20},
		}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deepread",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "deepread",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deepread",
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		m.LLMRequestsTotal,
		m.LLMRequestDuration,
		m.LLMTokensUsed,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.SubQueriesTotal,
		m.RunsTotal,
		m.RunTurns,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordLLMRequest records one LLM call outcome.
func (m *Metrics) RecordLLMRequest(provider string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.LLMRequestsTotal.WithLabelValues(provider, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// RecordTokens records token usage for one LLM call.
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if m == nil {
		return
	}
	m.LLMTokensUsed.WithLabelValues(provider, "input").Add(float64(input))
	m.LLMTokensUsed.WithLabelValues(provider, "output").Add(float64(output))
}

// RecordExecution records one sandbox code execution.
func (m *Metrics) RecordExecution(success bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

// Sub-query outcome labels.
const (
	SubQuerySuccess      = "success"
	SubQueryError        = "error"
	SubQueryDepthLimited = "depth_limited"
)

// RecordSubQuery records one recursive sub-query outcome.
func (m *Metrics) RecordSubQuery(status string) {
	if m == nil {
		return
	}
	m.SubQueriesTotal.WithLabelValues(status).Inc()
}

// RecordRun records one completed agent run.
func (m *Metrics) RecordRun(success bool, turns int) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunTurns.Observe(float64(turns))
}
