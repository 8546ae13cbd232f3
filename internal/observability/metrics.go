package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the daemon's Prometheus instrumentation, exposed on
// /metrics by the HTTP server.
type Metrics struct {
	// RunsStarted counts run executions kicked off.
	RunsStarted prometheus.Counter

	// RunsCompleted counts finished runs.
	// Labels: status (succeeded|failed|canceled)
	RunsCompleted *prometheus.CounterVec

	// TurnsCompleted counts finished session turns.
	// Labels: status (succeeded|failed|canceled)
	TurnsCompleted *prometheus.CounterVec

	// ToolInvocations counts tool calls.
	// Labels: tool, status (ok|error|skipped)
	ToolInvocations *prometheus.CounterVec

	// ToolDuration measures tool call latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// ApprovalWait measures how long approval gates stayed open, in
	// seconds. Human-gated, so the buckets run long.
	ApprovalWait prometheus.Histogram

	// HTTPRequests counts API requests.
	// Labels: method, route, status_code
	HTTPRequests *prometheus.CounterVec

	// HTTPDuration measures API request latency in seconds.
	// Labels: method, route
	HTTPDuration *prometheus.HistogramVec

	// EventSubscribers gauges live SSE subscriptions.
	// Labels: aggregate (run|session)
	EventSubscribers *prometheus.GaugeVec
}

// NewMetrics registers all metrics with the default registry. Call once
// at daemon startup.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers against an explicit registerer; used by
// tests to avoid duplicate registration in the default registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	return newMetrics(reg)
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agentd_runs_started_total",
			Help: "Total number of run executions started",
		}),
		RunsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_runs_completed_total",
			Help: "Total number of runs finished, by terminal status",
		}, []string{"status"}),
		TurnsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_turns_completed_total",
			Help: "Total number of session turns finished, by terminal status",
		}, []string{"status"}),
		ToolInvocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_tool_invocations_total",
			Help: "Total number of tool calls, by tool and status",
		}, []string{"tool", "status"}),
		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_tool_duration_seconds",
			Help:    "Duration of tool calls in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		}, []string{"tool"}),
		ApprovalWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentd_approval_wait_seconds",
			Help:    "Time approval gates stayed open before resolution",
			Buckets: []float64{1, 5, 15, 60, 300, 1800, 3600, 14400},
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "agentd_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "agentd_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "route"}),
		EventSubscribers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "agentd_event_subscribers",
			Help: "Current number of live event stream subscribers",
		}, []string{"aggregate"}),
	}
}

// RecordToolInvocation records one tool call.
func (m *Metrics) RecordToolInvocation(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolInvocations.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(durationSeconds)
}

// RecordRunCompleted records a run reaching a terminal status.
func (m *Metrics) RecordRunCompleted(status string) {
	if m == nil {
		return
	}
	m.RunsCompleted.WithLabelValues(status).Inc()
}

// RecordTurnCompleted records a turn reaching a terminal status.
func (m *Metrics) RecordTurnCompleted(status string) {
	if m == nil {
		return
	}
	m.TurnsCompleted.WithLabelValues(status).Inc()
}

// RecordApprovalWait records a resolved approval gate.
func (m *Metrics) RecordApprovalWait(durationSeconds float64) {
	if m == nil {
		return
	}
	m.ApprovalWait.Observe(durationSeconds)
}
