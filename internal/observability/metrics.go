package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// eventsEmitted counts every event accepted by an EventLog, by type.
var eventsEmitted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "medulla_events_emitted_total",
		Help: "Total number of telemetry events emitted by type",
	},
	[]string{"event_type"},
)

// Metrics is the process-wide Prometheus surface. Register once at startup;
// all vectors land in the default registry and are served from /metrics.
type Metrics struct {
	// RequestCounter tracks handled turns.
	// Labels: channel (CHAT|CODE_TASK|SYSTEM_HEALTH), outcome (completed|failed|timeout)
	RequestCounter *prometheus.CounterVec

	// RequestDuration measures end-to-end turn latency in seconds.
	RequestDuration *prometheus.HistogramVec

	// ModelCallCounter counts model calls by role, model, and status.
	ModelCallCounter *prometheus.CounterVec

	// ModelCallDuration measures model call latency in seconds.
	ModelCallDuration *prometheus.HistogramVec

	// ModelTokens tracks token consumption. Labels: role, model, type (prompt|completion)
	ModelTokens *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by name and status.
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	ToolExecutionDuration *prometheus.HistogramVec

	// ModeTransitions counts mode changes by edge.
	ModeTransitions *prometheus.CounterVec

	// ShipperDropped counts events dropped by the index shipper's queue.
	ShipperDropped prometheus.Counter

	// ShipperCircuitOpen is 1 while the shipper's circuit is open.
	ShipperCircuitOpen prometheus.Gauge

	// LoopRuns counts background loop invocations. Labels: loop, status (ok|error|skipped)
	LoopRuns *prometheus.CounterVec

	// LoopDuration measures background loop run time in seconds.
	LoopDuration *prometheus.HistogramVec

	// LifecycleActions counts archive/purge/cleanup actions. Labels: class, action
	LifecycleActions *prometheus.CounterVec

	// ActiveSessions is a gauge of live sessions by channel.
	ActiveSessions *prometheus.GaugeVec

	// ErrorCounter tracks errors by component and category.
	ErrorCounter *prometheus.CounterVec

	// HTTPRequestCounter counts HTTP shell requests.
	HTTPRequestCounter *prometheus.CounterVec

	// HTTPRequestDuration measures HTTP shell latency in seconds.
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers every vector with the default registry.
// Call exactly once at startup.
func NewMetrics() *Metrics {
	return &Metrics{
		RequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_requests_total",
				Help: "Total number of handled turns by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medulla_request_duration_seconds",
				Help:    "End-to-end turn latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"channel"},
		),

		ModelCallCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_model_calls_total",
				Help: "Total number of model calls by role, model, and status",
			},
			[]string{"role", "model", "status"},
		),

		ModelCallDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medulla_model_call_duration_seconds",
				Help:    "Model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"role", "model"},
		),

		ModelTokens: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_model_tokens_total",
				Help: "Total tokens consumed by role, model, and type",
			},
			[]string{"role", "model", "type"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medulla_tool_execution_duration_seconds",
				Help:    "Tool execution time in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ModeTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_mode_transitions_total",
				Help: "Total mode transitions by edge",
			},
			[]string{"from", "to"},
		),

		ShipperDropped: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "medulla_shipper_dropped_events_total",
				Help: "Events dropped by the index shipper's bounded queue",
			},
		),

		ShipperCircuitOpen: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "medulla_shipper_circuit_open",
				Help: "1 while the index shipper's circuit breaker is open",
			},
		),

		LoopRuns: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_loop_runs_total",
				Help: "Background loop invocations by loop and status",
			},
			[]string{"loop", "status"},
		),

		LoopDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medulla_loop_duration_seconds",
				Help:    "Background loop run time in seconds",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300},
			},
			[]string{"loop"},
		),

		LifecycleActions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_lifecycle_actions_total",
				Help: "Lifecycle actions by data class and action",
			},
			[]string{"class", "action"},
		),

		ActiveSessions: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "medulla_active_sessions",
				Help: "Current number of active sessions by channel",
			},
			[]string{"channel"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_errors_total",
				Help: "Total number of errors by component and category",
			},
			[]string{"component", "category"},
		),

		HTTPRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "medulla_http_requests_total",
				Help: "Total number of HTTP shell requests",
			},
			[]string{"method", "path", "status_code"},
		),

		HTTPRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "medulla_http_request_duration_seconds",
				Help:    "HTTP shell request latency in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// RecordModelCall records counter, histogram and token usage for one call.
func (m *Metrics) RecordModelCall(role, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.ModelCallCounter.WithLabelValues(role, model, status).Inc()
	m.ModelCallDuration.WithLabelValues(role, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.ModelTokens.WithLabelValues(role, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.ModelTokens.WithLabelValues(role, model, "completion").Add(float64(completionTokens))
	}
}

// RecordToolExecution records counter and histogram for one tool run.
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter.
func (m *Metrics) RecordError(component, category string) {
	m.ErrorCounter.WithLabelValues(component, category).Inc()
}
