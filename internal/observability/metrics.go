package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects the engine's Prometheus metrics. All methods are safe to
// call on a nil *Metrics, which records nothing.
//
// Usage:
//
//	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
//	metrics.ToolExecuted("search", "success", 120*time.Millisecond)
type Metrics struct {
	// MessagesProcessed counts driver runs.
	// Labels: status (responded|failed)
	MessagesProcessed *prometheus.CounterVec

	// ToolLoopRounds observes model-invocation rounds per message.
	ToolLoopRounds prometheus.Histogram

	// ModelRequests counts model calls.
	// Labels: provider, purpose (respond|plan|reflect), status (success|error)
	ModelRequests *prometheus.CounterVec

	// ModelRequestDuration measures model call latency in seconds.
	// Labels: provider
	ModelRequestDuration *prometheus.HistogramVec

	// ToolExecutions counts tool invocations.
	// Labels: tool, status (success|failure)
	ToolExecutions *prometheus.CounterVec

	// ToolExecutionDuration measures tool latency in seconds.
	// Labels: tool
	ToolExecutionDuration *prometheus.HistogramVec

	// Planning counts planner outcomes.
	// Labels: result (created|skipped|malformed|cycle|tool_not_allowed|unavailable)
	Planning *prometheus.CounterVec

	// Reflections counts reflector outcomes.
	// Labels: result (success|failure)
	Reflections *prometheus.CounterVec

	// BreakerState is the current circuit state per dependency
	// (0 closed, 1 half-open, 2 open).
	BreakerState *prometheus.GaugeVec

	// Retries counts retry attempts per dependency.
	Retries *prometheus.CounterVec

	// CostUSD accumulates estimated spend.
	// Labels: kind (model|tool)
	CostUSD *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		MessagesProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_messages_total",
				Help: "Total number of messages processed by the driver",
			},
			[]string{"status"},
		),
		ToolLoopRounds: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_loop_rounds",
				Help:    "Model invocation rounds per message",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
			},
		),
		ModelRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_model_requests_total",
				Help: "Total number of model requests by provider, purpose and status",
			},
			[]string{"provider", "purpose", "status"},
		),
		ModelRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_model_request_duration_seconds",
				Help:    "Duration of model requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider"},
		),
		ToolExecutions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_tool_executions_total",
				Help: "Total number of tool executions by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "conductor_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		Planning: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_planning_total",
				Help: "Planner outcomes",
			},
			[]string{"result"},
		),
		Reflections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_reflections_total",
				Help: "Reflector outcomes",
			},
			[]string{"result"},
		),
		BreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "conductor_circuit_breaker_state",
				Help: "Circuit breaker state per dependency (0 closed, 1 half-open, 2 open)",
			},
			[]string{"dependency"},
		),
		Retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_retries_total",
				Help: "Retry attempts per dependency",
			},
			[]string{"dependency"},
		),
		CostUSD: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "conductor_cost_usd_total",
				Help: "Estimated spend in USD",
			},
			[]string{"kind"},
		),
	}
}

// MessageProcessed records a finished driver run.
func (m *Metrics) MessageProcessed(status string, rounds int) {
	if m == nil {
		return
	}
	m.MessagesProcessed.WithLabelValues(status).Inc()
	m.ToolLoopRounds.Observe(float64(rounds))
}

// ModelRequest records one model call.
func (m *Metrics) ModelRequest(provider, purpose string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.ModelRequests.WithLabelValues(provider, purpose, status).Inc()
	m.ModelRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// ToolExecuted records one tool execution.
func (m *Metrics) ToolExecuted(tool, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// PlanningResult records a planner outcome.
func (m *Metrics) PlanningResult(result string) {
	if m == nil {
		return
	}
	m.Planning.WithLabelValues(result).Inc()
}

// ReflectionResult records a reflector outcome.
func (m *Metrics) ReflectionResult(result string) {
	if m == nil {
		return
	}
	m.Reflections.WithLabelValues(result).Inc()
}

// BreakerStateChanged records a circuit transition.
func (m *Metrics) BreakerStateChanged(dependency string, state string) {
	if m == nil {
		return
	}
	var value float64
	switch state {
	case "half-open":
		value = 1
	case "open":
		value = 2
	}
	m.BreakerState.WithLabelValues(dependency).Set(value)
}

// RetryAttempted records a retry for a dependency.
func (m *Metrics) RetryAttempted(dependency string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(dependency).Inc()
}

// AddCost accumulates estimated spend.
func (m *Metrics) AddCost(kind string, usd float64) {
	if m == nil || usd <= 0 {
		return
	}
	m.CostUSD.WithLabelValues(kind).Add(usd)
}
