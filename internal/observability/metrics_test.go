package observability

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsToolExecuted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ToolExecuted("search", "success", 50*time.Millisecond)
	m.ToolExecuted("search", "success", 20*time.Millisecond)
	m.ToolExecuted("summarize", "failure", time.Second)

	expected := `
		# HELP conductor_tool_executions_total Total number of tool executions by tool and status
		# TYPE conductor_tool_executions_total counter
		conductor_tool_executions_total{status="failure",tool="summarize"} 1
		conductor_tool_executions_total{status="success",tool="search"} 2
	`
	if err := testutil.CollectAndCompare(m.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestMetricsModelRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.ModelRequest("openai", "plan", nil, time.Second)
	m.ModelRequest("openai", "plan", errors.New("boom"), time.Second)

	if got := testutil.ToFloat64(m.ModelRequests.WithLabelValues("openai", "plan", "error")); got != 1 {
		t.Errorf("error count = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.ModelRequestDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
}

func TestMetricsBreakerState(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.BreakerStateChanged("model:openai", "open")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("model:openai")); got != 2 {
		t.Errorf("open state = %v, want 2", got)
	}
	m.BreakerStateChanged("model:openai", "half-open")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("model:openai")); got != 1 {
		t.Errorf("half-open state = %v, want 1", got)
	}
	m.BreakerStateChanged("model:openai", "closed")
	if got := testutil.ToFloat64(m.BreakerState.WithLabelValues("model:openai")); got != 0 {
		t.Errorf("closed state = %v, want 0", got)
	}
}

func TestMetricsMessageProcessed(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.MessageProcessed("responded", 3)
	m.AddCost("model", 0.25)
	m.AddCost("tool", 0)

	if got := testutil.ToFloat64(m.MessagesProcessed.WithLabelValues("responded")); got != 1 {
		t.Errorf("responded = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.CostUSD); got != 1 {
		t.Errorf("cost series = %d, want 1 (zero cost is not recorded)", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.MessageProcessed("responded", 1)
	m.ModelRequest("openai", "respond", nil, time.Second)
	m.ToolExecuted("search", "success", time.Second)
	m.PlanningResult("skipped")
	m.ReflectionResult("failure")
	m.BreakerStateChanged("x", "open")
	m.RetryAttempted("x")
	m.AddCost("model", 1)
}
