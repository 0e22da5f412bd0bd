package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/pkg/models"
)

// syncBuffer guards a bytes.Buffer written by the async writer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Close() error { return nil }

func (b *syncBuffer) lines(t *testing.T) []map[string]any {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(b.buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("invalid json line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func newBufferedLogger(config Config) (*Logger, *syncBuffer) {
	config.Enabled = true
	if config.BufferSize == 0 {
		config.BufferSize = 10
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Hour
	}
	out := &syncBuffer{}
	return newLogger(config, out), out
}

func TestNewLogger_Disabled(t *testing.T) {
	logger, err := NewLogger(Config{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	logger.Log(context.Background(), &Event{Type: EventToolExecuted})
	if err := logger.Close(); err != nil {
		t.Errorf("unexpected error closing: %v", err)
	}

	var nilLogger *Logger
	nilLogger.LogToolDenied(context.Background(), models.CallIdentity{}, "x", "", "denied")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil logger close: %v", err)
	}
}

func TestNewLogger_InvalidOutput(t *testing.T) {
	_, err := NewLogger(Config{Enabled: true, Output: "invalid://path"})
	if err == nil {
		t.Error("expected error for invalid output")
	}
}

func TestLogger_LogLevels(t *testing.T) {
	tests := []struct {
		configLevel Level
		eventLevel  Level
		shouldLog   bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelWarn, LevelError, true},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.configLevel)+"_"+string(tt.eventLevel), func(t *testing.T) {
			logger := &Logger{config: Config{Enabled: true, Level: tt.configLevel}}
			if got := logger.shouldLog(tt.eventLevel); got != tt.shouldLog {
				t.Errorf("shouldLog(%s) with config level %s = %v, want %v",
					tt.eventLevel, tt.configLevel, got, tt.shouldLog)
			}
		})
	}
}

func TestLogger_EventTypeFilter(t *testing.T) {
	logger := &Logger{
		config:     Config{Enabled: true, Level: LevelInfo},
		eventTypes: map[EventType]bool{EventToolExecuted: true},
		output:     nopWriteCloser{io.Discard},
		buffer:     make(chan *Event, 10),
		done:       make(chan struct{}),
	}

	logger.Log(context.Background(), &Event{Type: EventPlanCreated, Level: LevelInfo})
	logger.Log(context.Background(), &Event{Type: EventToolExecuted, Level: LevelInfo})

	if len(logger.buffer) != 1 {
		t.Fatalf("buffered events = %d, want 1", len(logger.buffer))
	}
	event := <-logger.buffer
	if event.Type != EventToolExecuted {
		t.Errorf("expected %s, got %s", EventToolExecuted, event.Type)
	}
	if event.ID == "" || event.Timestamp.IsZero() {
		t.Error("expected id and timestamp defaults")
	}
}

func TestLogToolExecutionHashesArguments(t *testing.T) {
	logger, out := newBufferedLogger(Config{Level: LevelInfo})
	identity := models.CallIdentity{TenantID: "acme", ConversationID: "conv-1"}
	result := models.ExecutionResult{
		Step:       2,
		ToolCallID: "call-1",
		Tool:       "search",
		Status:     models.ExecutionFailure,
		Error:      "upstream unavailable",
		ErrorKind:  "unavailable",
		Latency:    15 * time.Millisecond,
	}

	logger.LogToolExecution(context.Background(), identity, result, json.RawMessage(`{"query":"secret plans"}`))
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	lines := out.lines(t)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	line := lines[0]
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN for a failed execution", line["level"])
	}
	if line["tenant_id"] != "acme" || line["tool_name"] != "search" || line["error_kind"] != "unavailable" {
		t.Errorf("unexpected line %v", line)
	}
	if _, ok := line["arguments"]; ok {
		t.Error("arguments must be hashed unless explicitly included")
	}
	if line["arguments_hash"] != hashString(`{"query":"secret plans"}`) {
		t.Errorf("arguments_hash = %v", line["arguments_hash"])
	}
}

func TestLogToolExecutionIncludesArguments(t *testing.T) {
	logger, out := newBufferedLogger(Config{Level: LevelInfo, IncludeToolArguments: true, MaxFieldSize: 8})
	logger.LogToolExecution(context.Background(), models.CallIdentity{TenantID: "acme"},
		models.ExecutionResult{Tool: "search", Status: models.ExecutionSuccess},
		json.RawMessage(`{"query":"long query text"}`))
	_ = logger.Close()

	lines := out.lines(t)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	args, _ := lines[0]["arguments"].(string)
	if !strings.HasSuffix(args, "...(truncated)") {
		t.Errorf("arguments = %q, want truncated", args)
	}
}

func TestLogTaskTransition(t *testing.T) {
	logger, out := newBufferedLogger(Config{Level: LevelInfo})
	task := &models.Task{ID: "task-1", TenantID: "acme", PlanID: "plan-1", Status: models.TaskCompleted, CurrentStep: 3, TotalSteps: 3}
	logger.LogTaskTransition(context.Background(), task, models.TaskExecuting)
	_ = logger.Close()

	lines := out.lines(t)
	if len(lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(lines))
	}
	if lines[0]["action"] != "task_completed" || lines[0]["from"] != "executing" {
		t.Errorf("unexpected line %v", lines[0])
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	logger, _ := newBufferedLogger(Config{Level: LevelInfo})
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
	if err := logger.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestHashString(t *testing.T) {
	if hashString("test input") != hashString("test input") {
		t.Error("expected same hash for same input")
	}
	if hashString("test input") == hashString("different input") {
		t.Error("expected different hash for different input")
	}
	if got := len(hashString("x")); got != 16 {
		t.Errorf("expected hash length 16, got %d", got)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("expected Enabled to be false")
	}
	if cfg.Level != LevelInfo {
		t.Errorf("expected Level to be LevelInfo, got %v", cfg.Level)
	}
	if cfg.Format != FormatJSON {
		t.Errorf("expected Format to be FormatJSON, got %v", cfg.Format)
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
