package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Logger writes audit events asynchronously through a buffered channel.
// A nil or disabled Logger accepts every call and records nothing.
//
// Usage:
//
//	logger, err := audit.NewLogger(audit.Config{Enabled: true, Output: "stdout"})
//	defer logger.Close()
//	logger.LogToolExecution(ctx, identity, result, args)
type Logger struct {
	config     Config
	output     io.WriteCloser
	slogger    *slog.Logger
	buffer     chan *Event
	wg         sync.WaitGroup
	done       chan struct{}
	closeOnce  sync.Once
	eventTypes map[EventType]bool
}

// NewLogger creates a new audit logger with the given configuration.
func NewLogger(config Config) (*Logger, error) {
	if !config.Enabled {
		return &Logger{config: config}, nil
	}

	if config.BufferSize == 0 {
		config.BufferSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = 5 * time.Second
	}
	if config.MaxFieldSize == 0 {
		config.MaxFieldSize = 1024
	}

	var output io.WriteCloser
	switch {
	case config.Output == "stdout" || config.Output == "":
		output = os.Stdout
	case config.Output == "stderr":
		output = os.Stderr
	case strings.HasPrefix(config.Output, "file:"):
		path := strings.TrimPrefix(config.Output, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("failed to open audit log file: %w", err)
		}
		output = f
	default:
		return nil, fmt.Errorf("unsupported audit output: %s", config.Output)
	}

	return newLogger(config, output), nil
}

func newLogger(config Config, output io.WriteCloser) *Logger {
	eventTypes := make(map[EventType]bool)
	for _, et := range config.EventTypes {
		eventTypes[et] = true
	}

	l := &Logger{
		config:     config,
		output:     output,
		buffer:     make(chan *Event, config.BufferSize),
		done:       make(chan struct{}),
		eventTypes: eventTypes,
	}

	opts := &slog.HandlerOptions{Level: l.slogLevel()}
	var handler slog.Handler
	if config.Format == FormatText {
		handler = slog.NewTextHandler(output, opts)
	} else {
		handler = slog.NewJSONHandler(output, opts)
	}
	l.slogger = slog.New(handler).With("component", "audit")

	l.wg.Add(1)
	go l.writeLoop()
	return l
}

// Close flushes remaining events and closes the logger.
func (l *Logger) Close() error {
	if l == nil || !l.config.Enabled {
		return nil
	}

	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.wg.Wait()
		if l.output != os.Stdout && l.output != os.Stderr {
			err = l.output.Close()
		}
	})
	return err
}

// Log writes an audit event to the log.
func (l *Logger) Log(ctx context.Context, event *Event) {
	if l == nil || !l.config.Enabled || event == nil {
		return
	}
	if len(l.eventTypes) > 0 && !l.eventTypes[event.Type] {
		return
	}
	if !l.shouldLog(event.Level) {
		return
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	if event.TraceID == "" {
		event.TraceID = observability.TraceID(ctx)
	}
	if event.SpanID == "" {
		event.SpanID = observability.SpanID(ctx)
	}

	select {
	case l.buffer <- event:
	default:
		// Buffer full, write inline rather than drop.
		l.writeEvent(event)
	}
}

// LogToolExecution records one tool execution. args must already have identity
// keys removed; they are hashed unless IncludeToolArguments is set.
func (l *Logger) LogToolExecution(ctx context.Context, identity models.CallIdentity, result models.ExecutionResult, args json.RawMessage) {
	if l == nil || !l.config.Enabled {
		return
	}

	level := LevelInfo
	if !result.Succeeded() {
		level = LevelWarn
	}

	details := map[string]any{
		"status": string(result.Status),
		"cost":   result.Cost,
	}
	if result.Step > 0 {
		details["step"] = result.Step
	}
	if result.ErrorKind != "" {
		details["error_kind"] = result.ErrorKind
	}
	if len(args) > 0 {
		if l.config.IncludeToolArguments {
			details["arguments"] = l.truncate(string(args))
		} else {
			details["arguments_hash"] = hashString(string(args))
		}
	}
	if len(result.Result) > 0 {
		details["result_size"] = len(result.Result)
	}

	l.Log(ctx, &Event{
		Type:           EventToolExecuted,
		Level:          level,
		TenantID:       identity.TenantID,
		ConversationID: identity.ConversationID,
		ToolName:       result.Tool,
		ToolCallID:     result.ToolCallID,
		Action:         "tool_executed",
		Details:        details,
		Duration:       result.Latency,
		Error:          l.truncate(result.Error),
	})
}

// LogToolDenied records a tool call refused by the tenant allow-list or the
// catalog.
func (l *Logger) LogToolDenied(ctx context.Context, identity models.CallIdentity, toolName, toolCallID, reason string) {
	l.Log(ctx, &Event{
		Type:           EventToolDenied,
		Level:          LevelWarn,
		TenantID:       identity.TenantID,
		ConversationID: identity.ConversationID,
		ToolName:       toolName,
		ToolCallID:     toolCallID,
		Action:         "tool_denied",
		Details:        map[string]any{"reason": reason},
	})
}

// LogToolInvalid records a tool call whose arguments failed schema
// validation. The stripped identity keys are recorded by name only.
func (l *Logger) LogToolInvalid(ctx context.Context, identity models.CallIdentity, toolName, toolCallID, reason string, stripped []string) {
	details := map[string]any{"reason": l.truncate(reason)}
	if len(stripped) > 0 {
		details["stripped_keys"] = stripped
	}
	l.Log(ctx, &Event{
		Type:           EventToolInvalid,
		Level:          LevelWarn,
		TenantID:       identity.TenantID,
		ConversationID: identity.ConversationID,
		ToolName:       toolName,
		ToolCallID:     toolCallID,
		Action:         "tool_invalid_arguments",
		Details:        details,
	})
}

// LogPromptRejected records a validator rejection. Only codes and spans are
// logged, never the prompt text.
func (l *Logger) LogPromptRejected(ctx context.Context, tenantID, conversationID string, codes []string, spans int) {
	l.Log(ctx, &Event{
		Type:           EventPromptRejected,
		Level:          LevelWarn,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Action:         "prompt_rejected",
		Details: map[string]any{
			"codes": codes,
			"spans": spans,
		},
	})
}

// LogPlanCreated records a persisted plan.
func (l *Logger) LogPlanCreated(ctx context.Context, plan *models.Plan) {
	if plan == nil {
		return
	}
	l.Log(ctx, &Event{
		Type:           EventPlanCreated,
		Level:          LevelInfo,
		TenantID:       plan.TenantID,
		ConversationID: plan.ConversationID,
		PlanID:         plan.ID,
		Action:         "plan_created",
		Details: map[string]any{
			"steps":      len(plan.Steps),
			"complexity": plan.Complexity,
		},
	})
}

// LogPlanFailed records a planning failure.
func (l *Logger) LogPlanFailed(ctx context.Context, tenantID, conversationID, reason string) {
	l.Log(ctx, &Event{
		Type:           EventPlanFailed,
		Level:          LevelWarn,
		TenantID:       tenantID,
		ConversationID: conversationID,
		Action:         "plan_failed",
		Error:          l.truncate(reason),
	})
}

// LogTaskTransition records a task status change.
func (l *Logger) LogTaskTransition(ctx context.Context, task *models.Task, from models.TaskStatus) {
	if task == nil {
		return
	}
	l.Log(ctx, &Event{
		Type:           EventTaskTransition,
		Level:          LevelInfo,
		TenantID:       task.TenantID,
		ConversationID: task.ConversationID,
		TaskID:         task.ID,
		PlanID:         task.PlanID,
		Action:         "task_" + string(task.Status),
		Details: map[string]any{
			"from":         string(from),
			"to":           string(task.Status),
			"current_step": task.CurrentStep,
			"total_steps":  task.TotalSteps,
		},
	})
}

// LogMessageProcessed records the end of one orchestration run.
func (l *Logger) LogMessageProcessed(ctx context.Context, msg *models.CanonicalMessage, state string, toolCalls int, duration time.Duration, err error) {
	if msg == nil {
		return
	}
	event := &Event{
		Type:           EventMessageProcessed,
		Level:          LevelInfo,
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		Action:         "message_processed",
		Details: map[string]any{
			"state":      state,
			"tool_calls": toolCalls,
		},
		Duration: duration,
	}
	if err != nil {
		event.Level = LevelError
		event.Error = l.truncate(err.Error())
	}
	l.Log(ctx, event)
}

func (l *Logger) writeLoop() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		case <-ticker.C:
			l.flushBuffer()
		case <-l.done:
			l.flushBuffer()
			return
		}
	}
}

func (l *Logger) flushBuffer() {
	for {
		select {
		case event := <-l.buffer:
			l.writeEvent(event)
		default:
			return
		}
	}
}

func (l *Logger) writeEvent(event *Event) {
	attrs := []any{
		"audit_id", event.ID,
		"audit_type", event.Type,
		"action", event.Action,
		"timestamp", event.Timestamp.Format(time.RFC3339Nano),
	}

	optional := []struct {
		key, value string
	}{
		{"tenant_id", event.TenantID},
		{"conversation_id", event.ConversationID},
		{"task_id", event.TaskID},
		{"plan_id", event.PlanID},
		{"tool_name", event.ToolName},
		{"tool_call_id", event.ToolCallID},
		{"trace_id", event.TraceID},
		{"span_id", event.SpanID},
		{"error", event.Error},
	}
	for _, kv := range optional {
		if kv.value != "" {
			attrs = append(attrs, kv.key, kv.value)
		}
	}
	if event.Duration > 0 {
		attrs = append(attrs, "duration_ms", event.Duration.Milliseconds())
	}
	for k, v := range event.Details {
		attrs = append(attrs, k, v)
	}

	switch event.Level {
	case LevelDebug:
		l.slogger.Debug("audit", attrs...)
	case LevelWarn:
		l.slogger.Warn("audit", attrs...)
	case LevelError:
		l.slogger.Error("audit", attrs...)
	default:
		l.slogger.Info("audit", attrs...)
	}
}

func (l *Logger) truncate(s string) string {
	if l == nil {
		return s
	}
	if l.config.MaxFieldSize > 0 && len(s) > l.config.MaxFieldSize {
		return s[:l.config.MaxFieldSize] + "...(truncated)"
	}
	return s
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.config.Level]
}

func (l *Logger) slogLevel() slog.Level {
	switch l.config.Level {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// hashString returns the first 16 hex chars of the SHA256 of s.
func hashString(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])[:16]
}
