// Package observability wires structured logging, Prometheus metrics and
// OpenTelemetry tracing for the orchestration engine.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// LogConfig configures the logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error"
	Level string

	// Format specifies output format: "json" or "text"
	Format string

	// Output is the writer for log output (defaults to os.Stderr)
	Output io.Writer

	// AddSource includes file and line number in log records
	AddSource bool

	// RedactPatterns are additional regex patterns for sensitive data redaction
	RedactPatterns []string
}

// ContextKey is the type for context keys used in logging.
type ContextKey string

const (
	RequestIDKey      ContextKey = "request_id"
	TenantIDKey       ContextKey = "tenant_id"
	ConversationIDKey ContextKey = "conversation_id"
	TaskIDKey         ContextKey = "task_id"
)

var contextKeys = []ContextKey{RequestIDKey, TenantIDKey, ConversationIDKey, TaskIDKey}

// DefaultRedactPatterns contains regex patterns for common sensitive data.
var DefaultRedactPatterns = []string{
	`(?i)(api[_-]?key|apikey)[\s:=]+["\']?([a-zA-Z0-9_\-]{16,})["\']?`,
	`(?i)(bearer|token)[\s:]+([a-zA-Z0-9_\-\.]{16,})`,
	`(?i)(secret|password|passwd|pwd)[\s:=]+["\']?([^\s"']{8,})["\']?`,
	`sk-ant-[a-zA-Z0-9_-]{32,}`,
	`sk-[a-zA-Z0-9]{32,}`,
	`AIza[0-9A-Za-z_\-]{35}`,
	`eyJ[a-zA-Z0-9_-]*\.eyJ[a-zA-Z0-9_-]*\.[a-zA-Z0-9_-]*`,
}

var sensitiveKeys = map[string]bool{
	"password":      true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"authorization": true,
	"auth_config":   true,
}

// NewLogger builds a *slog.Logger whose handler redacts secrets and adds
// request-scoped identifiers stored in the context.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stderr
	}

	opts := &slog.HandlerOptions{
		Level:     ParseLevel(config.Level),
		AddSource: config.AddSource,
	}

	var inner slog.Handler
	if strings.EqualFold(config.Format, "text") {
		inner = slog.NewTextHandler(config.Output, opts)
	} else {
		inner = slog.NewJSONHandler(config.Output, opts)
	}

	patterns := append(append([]string{}, DefaultRedactPatterns...), config.RedactPatterns...)
	redacts := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		if re, err := regexp.Compile(pattern); err == nil {
			redacts = append(redacts, re)
		}
	}

	return slog.New(&redactingHandler{inner: inner, redacts: redacts})
}

// ParseLevel converts a level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WithTenant returns a context carrying the tenant and conversation ids for log correlation.
func WithTenant(ctx context.Context, tenantID, conversationID string) context.Context {
	if tenantID != "" {
		ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	}
	if conversationID != "" {
		ctx = context.WithValue(ctx, ConversationIDKey, conversationID)
	}
	return ctx
}

// WithRequestID returns a context carrying the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithTaskID returns a context carrying the task id.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

// RequestID extracts the request id from the context.
func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(RequestIDKey).(string)
	return v
}

type redactingHandler struct {
	inner   slog.Handler
	redacts []*regexp.Regexp
}

func (h *redactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *redactingHandler) Handle(ctx context.Context, record slog.Record) error {
	out := slog.NewRecord(record.Time, record.Level, h.redactString(record.Message), record.PC)
	for _, key := range contextKeys {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			out.AddAttrs(slog.String(string(key), v))
		}
	}
	record.Attrs(func(attr slog.Attr) bool {
		out.AddAttrs(h.redactAttr(attr))
		return true
	})
	return h.inner.Handle(ctx, out)
}

func (h *redactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	redacted := make([]slog.Attr, len(attrs))
	for i, attr := range attrs {
		redacted[i] = h.redactAttr(attr)
	}
	return &redactingHandler{inner: h.inner.WithAttrs(redacted), redacts: h.redacts}
}

func (h *redactingHandler) WithGroup(name string) slog.Handler {
	return &redactingHandler{inner: h.inner.WithGroup(name), redacts: h.redacts}
}

func (h *redactingHandler) redactAttr(attr slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(strings.ReplaceAll(attr.Key, "-", "_"))] {
		return slog.String(attr.Key, "[REDACTED]")
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindString:
		return slog.String(attr.Key, h.redactString(value.String()))
	case slog.KindGroup:
		group := value.Group()
		redacted := make([]any, len(group))
		for i, a := range group {
			redacted[i] = h.redactAttr(a)
		}
		return slog.Group(attr.Key, redacted...)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok && err != nil {
			return slog.String(attr.Key, h.redactString(err.Error()))
		}
	}
	return slog.Attr{Key: attr.Key, Value: value}
}

func (h *redactingHandler) redactString(s string) string {
	for _, re := range h.redacts {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}
