// Package audit records structured audit events for tool executions, prompt
// rejections, plan creation and task transitions.
package audit

import (
	"time"
)

// EventType categorizes audit events.
type EventType string

const (
	// Tool events
	EventToolExecuted EventType = "tool.executed"
	EventToolDenied   EventType = "tool.denied"
	EventToolInvalid  EventType = "tool.invalid_arguments"

	// Prompt events
	EventPromptRejected EventType = "prompt.rejected"

	// Planning and task events
	EventPlanCreated    EventType = "plan.created"
	EventPlanFailed     EventType = "plan.failed"
	EventTaskTransition EventType = "task.transition"

	// Message events
	EventMessageProcessed EventType = "message.processed"
)

// Level represents audit log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event represents a single audit log entry.
type Event struct {
	// ID is a unique identifier for this audit event.
	ID string `json:"id"`

	Type  EventType `json:"type"`
	Level Level     `json:"level"`

	// Timestamp when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	TenantID       string `json:"tenant_id,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	PlanID         string `json:"plan_id,omitempty"`

	// ToolName identifies the tool for tool-related events.
	ToolName string `json:"tool_name,omitempty"`

	// ToolCallID links to a specific model tool call.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// Action describes what happened.
	Action string `json:"action"`

	// Details contains event-specific structured data.
	Details map[string]any `json:"details,omitempty"`

	// Duration is the time taken for timed operations.
	Duration time.Duration `json:"duration,omitempty"`

	// Error contains error information if applicable.
	Error string `json:"error,omitempty"`

	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// OutputFormat specifies the audit log output format.
type OutputFormat string

const (
	FormatJSON OutputFormat = "json"
	FormatText OutputFormat = "text"
)

// Config configures the audit logger.
type Config struct {
	// Enabled determines if audit logging is active.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Level is the minimum level to log.
	Level Level `json:"level" yaml:"level"`

	Format OutputFormat `json:"format" yaml:"format"`

	// Output specifies where to write logs.
	// Supported: "stdout", "stderr", "file:/path/to/file.log"
	Output string `json:"output" yaml:"output"`

	// IncludeToolArguments logs sanitized tool arguments verbatim instead of
	// a hash.
	IncludeToolArguments bool `json:"include_tool_arguments" yaml:"include_tool_arguments"`

	// MaxFieldSize limits the size of logged fields.
	MaxFieldSize int `json:"max_field_size" yaml:"max_field_size"`

	// EventTypes filters which event types to log (empty = all).
	EventTypes []EventType `json:"event_types" yaml:"event_types"`

	// BufferSize is the size of the async write buffer.
	BufferSize int `json:"buffer_size" yaml:"buffer_size"`

	// FlushInterval is how often to flush the buffer.
	FlushInterval time.Duration `json:"flush_interval" yaml:"flush_interval"`
}

// DefaultConfig returns a default audit configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:       false,
		Level:         LevelInfo,
		Format:        FormatJSON,
		Output:        "stdout",
		MaxFieldSize:  1024,
		BufferSize:    1000,
		FlushInterval: 5 * time.Second,
	}
}
