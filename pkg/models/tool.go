package models

import (
	"encoding/json"
	"time"
)

// ToolProviderKind names the adapter family a tool routes to.
type ToolProviderKind string

const (
	ProviderSearch     ToolProviderKind = "search"
	ProviderFileSearch ToolProviderKind = "file_search"
	ProviderToolServer ToolProviderKind = "tool_server"
)

// ToolDefinition is the canonical description of a tool, independent of the
// provider that implements it.
type ToolDefinition struct {
	Name              string           `json:"name" yaml:"name"`
	Description       string           `json:"description" yaml:"description"`
	Parameters        json.RawMessage  `json:"parameters,omitempty" yaml:"-"`
	Provider          ToolProviderKind `json:"provider" yaml:"provider"`
	ImplementationRef map[string]any   `json:"implementation_ref,omitempty" yaml:"implementation_ref"`
	CostPerCall       float64          `json:"cost_per_call,omitempty" yaml:"cost_per_call"`
}

// RefString returns a string entry from the implementation reference.
func (d *ToolDefinition) RefString(key string) string {
	if d == nil || d.ImplementationRef == nil {
		return ""
	}
	if v, ok := d.ImplementationRef[key].(string); ok {
		return v
	}
	return ""
}

// ExecutionStatus is the outcome of a single tool execution.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailure ExecutionStatus = "failure"
)

// ExecutionResult is the normalized outcome of one tool call. It is not
// persisted on its own; it is folded into task state and response metadata.
type ExecutionResult struct {
	Step       int             `json:"step"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Tool       string          `json:"tool"`
	Status     ExecutionStatus `json:"status"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	ErrorKind  string          `json:"error_kind,omitempty"`
	Latency    time.Duration   `json:"latency"`
	Cost       float64         `json:"cost"`
}

// Succeeded reports whether the execution succeeded.
func (r ExecutionResult) Succeeded() bool {
	return r.Status == ExecutionSuccess
}
