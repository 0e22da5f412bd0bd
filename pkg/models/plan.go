package models

import (
	"encoding/json"
	"time"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanDraft     PlanStatus = "draft"
	PlanExecuting PlanStatus = "executing"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
)

// IsTerminal returns true if the plan can no longer change.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanCompleted || s == PlanFailed
}

// PlanStep is one tool-backed step of a plan. Step numbers are 1-based and
// DependsOn references other step numbers.
type PlanStep struct {
	Number          int             `json:"step_number" jsonschema:"minimum=1"`
	Description     string          `json:"description" jsonschema:"minLength=1"`
	Tool            string          `json:"tool_name,omitempty"`
	Arguments       json.RawMessage `json:"tool_arguments,omitempty"`
	DependsOn       []int           `json:"depends_on,omitempty"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
}

// Plan is a structured breakdown of a goal into ordered steps.
type Plan struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	MessageID      string     `json:"message_id,omitempty"`
	Goal           string     `json:"goal"`
	Steps          []PlanStep `json:"steps"`
	Complexity     string     `json:"complexity,omitempty"`
	Status         PlanStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// StepStatus is the derived progress of one step relative to a task cursor.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepExecuting StepStatus = "executing"
	StepCompleted StepStatus = "completed"
)
