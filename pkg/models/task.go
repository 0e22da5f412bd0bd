package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// IsTerminal returns true if the task has finished.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// Outcome is the final result of a task.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// TaskState accumulates step results. Steps is keyed by step number encoded
// as a decimal string so the blob round-trips through JSON columns.
type TaskState struct {
	Steps   map[string]ExecutionResult `json:"steps,omitempty"`
	Outcome Outcome                    `json:"outcome,omitempty"`
	Summary string                     `json:"summary,omitempty"`
	Extra   map[string]any             `json:"extra,omitempty"`
}

// Clone returns a deep-enough copy for safe mutation by the caller.
func (s TaskState) Clone() TaskState {
	out := TaskState{Outcome: s.Outcome, Summary: s.Summary}
	if s.Steps != nil {
		out.Steps = make(map[string]ExecutionResult, len(s.Steps))
		for k, v := range s.Steps {
			out.Steps[k] = v
		}
	}
	if s.Extra != nil {
		out.Extra = make(map[string]any, len(s.Extra))
		for k, v := range s.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// Task is the persisted execution-progress record of a goal.
type Task struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	PlanID         string     `json:"plan_id,omitempty"`
	Goal           string     `json:"goal"`
	CurrentStep    int        `json:"current_step"`
	TotalSteps     int        `json:"total_steps,omitempty"` // zero when no plan is linked
	State          TaskState  `json:"state"`
	Status         TaskStatus `json:"status"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the task that shares no mutable state.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.State = t.State.Clone()
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		clone.CompletedAt = &ts
	}
	return &clone
}
