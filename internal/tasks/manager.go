// Package tasks tracks the execution progress of goals.
//
// A task is the persisted cursor over a plan (or over a reactive tool loop
// when no plan exists). Every status change is a compare-and-swap on the
// stored (status, current_step) pair, so two workers racing on the same task
// cannot both win.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

var (
	// ErrTaskTerminal is returned when a completed or failed task is changed.
	ErrTaskTerminal = errors.New("task is terminal")

	// ErrInvalidTransition is returned when the task is not in a status the
	// requested operation starts from.
	ErrInvalidTransition = errors.New("invalid task transition")

	// ErrConflict is returned when another writer changed the task first.
	ErrConflict = storage.ErrConflict

	ErrNotFound = storage.ErrNotFound
)

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	Tasks storage.TaskStore

	// Plans is optional. When set, plan status follows task completion.
	Plans storage.PlanStore

	Audit  *audit.Logger
	Logger *slog.Logger

	// Now overrides the clock in tests.
	Now func() time.Time
}

// Manager owns task lifecycle transitions.
type Manager struct {
	tasks  storage.TaskStore
	plans  storage.PlanStore
	audit  *audit.Logger
	logger *slog.Logger
	now    func() time.Time
}

// NewManager creates a task manager.
func NewManager(config ManagerConfig) *Manager {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default().With("component", "task-manager")
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{
		tasks:  config.Tasks,
		plans:  config.Plans,
		audit:  config.Audit,
		logger: logger,
		now:    now,
	}
}

// Create persists a new task for goal. A task linked to a plan starts in
// planning until Start is called; a task without a plan starts executing.
func (m *Manager) Create(ctx context.Context, tenantID, conversationID, goal string, plan *models.Plan) (*models.Task, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenant ID is required")
	}
	now := m.now()
	task := &models.Task{
		ID:             uuid.NewString(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		Goal:           goal,
		Status:         models.TaskExecuting,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if plan != nil {
		task.PlanID = plan.ID
		task.TotalSteps = len(plan.Steps)
		task.Status = models.TaskPlanning
	}
	if err := m.tasks.Create(ctx, task); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	m.logger.Debug("task created",
		"task_id", task.ID,
		"tenant_id", tenantID,
		"plan_id", task.PlanID,
		"status", task.Status,
	)
	m.audit.LogTaskTransition(ctx, task, "")
	return task.Clone(), nil
}

// Get returns a task.
func (m *Manager) Get(ctx context.Context, tenantID, id string) (*models.Task, error) {
	return m.tasks.Get(ctx, tenantID, id)
}

// List returns a tenant's tasks, most recently updated first.
func (m *Manager) List(ctx context.Context, tenantID string, opts storage.TaskListOptions) ([]*models.Task, error) {
	return m.tasks.List(ctx, tenantID, opts)
}

// Start moves a planning task to executing.
func (m *Manager) Start(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != models.TaskPlanning {
		return nil, fmt.Errorf("%w: start from %s", ErrInvalidTransition, task.Status)
	}
	next := task.Clone()
	next.Status = models.TaskExecuting
	return m.swap(ctx, task, next)
}

// Advance records a step result and moves the cursor forward. Results for a
// step at or behind the cursor are ignored, so replays are harmless. The
// cursor never passes the plan's step count.
func (m *Manager) Advance(ctx context.Context, task *models.Task, result models.ExecutionResult) (*models.Task, error) {
	if task.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != models.TaskExecuting {
		return nil, fmt.Errorf("%w: advance from %s", ErrInvalidTransition, task.Status)
	}
	if result.Step <= task.CurrentStep {
		return task.Clone(), nil
	}

	next := task.Clone()
	next.CurrentStep = result.Step
	if next.TotalSteps > 0 && next.CurrentStep > next.TotalSteps {
		next.CurrentStep = next.TotalSteps
	}
	if next.State.Steps == nil {
		next.State.Steps = make(map[string]models.ExecutionResult)
	}
	next.State.Steps[strconv.Itoa(result.Step)] = result
	return m.swap(ctx, task, next)
}

// Complete finishes a task with the given outcome. A successful outcome marks
// the task completed, anything else marks it failed. The linked plan follows
// unless it is already terminal.
func (m *Manager) Complete(ctx context.Context, task *models.Task, summary string, outcome models.Outcome) (*models.Task, error) {
	if task.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	next := task.Clone()
	next.State.Outcome = outcome
	next.State.Summary = summary
	next.Status = models.TaskFailed
	if outcome == models.OutcomeSuccess {
		next.Status = models.TaskCompleted
	}
	completed := m.now()
	next.CompletedAt = &completed

	updated, err := m.swap(ctx, task, next)
	if err != nil {
		return nil, err
	}
	if updated.Status == models.TaskCompleted {
		m.syncPlan(ctx, updated, models.PlanExecuting, models.PlanCompleted)
	} else {
		m.syncPlan(ctx, updated, models.PlanExecuting, models.PlanFailed)
	}
	return updated, nil
}

// Pause stops an executing task.
func (m *Manager) Pause(ctx context.Context, tenantID, id, reason string) (*models.Task, error) {
	task, err := m.tasks.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return m.pause(ctx, task, reason)
}

func (m *Manager) pause(ctx context.Context, task *models.Task, reason string) (*models.Task, error) {
	if task.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	if task.Status != models.TaskExecuting {
		return nil, fmt.Errorf("%w: pause from %s", ErrInvalidTransition, task.Status)
	}
	next := task.Clone()
	next.Status = models.TaskPaused
	if reason != "" {
		if next.State.Extra == nil {
			next.State.Extra = make(map[string]any)
		}
		next.State.Extra["paused_reason"] = reason
	}
	return m.swap(ctx, task, next)
}

// Resume restarts a paused task. A failed task may also be resumed; its
// outcome is cleared. The linked plan is left alone: a terminal plan never
// changes again.
func (m *Manager) Resume(ctx context.Context, tenantID, id string) (*models.Task, error) {
	task, err := m.tasks.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	switch task.Status {
	case models.TaskPaused, models.TaskFailed:
	case models.TaskCompleted:
		return nil, ErrTaskTerminal
	default:
		return nil, fmt.Errorf("%w: resume from %s", ErrInvalidTransition, task.Status)
	}

	next := task.Clone()
	next.Status = models.TaskExecuting
	next.CompletedAt = nil
	next.State.Outcome = ""
	delete(next.State.Extra, "paused_reason")

	return m.swap(ctx, task, next)
}

// Cancel fails a task that has not finished.
func (m *Manager) Cancel(ctx context.Context, tenantID, id string) (*models.Task, error) {
	task, err := m.tasks.Get(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if task.Status.IsTerminal() {
		return nil, ErrTaskTerminal
	}
	from := task.Status
	next := task.Clone()
	next.Status = models.TaskFailed
	next.State.Outcome = models.OutcomeFailure
	next.State.Summary = "canceled"
	completed := m.now()
	next.CompletedAt = &completed

	updated, err := m.swap(ctx, task, next)
	if err != nil {
		return nil, err
	}
	// A plan that never started is still draft.
	if from == models.TaskPlanning {
		m.syncPlan(ctx, updated, models.PlanDraft, models.PlanFailed)
	} else {
		m.syncPlan(ctx, updated, models.PlanExecuting, models.PlanFailed)
	}
	return updated, nil
}

// swap writes next if the stored task still matches prev.
func (m *Manager) swap(ctx context.Context, prev, next *models.Task) (*models.Task, error) {
	next.UpdatedAt = m.now()
	if err := m.tasks.Update(ctx, next, prev.Status, prev.CurrentStep); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			m.logger.Debug("task update lost race",
				"task_id", prev.ID,
				"expected_status", prev.Status,
				"expected_step", prev.CurrentStep,
			)
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("update task: %w", err)
	}
	if prev.Status != next.Status {
		m.logger.Info("task transition",
			"task_id", next.ID,
			"tenant_id", next.TenantID,
			"from", prev.Status,
			"to", next.Status,
			"current_step", next.CurrentStep,
		)
		m.audit.LogTaskTransition(ctx, next, prev.Status)
	}
	return next.Clone(), nil
}

func (m *Manager) syncPlan(ctx context.Context, task *models.Task, from, to models.PlanStatus) {
	if m.plans == nil || task.PlanID == "" {
		return
	}
	plan, err := m.plans.Get(ctx, task.TenantID, task.PlanID)
	if err != nil {
		m.logger.Warn("plan not loaded", "plan_id", task.PlanID, "task_id", task.ID, "error", err)
		return
	}
	if plan.Status.IsTerminal() || plan.Status != from {
		m.logger.Debug("plan status left unchanged",
			"plan_id", task.PlanID,
			"task_id", task.ID,
			"status", plan.Status,
			"to", to,
		)
		return
	}
	if err := m.plans.UpdateStatus(ctx, task.TenantID, task.PlanID, from, to); err != nil {
		m.logger.Warn("plan status not updated",
			"plan_id", task.PlanID,
			"task_id", task.ID,
			"from", from,
			"to", to,
			"error", err,
		)
	}
}
