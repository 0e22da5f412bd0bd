// Package orchestrator drives one inbound message from context loading
// through optional planning, the bounded tool loop and reflection to the
// outbound reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/planner"
	"github.com/haasonsaas/conductor/internal/prompt"
	"github.com/haasonsaas/conductor/internal/reflector"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/internal/tasks"
	"github.com/haasonsaas/conductor/internal/tenants"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// StepLimitNotice is the reply when the tool loop runs out of rounds before
// the model produced any text.
const StepLimitNotice = "I reached the step limit for this request before finishing."

// Generator sends a request to the model registered for a provider.
type Generator interface {
	Generate(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// ToolExecutor lists and runs the tools a tenant may use.
type ToolExecutor interface {
	Definitions(tenant *models.TenantContext) []models.ToolDefinition
	Execute(ctx context.Context, call models.ToolCall, tenant *models.TenantContext, identity models.CallIdentity) models.ExecutionResult
}

// Config wires a Driver. Planner, Tasks and Reflector are optional; without
// Planner and Tasks every message is handled reactively.
type Config struct {
	Models        Generator
	Tools         ToolExecutor
	Conversations storage.ConversationStore
	Tenants       tenants.Loader
	Builder       *prompt.Builder

	Planner   *planner.Planner
	Tasks     *tasks.Manager
	Reflector *reflector.Reflector

	// HistoryLimit is how many stored messages are loaded. Defaults to 50.
	HistoryLimit int

	// DefaultMaxToolSteps caps the loop when the tenant sets no limit.
	// Defaults to 10.
	DefaultMaxToolSteps int

	// MaxTokens bounds each response generation. Defaults to 4096.
	MaxTokens int

	Audit   *audit.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
	Now     func() time.Time
}

// Driver processes inbound messages. It holds no per-request state and is
// safe for concurrent use; each message is processed sequentially.
type Driver struct {
	models        Generator
	tools         ToolExecutor
	conversations storage.ConversationStore
	tenants       tenants.Loader
	builder       *prompt.Builder
	planner       *planner.Planner
	tasks         *tasks.Manager
	reflector     *reflector.Reflector
	historyLimit  int
	maxSteps      int
	maxTokens     int
	audit         *audit.Logger
	metrics       *observability.Metrics
	tracer        *observability.Tracer
	logger        *slog.Logger
	now           func() time.Time
}

// New creates a Driver.
func New(config Config) (*Driver, error) {
	if config.Models == nil {
		return nil, errors.New("orchestrator: model client is required")
	}
	if config.Tools == nil {
		return nil, errors.New("orchestrator: tool executor is required")
	}
	if config.Conversations == nil {
		return nil, errors.New("orchestrator: conversation store is required")
	}
	if (config.Planner == nil) != (config.Tasks == nil) {
		return nil, errors.New("orchestrator: planner and task manager must be set together")
	}
	if config.Builder == nil {
		config.Builder = prompt.NewBuilder(prompt.BuilderOptions{})
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 50
	}
	if config.DefaultMaxToolSteps <= 0 {
		config.DefaultMaxToolSteps = models.DefaultMaxToolSteps
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = 4096
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		models:        config.Models,
		tools:         config.Tools,
		conversations: config.Conversations,
		tenants:       config.Tenants,
		builder:       config.Builder,
		planner:       config.Planner,
		tasks:         config.Tasks,
		reflector:     config.Reflector,
		historyLimit:  config.HistoryLimit,
		maxSteps:      config.DefaultMaxToolSteps,
		maxTokens:     config.MaxTokens,
		audit:         config.Audit,
		metrics:       config.Metrics,
		tracer:        config.Tracer,
		logger:        logger.With("component", "orchestrator"),
		now:           config.Now,
	}, nil
}

// Request is one inbound message. Tenant is optional; when nil it is
// loaded by the message's tenant id.
type Request struct {
	Message  models.CanonicalMessage
	Tenant   *models.TenantContext
	Identity models.CallIdentity
}

// Response is the outcome of processing a message.
type Response struct {
	Text              string                   `json:"text"`
	ToolCallsExecuted int                      `json:"tool_calls_executed"`
	PlanID            string                   `json:"plan_id,omitempty"`
	TaskID            string                   `json:"task_id,omitempty"`
	Results           []models.ExecutionResult `json:"results,omitempty"`
	Rounds            int                      `json:"rounds"`
	State             State                    `json:"state"`
	Cost              float64                  `json:"cost"`

	// Message is the stored outbound reply.
	Message *models.CanonicalMessage `json:"message,omitempty"`
}

// run is the per-message working set.
type run struct {
	msg      models.CanonicalMessage
	tenant   *models.TenantContext
	identity models.CallIdentity
	conv     *models.Conversation
	history  []models.CanonicalMessage
	plan     *models.Plan
	task     *models.Task
	state    State
	resp     Response
	answered bool
}

// Process runs one message through the state machine. Planning, tool and
// reflection failures degrade the reply; only context loading and model
// failures are returned, as *DriverError.
func (d *Driver) Process(ctx context.Context, req Request) (resp *Response, err error) {
	start := d.now()
	r := &run{msg: req.Message, tenant: req.Tenant, identity: req.Identity, state: StateReceived}

	ctx = observability.WithTenant(ctx, r.msg.TenantID, r.msg.ConversationID)
	ctx, span := d.tracer.Start(ctx, "orchestrator.process",
		attribute.String("tenant.id", r.msg.TenantID),
		attribute.String("channel", string(r.msg.Channel)),
	)
	defer func() {
		observability.End(span, err)
		status := "responded"
		if err != nil {
			status = "failed"
		}
		d.metrics.MessageProcessed(status, r.resp.Rounds)
		d.audit.LogMessageProcessed(ctx, &r.msg, string(r.state), r.resp.ToolCallsExecuted, d.now().Sub(start), err)
	}()

	if err := d.loadContext(ctx, r); err != nil {
		return nil, &DriverError{Phase: r.state, Cause: err}
	}
	r.state = StateContextLoaded

	defs := d.tools.Definitions(r.tenant)
	if r.tenant.PlanningEnabled && d.planner != nil {
		r.state = StatePlanning
		d.startPlan(ctx, r, defs)
	} else {
		d.metrics.PlanningResult("skipped")
	}

	messages := d.builder.Build(r.tenant, r.history, &r.msg, r.plan)
	r.state = StatePromptBuilt

	r.state = StateToolLoop
	if round, err := d.toolLoop(ctx, r, messages, defs); err != nil {
		d.finishTask(ctx, r, models.OutcomeFailure, "model request failed")
		return nil, &DriverError{Phase: StateToolLoop, Round: round, Cause: err}
	}

	d.settleTask(ctx, r)
	d.storeReply(ctx, r)

	r.state = StateResponded
	r.resp.State = r.state
	d.logger.InfoContext(ctx, "message processed",
		"tenant_id", r.tenant.TenantID,
		"conversation_id", r.conv.ID,
		"rounds", r.resp.Rounds,
		"tool_calls", r.resp.ToolCallsExecuted,
		"plan_id", r.resp.PlanID,
		"duration", d.now().Sub(start),
	)
	return &r.resp, nil
}

// loadContext resolves the tenant, the conversation and its history, and
// stores the inbound message.
func (d *Driver) loadContext(ctx context.Context, r *run) error {
	msg := &r.msg
	if strings.TrimSpace(msg.TenantID) == "" {
		return fmt.Errorf("%w: message has no tenant id", ErrUnknownTenant)
	}
	if strings.TrimSpace(msg.Text()) == "" {
		return ErrEmptyMessage
	}
	if r.identity.TenantID == "" {
		r.identity.TenantID = msg.TenantID
	}
	if r.identity.TenantID != msg.TenantID {
		return fmt.Errorf("%w: identity is %s, message is %s", ErrTenantMismatch, r.identity.TenantID, msg.TenantID)
	}
	if r.identity.UserExternalID == "" {
		r.identity.UserExternalID = msg.From.ExternalID
	}

	if r.tenant == nil {
		if d.tenants == nil {
			return fmt.Errorf("%w: %s", ErrUnknownTenant, msg.TenantID)
		}
		tenant, err := d.tenants.Load(ctx, msg.TenantID)
		if err != nil {
			return err
		}
		r.tenant = tenant
	}
	if r.tenant.TenantID != msg.TenantID {
		return fmt.Errorf("%w: context is %s, message is %s", ErrTenantMismatch, r.tenant.TenantID, msg.TenantID)
	}

	conv, err := d.conversation(ctx, msg)
	if err != nil {
		return err
	}
	r.conv = conv
	msg.ConversationID = conv.ID
	if r.identity.ConversationID == "" {
		r.identity.ConversationID = conv.ID
	}

	history, err := d.conversations.History(ctx, msg.TenantID, conv.ID, d.historyLimit)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	r.history = history

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = d.now()
	}
	if msg.From.Type == "" {
		msg.From.Type = models.PartyUser
	}
	if msg.Content.Type == "" {
		msg.Content.Type = models.ContentText
	}
	msg.Direction = models.DirectionInbound
	if err := d.conversations.AppendMessage(ctx, msg); err != nil {
		return fmt.Errorf("store inbound message: %w", err)
	}
	return nil
}

func (d *Driver) conversation(ctx context.Context, msg *models.CanonicalMessage) (*models.Conversation, error) {
	if msg.ConversationID != "" {
		conv, err := d.conversations.Get(ctx, msg.TenantID, msg.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", msg.ConversationID, err)
		}
		return conv, nil
	}
	if msg.Channel == "" {
		msg.Channel = models.ChannelWeb
	}
	if msg.ThreadID == "" {
		msg.ThreadID = uuid.NewString()
	}
	conv, err := d.conversations.GetOrCreate(ctx, msg.TenantID, msg.Channel, msg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}
	return conv, nil
}

// startPlan creates a plan and its task. Any failure leaves the run
// reactive. The plan is promoted only after its task exists.
func (d *Driver) startPlan(ctx context.Context, r *run, defs []models.ToolDefinition) {
	tenantID := r.tenant.TenantID
	result, err := d.planner.CreatePlan(ctx, planner.Request{
		Goal:           r.msg.Text(),
		Tenant:         r.tenant,
		Tools:          defs,
		ConversationID: r.conv.ID,
		MessageID:      r.msg.ID,
	})
	if err != nil {
		reason := "unknown"
		var pf *planner.PlanningFailure
		if errors.As(err, &pf) {
			reason = string(pf.Reason)
		}
		d.logger.WarnContext(ctx, "planning failed, continuing without a plan",
			"tenant_id", tenantID,
			"reason", reason,
			"error", err,
		)
		return
	}
	r.resp.Cost += result.Cost
	plan := result.Plan

	task, err := d.tasks.Create(ctx, tenantID, r.conv.ID, plan.Goal, plan)
	if err != nil {
		d.logger.WarnContext(ctx, "task creation failed, plan left in draft",
			"tenant_id", tenantID, "plan_id", plan.ID, "error", err)
		return
	}
	if err := d.planner.Activate(ctx, plan); err != nil {
		d.logger.WarnContext(ctx, "plan activation failed",
			"tenant_id", tenantID, "plan_id", plan.ID, "error", err)
		if _, cancelErr := d.tasks.Cancel(ctx, tenantID, task.ID); cancelErr != nil {
			d.logger.WarnContext(ctx, "task cancel failed", "task_id", task.ID, "error", cancelErr)
		}
		return
	}
	task, err = d.tasks.Start(ctx, task)
	if err != nil {
		d.logger.WarnContext(ctx, "task start failed",
			"tenant_id", tenantID, "task_id", task.ID, "error", err)
		return
	}

	r.plan, r.task = plan, task
	r.resp.PlanID, r.resp.TaskID = plan.ID, task.ID
}

// toolLoop alternates model rounds and tool execution until the model
// answers without tool calls or the round cap is reached. It returns the
// failing round with a model error.
func (d *Driver) toolLoop(ctx context.Context, r *run, messages []models.ChatMessage, defs []models.ToolDefinition) (int, error) {
	limit := r.tenant.MaxToolSteps
	if limit <= 0 {
		limit = d.maxSteps
	}
	tracking := r.task != nil

	for round := 1; round <= limit; round++ {
		r.resp.Rounds = round
		out, err := d.models.Generate(ctx, r.tenant.Provider, &llm.Request{
			Model:     r.tenant.Model,
			Messages:  messages,
			Tools:     defs,
			MaxTokens: d.maxTokens,
			Purpose:   llm.PurposeRespond,
		})
		if err != nil {
			return round, err
		}
		r.resp.Cost += out.Cost
		if out.Text != "" {
			r.resp.Text = out.Text
		}
		if len(out.ToolCalls) == 0 {
			r.answered = true
			return round, nil
		}

		messages = append(messages, models.ChatMessage{
			Role:      models.RoleAssistant,
			Content:   out.Text,
			ToolCalls: out.ToolCalls,
		})
		toolMsg := models.ChatMessage{Role: models.RoleTool}
		for _, call := range out.ToolCalls {
			result := d.tools.Execute(ctx, call, r.tenant, r.identity)
			if r.task != nil {
				result.Step = r.task.CurrentStep + 1
			} else {
				result.Step = len(r.resp.Results) + 1
			}
			r.resp.Results = append(r.resp.Results, result)
			r.resp.ToolCallsExecuted++
			r.resp.Cost += result.Cost
			toolMsg.ToolResults = append(toolMsg.ToolResults, tools.ResultMessage(result))

			if tracking && result.Succeeded() {
				task, err := d.tasks.Advance(ctx, r.task, result)
				if err != nil {
					d.logger.WarnContext(ctx, "task advance failed, no longer tracking progress",
						"task_id", r.task.ID, "error", err)
					tracking = false
					continue
				}
				r.task = task
			}
		}
		messages = append(messages, toolMsg)
	}

	d.logger.InfoContext(ctx, "tool loop reached its step limit",
		"tenant_id", r.tenant.TenantID,
		"limit", limit,
		"tool_calls", r.resp.ToolCallsExecuted,
	)
	if r.resp.Text == "" {
		r.resp.Text = StepLimitNotice
	}
	return limit, nil
}

// settleTask completes the task when the run decided its outcome and
// reflects on it. A capped run with partial progress stays executing for
// a later resume.
func (d *Driver) settleTask(ctx context.Context, r *run) {
	if r.task == nil {
		return
	}
	allDone := r.task.TotalSteps > 0 && r.task.CurrentStep >= r.task.TotalSteps
	switch {
	case allDone || r.answered:
		d.finishTask(ctx, r, models.OutcomeSuccess, truncate(r.resp.Text, 500))
	case len(r.resp.Results) > 0 && !anySucceeded(r.resp.Results):
		d.finishTask(ctx, r, models.OutcomeFailure, "every tool call failed")
	default:
		return
	}
	d.reflect(ctx, r)
}

func (d *Driver) finishTask(ctx context.Context, r *run, outcome models.Outcome, summary string) {
	if r.task == nil || r.task.Status.IsTerminal() {
		return
	}
	task, err := d.tasks.Complete(ctx, r.task, summary, outcome)
	if err != nil {
		d.logger.WarnContext(ctx, "task completion failed", "task_id", r.task.ID, "error", err)
		return
	}
	r.task = task
}

func (d *Driver) reflect(ctx context.Context, r *run) {
	if d.reflector == nil || r.task == nil || !r.task.Status.IsTerminal() {
		return
	}
	r.state = StateReflecting
	_, cost, err := d.reflector.Reflect(ctx, reflector.Input{
		Tenant:  r.tenant,
		Goal:    r.task.Goal,
		PlanID:  r.task.PlanID,
		TaskID:  r.task.ID,
		Results: r.resp.Results,
		Outcome: r.task.State.Outcome,
	})
	r.resp.Cost += cost
	if err != nil {
		d.logger.WarnContext(ctx, "reflection failed", "task_id", r.task.ID, "error", err)
	}
}

// storeReply appends the outbound message. A storage failure does not fail
// the request; the reply is still returned.
func (d *Driver) storeReply(ctx context.Context, r *run) {
	metadata := map[string]any{
		"tool_calls_executed": r.resp.ToolCallsExecuted,
		"rounds":              r.resp.Rounds,
	}
	if r.resp.PlanID != "" {
		metadata["plan_id"] = r.resp.PlanID
		metadata["task_id"] = r.resp.TaskID
	}
	reply := &models.CanonicalMessage{
		ID:             uuid.NewString(),
		TenantID:       r.tenant.TenantID,
		ConversationID: r.conv.ID,
		Channel:        r.msg.Channel,
		ThreadID:       r.msg.ThreadID,
		Direction:      models.DirectionOutbound,
		From:           models.Party{Type: models.PartyBot},
		To:             r.msg.From,
		Content:        models.Content{Type: models.ContentText, Text: r.resp.Text},
		Metadata:       metadata,
		Timestamp:      d.now(),
	}
	if err := d.conversations.AppendMessage(ctx, reply); err != nil {
		d.logger.WarnContext(ctx, "store outbound message failed",
			"conversation_id", r.conv.ID, "error", err)
	}
	r.resp.Message = reply
}

func anySucceeded(results []models.ExecutionResult) bool {
	for _, result := range results {
		if result.Succeeded() {
			return true
		}
	}
	return false
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i] + "..."
		}
		count++
	}
	return s
}
