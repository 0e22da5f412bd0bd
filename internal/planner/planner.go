// Package planner turns a goal into a validated, persisted multi-step plan.
package planner

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
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Reason classifies a planning failure.
type Reason string

const (
	ReasonMalformed      Reason = "malformed"
	ReasonCycle          Reason = "cycle"
	ReasonToolNotAllowed Reason = "tool_not_allowed"

	// ReasonUnavailable covers model and storage errors.
	ReasonUnavailable Reason = "unavailable"
)

// PlanningFailure is the only error CreatePlan returns. Callers fall back to
// reactive execution on any failure.
type PlanningFailure struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *PlanningFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("planning failed (%s): %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("planning failed (%s): %s", e.Reason, e.Message)
}

func (e *PlanningFailure) Unwrap() error {
	return e.Err
}

func failure(reason Reason, format string, args ...any) *PlanningFailure {
	return &PlanningFailure{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Generator sends a request to the model registered for a provider.
// *llm.Client satisfies it.
type Generator interface {
	Generate(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// Config configures a Planner.
type Config struct {
	Models   Generator
	Plans    storage.PlanStore
	Insights InsightSearcher

	// MaxTokens bounds the planning response. Defaults to 2048.
	MaxTokens int

	// InsightLimit is how many similar insights are fetched. At most two are
	// shown to the model. Defaults to 3.
	InsightLimit int

	Audit   *audit.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Planner creates and activates plans.
type Planner struct {
	models       Generator
	plans        storage.PlanStore
	insights     InsightSearcher
	maxTokens    int
	insightLimit int
	audit        *audit.Logger
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	logger       *slog.Logger
}

// New creates a Planner.
func New(config Config) *Planner {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 2048
	}
	if config.InsightLimit <= 0 {
		config.InsightLimit = 3
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{
		models:       config.Models,
		plans:        config.Plans,
		insights:     config.Insights,
		maxTokens:    config.MaxTokens,
		insightLimit: config.InsightLimit,
		audit:        config.Audit,
		metrics:      config.Metrics,
		tracer:       config.Tracer,
		logger:       logger.With("component", "planner"),
	}
}

// Request describes a planning request.
type Request struct {
	Goal   string
	Tenant *models.TenantContext

	// Tools are the definitions the tenant may use.
	Tools []models.ToolDefinition

	ConversationID string
	MessageID      string

	// DryRun skips persistence.
	DryRun bool
}

// Result is a created plan and what it cost to make.
type Result struct {
	Plan     *models.Plan
	Insights []*models.Insight
	Model    string
	Cost     float64
}

// CreatePlan asks the model for a plan, validates it and stores it as a
// draft. Every error is a *PlanningFailure.
func (p *Planner) CreatePlan(ctx context.Context, req Request) (result *Result, err error) {
	if req.Tenant == nil {
		return nil, failure(ReasonMalformed, "tenant is required")
	}
	ctx, span := p.tracer.Start(ctx, "planner.create_plan",
		attribute.String("tenant.id", req.Tenant.TenantID),
	)
	defer func() {
		observability.End(span, err)
		var pf *PlanningFailure
		if errors.As(err, &pf) {
			p.metrics.PlanningResult(string(pf.Reason))
			p.audit.LogPlanFailed(ctx, req.Tenant.TenantID, req.ConversationID, string(pf.Reason))
		} else if err == nil {
			p.metrics.PlanningResult("created")
		}
	}()

	if strings.TrimSpace(req.Goal) == "" {
		return nil, failure(ReasonMalformed, "goal is empty")
	}
	if p.models == nil {
		return nil, failure(ReasonUnavailable, "no model configured")
	}

	insights, searchErr := p.similarInsights(ctx, req)
	if searchErr != nil {
		p.logger.WarnContext(ctx, "insight search failed", "tenant_id", req.Tenant.TenantID, "error", searchErr)
	}

	model := PlanningModel(req.Tenant)
	resp, err := p.models.Generate(ctx, req.Tenant.Provider, &llm.Request{
		Model:     model,
		Messages:  planningMessages(req.Goal, req.Tools, insights),
		MaxTokens: p.maxTokens,
		Purpose:   llm.PurposePlan,
	})
	if err != nil {
		return nil, &PlanningFailure{Reason: ReasonUnavailable, Message: "model request failed", Err: err}
	}

	doc, err := ParseDocument(resp.Text)
	if err != nil {
		p.logger.DebugContext(ctx, "unparseable plan", "output", truncate(resp.Text, 200))
		return nil, &PlanningFailure{Reason: ReasonMalformed, Message: "model output is not a plan", Err: err}
	}
	allowed := allowList(req.Tenant, req.Tools)
	steps, pf := checkSteps(doc.Steps, allowed)
	if pf != nil {
		return nil, pf
	}

	now := time.Now()
	plan := &models.Plan{
		ID:             uuid.NewString(),
		TenantID:       req.Tenant.TenantID,
		ConversationID: req.ConversationID,
		MessageID:      req.MessageID,
		Goal:           req.Goal,
		Steps:          steps,
		Complexity:     doc.Complexity,
		Status:         models.PlanDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if plan.Complexity == "" {
		plan.Complexity = "medium"
	}

	if !req.DryRun {
		if p.plans == nil {
			return nil, failure(ReasonUnavailable, "no plan store configured")
		}
		if err := p.plans.Create(ctx, plan); err != nil {
			return nil, &PlanningFailure{Reason: ReasonUnavailable, Message: "store plan", Err: err}
		}
		p.audit.LogPlanCreated(ctx, plan)
	}

	p.logger.InfoContext(ctx, "plan created",
		"plan_id", plan.ID,
		"tenant_id", plan.TenantID,
		"steps", len(plan.Steps),
		"model", model,
		"dry_run", req.DryRun,
	)
	return &Result{Plan: plan, Insights: insights, Model: resp.Model, Cost: resp.Cost}, nil
}

// Activate moves a draft plan to executing.
func (p *Planner) Activate(ctx context.Context, plan *models.Plan) error {
	if err := p.plans.UpdateStatus(ctx, plan.TenantID, plan.ID, models.PlanDraft, models.PlanExecuting); err != nil {
		return fmt.Errorf("activate plan %s: %w", plan.ID, err)
	}
	plan.Status = models.PlanExecuting
	return nil
}

// StepProgress is a plan step annotated with its derived status.
type StepProgress struct {
	models.PlanStep
	Status models.StepStatus `json:"status"`
}

// Refine annotates each step relative to the step being executed: earlier
// steps are completed, the current one is executing and later ones pending.
func Refine(plan *models.Plan, currentStep int) []StepProgress {
	out := make([]StepProgress, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		status := models.StepPending
		switch {
		case step.Number < currentStep:
			status = models.StepCompleted
		case step.Number == currentStep:
			status = models.StepExecuting
		}
		out = append(out, StepProgress{PlanStep: step, Status: status})
	}
	return out
}

// PlanningModel returns the model used for planning. OpenAI tenants plan with
// the mini model unless they already use a mini variant.
func PlanningModel(tenant *models.TenantContext) string {
	if tenant.Provider == llm.ProviderOpenAI && !strings.Contains(strings.ToLower(tenant.Model), "mini") {
		return "gpt-4o-mini"
	}
	return tenant.Model
}

func (p *Planner) similarInsights(ctx context.Context, req Request) ([]*models.Insight, error) {
	if p.insights == nil {
		return nil, nil
	}
	return p.insights.Similar(ctx, req.Tenant.TenantID, req.Goal, p.insightLimit)
}

// allowList accepts tools the tenant allows that are also in the catalog
// offered to the planner.
func allowList(tenant *models.TenantContext, tools []models.ToolDefinition) func(string) bool {
	offered := make(map[string]bool, len(tools))
	for _, def := range tools {
		offered[def.Name] = true
	}
	return func(name string) bool {
		return offered[name] && tenant.Allows(name)
	}
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
