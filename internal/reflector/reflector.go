// Package reflector turns finished executions into insights that later
// planning requests can learn from.
package reflector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// insightStoreKey names the insight store in the breaker registry.
const insightStoreKey = "store:insights"

// Generator sends a request to the model registered for a provider.
type Generator interface {
	Generate(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error)
}

// Config configures a Reflector.
type Config struct {
	// Models is optional. Without it only the computed recommendations are
	// stored.
	Models   Generator
	Insights storage.InsightStore

	// Wrapper guards insight persistence. A private wrapper is used when
	// nil.
	Wrapper *resilience.Wrapper

	// MaxTokens bounds the recommendation response. Defaults to 512.
	MaxTokens int

	Metrics *observability.Metrics
	Tracer  *observability.Tracer
	Logger  *slog.Logger
}

// Reflector analyzes execution results.
type Reflector struct {
	models    Generator
	insights  storage.InsightStore
	wrapper   *resilience.Wrapper
	maxTokens int
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// New creates a Reflector.
func New(config Config) *Reflector {
	if config.MaxTokens <= 0 {
		config.MaxTokens = 512
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if config.Wrapper == nil {
		config.Wrapper = resilience.NewWrapper(nil, resilience.WrapperConfig{Logger: logger})
	}
	return &Reflector{
		models:    config.Models,
		insights:  config.Insights,
		wrapper:   config.Wrapper,
		maxTokens: config.MaxTokens,
		metrics:   config.Metrics,
		tracer:    config.Tracer,
		logger:    logger.With("component", "reflector"),
	}
}

// Stats are the deterministic figures computed from a run.
type Stats struct {
	FinalOutcome          models.Outcome `json:"final_outcome"`
	TotalSteps            int            `json:"total_steps"`
	SuccessfulSteps       int            `json:"successful_steps"`
	FailedSteps           int            `json:"failed_steps"`
	SuccessRate           float64        `json:"success_rate"`
	SuccessfulStepNumbers []int          `json:"successful_step_numbers"`
	FailedStepDetails     []FailedStep   `json:"failed_step_details"`
	ToolUsage             map[string]int `json:"tool_usage"`
	MostUsedTool          string         `json:"most_used_tool,omitempty"`
}

// FailedStep describes one failed result.
type FailedStep struct {
	Step  int    `json:"step_number"`
	Tool  string `json:"tool_name,omitempty"`
	Error string `json:"error"`
	Kind  string `json:"error_kind,omitempty"`
}

// Analyze computes statistics over results. Only successful calls count
// toward tool usage.
func Analyze(results []models.ExecutionResult, outcome models.Outcome) Stats {
	stats := Stats{
		FinalOutcome:          outcome,
		TotalSteps:            len(results),
		SuccessfulStepNumbers: []int{},
		FailedStepDetails:     []FailedStep{},
		ToolUsage:             map[string]int{},
	}
	for _, r := range results {
		if r.Succeeded() {
			stats.SuccessfulSteps++
			stats.SuccessfulStepNumbers = append(stats.SuccessfulStepNumbers, r.Step)
			if r.Tool != "" {
				stats.ToolUsage[r.Tool]++
			}
			continue
		}
		stats.FailedSteps++
		msg := r.Error
		if msg == "" {
			msg = "unknown error"
		}
		stats.FailedStepDetails = append(stats.FailedStepDetails, FailedStep{
			Step:  r.Step,
			Tool:  r.Tool,
			Error: msg,
			Kind:  r.ErrorKind,
		})
	}
	if stats.TotalSteps > 0 {
		stats.SuccessRate = float64(stats.SuccessfulSteps) / float64(stats.TotalSteps)
	}
	stats.MostUsedTool, _ = mostUsed(stats.ToolUsage)
	return stats
}

// mostUsed breaks ties by name so the result is stable.
func mostUsed(usage map[string]int) (string, int) {
	names := make([]string, 0, len(usage))
	for name := range usage {
		names = append(names, name)
	}
	sort.Strings(names)
	best, count := "", 0
	for _, name := range names {
		if usage[name] > count {
			best, count = name, usage[name]
		}
	}
	return best, count
}

// Recommendations are suggestions for future runs of similar goals.
type Recommendations struct {
	Suggestions  []string `json:"suggestions"`
	Improvements []string `json:"improvements"`

	// Source is "computed" or "model".
	Source string `json:"source"`
}

// Recommend derives the baseline recommendations from stats.
func Recommend(stats Stats) Recommendations {
	rec := Recommendations{Suggestions: []string{}, Improvements: []string{}, Source: "computed"}
	if stats.FailedSteps > 0 {
		rec.Suggestions = append(rec.Suggestions,
			fmt.Sprintf("Review %d failed steps and consider alternative approaches", stats.FailedSteps))
		rec.Improvements = append(rec.Improvements, "Add error handling for common failure patterns")
	}
	if stats.TotalSteps > 0 && stats.SuccessfulSteps == stats.TotalSteps {
		rec.Suggestions = append(rec.Suggestions, "Plan executed successfully - consider caching similar plans")
	}
	if tool, count := mostUsed(stats.ToolUsage); tool != "" {
		rec.Suggestions = append(rec.Suggestions,
			fmt.Sprintf("Tool '%s' was used %d times - consider optimizing its usage", tool, count))
	}
	return rec
}

// Input is a finished run to reflect on.
type Input struct {
	Tenant  *models.TenantContext
	Goal    string
	PlanID  string
	TaskID  string
	Results []models.ExecutionResult
	Outcome models.Outcome
}

// Reflect analyzes a run, optionally asks the model for better
// recommendations, and stores the insight. A model failure keeps the
// computed recommendations; only a storage failure is returned.
func (r *Reflector) Reflect(ctx context.Context, in Input) (insight *models.Insight, cost float64, err error) {
	ctx, span := r.tracer.Start(ctx, "reflector.reflect")
	defer func() {
		observability.End(span, err)
		if err != nil {
			r.metrics.ReflectionResult("error")
		}
	}()

	stats := Analyze(in.Results, in.Outcome)
	rec := Recommend(stats)
	label := rec.Source

	if r.models != nil && in.Tenant != nil {
		modelRec, modelCost, modelErr := r.askModel(ctx, in, stats)
		cost = modelCost
		switch {
		case modelErr != nil:
			r.logger.WarnContext(ctx, "model recommendations unavailable, keeping computed ones",
				"tenant_id", in.Tenant.TenantID,
				"error", modelErr,
			)
			label = "fallback"
		default:
			rec = modelRec
			label = rec.Source
		}
	}

	statsMap, err := toMap(stats)
	if err != nil {
		return nil, cost, err
	}
	recMap, err := toMap(rec)
	if err != nil {
		return nil, cost, err
	}
	tenantID := ""
	if in.Tenant != nil {
		tenantID = in.Tenant.TenantID
	}
	insight = &models.Insight{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		PlanID:          in.PlanID,
		TaskID:          in.TaskID,
		Goal:            in.Goal,
		Insights:        statsMap,
		Recommendations: recMap,
		CreatedAt:       time.Now(),
	}
	err = r.wrapper.Do(ctx, insightStoreKey, func(ctx context.Context) error {
		return r.insights.Create(ctx, insight)
	})
	if err != nil {
		return nil, cost, fmt.Errorf("store insight: %w", err)
	}
	r.metrics.ReflectionResult(label)

	r.logger.DebugContext(ctx, "insight stored",
		"insight_id", insight.ID,
		"tenant_id", tenantID,
		"success_rate", stats.SuccessRate,
		"source", rec.Source,
	)
	return insight, cost, nil
}

const reflectionPrompt = `You review finished agent runs. Given the goal and the execution statistics, suggest how a future run of a similar goal could go better.

Respond with a single JSON object:
{"suggestions": ["..."], "improvements": ["..."]}

Keep each entry to one sentence. Give at most three of each.`

func (r *Reflector) askModel(ctx context.Context, in Input, stats Stats) (Recommendations, float64, error) {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return Recommendations{}, 0, err
	}
	resp, err := r.models.Generate(ctx, in.Tenant.Provider, &llm.Request{
		Model: in.Tenant.Model,
		Messages: []models.ChatMessage{
			{Role: models.RoleSystem, Content: reflectionPrompt},
			{Role: models.RoleUser, Content: fmt.Sprintf("Goal: %s\n\nStatistics:\n%s", in.Goal, statsJSON)},
		},
		MaxTokens: r.maxTokens,
		Purpose:   llm.PurposeReflect,
	})
	if err != nil {
		return Recommendations{}, 0, err
	}

	var rec Recommendations
	if err := json.Unmarshal([]byte(stripFence(resp.Text)), &rec); err != nil {
		return Recommendations{}, resp.Cost, fmt.Errorf("decode recommendations: %w", err)
	}
	if len(rec.Suggestions) == 0 {
		return Recommendations{}, resp.Cost, fmt.Errorf("model returned no suggestions")
	}
	if rec.Improvements == nil {
		rec.Improvements = []string{}
	}
	rec.Source = "model"
	return rec, resp.Cost, nil
}

func stripFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
