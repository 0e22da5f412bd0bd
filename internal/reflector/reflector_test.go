package reflector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeGenerator struct {
	text  string
	err   error
	calls int
	req   *llm.Request
}

func (g *fakeGenerator) Generate(ctx context.Context, provider string, req *llm.Request) (*llm.Response, error) {
	g.calls++
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	return &llm.Response{Text: g.text, Cost: 0.001}, nil
}

var mixedResults = []models.ExecutionResult{
	{Step: 1, Tool: "lookup_order", Status: models.ExecutionSuccess},
	{Step: 2, Tool: "web_search", Status: models.ExecutionFailure, Error: "upstream timeout", ErrorKind: "transient"},
	{Step: 3, Tool: "lookup_order", Status: models.ExecutionSuccess},
	{Step: 4, Tool: "web_search", Status: models.ExecutionSuccess},
}

func TestAnalyze(t *testing.T) {
	stats := Analyze(mixedResults, models.OutcomeSuccess)
	if stats.TotalSteps != 4 || stats.SuccessfulSteps != 3 || stats.FailedSteps != 1 {
		t.Errorf("counts = %+v", stats)
	}
	if stats.SuccessRate != 0.75 {
		t.Errorf("SuccessRate = %v", stats.SuccessRate)
	}
	if stats.MostUsedTool != "lookup_order" || stats.ToolUsage["web_search"] != 1 {
		t.Errorf("usage = %v, most used %s", stats.ToolUsage, stats.MostUsedTool)
	}
	if len(stats.FailedStepDetails) != 1 || stats.FailedStepDetails[0].Error != "upstream timeout" {
		t.Errorf("FailedStepDetails = %+v", stats.FailedStepDetails)
	}

	empty := Analyze(nil, models.OutcomeSuccess)
	if empty.SuccessRate != 0 || empty.MostUsedTool != "" {
		t.Errorf("empty stats = %+v", empty)
	}
}

func TestRecommend(t *testing.T) {
	tests := []struct {
		name    string
		results []models.ExecutionResult
		want    []string
	}{
		{
			name:    "mixed",
			results: mixedResults,
			want: []string{
				"Review 1 failed steps and consider alternative approaches",
				"Tool 'lookup_order' was used 2 times - consider optimizing its usage",
			},
		},
		{
			name:    "all succeeded",
			results: mixedResults[:1],
			want: []string{
				"Plan executed successfully - consider caching similar plans",
				"Tool 'lookup_order' was used 1 times - consider optimizing its usage",
			},
		},
		{
			name: "no results",
			want: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := Recommend(Analyze(tt.results, models.OutcomeSuccess))
			if len(rec.Suggestions) != len(tt.want) {
				t.Fatalf("Suggestions = %q, want %q", rec.Suggestions, tt.want)
			}
			for i := range tt.want {
				if rec.Suggestions[i] != tt.want[i] {
					t.Errorf("Suggestions[%d] = %q, want %q", i, rec.Suggestions[i], tt.want[i])
				}
			}
		})
	}
}

func tenant() *models.TenantContext {
	return &models.TenantContext{TenantID: "acme", Provider: llm.ProviderAnthropic, Model: "claude-sonnet-4"}
}

func TestReflectUsesModelRecommendations(t *testing.T) {
	store := storage.NewMemoryInsightStore()
	gen := &fakeGenerator{text: "```json\n{\"suggestions\": [\"Retry search with a narrower query\"], \"improvements\": []}\n```"}
	r := New(Config{Models: gen, Insights: store})

	insight, cost, err := r.Reflect(context.Background(), Input{
		Tenant:  tenant(),
		Goal:    "refund order 42",
		PlanID:  "plan-1",
		TaskID:  "task-1",
		Results: mixedResults,
		Outcome: models.OutcomeSuccess,
	})
	if err != nil {
		t.Fatalf("Reflect() error = %v", err)
	}
	if cost != 0.001 || gen.req.Purpose != llm.PurposeReflect {
		t.Errorf("cost = %v, purpose = %s", cost, gen.req.Purpose)
	}
	if got := insight.Suggestions(); len(got) != 1 || got[0] != "Retry search with a narrower query" {
		t.Errorf("Suggestions() = %v", got)
	}
	if insight.Recommendations["source"] != "model" || insight.Insights["success_rate"] != 0.75 {
		t.Errorf("insight = %+v", insight)
	}

	stored, _ := store.Recent(context.Background(), "acme", 1)
	if len(stored) != 1 || stored[0].PlanID != "plan-1" || stored[0].Goal != "refund order 42" {
		t.Errorf("stored = %+v", stored)
	}
}

func TestReflectFallsBackOnModelFailure(t *testing.T) {
	tests := []struct {
		name string
		gen  *fakeGenerator
	}{
		{"model error", &fakeGenerator{err: errors.New("boom")}},
		{"not json", &fakeGenerator{text: "Looks good to me."}},
		{"no suggestions", &fakeGenerator{text: `{"suggestions": []}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := storage.NewMemoryInsightStore()
			r := New(Config{Models: tt.gen, Insights: store})
			insight, _, err := r.Reflect(context.Background(), Input{
				Tenant:  tenant(),
				Goal:    "refund order 42",
				Results: mixedResults,
				Outcome: models.OutcomeSuccess,
			})
			if err != nil {
				t.Fatalf("Reflect() error = %v", err)
			}
			if insight.Recommendations["source"] != "computed" || len(insight.Suggestions()) != 2 {
				t.Errorf("recommendations = %+v", insight.Recommendations)
			}
		})
	}
}

type failingStore struct{ storage.InsightStore }

func (failingStore) Create(ctx context.Context, insight *models.Insight) error {
	return errors.New("disk full")
}

func TestReflectReturnsStoreError(t *testing.T) {
	r := New(Config{Insights: failingStore{}})
	if _, _, err := r.Reflect(context.Background(), Input{Tenant: tenant(), Results: mixedResults}); err == nil {
		t.Error("expected store error")
	}
}

type flakyStore struct {
	storage.InsightStore
	failures int
	calls    int
}

func (f *flakyStore) Create(ctx context.Context, insight *models.Insight) error {
	f.calls++
	if f.calls <= f.failures {
		return resilience.Transient(resilience.KindUnavailable, errors.New("connection reset"))
	}
	return f.InsightStore.Create(ctx, insight)
}

func TestReflectRetriesTransientStoreErrors(t *testing.T) {
	store := &flakyStore{InsightStore: storage.NewMemoryInsightStore(), failures: 2}
	registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 5, CoolDown: time.Hour})
	wrapper := resilience.NewWrapper(registry, resilience.WrapperConfig{
		Retry:       resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2},
		CallTimeout: time.Second,
	})
	r := New(Config{Insights: store, Wrapper: wrapper})

	insight, _, err := r.Reflect(context.Background(), Input{Tenant: tenant(), Results: mixedResults})
	if err != nil {
		t.Fatalf("Reflect() error = %v", err)
	}
	if store.calls != 3 {
		t.Errorf("store calls = %d, want 3", store.calls)
	}
	stored, err := store.Recent(context.Background(), "acme", 10)
	if err != nil || len(stored) != 1 || stored[0].ID != insight.ID {
		t.Errorf("stored = %v, %v", stored, err)
	}
	if state := registry.Get("store:insights").State(); state != resilience.StateClosed {
		t.Errorf("insight store breaker = %s, want closed", state)
	}
}

func TestReflectOpensInsightStoreBreaker(t *testing.T) {
	store := &flakyStore{InsightStore: storage.NewMemoryInsightStore(), failures: 10}
	registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 2, CoolDown: time.Hour})
	wrapper := resilience.NewWrapper(registry, resilience.WrapperConfig{
		Retry:       resilience.RetryPolicy{MaxAttempts: 1},
		CallTimeout: time.Second,
	})
	r := New(Config{Insights: store, Wrapper: wrapper})

	for i := 0; i < 3; i++ {
		if _, _, err := r.Reflect(context.Background(), Input{Tenant: tenant(), Results: mixedResults}); err == nil {
			t.Fatalf("Reflect() %d succeeded", i)
		}
	}
	if store.calls != 2 {
		t.Errorf("store calls = %d, want 2 before the breaker opened", store.calls)
	}
	if state := registry.Get("store:insights").State(); state != resilience.StateOpen {
		t.Errorf("insight store breaker = %s, want open", state)
	}
}
