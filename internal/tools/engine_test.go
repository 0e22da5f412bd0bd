package tools

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/ratelimit"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

type fakeProvider struct {
	kind  models.ToolProviderKind
	calls atomic.Int32
	last  atomic.Pointer[ToolRequest]
	fn    func(ctx context.Context, req *ToolRequest) (json.RawMessage, error)
}

func (f *fakeProvider) Kind() models.ToolProviderKind { return f.kind }

func (f *fakeProvider) Invoke(ctx context.Context, req *ToolRequest) (json.RawMessage, error) {
	f.calls.Add(1)
	f.last.Store(req)
	if f.fn != nil {
		return f.fn(ctx, req)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

const searchSchema = `{
	"type": "object",
	"properties": {
		"query": {"type": "string", "minLength": 1},
		"result_count": {"type": "integer", "minimum": 1}
	},
	"required": ["query"]
}`

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := NewCatalog(
		models.ToolDefinition{Name: "web_search", Provider: models.ProviderSearch, Parameters: json.RawMessage(searchSchema), CostPerCall: 0.002},
		models.ToolDefinition{Name: "lookup_order", Provider: models.ProviderToolServer},
		models.ToolDefinition{Name: "docs", Provider: models.ProviderFileSearch},
	)
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return catalog
}

func testTenant() *models.TenantContext {
	return &models.TenantContext{
		TenantID:     "acme",
		AllowedTools: []string{"web_search", "lookup_order"},
	}
}

func testIdentity() models.CallIdentity {
	return models.CallIdentity{TenantID: "acme", UserExternalID: "u-1", ConversationID: "c-1"}
}

func newTestEngine(t *testing.T, config EngineConfig) *Engine {
	t.Helper()
	if config.Catalog == nil {
		config.Catalog = testCatalog(t)
	}
	if config.Wrapper == nil {
		registry := resilience.NewRegistry(resilience.BreakerConfig{FailureThreshold: 5, CoolDown: time.Hour})
		config.Wrapper = resilience.NewWrapper(registry, resilience.WrapperConfig{
			Retry:       resilience.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Factor: 2},
			CallTimeout: time.Second,
		})
	}
	return NewEngine(config)
}

func call(name, input string) models.ToolCall {
	return models.ToolCall{ID: "call_1", Name: name, Input: json.RawMessage(input)}
}

func TestEngineExecuteSuccess(t *testing.T) {
	search := &fakeProvider{kind: models.ProviderSearch}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}})

	result := engine.Execute(context.Background(), call("web_search", `{"query":"weather"}`), testTenant(), testIdentity())
	if !result.Succeeded() {
		t.Fatalf("result = %+v", result)
	}
	if string(result.Result) != `{"ok":true}` {
		t.Errorf("Result = %s", result.Result)
	}
	if result.Cost != 0.002 {
		t.Errorf("Cost = %v, want 0.002", result.Cost)
	}
	if result.ToolCallID != "call_1" || result.Tool != "web_search" {
		t.Errorf("result identity = %q/%q", result.ToolCallID, result.Tool)
	}
	if req := search.last.Load(); req.Identity != testIdentity() {
		t.Errorf("provider identity = %+v", req.Identity)
	}
}

func TestEngineExecutePolicyFailures(t *testing.T) {
	search := &fakeProvider{kind: models.ProviderSearch}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}})

	tests := []struct {
		name     string
		call     models.ToolCall
		wantKind ErrorKind
	}{
		{"unknown tool", call("delete_everything", `{}`), KindPolicy},
		{"not in allow-list", call("docs", `{"query":"x"}`), KindPolicy},
		{"arguments not an object", call("web_search", `["weather"]`), KindInvalid},
		{"schema violation", call("web_search", `{"result_count":3}`), KindInvalid},
		{"wrong type", call("web_search", `{"query":"x","result_count":"three"}`), KindInvalid},
		{"provider not registered", call("lookup_order", `{}`), KindPolicy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Execute(context.Background(), tt.call, testTenant(), testIdentity())
			if result.Succeeded() {
				t.Fatal("expected failure")
			}
			if result.ErrorKind != string(tt.wantKind) {
				t.Errorf("ErrorKind = %q, want %q (error %q)", result.ErrorKind, tt.wantKind, result.Error)
			}
			if result.Cost != 0 {
				t.Errorf("Cost = %v, want 0", result.Cost)
			}
		})
	}
	if n := search.calls.Load(); n != 0 {
		t.Errorf("provider called %d times, want 0", n)
	}
}

func TestEngineStripsIdentityArguments(t *testing.T) {
	server := &fakeProvider{kind: models.ProviderToolServer}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{server}})

	input := `{"order":"A-1","user_id":"attacker","filter":{"tenant_id":"other","status":"open"}}`
	result := engine.Execute(context.Background(), call("lookup_order", input), testTenant(), testIdentity())
	if !result.Succeeded() {
		t.Fatalf("result = %+v", result)
	}

	req := server.last.Load()
	if _, ok := req.Arguments["user_id"]; ok {
		t.Error("user_id reached the provider")
	}
	filter := req.Arguments["filter"].(map[string]any)
	if _, ok := filter["tenant_id"]; ok {
		t.Error("nested tenant_id reached the provider")
	}
	if filter["status"] != "open" || req.Arguments["order"] != "A-1" {
		t.Errorf("arguments = %v", req.Arguments)
	}
	if req.Identity.UserExternalID != "u-1" {
		t.Errorf("identity = %+v", req.Identity)
	}
}

func TestEngineRetriesTransientProviderErrors(t *testing.T) {
	var attempts atomic.Int32
	search := &fakeProvider{kind: models.ProviderSearch, fn: func(context.Context, *ToolRequest) (json.RawMessage, error) {
		if attempts.Add(1) < 3 {
			return nil, resilience.Transient(resilience.KindUnavailable, errors.New("503"))
		}
		return json.RawMessage(`{"results":[]}`), nil
	}}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}})

	result := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), testIdentity())
	if !result.Succeeded() {
		t.Fatalf("result = %+v", result)
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestEngineProviderFailureKinds(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantKind  ErrorKind
		wantCalls int32
	}{
		{"permanent", errors.New("bad request"), KindProvider, 1},
		{"transient exhausted", resilience.Transient(resilience.KindTimeout, errors.New("slow")), KindTransient, 3},
		{"rpc error", &JSONRPCError{Code: -32602, Message: "bad params"}, KindProvider, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			search := &fakeProvider{kind: models.ProviderSearch, fn: func(context.Context, *ToolRequest) (json.RawMessage, error) {
				return nil, tt.err
			}}
			engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}})

			result := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), testIdentity())
			if result.ErrorKind != string(tt.wantKind) {
				t.Errorf("ErrorKind = %q, want %q", result.ErrorKind, tt.wantKind)
			}
			if got := search.calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestEngineRecoversProviderPanic(t *testing.T) {
	search := &fakeProvider{kind: models.ProviderSearch, fn: func(context.Context, *ToolRequest) (json.RawMessage, error) {
		panic("boom")
	}}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}})

	result := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), testIdentity())
	if result.ErrorKind != string(KindInternal) {
		t.Fatalf("ErrorKind = %q, want internal", result.ErrorKind)
	}
	if !strings.Contains(result.Error, "boom") {
		t.Errorf("Error = %q", result.Error)
	}
}

func TestEngineRateLimit(t *testing.T) {
	search := &fakeProvider{kind: models.ProviderSearch}
	limiter := ratelimit.NewLimiter(ratelimit.Config{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 1}, nil)
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}, Limiter: limiter})

	first := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), testIdentity())
	second := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), testIdentity())
	if !first.Succeeded() {
		t.Fatalf("first = %+v", first)
	}
	if second.ErrorKind != string(KindRateLimit) {
		t.Errorf("second ErrorKind = %q, want rate_limited", second.ErrorKind)
	}
	if search.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", search.calls.Load())
	}

	other := testIdentity()
	other.TenantID = "globex"
	if r := engine.Execute(context.Background(), call("web_search", `{"query":"x"}`), testTenant(), other); !r.Succeeded() {
		t.Errorf("other tenant was limited: %+v", r)
	}
}

func TestEngineRecordsMetricsAndAudit(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	path := filepath.Join(t.TempDir(), "audit.log")
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: true, Output: "file:" + path, FlushInterval: time.Hour})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}

	search := &fakeProvider{kind: models.ProviderSearch}
	engine := newTestEngine(t, EngineConfig{Providers: []Provider{search}, Metrics: metrics, Audit: auditLogger})

	engine.Execute(context.Background(), call("web_search", `{"query":"x","email":"a@b.c"}`), testTenant(), testIdentity())
	engine.Execute(context.Background(), call("docs", `{}`), testTenant(), testIdentity())
	if err := auditLogger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := testutil.CollectAndCount(reg, "conductor_tool_executions_total"); got != 2 {
		t.Errorf("tool execution series = %d, want 2", got)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	log := string(data)
	for _, want := range []string{`"action":"tool_executed"`, `"action":"tool_denied"`, `"reason":"not_allowed"`, `"arguments_hash"`} {
		if !strings.Contains(log, want) {
			t.Errorf("audit log missing %s:\n%s", want, log)
		}
	}
	if strings.Contains(log, "a@b.c") {
		t.Error("audit log contains a stripped identity value")
	}
}

func TestEngineDefinitionsFilteredByTenant(t *testing.T) {
	engine := newTestEngine(t, EngineConfig{})
	defs := engine.Definitions(testTenant())
	if len(defs) != 2 || defs[0].Name != "lookup_order" || defs[1].Name != "web_search" {
		t.Errorf("Definitions = %+v", defs)
	}
	if got := engine.Definitions(nil); len(got) != 0 {
		t.Errorf("nil tenant Definitions = %d, want 0", len(got))
	}
}

func TestResultMessage(t *testing.T) {
	ok := ResultMessage(models.ExecutionResult{ToolCallID: "c1", Status: models.ExecutionSuccess, Result: json.RawMessage(`{"a":1}`)})
	if ok.IsError || ok.Content != `{"a":1}` || ok.ToolCallID != "c1" {
		t.Errorf("success message = %+v", ok)
	}

	failed := ResultMessage(models.ExecutionResult{ToolCallID: "c2", Status: models.ExecutionFailure, Error: "503", ErrorKind: string(KindTransient)})
	if !failed.IsError {
		t.Fatal("expected IsError")
	}
	var payload ToolError
	if err := json.Unmarshal([]byte(failed.Content), &payload); err != nil {
		t.Fatalf("content %q: %v", failed.Content, err)
	}
	if payload.Kind != KindTransient || !payload.Retryable || payload.Message != "503" {
		t.Errorf("payload = %+v", payload)
	}
}
