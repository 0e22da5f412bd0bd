package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	return writeNamed(t, t.TempDir(), "conductor.yaml", contents)
}

func writeNamed(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-test")
	path := writeConfig(t, `
version: 1
database:
  driver: sqlite
  dsn: file:conductor.db
llm:
  providers:
    openai:
      api_key: ${TEST_OPENAI_KEY}
      default_model: gpt-4o
    bedrock: {}
  costs:
    openai:
      gpt-4o: {input: 2.5, output: 10}
resilience:
  retry:
    max_attempts: 2
    jitter: false
  overrides:
    "tool:":
      failure_threshold: 3
tools:
  search:
    endpoint: https://search.example.com
  rate_limit_overrides:
    web_search: {enabled: true, requests_per_second: 1, burst_size: 2}
  definitions:
    - name: web_search
      description: Search the web
      provider: search
      parameters:
        type: object
        properties:
          query: {type: string}
        required: [query]
orchestrator:
  reflection: false
tenants:
  file: tenants.yaml
  watch: true
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["openai"].APIKey != "sk-test" {
		t.Errorf("env var not expanded: %+v", cfg.LLM.Providers["openai"])
	}
	if cfg.LLM.Providers[llm.ProviderBedrock].Region != "us-east-1" {
		t.Errorf("bedrock region default not applied")
	}
	if cfg.Database.MaxOpenConns != storage.DefaultConfig().MaxOpenConns {
		t.Errorf("MaxOpenConns = %d", cfg.Database.MaxOpenConns)
	}
	policy := cfg.Resilience.Retry.Policy()
	if policy.MaxAttempts != 2 || policy.Jitter || policy.Factor != 2 {
		t.Errorf("retry policy = %+v", policy)
	}
	if b := cfg.Resilience.Overrides["tool:"].Breaker("tool:search"); b.FailureThreshold != 3 || b.Name != "tool:search" {
		t.Errorf("breaker override = %+v", b)
	}
	if cfg.Orchestrator.ReflectionEnabled() || cfg.Orchestrator.DefaultMaxToolSteps != 10 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
	if !cfg.Tools.RateLimit.Enabled || cfg.Tools.LimiterOverrides()["tool:web_search"].BurstSize != 2 {
		t.Errorf("rate limits = %+v / %+v", cfg.Tools.RateLimit, cfg.Tools.LimiterOverrides())
	}
	if cfg.Sweeper.Schedule != "@every 1m" || cfg.Sweeper.MinAge != time.Minute {
		t.Errorf("sweeper = %+v", cfg.Sweeper)
	}

	defs, err := cfg.Tools.ToolDefinitions()
	if err != nil {
		t.Fatalf("ToolDefinitions() error = %v", err)
	}
	if len(defs) != 1 || defs[0].Provider != models.ProviderSearch || !strings.Contains(string(defs[0].Parameters), `"required":["query"]`) {
		t.Errorf("definitions = %+v", defs)
	}

	if got := cfg.LLM.CostTable().Cost(llm.ProviderOpenAI, "gpt-4o", llm.Usage{InputTokens: 1_000_000}); got != 2.5 {
		t.Errorf("cost override = %v", got)
	}
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name    string
		config  string
		wantErr string
	}{
		{
			name:    "unknown field",
			config:  "version: 1\norchestrator:\n  max_steps: 3\n",
			wantErr: "max_steps",
		},
		{
			name:    "missing version",
			config:  "database: {driver: memory}\n",
			wantErr: "config version 0",
		},
		{
			name:    "sql driver without dsn",
			config:  "version: 1\ndatabase: {driver: postgres}\n",
			wantErr: "database.dsn",
		},
		{
			name:    "unknown driver",
			config:  "version: 1\ndatabase: {driver: mongo}\n",
			wantErr: "database.driver",
		},
		{
			name:    "provider without key",
			config:  "version: 1\nllm:\n  providers:\n    anthropic: {default_model: claude-sonnet-4}\n",
			wantErr: "llm.providers.anthropic.api_key",
		},
		{
			name:    "unsupported provider",
			config:  "version: 1\nllm:\n  providers:\n    cohere: {api_key: x}\n",
			wantErr: "not a supported provider",
		},
		{
			name:    "unknown tool provider",
			config:  "version: 1\ntools:\n  definitions:\n    - {name: shell, provider: exec}\n",
			wantErr: "unknown provider",
		},
		{
			name:    "bad log level",
			config:  "version: 1\nlogging: {level: chatty}\n",
			wantErr: "logging.level",
		},
		{
			name:    "watch without file",
			config:  "version: 1\ntenants: {watch: true}\n",
			wantErr: "tenants.watch",
		},
		{
			name:    "two documents",
			config:  "version: 1\n---\nversion: 1\n",
			wantErr: "single document",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.config))
			if err == nil {
				t.Fatal("Load() error = nil")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMergesIncludes(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "base.yaml", `
version: 1
logging: {level: debug, format: text}
orchestrator: {history_limit: 10, max_tokens: 1000}
`)
	writeNamed(t, dir, "secrets.json5", `{
  llm: {providers: {gemini: {api_key: "g-key"}}}, // trailing comma is fine
}`)
	path := writeNamed(t, dir, "conductor.yaml", `
$include: [base.yaml, secrets.json5]
orchestrator: {history_limit: 20}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.LLM.Providers["gemini"].APIKey != "g-key" {
		t.Errorf("includes not merged: %+v %+v", cfg.Logging, cfg.LLM)
	}
	if cfg.Orchestrator.HistoryLimit != 20 || cfg.Orchestrator.MaxTokens != 1000 {
		t.Errorf("orchestrator = %+v", cfg.Orchestrator)
	}
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeNamed(t, dir, "a.yaml", "include: b.yaml\nversion: 1\n")
	writeNamed(t, dir, "b.yaml", "include: a.yaml\n")
	if _, err := Load(filepath.Join(dir, "a.yaml")); err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Errorf("Load() error = %v, want include cycle", err)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Database.Driver != storage.DriverMemory || !cfg.Orchestrator.ReflectionEnabled() {
		t.Errorf("Default() = %+v", cfg)
	}
}

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, "missing or outdated"},
		{-1, "missing or outdated"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) || ve.Reason != tt.reason || ve.Error() == "" {
			t.Errorf("ValidateVersion(%d) = %v, want reason %q", tt.version, err, tt.reason)
		}
	}
	var nilErr *VersionError
	if nilErr.Error() != "" {
		t.Error("nil VersionError has a message")
	}
}

func TestJSONSchema(t *testing.T) {
	schema, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	for _, field := range []string{`"orchestrator"`, `"rate_limit"`, `"history_token_budget"`} {
		if !strings.Contains(string(schema), field) {
			t.Errorf("schema missing %s", field)
		}
	}
}
