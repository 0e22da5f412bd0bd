// Package config loads the conductor configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/storage"
)

// Config is the main configuration structure for conductor.
type Config struct {
	Version      int                `yaml:"version"`
	Database     storage.Config     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Tools        ToolsConfig        `yaml:"tools"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Tenants      TenantsConfig      `yaml:"tenants"`
	Logging      LoggingConfig      `yaml:"logging"`
	Tracing      TracingConfig      `yaml:"tracing"`
	Metrics      MetricsConfig      `yaml:"metrics"`
	Audit        audit.Config       `yaml:"audit"`
	Sweeper      SweeperConfig      `yaml:"sweeper"`
}

// OrchestratorConfig tunes the message driver.
type OrchestratorConfig struct {
	// DefaultMaxToolSteps caps the tool loop for tenants that set no limit.
	DefaultMaxToolSteps int `yaml:"default_max_tool_steps"`

	// HistoryLimit is how many stored messages are loaded per request.
	HistoryLimit int `yaml:"history_limit"`

	// HistoryTokenBudget caps the estimated tokens of history in the prompt.
	HistoryTokenBudget int `yaml:"history_token_budget"`

	// MaxTokens bounds each response generation.
	MaxTokens int `yaml:"max_tokens"`

	// PlanningMaxTokens bounds plan generation.
	PlanningMaxTokens int `yaml:"planning_max_tokens"`

	// InsightLimit is how many similar insights the planner sees.
	InsightLimit int `yaml:"insight_limit"`

	// Reflection enables the reflector after planned runs. Defaults to true.
	Reflection *bool `yaml:"reflection"`

	// ModelReflection lets the reflector ask the model for recommendations.
	ModelReflection bool `yaml:"model_reflection"`
}

// ReflectionEnabled reports whether planned runs are reflected on.
func (c OrchestratorConfig) ReflectionEnabled() bool {
	return c.Reflection == nil || *c.Reflection
}

// TenantsConfig selects where tenant contexts come from. The registry file
// is consulted first, then the database.
type TenantsConfig struct {
	File  string `yaml:"file"`
	Watch bool   `yaml:"watch"`
}

// SweeperConfig configures the stale-task sweeper.
type SweeperConfig struct {
	Schedule  string        `yaml:"schedule"`
	MinAge    time.Duration `yaml:"min_age"`
	BatchSize int           `yaml:"batch_size"`
}

// Load reads, merges and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, suitable for
// running against the in-memory store.
func Default() *Config {
	cfg := &Config{Version: CurrentVersion}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	d := storage.DefaultConfig()
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = d.Driver
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = d.MaxOpenConns
	}
	if cfg.Database.MaxIdleConns == 0 {
		cfg.Database.MaxIdleConns = d.MaxIdleConns
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = d.ConnMaxLifetime
	}
	if cfg.Database.ConnMaxIdleTime == 0 {
		cfg.Database.ConnMaxIdleTime = d.ConnMaxIdleTime
	}
	if cfg.Database.ConnectTimeout == 0 {
		cfg.Database.ConnectTimeout = d.ConnectTimeout
	}

	applyLLMDefaults(&cfg.LLM)
	applyResilienceDefaults(&cfg.Resilience)
	applyToolsDefaults(&cfg.Tools)
	applyObservabilityDefaults(cfg)

	if cfg.Orchestrator.DefaultMaxToolSteps == 0 {
		cfg.Orchestrator.DefaultMaxToolSteps = 10
	}
	if cfg.Orchestrator.HistoryLimit == 0 {
		cfg.Orchestrator.HistoryLimit = 50
	}
	if cfg.Orchestrator.HistoryTokenBudget == 0 {
		cfg.Orchestrator.HistoryTokenBudget = 4000
	}
	if cfg.Orchestrator.MaxTokens == 0 {
		cfg.Orchestrator.MaxTokens = 4096
	}
	if cfg.Orchestrator.PlanningMaxTokens == 0 {
		cfg.Orchestrator.PlanningMaxTokens = 2048
	}
	if cfg.Orchestrator.InsightLimit == 0 {
		cfg.Orchestrator.InsightLimit = 3
	}

	if cfg.Sweeper.Schedule == "" {
		cfg.Sweeper.Schedule = "@every 1m"
	}
	if cfg.Sweeper.MinAge == 0 {
		cfg.Sweeper.MinAge = time.Minute
	}
	if cfg.Sweeper.BatchSize == 0 {
		cfg.Sweeper.BatchSize = 100
	}
}

// Validate reports every problem found in the configuration at once.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if err := ValidateVersion(c.Version); err != nil {
		return err
	}

	var issues []string
	switch c.Database.Driver {
	case storage.DriverMemory:
	case storage.DriverPostgres, storage.DriverSQLite:
		if strings.TrimSpace(c.Database.DSN) == "" {
			issues = append(issues, "database.dsn is required for driver "+c.Database.Driver)
		}
	default:
		issues = append(issues, fmt.Sprintf("database.driver %q is not one of memory, postgres, sqlite", c.Database.Driver))
	}

	issues = append(issues, c.LLM.validate()...)
	issues = append(issues, c.Resilience.validate()...)
	issues = append(issues, c.Tools.validate()...)
	issues = append(issues, c.validateObservability()...)

	if c.Orchestrator.DefaultMaxToolSteps < 0 {
		issues = append(issues, "orchestrator.default_max_tool_steps must not be negative")
	}
	if c.Orchestrator.HistoryLimit < 0 || c.Orchestrator.HistoryTokenBudget < 0 {
		issues = append(issues, "orchestrator history limits must not be negative")
	}
	if c.Tenants.Watch && c.Tenants.File == "" {
		issues = append(issues, "tenants.watch requires tenants.file")
	}
	if c.Sweeper.BatchSize < 0 || c.Sweeper.MinAge < 0 {
		issues = append(issues, "sweeper.batch_size and sweeper.min_age must not be negative")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}

// ValidationError lists configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}
