package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/resilience"
)

// LLMConfig configures the model providers.
type LLMConfig struct {
	Providers map[string]LLMProviderConfig `yaml:"providers"`

	// Costs overrides token prices per provider and model. The model key
	// "default" sets the provider's fallback price.
	Costs map[string]map[string]llm.Price `yaml:"costs"`
}

// LLMProviderConfig holds one provider's credentials and defaults. Region
// and the access keys only apply to bedrock; without keys the default AWS
// credential chain is used.
type LLMProviderConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	DefaultModel    string `yaml:"default_model"`
	MaxTokens       int    `yaml:"max_tokens"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}

// ProviderNames returns the configured provider names in order.
func (c LLMConfig) ProviderNames() []string {
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CostTable returns the default price table with configured overrides.
func (c LLMConfig) CostTable() *llm.CostTable {
	table := llm.DefaultCostTable()
	for provider, models := range c.Costs {
		for model, price := range models {
			table.Set(provider, model, price)
		}
	}
	return table
}

func applyLLMDefaults(c *LLMConfig) {
	if bedrock, ok := c.Providers[llm.ProviderBedrock]; ok && bedrock.Region == "" {
		bedrock.Region = "us-east-1"
		c.Providers[llm.ProviderBedrock] = bedrock
	}
}

func (c LLMConfig) validate() []string {
	var issues []string
	for _, name := range c.ProviderNames() {
		p := c.Providers[name]
		switch name {
		case llm.ProviderAnthropic, llm.ProviderOpenAI, llm.ProviderGemini:
			if p.APIKey == "" {
				issues = append(issues, fmt.Sprintf("llm.providers.%s.api_key is required", name))
			}
		case llm.ProviderBedrock:
			if (p.AccessKeyID == "") != (p.SecretAccessKey == "") {
				issues = append(issues, "llm.providers.bedrock needs both access_key_id and secret_access_key")
			}
		default:
			issues = append(issues, fmt.Sprintf("llm.providers.%s is not a supported provider", name))
		}
		if p.MaxTokens < 0 {
			issues = append(issues, fmt.Sprintf("llm.providers.%s.max_tokens must not be negative", name))
		}
	}
	for provider, models := range c.Costs {
		for model, price := range models {
			if price.Input < 0 || price.Output < 0 {
				issues = append(issues, fmt.Sprintf("llm.costs.%s.%s must not be negative", provider, model))
			}
		}
	}
	return issues
}

// ResilienceConfig configures retries and circuit breakers for outbound
// calls.
type ResilienceConfig struct {
	// CallTimeout bounds each attempt.
	CallTimeout time.Duration `yaml:"call_timeout"`

	Retry   RetryConfig   `yaml:"retry"`
	Breaker BreakerConfig `yaml:"breaker"`

	// Overrides maps a dependency key prefix such as "model:openai" or
	// "tool:" to its own breaker settings.
	Overrides map[string]BreakerConfig `yaml:"overrides"`
}

// RetryConfig mirrors resilience.RetryPolicy.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Factor       float64       `yaml:"factor"`
	Jitter       *bool         `yaml:"jitter"`
}

// Policy converts the config into a retry policy.
func (c RetryConfig) Policy() resilience.RetryPolicy {
	jitter := c.Jitter == nil || *c.Jitter
	return resilience.RetryPolicy{
		MaxAttempts:  c.MaxAttempts,
		InitialDelay: c.InitialDelay,
		MaxDelay:     c.MaxDelay,
		Factor:       c.Factor,
		Jitter:       jitter,
	}
}

// BreakerConfig mirrors the tunable part of resilience.BreakerConfig.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Window           time.Duration `yaml:"window"`
	CoolDown         time.Duration `yaml:"cool_down"`
}

// Breaker converts the config into a breaker config for name.
func (c BreakerConfig) Breaker(name string) resilience.BreakerConfig {
	return resilience.BreakerConfig{
		Name:             name,
		FailureThreshold: c.FailureThreshold,
		Window:           c.Window,
		CoolDown:         c.CoolDown,
	}
}

func applyResilienceDefaults(c *ResilienceConfig) {
	d := resilience.DefaultRetryPolicy()
	if c.CallTimeout == 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = d.MaxAttempts
	}
	if c.Retry.InitialDelay == 0 {
		c.Retry.InitialDelay = d.InitialDelay
	}
	if c.Retry.MaxDelay == 0 {
		c.Retry.MaxDelay = d.MaxDelay
	}
	if c.Retry.Factor == 0 {
		c.Retry.Factor = d.Factor
	}
	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = time.Minute
	}
	if c.Breaker.CoolDown == 0 {
		c.Breaker.CoolDown = 30 * time.Second
	}
}

func (c ResilienceConfig) validate() []string {
	var issues []string
	if c.CallTimeout < 0 {
		issues = append(issues, "resilience.call_timeout must not be negative")
	}
	if c.Retry.MaxAttempts < 0 {
		issues = append(issues, "resilience.retry.max_attempts must not be negative")
	}
	if c.Retry.Factor != 0 && c.Retry.Factor < 1 {
		issues = append(issues, "resilience.retry.factor must be at least 1")
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		issues = append(issues, "resilience.retry.initial_delay exceeds max_delay")
	}
	for prefix, b := range c.Overrides {
		if b.FailureThreshold < 0 || b.Window < 0 || b.CoolDown < 0 {
			issues = append(issues, fmt.Sprintf("resilience.overrides.%s must not be negative", prefix))
		}
	}
	return issues
}
