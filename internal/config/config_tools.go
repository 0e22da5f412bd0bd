package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/haasonsaas/conductor/internal/ratelimit"
	"github.com/haasonsaas/conductor/internal/tools"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ToolsConfig configures the tool providers and the tool catalog.
type ToolsConfig struct {
	Search     tools.SearchConfig        `yaml:"search"`
	ToolServer tools.ToolServerConfig    `yaml:"tool_server"`
	FileSearch []FileSearchBackendConfig `yaml:"file_search"`

	// RateLimit applies per tenant and tool. Overrides are keyed by tool name.
	RateLimit          ratelimit.Config            `yaml:"rate_limit"`
	RateLimitOverrides map[string]ratelimit.Config `yaml:"rate_limit_overrides"`

	Definitions []ToolDefinitionConfig `yaml:"definitions"`
}

// FileSearchBackendConfig is one file-search backend.
type FileSearchBackendConfig struct {
	Name     string        `yaml:"name"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

// ToolDefinitionConfig is a tool definition as written in the config file.
// Parameters is a JSON schema object.
type ToolDefinitionConfig struct {
	Name              string         `yaml:"name"`
	Description       string         `yaml:"description"`
	Provider          string         `yaml:"provider"`
	Parameters        map[string]any `yaml:"parameters"`
	ImplementationRef map[string]any `yaml:"implementation_ref"`
	CostPerCall       float64        `yaml:"cost_per_call"`
}

// Definition converts the entry into a tool definition.
func (c ToolDefinitionConfig) Definition() (models.ToolDefinition, error) {
	def := models.ToolDefinition{
		Name:              c.Name,
		Description:       c.Description,
		Provider:          models.ToolProviderKind(c.Provider),
		ImplementationRef: c.ImplementationRef,
		CostPerCall:       c.CostPerCall,
	}
	if len(c.Parameters) > 0 {
		params, err := json.Marshal(c.Parameters)
		if err != nil {
			return def, fmt.Errorf("tool %s parameters: %w", c.Name, err)
		}
		def.Parameters = params
	}
	return def, nil
}

// ToolDefinitions converts every configured definition.
func (c ToolsConfig) ToolDefinitions() ([]models.ToolDefinition, error) {
	defs := make([]models.ToolDefinition, 0, len(c.Definitions))
	for _, entry := range c.Definitions {
		def, err := entry.Definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LimiterOverrides returns the rate-limit overrides keyed the way the tool
// engine names its limiter resources.
func (c ToolsConfig) LimiterOverrides() map[string]ratelimit.Config {
	out := make(map[string]ratelimit.Config, len(c.RateLimitOverrides))
	for tool, limit := range c.RateLimitOverrides {
		out["tool:"+tool] = limit
	}
	return out
}

func applyToolsDefaults(c *ToolsConfig) {
	if c.RateLimit == (ratelimit.Config{}) {
		c.RateLimit = ratelimit.DefaultConfig()
	}
	if c.Search.DefaultResultCount == 0 {
		c.Search.DefaultResultCount = 5
	}
	if c.Search.Timeout == 0 {
		c.Search.Timeout = 15 * time.Second
	}
	if c.ToolServer.Timeout == 0 {
		c.ToolServer.Timeout = 30 * time.Second
	}
	for i := range c.FileSearch {
		if c.FileSearch[i].Timeout == 0 {
			c.FileSearch[i].Timeout = 15 * time.Second
		}
	}
}

func (c ToolsConfig) validate() []string {
	var issues []string
	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.BurstSize <= 0) {
		issues = append(issues, "tools.rate_limit needs a positive requests_per_second and burst_size")
	}
	seenBackends := map[string]bool{}
	for i, b := range c.FileSearch {
		if b.Name == "" || b.Endpoint == "" {
			issues = append(issues, fmt.Sprintf("tools.file_search[%d] needs a name and an endpoint", i))
		}
		if seenBackends[b.Name] {
			issues = append(issues, fmt.Sprintf("tools.file_search backend %s is listed twice", b.Name))
		}
		seenBackends[b.Name] = true
	}

	seen := map[string]bool{}
	for i, d := range c.Definitions {
		if d.Name == "" {
			issues = append(issues, fmt.Sprintf("tools.definitions[%d].name is required", i))
			continue
		}
		if seen[d.Name] {
			issues = append(issues, fmt.Sprintf("tools.definitions: %s is defined twice", d.Name))
		}
		seen[d.Name] = true
		switch models.ToolProviderKind(d.Provider) {
		case models.ProviderSearch, models.ProviderFileSearch, models.ProviderToolServer:
		default:
			issues = append(issues, fmt.Sprintf("tools.definitions.%s: unknown provider %q", d.Name, d.Provider))
		}
		if d.CostPerCall < 0 {
			issues = append(issues, fmt.Sprintf("tools.definitions.%s.cost_per_call must not be negative", d.Name))
		}
	}
	return issues
}
