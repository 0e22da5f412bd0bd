package models

import "time"

const (
	DefaultMaxToolSteps = 10
	DefaultPlanTimeout  = 300 * time.Second
)

// PromptMode controls how a tenant prompt combines with the global layer.
type PromptMode string

const (
	PromptModeAppend          PromptMode = "append"
	PromptModeReplaceBehavior PromptMode = "replace_behavior"
)

// PromptProfile is the tenant's prompt customization. CustomSystemPrompt is
// expected to have passed validation before it was stored.
type PromptProfile struct {
	CustomSystemPrompt string            `json:"custom_system_prompt,omitempty" yaml:"custom_system_prompt"`
	Mode               PromptMode        `json:"mode,omitempty" yaml:"mode"`
	Language           string            `json:"language,omitempty" yaml:"language"`
	Tone               map[string]string `json:"tone,omitempty" yaml:"tone"`
}

// KnowledgeBaseRef points at a tenant knowledge base served by a search provider.
type KnowledgeBaseRef struct {
	Provider string         `json:"provider" yaml:"provider"`
	Config   map[string]any `json:"config,omitempty" yaml:"config"`
}

// ToolServerRef points at an external tool server.
type ToolServerRef struct {
	ID       string            `json:"id" yaml:"id"`
	Endpoint string            `json:"endpoint" yaml:"endpoint"`
	Headers  map[string]string `json:"headers,omitempty" yaml:"headers"`
}

// TenantContext is the resolved per-request configuration of a tenant. It is
// loaded once per request and must not be mutated afterwards.
type TenantContext struct {
	TenantID        string                      `json:"tenant_id" yaml:"tenant_id"`
	Provider        string                      `json:"provider" yaml:"provider"`
	Model           string                      `json:"model" yaml:"model"`
	PlanningEnabled bool                        `json:"planning_enabled" yaml:"planning_enabled"`
	MaxToolSteps    int                         `json:"max_tool_steps" yaml:"max_tool_steps"`
	PlanTimeout     time.Duration               `json:"plan_timeout" yaml:"plan_timeout"`
	PromptProfile   PromptProfile               `json:"prompt_profile" yaml:"prompt_profile"`
	AllowedTools    []string                    `json:"allowed_tools" yaml:"allowed_tools"`
	KnowledgeBases  map[string]KnowledgeBaseRef `json:"knowledge_bases,omitempty" yaml:"knowledge_bases"`
	ToolServers     map[string]ToolServerRef    `json:"tool_servers,omitempty" yaml:"tool_servers"`
}

// StepLimit returns the tool-loop cap, falling back to the default when the
// configured value is not positive.
func (t *TenantContext) StepLimit() int {
	if t == nil || t.MaxToolSteps <= 0 {
		return DefaultMaxToolSteps
	}
	return t.MaxToolSteps
}

// PlanDeadline returns the plan timeout, falling back to the default.
func (t *TenantContext) PlanDeadline() time.Duration {
	if t == nil || t.PlanTimeout <= 0 {
		return DefaultPlanTimeout
	}
	return t.PlanTimeout
}

// Allows reports whether the tool is in the tenant allow-list.
func (t *TenantContext) Allows(tool string) bool {
	if t == nil {
		return false
	}
	for _, name := range t.AllowedTools {
		if name == tool {
			return true
		}
	}
	return false
}

// CallIdentity carries the authenticated identity values the caller injects
// into every tool invocation. They are never read from model arguments.
type CallIdentity struct {
	TenantID       string `json:"tenant_id"`
	UserExternalID string `json:"user_external_id"`
	ConversationID string `json:"conversation_id"`
}
