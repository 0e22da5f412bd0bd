// Package llm defines the vendor-neutral model interface used by the
// planner, reflector and driver, the adapters for each vendor SDK, and the
// per-model cost table.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

// Provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
	ProviderBedrock   = "bedrock"
)

// Purposes label model calls in metrics.
const (
	PurposeRespond = "respond"
	PurposePlan    = "plan"
	PurposeReflect = "reflect"
)

// ErrUnknownProvider is returned when no model is registered for a provider.
var ErrUnknownProvider = errors.New("unknown model provider")

// Request is a single non-streaming model call.
type Request struct {
	Model     string
	Messages  []models.ChatMessage
	Tools     []models.ToolDefinition
	MaxTokens int

	// Purpose labels the call for metrics; it is not sent to the vendor.
	Purpose string
}

// Usage is the token accounting reported by the vendor. When a vendor only
// reports a total, InputTokens and OutputTokens are zero.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the model's reply: text, tool calls, or both.
type Response struct {
	Text       string            `json:"text"`
	ToolCalls  []models.ToolCall `json:"tool_calls,omitempty"`
	Usage      Usage             `json:"usage"`
	StopReason string            `json:"stop_reason,omitempty"`
	Model      string            `json:"model"`
	Cost       float64           `json:"cost"`
}

// Model is a vendor adapter.
type Model interface {
	// Name returns the provider name used for routing, breaker keys and pricing.
	Name() string

	// Generate performs one request. Errors should be *ProviderError so the
	// resilience layer can tell transient failures from permanent ones.
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// systemPrompt joins system messages; vendors that take a single system
// field receive the layers separated by blank lines.
func systemPrompt(messages []models.ChatMessage) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role == models.RoleSystem && msg.Content != "" {
			parts = append(parts, msg.Content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// toolNames maps tool call ids to tool names across a conversation.
func toolNames(messages []models.ChatMessage) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		for _, tc := range msg.ToolCalls {
			names[tc.ID] = tc.Name
		}
	}
	return names
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observability.Metrics) ClientOption {
	return func(c *Client) { c.metrics = metrics }
}

// WithCostTable overrides the default price table.
func WithCostTable(costs *CostTable) ClientOption {
	return func(c *Client) {
		if costs != nil {
			c.costs = costs
		}
	}
}

// WithTracer sets the tracer used for model spans.
func WithTracer(tracer *observability.Tracer) ClientOption {
	return func(c *Client) { c.tracer = tracer }
}

// Client routes requests to registered models through the resilience
// wrapper under the key "model:<provider>" and prices the usage.
type Client struct {
	models  map[string]Model
	wrapper *resilience.Wrapper
	costs   *CostTable
	metrics *observability.Metrics
	tracer  *observability.Tracer
	logger  *slog.Logger
}

// NewClient creates a Client. Register models before use.
func NewClient(wrapper *resilience.Wrapper, opts ...ClientOption) *Client {
	if wrapper == nil {
		wrapper = resilience.NewWrapper(nil, resilience.WrapperConfig{})
	}
	c := &Client{
		models:  make(map[string]Model),
		wrapper: wrapper,
		costs:   DefaultCostTable(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "llm")
	return c
}

// Register adds a model under its provider name. Registration happens at
// startup, before concurrent use.
func (c *Client) Register(m Model) {
	c.models[m.Name()] = m
}

// Providers returns the registered provider names.
func (c *Client) Providers() []string {
	names := make([]string, 0, len(c.models))
	for name := range c.models {
		names = append(names, name)
	}
	return names
}

// Generate sends req to the model registered for provider.
func (c *Client) Generate(ctx context.Context, provider string, req *Request) (*Response, error) {
	m, ok := c.models[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}

	ctx, span := c.tracer.Start(ctx, "llm.generate")
	start := time.Now()
	resp, err := resilience.Call(ctx, c.wrapper, "model:"+provider, func(ctx context.Context) (*Response, error) {
		return m.Generate(ctx, req)
	})
	c.metrics.ModelRequest(provider, req.Purpose, err, time.Since(start))
	observability.End(span, err)
	if err != nil {
		c.logger.WarnContext(ctx, "model request failed",
			"provider", provider,
			"model", req.Model,
			"purpose", req.Purpose,
			"error", err)
		return nil, err
	}

	if resp.Model == "" {
		resp.Model = req.Model
	}
	resp.Cost = c.costs.Cost(provider, resp.Model, resp.Usage)
	c.metrics.AddCost("model", resp.Cost)
	return resp, nil
}
