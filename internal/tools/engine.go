// Package tools executes model tool calls for a tenant: catalog lookup,
// allow-list enforcement, identity-key stripping, argument validation, rate
// limiting, and routing to the search, file-search and tool-server providers
// behind the resilience wrapper.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/conductor/internal/audit"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/ratelimit"
	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

// EngineConfig wires the engine's collaborators. Only Catalog is required.
type EngineConfig struct {
	Catalog   *Catalog
	Providers []Provider
	Wrapper   *resilience.Wrapper
	Limiter   *ratelimit.Limiter
	Audit     *audit.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
	Logger    *slog.Logger
}

// Engine executes tool calls. It never panics and never returns an error:
// every outcome is an ExecutionResult.
type Engine struct {
	catalog   *Catalog
	providers map[models.ToolProviderKind]Provider
	wrapper   *resilience.Wrapper
	limiter   *ratelimit.Limiter
	audit     *audit.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates an engine.
func NewEngine(config EngineConfig) *Engine {
	if config.Catalog == nil {
		config.Catalog, _ = NewCatalog()
	}
	if config.Wrapper == nil {
		config.Wrapper = resilience.NewWrapper(nil, resilience.WrapperConfig{})
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	e := &Engine{
		catalog:   config.Catalog,
		providers: make(map[models.ToolProviderKind]Provider),
		wrapper:   config.Wrapper,
		limiter:   config.Limiter,
		audit:     config.Audit,
		metrics:   config.Metrics,
		tracer:    config.Tracer,
		logger:    config.Logger.With("component", "tools"),
		now:       time.Now,
	}
	for _, p := range config.Providers {
		e.providers[p.Kind()] = p
	}
	return e
}

// Catalog returns the engine's catalog.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// Definitions returns the tools the tenant may call, for the model request.
func (e *Engine) Definitions(tenant *models.TenantContext) []models.ToolDefinition {
	return e.catalog.ForTenant(tenant)
}

// Execute runs one tool call for tenant. Identity values come from identity,
// never from the call arguments.
func (e *Engine) Execute(ctx context.Context, call models.ToolCall, tenant *models.TenantContext, identity models.CallIdentity) (result models.ExecutionResult) {
	start := e.now()
	result = models.ExecutionResult{ToolCallID: call.ID, Tool: call.Name}

	ctx, span := e.tracer.Start(ctx, "tools.execute",
		attribute.String("tool.name", call.Name),
		attribute.String("tenant.id", identity.TenantID))

	var sanitized json.RawMessage
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorContext(ctx, "tool execution panicked",
				"tool", call.Name,
				"panic", r,
				"stack", string(debug.Stack()))
			result = e.fail(result, &ToolError{Kind: KindInternal, Message: fmt.Sprintf("panic: %v", r)})
		}
		result.Latency = e.now().Sub(start)

		var spanErr error
		if !result.Succeeded() {
			spanErr = fmt.Errorf("%s: %s", result.ErrorKind, result.Error)
		}
		observability.End(span, spanErr)
		e.metrics.ToolExecuted(result.Tool, string(result.Status), result.Latency)
		e.metrics.AddCost("tool", result.Cost)
		if result.ErrorKind != string(KindPolicy) {
			e.audit.LogToolExecution(ctx, identity, result, sanitized)
		}
	}()

	def, ok := e.catalog.Get(call.Name)
	if !ok {
		e.audit.LogToolDenied(ctx, identity, call.Name, call.ID, "not_found")
		return e.fail(result, Normalize(fmt.Errorf("%w: %s", ErrToolNotFound, call.Name)))
	}
	if !tenant.Allows(def.Name) {
		e.audit.LogToolDenied(ctx, identity, call.Name, call.ID, "not_allowed")
		return e.fail(result, Normalize(fmt.Errorf("%w: %s", ErrToolNotAllowed, call.Name)))
	}

	args, err := decodeArguments(call.Input)
	if err != nil {
		e.audit.LogToolInvalid(ctx, identity, call.Name, call.ID, err.Error(), nil)
		return e.fail(result, Normalize(err))
	}
	args, stripped := StripIdentityKeys(args)
	if len(stripped) > 0 {
		e.logger.WarnContext(ctx, "stripped identity-scoped tool arguments",
			"tool", call.Name,
			"keys", stripped)
	}
	sanitized, _ = json.Marshal(args)

	if err := e.catalog.ValidateArguments(def.Name, args); err != nil {
		e.audit.LogToolInvalid(ctx, identity, call.Name, call.ID, err.Error(), stripped)
		return e.fail(result, Normalize(err))
	}

	if !e.limiter.Allow(identity.TenantID, "tool:"+def.Name) {
		wait := e.limiter.WaitTime(identity.TenantID, "tool:"+def.Name)
		return e.fail(result, Normalize(fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Millisecond))))
	}

	provider, ok := e.providers[def.Provider]
	if !ok {
		return e.fail(result, Normalize(fmt.Errorf("%w: %s", ErrUnknownProvider, def.Provider)))
	}

	req := &ToolRequest{Definition: def, Arguments: args, Identity: identity, Tenant: tenant}
	out, err := resilience.Call(ctx, e.wrapper, breakerKey(provider, req), func(ctx context.Context) (json.RawMessage, error) {
		return provider.Invoke(ctx, req)
	})
	if err != nil {
		toolErr := Normalize(err)
		e.logger.WarnContext(ctx, "tool execution failed",
			"tool", def.Name,
			"provider", def.Provider,
			"kind", toolErr.Kind,
			"error", err)
		return e.fail(result, toolErr)
	}

	result.Status = models.ExecutionSuccess
	result.Result = out
	result.Cost = def.CostPerCall
	return result
}

func (e *Engine) fail(result models.ExecutionResult, toolErr *ToolError) models.ExecutionResult {
	result.Status = models.ExecutionFailure
	result.Error = toolErr.Message
	result.ErrorKind = string(toolErr.Kind)
	result.Result = nil
	return result
}

// decodeArguments parses model-supplied arguments, which must be a JSON
// object. Empty input is an empty object.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// ResultMessage renders a result as the tool message content fed back to
// the model.
func ResultMessage(result models.ExecutionResult) models.ToolResult {
	if result.Succeeded() {
		return models.ToolResult{ToolCallID: result.ToolCallID, Content: string(result.Result)}
	}
	payload, _ := json.Marshal(ToolError{
		Kind:      ErrorKind(result.ErrorKind),
		Message:   result.Error,
		Retryable: isRetryableKind(ErrorKind(result.ErrorKind)),
	})
	return models.ToolResult{ToolCallID: result.ToolCallID, Content: string(payload), IsError: true}
}

func isRetryableKind(kind ErrorKind) bool {
	switch kind {
	case KindRateLimit, KindTransient, KindUnavailable:
		return true
	default:
		return false
	}
}
