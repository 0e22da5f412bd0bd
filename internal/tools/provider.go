package tools

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/conductor/pkg/models"
)

// ToolRequest is what a provider adapter receives. Arguments have already
// been stripped of identity-scoped keys; Identity is the authenticated
// context injected by the caller.
type ToolRequest struct {
	Definition *models.ToolDefinition
	Arguments  map[string]any
	Identity   models.CallIdentity
	Tenant     *models.TenantContext
}

// Provider executes tools of one provider kind.
type Provider interface {
	Kind() models.ToolProviderKind
	Invoke(ctx context.Context, req *ToolRequest) (json.RawMessage, error)
}

// DependencyKeyer is implemented by providers whose calls reach a
// per-tenant dependency. The returned key selects the circuit breaker the
// call runs under; an empty key falls back to the provider kind.
type DependencyKeyer interface {
	DependencyKey(req *ToolRequest) string
}

// breakerKey returns the circuit-breaker key for a call.
func breakerKey(provider Provider, req *ToolRequest) string {
	if keyer, ok := provider.(DependencyKeyer); ok {
		if key := keyer.DependencyKey(req); key != "" {
			return key
		}
	}
	return "tool:" + string(provider.Kind())
}
