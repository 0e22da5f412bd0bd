// Package tenants resolves the per-request TenantContext from the store or a
// static registry file.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/haasonsaas/conductor/internal/llm"
	"github.com/haasonsaas/conductor/internal/prompt"
	"github.com/haasonsaas/conductor/internal/storage"
	"github.com/haasonsaas/conductor/pkg/models"
)

// ErrUnknownTenant is returned when no source knows the tenant.
var ErrUnknownTenant = errors.New("unknown tenant")

// Loader resolves a tenant's context.
type Loader interface {
	Load(ctx context.Context, tenantID string) (*models.TenantContext, error)
}

// Defaults returns a tenant context carrying the default settings.
func Defaults(tenantID string) models.TenantContext {
	return models.TenantContext{
		TenantID:        tenantID,
		PlanningEnabled: true,
		MaxToolSteps:    models.DefaultMaxToolSteps,
		PlanTimeout:     models.DefaultPlanTimeout,
		PromptProfile:   models.PromptProfile{Mode: models.PromptModeAppend},
	}
}

// ApplyDefaults fills unset numeric limits and the prompt mode. It cannot
// tell an unset PlanningEnabled from false; decoders pre-fill it instead.
func ApplyDefaults(t *models.TenantContext) {
	if t.MaxToolSteps <= 0 {
		t.MaxToolSteps = models.DefaultMaxToolSteps
	}
	if t.PlanTimeout <= 0 {
		t.PlanTimeout = models.DefaultPlanTimeout
	}
	if t.PromptProfile.Mode == "" {
		t.PromptProfile.Mode = models.PromptModeAppend
	}
}

var knownProviders = map[string]bool{
	llm.ProviderAnthropic: true,
	llm.ProviderOpenAI:    true,
	llm.ProviderGemini:    true,
	llm.ProviderBedrock:   true,
}

// Validate checks the structure of a tenant context before it is served.
// The custom system prompt is not checked here; see ValidateForStorage.
func Validate(t *models.TenantContext) error {
	if t == nil {
		return errors.New("tenant is nil")
	}
	if strings.TrimSpace(t.TenantID) == "" {
		return errors.New("tenant_id is required")
	}
	if !knownProviders[t.Provider] {
		return fmt.Errorf("tenant %s: unknown provider %q", t.TenantID, t.Provider)
	}
	switch t.PromptProfile.Mode {
	case "", models.PromptModeAppend, models.PromptModeReplaceBehavior:
	default:
		return fmt.Errorf("tenant %s: unknown prompt mode %q", t.TenantID, t.PromptProfile.Mode)
	}
	for name, ref := range t.ToolServers {
		if strings.TrimSpace(ref.Endpoint) == "" {
			return fmt.Errorf("tenant %s: tool server %s has no endpoint", t.TenantID, name)
		}
	}
	return nil
}

// ValidateForStorage is Validate plus prompt validation of the custom system
// prompt. It runs when a tenant is ingested; served tenants are trusted.
func ValidateForStorage(t *models.TenantContext) error {
	if err := Validate(t); err != nil {
		return err
	}
	if custom := t.PromptProfile.CustomSystemPrompt; custom != "" {
		if result := prompt.Validate(custom); !result.Valid() {
			return fmt.Errorf("tenant %s: custom system prompt rejected: %s",
				t.TenantID, strings.Join(result.Codes(), ", "))
		}
	}
	return nil
}

// StoreLoader loads tenants from a TenantStore.
type StoreLoader struct {
	store  storage.TenantStore
	logger *slog.Logger
}

// NewStoreLoader creates a StoreLoader.
func NewStoreLoader(store storage.TenantStore, logger *slog.Logger) *StoreLoader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreLoader{store: store, logger: logger.With("component", "tenant-loader")}
}

// Load returns the stored tenant with defaults applied.
func (l *StoreLoader) Load(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	t, err := l.store.Get(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("load tenant %s: %w", tenantID, err)
	}
	ApplyDefaults(t)
	if err := Validate(t); err != nil {
		l.logger.WarnContext(ctx, "stored tenant is invalid", "tenant_id", tenantID, "error", err)
		return nil, err
	}
	return t, nil
}

// Get is Load under the name the task sweeper expects.
func (l *StoreLoader) Get(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	return l.Load(ctx, tenantID)
}

// Chain tries each loader in order, moving on only when a loader does not
// know the tenant.
type Chain []Loader

// Load implements Loader.
func (c Chain) Load(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	for _, loader := range c {
		t, err := loader.Load(ctx, tenantID)
		if errors.Is(err, ErrUnknownTenant) {
			continue
		}
		return t, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
}

// Get implements the sweeper's tenant lookup.
func (c Chain) Get(ctx context.Context, tenantID string) (*models.TenantContext, error) {
	return c.Load(ctx, tenantID)
}
