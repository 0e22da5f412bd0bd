package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/haasonsaas/conductor/internal/resilience"
	"github.com/haasonsaas/conductor/pkg/models"
)

func TestCatalogRegisterValidation(t *testing.T) {
	tests := []struct {
		name string
		def  models.ToolDefinition
	}{
		{"empty name", models.ToolDefinition{Name: "  ", Provider: models.ProviderSearch}},
		{"unknown provider", models.ToolDefinition{Name: "x", Provider: "shell"}},
		{"broken schema", models.ToolDefinition{Name: "x", Provider: models.ProviderSearch, Parameters: json.RawMessage(`{"type": 12}`)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.def); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestCatalogListAndGet(t *testing.T) {
	catalog := testCatalog(t)

	names := []string{}
	for _, def := range catalog.List() {
		names = append(names, def.Name)
	}
	if fmt.Sprint(names) != "[docs lookup_order web_search]" {
		t.Errorf("List = %v", names)
	}
	if _, ok := catalog.Get("web_search"); !ok {
		t.Error("web_search missing")
	}
	if _, ok := catalog.Get("nope"); ok {
		t.Error("unexpected tool")
	}
}

func TestCatalogValidateArguments(t *testing.T) {
	catalog := testCatalog(t)

	tests := []struct {
		name    string
		tool    string
		args    map[string]any
		wantErr bool
	}{
		{"valid", "web_search", map[string]any{"query": "go", "result_count": 3}, false},
		{"missing required", "web_search", map[string]any{}, true},
		{"empty string", "web_search", map[string]any{"query": ""}, true},
		{"below minimum", "web_search", map[string]any{"query": "go", "result_count": 0}, true},
		{"no schema accepts anything", "lookup_order", map[string]any{"anything": []any{1, 2}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := catalog.ValidateArguments(tt.tool, tt.args)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidArguments) {
					t.Errorf("err = %v, want ErrInvalidArguments", err)
				}
				return
			}
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      ErrorKind
		retryable bool
	}{
		{"not found", fmt.Errorf("%w: x", ErrToolNotFound), KindPolicy, false},
		{"not allowed", ErrToolNotAllowed, KindPolicy, false},
		{"invalid", ErrInvalidArguments, KindInvalid, false},
		{"rate limited", ErrRateLimited, KindRateLimit, true},
		{"circuit open", fmt.Errorf("tool:search: %w", resilience.ErrCircuitOpen), KindUnavailable, true},
		{"panic", fmt.Errorf("%w: boom", resilience.ErrPanicked), KindInternal, false},
		{"canceled", context.Canceled, KindInternal, false},
		{"transient", resilience.Transient(resilience.KindTimeout, errors.New("slow")), KindTransient, true},
		{"other", errors.New("400 bad request"), KindProvider, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Normalize(tt.err)
			if got.Kind != tt.kind || got.Retryable != tt.retryable {
				t.Errorf("Normalize = %+v, want kind %s retryable %v", got, tt.kind, tt.retryable)
			}
			if !errors.Is(got, tt.err) {
				t.Error("cause not preserved")
			}
		})
	}
	if Normalize(nil) != nil {
		t.Error("Normalize(nil) != nil")
	}
}
