package llm

import (
	"math"
	"testing"
)

func TestCostTableLookup(t *testing.T) {
	costs := DefaultCostTable()

	tests := []struct {
		name     string
		provider string
		model    string
		want     Price
	}{
		{"known model", ProviderOpenAI, "gpt-4o-mini", Price{Input: 0.15, Output: 0.60}},
		{"provider default", ProviderOpenAI, "gpt-5-preview", fallbackPrice},
		{"unknown provider", "mystery", "m", fallbackPrice},
		{"gemini", ProviderGemini, "gemini-1.5-pro", Price{Input: 1.25, Output: 5.00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := costs.Lookup(tt.provider, tt.model); got != tt.want {
				t.Errorf("Lookup = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCostTableCost(t *testing.T) {
	costs := DefaultCostTable()

	got := costs.Cost(ProviderOpenAI, "gpt-4o", Usage{InputTokens: 1_000_000, OutputTokens: 100_000})
	if want := 2.50 + 1.00; math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost = %v, want %v", got, want)
	}

	// A total-only usage is split 70/30.
	got = costs.Cost(ProviderOpenAI, "gpt-4o-mini", Usage{TotalTokens: 1_000_000})
	if want := 0.7*0.15 + 0.3*0.60; math.Abs(got-want) > 1e-9 {
		t.Errorf("Cost(total only) = %v, want %v", got, want)
	}
}

func TestCostTableSet(t *testing.T) {
	costs := &CostTable{}
	costs.Set(ProviderAnthropic, "claude-x", Price{Input: 3, Output: 15})
	if got := costs.Lookup(ProviderAnthropic, "claude-x"); got.Output != 15 {
		t.Errorf("Lookup after Set = %+v", got)
	}
}
