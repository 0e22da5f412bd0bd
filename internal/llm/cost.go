package llm

import "sync"

// Price is the USD cost per one million tokens.
type Price struct {
	Input  float64 `yaml:"input" json:"input"`
	Output float64 `yaml:"output" json:"output"`
}

const defaultModelKey = "default"

var fallbackPrice = Price{Input: 0.50, Output: 1.50}

// CostTable maps provider and model to token prices. Unknown models use the
// provider's "default" entry, then a global fallback.
type CostTable struct {
	mu     sync.RWMutex
	prices map[string]map[string]Price
}

// DefaultCostTable returns the built-in price list.
func DefaultCostTable() *CostTable {
	return &CostTable{prices: map[string]map[string]Price{
		ProviderOpenAI: {
			"gpt-4o":        {Input: 2.50, Output: 10.00},
			"gpt-4o-mini":   {Input: 0.15, Output: 0.60},
			"gpt-4-turbo":   {Input: 10.00, Output: 30.00},
			"gpt-4":         {Input: 30.00, Output: 60.00},
			"gpt-3.5-turbo": {Input: 0.50, Output: 1.50},
			defaultModelKey: fallbackPrice,
		},
		ProviderGemini: {
			"gemini-2.0-flash-exp": {Input: 0, Output: 0},
			"gemini-1.5-pro":       {Input: 1.25, Output: 5.00},
			"gemini-1.5-flash":     {Input: 0.075, Output: 0.30},
			defaultModelKey:        fallbackPrice,
		},
	}}
}

// Set registers or replaces the price of one model.
func (t *CostTable) Set(provider, model string, price Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.prices == nil {
		t.prices = make(map[string]map[string]Price)
	}
	if t.prices[provider] == nil {
		t.prices[provider] = make(map[string]Price)
	}
	t.prices[provider][model] = price
}

// Lookup returns the price for provider and model.
func (t *CostTable) Lookup(provider, model string) Price {
	t.mu.RLock()
	defer t.mu.RUnlock()
	byModel, ok := t.prices[provider]
	if !ok {
		return fallbackPrice
	}
	if p, ok := byModel[model]; ok {
		return p
	}
	if p, ok := byModel[defaultModelKey]; ok {
		return p
	}
	return fallbackPrice
}

// Cost prices one call. A usage that carries only a total is split 70/30
// between input and output.
func (t *CostTable) Cost(provider, model string, usage Usage) float64 {
	price := t.Lookup(provider, model)

	input, output := usage.InputTokens, usage.OutputTokens
	if input == 0 && output == 0 && usage.TotalTokens > 0 {
		input = int(float64(usage.TotalTokens) * 0.7)
		output = int(float64(usage.TotalTokens) * 0.3)
	}
	return float64(input)/1_000_000*price.Input + float64(output)/1_000_000*price.Output
}
