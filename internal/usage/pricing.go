// Package usage estimates the credit cost of inference calls from token
// counts and a per-model rate table.
package usage

import (
	"math"

	"github.com/nugget/automaton/internal/config"
	"github.com/nugget/automaton/internal/state"
)

// Markup is the provider's multiplier over list price.
const Markup = 1.3

// FallbackModel prices any model missing from the table.
const FallbackModel = "gpt-4o"

// Rate is a per-million-token price pair in cents.
type Rate struct {
	InputCentsPerMillion  float64
	OutputCentsPerMillion float64
}

// Pricing maps model names to rates.
type Pricing map[string]Rate

// DefaultPricing returns the built-in rate table.
func DefaultPricing() Pricing {
	return Pricing{
		"gpt-4o":            {250, 1000},
		"gpt-4o-mini":       {15, 60},
		"gpt-4.1":           {200, 800},
		"gpt-4.1-mini":      {40, 160},
		"gpt-4.1-nano":      {10, 40},
		"gpt-5.2":           {200, 800},
		"o1":                {1500, 6000},
		"o3-mini":           {110, 440},
		"o4-mini":           {110, 440},
		"claude-sonnet-4-5": {300, 1500},
		"claude-haiku-4-5":  {100, 500},
	}
}

// FromConfig returns the default table extended and overridden by the
// configured entries.
func FromConfig(entries map[string]config.PricingEntry) Pricing {
	p := DefaultPricing()
	for model, e := range entries {
		p[model] = Rate{InputCentsPerMillion: e.InputPerMillion, OutputCentsPerMillion: e.OutputPerMillion}
	}
	return p
}

// Lookup returns the rate for model, falling back to [FallbackModel].
func (p Pricing) Lookup(model string) Rate {
	if r, ok := p[model]; ok {
		return r
	}
	if r, ok := p[FallbackModel]; ok {
		return r
	}
	return DefaultPricing()[FallbackModel]
}

// EstimateCostCents prices one call's usage with the markup applied,
// rounded up to whole cents.
func (p Pricing) EstimateCostCents(u state.TokenUsage, model string) int64 {
	r := p.Lookup(model)
	in := float64(u.PromptTokens) / 1_000_000 * r.InputCentsPerMillion
	out := float64(u.CompletionTokens) / 1_000_000 * r.OutputCentsPerMillion
	return int64(math.Ceil((in + out) * Markup))
}
