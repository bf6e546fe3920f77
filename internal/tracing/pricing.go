package tracing

import (
	"strings"
)

// Rate is the price in USD per 1,000 tokens.
type Rate struct {
	InputPer1K  float64 `yaml:"input_per_1k" json:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k" json:"output_per_1k"`
}

// Pricing maps models to rates. Keys are either "model" or "provider/model";
// the longest key that prefixes the requested name wins, so dated snapshots
// such as "gpt-4o-2024-08-06" price as "gpt-4o".
type Pricing struct {
	rates    map[string]Rate
	fallback Rate
}

// NewPricing builds a table. Models matching no key use fallback and are
// flagged as estimated.
func NewPricing(rates map[string]Rate, fallback Rate) *Pricing {
	p := &Pricing{rates: make(map[string]Rate, len(rates)), fallback: fallback}
	for k, r := range rates {
		p.rates[strings.ToLower(k)] = r
	}
	return p
}

// DefaultRates are list prices at the time of writing.
var DefaultRates = map[string]Rate{
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gpt-4.1":           {InputPer1K: 0.002, OutputPer1K: 0.008},
	"gpt-4.1-mini":      {InputPer1K: 0.0004, OutputPer1K: 0.0016},
	"gpt-3.5-turbo":     {InputPer1K: 0.0005, OutputPer1K: 0.0015},
	"claude-3-5-sonnet": {InputPer1K: 0.003, OutputPer1K: 0.015},
	"claude-3-5-haiku":  {InputPer1K: 0.0008, OutputPer1K: 0.004},
	"mock":              {},
}

// DefaultFallbackRate prices unknown models.
var DefaultFallbackRate = Rate{InputPer1K: 0.002, OutputPer1K: 0.006}

// DefaultPricing returns a table of DefaultRates.
func DefaultPricing() *Pricing {
	return NewPricing(DefaultRates, DefaultFallbackRate)
}

// Merge returns a copy with overrides applied on top.
func (p *Pricing) Merge(overrides map[string]Rate) *Pricing {
	out := NewPricing(p.rates, p.fallback)
	for k, r := range overrides {
		out.rates[strings.ToLower(k)] = r
	}
	return out
}

// Cost prices a call. estimated is true when the fallback rate was used.
func (p *Pricing) Cost(provider, model string, promptTokens, completionTokens int) (cost float64, estimated bool) {
	if promptTokens == 0 && completionTokens == 0 {
		return 0, false
	}
	rate, ok := p.lookup(provider, model)
	if !ok {
		rate, estimated = p.fallback, true
	}
	cost = float64(promptTokens)/1000*rate.InputPer1K + float64(completionTokens)/1000*rate.OutputPer1K
	return cost, estimated
}

func (p *Pricing) lookup(provider, model string) (Rate, bool) {
	model = strings.ToLower(model)
	if provider != "" {
		if r, ok := p.longestPrefix(strings.ToLower(provider) + "/" + model); ok {
			return r, true
		}
	}
	return p.longestPrefix(model)
}

func (p *Pricing) longestPrefix(name string) (Rate, bool) {
	var (
		best    Rate
		bestLen = -1
	)
	for k, r := range p.rates {
		if len(k) > bestLen && (name == k || strings.HasPrefix(name, k+"-")) {
			best, bestLen = r, len(k)
		}
	}
	return best, bestLen >= 0
}
