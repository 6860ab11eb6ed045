// Package pricing is a static lookup of per-model rates. Rates are expressed
// in USD per million tokens per billing category; cost arithmetic is done in
// decimal and only converted to float at the API boundary.
package pricing

import (
	"strings"

	"github.com/shopspring/decimal"

	"github.com/janekbaraniewski/tokenwatch/internal/model"
)

// Rates holds the USD-per-million-token price of each billing category.
type Rates struct {
	InputPerMillion         decimal.Decimal
	OutputPerMillion        decimal.Decimal
	CacheReadPerMillion     decimal.Decimal
	CacheCreationPerMillion decimal.Decimal
}

func rates(input, output, cacheRead, cacheCreation float64) Rates {
	return Rates{
		InputPerMillion:         decimal.NewFromFloat(input),
		OutputPerMillion:        decimal.NewFromFloat(output),
		CacheReadPerMillion:     decimal.NewFromFloat(cacheRead),
		CacheCreationPerMillion: decimal.NewFromFloat(cacheCreation),
	}
}

// table maps canonical model names to rates. Dated release names of the same
// family resolve here through normalization.
var table = map[string]Rates{
	"claude-opus-4-5":            rates(5, 25, 0.5, 6.25),
	"claude-opus-4-1":            rates(15, 75, 1.5, 18.75),
	"claude-opus-4":              rates(15, 75, 1.5, 18.75),
	"claude-3-opus":              rates(15, 75, 1.5, 18.75),
	"claude-sonnet-4-5":          rates(3, 15, 0.3, 3.75),
	"claude-sonnet-4":            rates(3, 15, 0.3, 3.75),
	"claude-3-7-sonnet":          rates(3, 15, 0.3, 3.75),
	"claude-3-5-sonnet":          rates(3, 15, 0.3, 3.75),
	"claude-3-sonnet":            rates(3, 15, 0.3, 3.75),
	"claude-haiku-4-5":           rates(1, 5, 0.1, 1.25),
	"claude-3-5-haiku":           rates(0.8, 4, 0.08, 1),
	"claude-3-haiku":             rates(0.25, 1.25, 0.03, 0.3),
}

// defaultRates is used for unknown models instead of erroring; Sonnet pricing
// is the documented fallback.
var defaultRates = rates(3, 15, 0.3, 3.75)

// Lookup returns the rates for a model name, trying an exact match, then a
// normalized family match, then the default fallback.
func Lookup(modelName string) Rates {
	if r, ok := table[modelName]; ok {
		return r
	}

	normalized := normalize(modelName)
	// Longest canonical prefix wins so "claude-3-5-sonnet-20241022" does not
	// land on "claude-3-sonnet".
	best := ""
	for name := range table {
		if strings.HasPrefix(normalized, normalize(name)) && len(name) > len(best) {
			best = name
		}
	}
	if best != "" {
		return table[best]
	}
	return defaultRates
}

// Known reports whether the model resolves to a real table row (rather than
// the default fallback).
func Known(modelName string) bool {
	if _, ok := table[modelName]; ok {
		return true
	}
	normalized := normalize(modelName)
	for name := range table {
		if strings.HasPrefix(normalized, normalize(name)) {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "_", "-")
	name = strings.ReplaceAll(name, ".", "-")
	return name
}

var million = decimal.NewFromInt(1_000_000)

// Cost computes the cost of a usage in USD: per category,
// tokens / 1_000_000 * per-million rate, summed.
func Cost(usage model.TokenUsage, r Rates) decimal.Decimal {
	cost := decimal.NewFromInt(usage.InputTokens).Div(million).Mul(r.InputPerMillion)
	cost = cost.Add(decimal.NewFromInt(usage.OutputTokens).Div(million).Mul(r.OutputPerMillion))
	cost = cost.Add(decimal.NewFromInt(usage.CacheReadTokens).Div(million).Mul(r.CacheReadPerMillion))
	cost = cost.Add(decimal.NewFromInt(usage.CacheCreationTokens).Div(million).Mul(r.CacheCreationPerMillion))
	return cost
}

// CostUSD is the float convenience wrapper around Cost and Lookup.
func CostUSD(modelName string, usage model.TokenUsage) float64 {
	f, _ := Cost(usage, Lookup(modelName)).Float64()
	return f
}
