// Package pricing provides per-model token pricing used for window
// cost estimates.
//
// Prices are expressed in USD per million tokens. Model identifiers
// carrying a date suffix (e.g. "claude-sonnet-4-20250514") are
// normalized against the pricing table; unknown models fall back to a
// default price so cost estimates degrade rather than disappear.
package pricing

import "strings"

// ModelPricing holds per-million-token prices for a model.
type ModelPricing struct {
	InputPerMTok         float64
	OutputPerMTok        float64
	CacheCreationPerMTok float64
	CacheReadPerMTok     float64
}

// table maps model base names to their pricing.
var table = map[string]ModelPricing{
	"claude-opus-4": {
		InputPerMTok: 15.00, OutputPerMTok: 75.00,
		CacheCreationPerMTok: 18.75, CacheReadPerMTok: 1.50,
	},
	"claude-sonnet-4": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00,
		CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.30,
	},
	"claude-3-5-sonnet": {
		InputPerMTok: 3.00, OutputPerMTok: 15.00,
		CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.30,
	},
	"claude-3-5-haiku": {
		InputPerMTok: 0.80, OutputPerMTok: 4.00,
		CacheCreationPerMTok: 1.00, CacheReadPerMTok: 0.08,
	},
	"claude-3-opus": {
		InputPerMTok: 15.00, OutputPerMTok: 75.00,
		CacheCreationPerMTok: 18.75, CacheReadPerMTok: 1.50,
	},
	"claude-3-haiku": {
		InputPerMTok: 0.25, OutputPerMTok: 1.25,
		CacheCreationPerMTok: 0.30, CacheReadPerMTok: 0.03,
	},
}

// defaultPricing is used when a model is not in the table. Sonnet
// pricing is the midpoint of the lineup and the least surprising guess.
var defaultPricing = ModelPricing{
	InputPerMTok: 3.00, OutputPerMTok: 15.00,
	CacheCreationPerMTok: 3.75, CacheReadPerMTok: 0.30,
}

// Normalize strips date suffixes from model identifiers.
//
// e.g. "claude-sonnet-4-20250514" -> "claude-sonnet-4".
func Normalize(raw string) string {
	if _, ok := table[raw]; ok {
		return raw
	}

	parts := strings.Split(raw, "-")
	if len(parts) >= 2 {
		last := parts[len(parts)-1]
		if len(last) >= 8 && isAllDigits(last) {
			candidate := strings.Join(parts[:len(parts)-1], "-")
			if _, ok := table[candidate]; ok {
				return candidate
			}
		}
	}

	return raw
}

func isAllDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// Lookup returns the pricing for a model, normalizing the name first.
//
// The boolean reports whether the model was found; when false the
// returned pricing is the default fallback.
func Lookup(model string) (ModelPricing, bool) {
	if p, ok := table[Normalize(model)]; ok {
		return p, true
	}
	return defaultPricing, false
}

// Cost computes the estimated USD cost for a single usage record.
func Cost(model string, inputTokens, outputTokens, cacheCreation, cacheRead int64) float64 {
	p, _ := Lookup(model)

	cost := float64(inputTokens) * p.InputPerMTok / 1_000_000
	cost += float64(outputTokens) * p.OutputPerMTok / 1_000_000
	cost += float64(cacheCreation) * p.CacheCreationPerMTok / 1_000_000
	cost += float64(cacheRead) * p.CacheReadPerMTok / 1_000_000

	return cost
}
