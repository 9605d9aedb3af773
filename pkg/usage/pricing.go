// Package usage tracks token and cost consumption: pre-stage estimates,
// the running per-instance totals, and the cooldown policy that throttles
// token-hungry instances.
package usage

// CharsPerToken is the approximate character-per-token ratio used for
// estimates when an adapter reports no token counts of its own.
const CharsPerToken = 4

// ModelRates is the per-1K-token price of one model tier.
type ModelRates struct {
	InputUSD  float64
	OutputUSD float64
}

// DefaultModel is the tier assumed when a stage names no model.
const DefaultModel = "claude-sonnet-4-5"

// ModelPricing holds per-1K-token rates by model identifier.
var ModelPricing = map[string]ModelRates{
	"claude-sonnet-4-5": {InputUSD: 0.003, OutputUSD: 0.015},
	"claude-opus-4":     {InputUSD: 0.015, OutputUSD: 0.075},
}

// EstimateTokens converts text length into an approximate token count.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

// CalculateCost prices a token count for the given model, assuming an
// even input/output split. Unknown models fall back to the default tier.
func CalculateCost(tokens int, model string) float64 {
	rates, ok := ModelPricing[model]
	if !ok {
		rates = ModelPricing[DefaultModel]
	}

	return float64(tokens) / 1000 * ((rates.InputUSD + rates.OutputUSD) / 2)
}
