package usage

import "github.com/stagehand/stagehand/pkg/models"

// complexityMultipliers scale the prompt token count into an expected
// completion size.
var complexityMultipliers = map[models.Complexity]int{
	models.ComplexityLow:    2,
	models.ComplexityMedium: 4,
	models.ComplexityHigh:   8,
}

// Estimate is a pre-execution cost projection for budget control.
type Estimate struct {
	Tokens  int     `json:"tokens"`
	CostUSD float64 `json:"cost_usd"`
	Model   string  `json:"model"`
}

// EstimateStage projects the cost of running a stage with the given
// rendered prompt. Completion size is the prompt size scaled by the
// stage's complexity bucket (medium when unset).
func EstimateStage(stage *models.StageSpec, prompt string) Estimate {
	promptTokens := EstimateTokens(prompt)

	multiplier, ok := complexityMultipliers[stage.Complexity]
	if !ok {
		multiplier = complexityMultipliers[models.ComplexityMedium]
	}

	total := promptTokens + promptTokens*multiplier

	model := stage.Model
	if model == "" {
		model = DefaultModel
	}

	return Estimate{
		Tokens:  total,
		CostUSD: CalculateCost(total, model),
		Model:   model,
	}
}
