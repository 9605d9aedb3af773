package models

// UsageTotals accumulates resource consumption over an instance's
// lifetime. Counters only go up: the aggregator ignores negative deltas,
// and a rollback does not refund tokens already spent.
type UsageTotals struct {
	TokensUsed          int     `json:"tokens_used"`
	CostUSD             float64 `json:"cost_usd"`
	StagesCompleted     int     `json:"stages_completed"`
	VerificationsPassed int     `json:"verifications_passed"`
	DurationMS          int64   `json:"duration_ms"`
}
