package models

import "time"

// VerificationStatus is the three-valued result of the verification pass.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationSkipped VerificationStatus = "skipped"
)

// VerificationResult reports one run of the verification adapter.
type VerificationResult struct {
	Status          VerificationStatus `json:"status"`
	Framework       string             `json:"framework,omitempty"`
	TotalChecks     int                `json:"total_checks"`
	PassedChecks    int                `json:"passed_checks"`
	FailureMessages []string           `json:"failure_messages,omitempty"`
}

// StageUsage is the resource consumption of one stage run, counting every
// attempt. Failed attempts consume tokens too.
type StageUsage struct {
	Tokens     int     `json:"tokens"`
	CostUSD    float64 `json:"cost_usd"`
	DurationMS int64   `json:"duration_ms"`
}

// StageOutcome is the executor's verdict on one stage. It is transient:
// the engine consumes it to pick the next transition and appends a
// StageRecord to the instance history.
type StageOutcome struct {
	StageName        string
	StageIndex       int
	Success          bool
	Attempts         int
	Usage            StageUsage
	Output           string
	ChangedArtifacts []string
	Verification     VerificationResult
	FailureClass     FailureClass
	Err              error
	StartedAt        time.Time
	FinishedAt       time.Time
}

// Record converts the outcome into its persisted history form. The raw
// output text stays out of the instance record; artifacts and counters
// are enough for queries.
func (o *StageOutcome) Record() StageRecord {
	rec := StageRecord{
		StageName:        o.StageName,
		StageIndex:       o.StageIndex,
		Success:          o.Success,
		Attempts:         o.Attempts,
		Usage:            o.Usage,
		ChangedArtifacts: o.ChangedArtifacts,
		Verification:     o.Verification,
		FailureClass:     o.FailureClass,
		StartedAt:        o.StartedAt,
		FinishedAt:       o.FinishedAt,
	}

	if o.Err != nil {
		rec.Error = o.Err.Error()
	}

	return rec
}

// StageRecord is one entry of the instance history log.
type StageRecord struct {
	StageName        string             `json:"stage_name"`
	StageIndex       int                `json:"stage_index"`
	Success          bool               `json:"success"`
	Skipped          bool               `json:"skipped,omitempty"`
	Attempts         int                `json:"attempts"`
	Usage            StageUsage         `json:"usage"`
	ChangedArtifacts []string           `json:"changed_artifacts,omitempty"`
	Verification     VerificationResult `json:"verification"`
	FailureClass     FailureClass       `json:"failure_class,omitempty"`
	Error            string             `json:"error,omitempty"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`
}
