package models

import "time"

// FailureClass buckets execution failures for retry decisions and
// post-mortem queries. The engine persists the class on the instance so
// operators can tell a rejected approval from an exhausted retry loop
// without reading logs.
type FailureClass string

const (
	// FailureTransient covers network, timeout and rate-limit errors.
	// Retried per the retry policy.
	FailureTransient FailureClass = "transient"
	// FailureNonRetryable covers malformed input and policy rejections.
	// Fails the attempt loop on first occurrence.
	FailureNonRetryable FailureClass = "non_retryable"
	// FailureVerification means the verification adapter reported failing
	// checks. Retry eligibility is a per-stage setting.
	FailureVerification FailureClass = "verification"
	// FailureApprovalRejected is a human rejection at an approval gate.
	FailureApprovalRejected FailureClass = "approval_rejected"
	// FailureApprovalTimeout is an approval deadline elapsing undecided.
	FailureApprovalTimeout FailureClass = "approval_timeout"
	// FailureSnapshotDegraded marks snapshot capture problems. Non-fatal:
	// the stage proceeds without rollback capability.
	FailureSnapshotDegraded FailureClass = "snapshot_degraded"
	// FailureCancelled is an external cancel request.
	FailureCancelled FailureClass = "cancelled"
	// FailureFatal covers orchestration errors the engine cannot work
	// around, such as persistence being unreachable.
	FailureFatal FailureClass = "fatal"
)

// FailureRecord is the structured error surface of a failed instance,
// kept with enough context for manual recovery: the stage it died in, the
// attempts consumed and the last restorable snapshot.
type FailureRecord struct {
	Class      FailureClass `json:"class"`
	StageName  string       `json:"stage_name,omitempty"`
	StageIndex int          `json:"stage_index"`
	Attempts   int          `json:"attempts,omitempty"`
	Message    string       `json:"message"`
	SnapshotID string       `json:"snapshot_id,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}
