package models

import "time"

// ApprovalDecision is the state of a human gate for the current stage.
type ApprovalDecision string

const (
	// ApprovalNone means the current stage has no gate.
	ApprovalNone ApprovalDecision = "none"
	// ApprovalPending means the gate is open and undecided.
	ApprovalPending  ApprovalDecision = "pending"
	ApprovalApproved ApprovalDecision = "approved"
	ApprovalRejected ApprovalDecision = "rejected"
)

// ApprovalState is the persisted record of a suspension at an approval
// gate. Because the deadline is stored, an instance that was awaiting
// approval when the process died resumes its wait with the remaining
// time, not a fresh hour.
type ApprovalState struct {
	StageName   string           `json:"stage_name"`
	StageIndex  int              `json:"stage_index"`
	Decision    ApprovalDecision `json:"decision"`
	RequestedAt time.Time        `json:"requested_at"`
	Deadline    time.Time        `json:"deadline"`
	DecidedAt   *time.Time       `json:"decided_at,omitempty"`
	DecidedBy   string           `json:"decided_by,omitempty"`
	Comment     string           `json:"comment,omitempty"`
	TimedOut    bool             `json:"timed_out,omitempty"`
}

// Decided reports whether a decision (or timeout) has been recorded.
func (a *ApprovalState) Decided() bool {
	return a != nil && (a.Decision == ApprovalApproved || a.Decision == ApprovalRejected)
}
