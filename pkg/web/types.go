// Package web provides the HTTP control surface: submit, query, signal
// and cancel operations over workflow instances.
package web

import (
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/usage"
)

// SubmitWorkflowRequest is the request body for submitting a workflow.
// The spec is validated as a closed structure: unknown fields are
// rejected at decode time.
type SubmitWorkflowRequest struct {
	Spec      *models.WorkflowSpec `json:"spec"      validate:"required"`
	Workspace string               `json:"workspace" validate:"required"`
}

// ApprovalRequest is the request body for recording a gate decision.
type ApprovalRequest struct {
	Decision  string `json:"decision"             validate:"required,oneof=approved rejected"`
	DecidedBy string `json:"decided_by,omitempty" validate:"omitempty,min=1"`
	Comment   string `json:"comment,omitempty"`
}

// CancelRequest is the request body for cancelling an instance.
type CancelRequest struct {
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// PreviewRequest asks for validation and a cost projection without
// submitting anything.
type PreviewRequest struct {
	Spec *models.WorkflowSpec `json:"spec" validate:"required"`
}

// StageEstimate is one stage's projected cost in a preview response.
type StageEstimate struct {
	StageName string         `json:"stage_name"`
	Skipped   bool           `json:"skipped,omitempty"`
	Estimate  usage.Estimate `json:"estimate"`
}

// PreviewResponse reports spec validity and the per-stage projections.
type PreviewResponse struct {
	Valid       bool            `json:"valid"`
	StageCount  int             `json:"stage_count"`
	Stages      []StageEstimate `json:"stages"`
	TotalTokens int             `json:"total_tokens"`
	TotalCost   float64         `json:"total_cost_usd"`
}
