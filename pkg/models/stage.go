package models

import (
	"errors"
	"fmt"
	"time"
)

// Complexity buckets a stage's expected size for cost estimation.
type Complexity string

const (
	ComplexityLow    Complexity = "low"
	ComplexityMedium Complexity = "medium"
	ComplexityHigh   Complexity = "high"
)

// StageLimits bounds one stage's resource consumption. A zero value means
// the engine default applies.
type StageLimits struct {
	MaxTokens int           `json:"max_tokens,omitempty" validate:"omitempty,min=1"`
	Timeout   time.Duration `json:"timeout,omitempty"`
}

// StageSpec defines one step of a workflow. Immutable once the owning
// WorkflowSpec is built.
type StageSpec struct {
	Name           string     `json:"name"            validate:"required,min=1"`
	Description    string     `json:"description,omitempty"`
	PromptTemplate string     `json:"prompt_template" validate:"required"`
	Complexity     Complexity `json:"complexity,omitempty"`
	Model          string     `json:"model,omitempty"`

	// RequiresApproval suspends the instance after this stage succeeds
	// until a human decision arrives or the approval deadline elapses.
	RequiresApproval bool `json:"requires_approval"`

	// CriticalPath stages get a snapshot before execution; on terminal
	// failure the engine restores it before failing the instance.
	CriticalPath bool `json:"critical_path"`

	// SkipVerification disables the verification adapter for this stage.
	SkipVerification bool `json:"skip_verification"`

	// RetryOnVerification makes a verification failure retry-eligible, the
	// same as an execution failure. When false a failed verification ends
	// the attempt loop immediately.
	RetryOnVerification bool `json:"retry_on_verification"`

	// MaxIterations > 1 re-runs the stage with the failure messages
	// appended to the prompt until verification passes or the cap is hit.
	MaxIterations int `json:"max_iterations,omitempty" validate:"omitempty,min=1"`

	Limits StageLimits `json:"limits"`
}

var (
	ErrEmptyStageName   = errors.New("stage name is empty")
	ErrEmptyPrompt      = errors.New("stage prompt template is empty")
	ErrBadComplexity    = errors.New("unknown complexity")
	ErrNegativeLimit    = errors.New("negative resource limit")
	ErrBadMaxIterations = errors.New("max_iterations must be at least 1")
)

func (s *StageSpec) Validate() error {
	if s.Name == "" {
		return ErrEmptyStageName
	}

	if s.PromptTemplate == "" {
		return ErrEmptyPrompt
	}

	switch s.Complexity {
	case "", ComplexityLow, ComplexityMedium, ComplexityHigh:
	default:
		return fmt.Errorf("%w: %q", ErrBadComplexity, s.Complexity)
	}

	if s.Limits.MaxTokens < 0 || s.Limits.Timeout < 0 {
		return ErrNegativeLimit
	}

	if s.MaxIterations < 0 {
		return ErrBadMaxIterations
	}

	return nil
}

// Iterations returns the effective iteration cap, at least 1.
func (s *StageSpec) Iterations() int {
	if s.MaxIterations < 1 {
		return 1
	}

	return s.MaxIterations
}
