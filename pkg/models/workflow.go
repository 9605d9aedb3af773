// Package models defines the core domain models for durable development workflows.
package models

import (
	"errors"
	"fmt"
	"time"
)

// WorkflowSpec is the immutable definition of a workflow: an ordered list
// of stages plus global configuration. It is created once at submission
// time and never mutated afterwards; instances carry their own copy.
type WorkflowSpec struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"                      validate:"required,min=3"`
	Description    string            `json:"description,omitempty"`
	Stages         []StageSpec       `json:"stages"                    validate:"required,min=1,dive"`
	Variables      map[string]string `json:"variables,omitempty"`
	SkipStages     []string          `json:"skip_stages,omitempty"`
	MaxParallelism int               `json:"max_parallelism,omitempty" validate:"omitempty,min=1"`
	DefaultTimeout time.Duration     `json:"default_timeout,omitempty"`
	// SkipFinalVerification disables the verification pass that normally
	// runs after the last stage before the instance completes.
	SkipFinalVerification bool `json:"skip_final_verification,omitempty"`
	// InstancePrefix is prepended to generated instance IDs, e.g.
	// "wrapper-dev-" or "iterative-fix-".
	InstancePrefix string         `json:"instance_prefix,omitempty"`
	Owner          string         `json:"owner,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

var (
	ErrNoStages           = errors.New("workflow spec has no stages")
	ErrDuplicateStageName = errors.New("duplicate stage name")
	ErrUnknownSkipStage   = errors.New("skip_stages references unknown stage")
)

// Validate checks the cross-field rules a tag-based validator cannot
// express: stage name uniqueness, skip references, and per-stage limits.
func (s *WorkflowSpec) Validate() error {
	if len(s.Stages) == 0 {
		return ErrNoStages
	}

	names := make(map[string]struct{}, len(s.Stages))

	for i := range s.Stages {
		stage := &s.Stages[i]
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("stage %q: %w", stage.Name, err)
		}

		if _, dup := names[stage.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateStageName, stage.Name)
		}

		names[stage.Name] = struct{}{}
	}

	for _, skip := range s.SkipStages {
		if _, ok := names[skip]; !ok {
			return fmt.Errorf("%w: %q", ErrUnknownSkipStage, skip)
		}
	}

	return nil
}

// EffectiveStages returns the stages that will actually run, with
// SkipStages resolved. Skip resolution happens once, before an instance
// starts; the engine never re-evaluates it mid-run.
func (s *WorkflowSpec) EffectiveStages() []StageSpec {
	if len(s.SkipStages) == 0 {
		return s.Stages
	}

	skipped := make(map[string]struct{}, len(s.SkipStages))
	for _, name := range s.SkipStages {
		skipped[name] = struct{}{}
	}

	stages := make([]StageSpec, 0, len(s.Stages))

	for _, stage := range s.Stages {
		if _, skip := skipped[stage.Name]; skip {
			continue
		}

		stages = append(stages, stage)
	}

	return stages
}

// SkippedStages returns the stages excluded by SkipStages, in spec order.
func (s *WorkflowSpec) SkippedStages() []StageSpec {
	if len(s.SkipStages) == 0 {
		return nil
	}

	skipped := make(map[string]struct{}, len(s.SkipStages))
	for _, name := range s.SkipStages {
		skipped[name] = struct{}{}
	}

	var stages []StageSpec

	for _, stage := range s.Stages {
		if _, skip := skipped[stage.Name]; skip {
			stages = append(stages, stage)
		}
	}

	return stages
}
