package models

import (
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSpec() *WorkflowSpec {
	return &WorkflowSpec{
		ID:   "spec-1",
		Name: "wrapper pipeline",
		Stages: []StageSpec{
			{Name: "scaffold", PromptTemplate: "Create the project layout for {{.project}}", CriticalPath: true},
			{Name: "core", PromptTemplate: "Implement the core client", Complexity: ComplexityHigh},
			{Name: "tests", PromptTemplate: "Write the test suite", RequiresApproval: true},
		},
		Variables: map[string]string{"project": "demo"},
		CreatedAt: time.Now().UTC(),
	}
}

func TestWorkflowSpec_Validate_Valid(t *testing.T) {
	spec := validSpec()
	require.NoError(t, spec.Validate())

	validate := validator.New()
	assert.NoError(t, validate.Struct(spec))
}

func TestWorkflowSpec_Validate_NoStages(t *testing.T) {
	spec := validSpec()
	spec.Stages = nil

	assert.ErrorIs(t, spec.Validate(), ErrNoStages)
}

func TestWorkflowSpec_Validate_DuplicateStageName(t *testing.T) {
	spec := validSpec()
	spec.Stages = append(spec.Stages, StageSpec{Name: "core", PromptTemplate: "again"})

	assert.ErrorIs(t, spec.Validate(), ErrDuplicateStageName)
}

func TestWorkflowSpec_Validate_UnknownSkipStage(t *testing.T) {
	spec := validSpec()
	spec.SkipStages = []string{"no-such-stage"}

	assert.ErrorIs(t, spec.Validate(), ErrUnknownSkipStage)
}

func TestWorkflowSpec_Validate_BadStage(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*StageSpec)
		wantErr error
	}{
		{"empty name", func(s *StageSpec) { s.Name = "" }, ErrEmptyStageName},
		{"empty prompt", func(s *StageSpec) { s.PromptTemplate = "" }, ErrEmptyPrompt},
		{"bad complexity", func(s *StageSpec) { s.Complexity = "extreme" }, ErrBadComplexity},
		{"negative tokens", func(s *StageSpec) { s.Limits.MaxTokens = -1 }, ErrNegativeLimit},
		{"negative timeout", func(s *StageSpec) { s.Limits.Timeout = -time.Second }, ErrNegativeLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validSpec()
			tt.mutate(&spec.Stages[0])

			assert.ErrorIs(t, spec.Validate(), tt.wantErr)
		})
	}
}

func TestWorkflowSpec_EffectiveStages(t *testing.T) {
	spec := validSpec()
	spec.SkipStages = []string{"core"}

	effective := spec.EffectiveStages()
	require.Len(t, effective, 2)
	assert.Equal(t, "scaffold", effective[0].Name)
	assert.Equal(t, "tests", effective[1].Name)

	skipped := spec.SkippedStages()
	require.Len(t, skipped, 1)
	assert.Equal(t, "core", skipped[0].Name)
}

func TestWorkflowSpec_EffectiveStages_NoSkips(t *testing.T) {
	spec := validSpec()

	assert.Len(t, spec.EffectiveStages(), 3)
	assert.Nil(t, spec.SkippedStages())
}

func TestStageSpec_Iterations(t *testing.T) {
	stage := StageSpec{Name: "fix", PromptTemplate: "fix it"}
	assert.Equal(t, 1, stage.Iterations())

	stage.MaxIterations = 5
	assert.Equal(t, 5, stage.Iterations())
}
