// Package testutil provides fixture builders shared by tests across
// packages.
package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/models"
)

// CreateTestStage builds a minimal valid stage, customized by overrides.
func CreateTestStage(overrides ...func(*models.StageSpec)) models.StageSpec {
	stage := models.StageSpec{
		Name:             "implement",
		Description:      "Implement the feature",
		PromptTemplate:   "Implement {{.variables.feature}}",
		Complexity:       models.ComplexityMedium,
		SkipVerification: true,
	}

	for _, override := range overrides {
		override(&stage)
	}

	return stage
}

func WithStageName(name string) func(*models.StageSpec) {
	return func(s *models.StageSpec) {
		s.Name = name
	}
}

func WithApproval() func(*models.StageSpec) {
	return func(s *models.StageSpec) {
		s.RequiresApproval = true
	}
}

func WithCriticalPath() func(*models.StageSpec) {
	return func(s *models.StageSpec) {
		s.CriticalPath = true
	}
}

func WithVerification() func(*models.StageSpec) {
	return func(s *models.StageSpec) {
		s.SkipVerification = false
	}
}

// CreateTestSpec builds a valid one-stage workflow spec, customized by
// overrides.
func CreateTestSpec(overrides ...func(*models.WorkflowSpec)) *models.WorkflowSpec {
	spec := &models.WorkflowSpec{
		ID:        uuid.New().String(),
		Name:      "test workflow",
		Stages:    []models.StageSpec{CreateTestStage()},
		Variables: map[string]string{"feature": "widget"},
		CreatedAt: time.Now().UTC(),
	}

	for _, override := range overrides {
		override(spec)
	}

	return spec
}

func WithStages(stages ...models.StageSpec) func(*models.WorkflowSpec) {
	return func(s *models.WorkflowSpec) {
		s.Stages = stages
	}
}

func WithSkipStages(names ...string) func(*models.WorkflowSpec) {
	return func(s *models.WorkflowSpec) {
		s.SkipStages = names
	}
}

func WithSpecName(name string) func(*models.WorkflowSpec) {
	return func(s *models.WorkflowSpec) {
		s.Name = name
	}
}

// CreateTestInstance builds an instance for spec in the given status.
func CreateTestInstance(spec *models.WorkflowSpec, status models.InstanceStatus, overrides ...func(*models.WorkflowInstance)) *models.WorkflowInstance {
	instance := models.NewWorkflowInstance(spec, "/tmp/workspace")
	instance.Status = status
	instance.CreatedAt = time.Now().UTC()
	instance.UpdatedAt = instance.CreatedAt

	for _, override := range overrides {
		override(instance)
	}

	return instance
}

func WithStageIndex(index int) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.CurrentStageIndex = index
	}
}

func WithApprovalState(state *models.ApprovalState) func(*models.WorkflowInstance) {
	return func(i *models.WorkflowInstance) {
		i.Approval = state
	}
}
