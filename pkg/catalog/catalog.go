// Package catalog provides the built-in workflow specs: the wrapper
// development pipeline, the iterative fix loop and the parallel feature
// fan-out.
package catalog

import (
	"fmt"
	"strings"

	"github.com/stagehand/stagehand/pkg/models"
)

const DefaultFixIterations = 5

// WrapperPipeline returns the six-stage client-library development
// pipeline. The core-client stage gates on human approval before the
// rest of the pipeline builds on it; the review stage gates again before
// the instance completes.
func WrapperPipeline(project string, targets []string) *models.WorkflowSpec {
	return &models.WorkflowSpec{
		Name:           "wrapper-development",
		Description:    "Develop a typed client wrapper library end to end",
		InstancePrefix: "wrapper-dev-",
		Variables: map[string]string{
			"project": project,
			"targets": strings.Join(targets, ", "),
		},
		Stages: []models.StageSpec{
			{
				Name: "scaffold",
				PromptTemplate: "Create a client wrapper library for {{.variables.targets}} with " +
					"type-safe interfaces, streaming support and cost tracking. " +
					"Set up the project structure in {{.variables.project}}.",
				Complexity:   models.ComplexityMedium,
				CriticalPath: true,
			},
			{
				Name: "core-client",
				PromptTemplate: "Implement the core client: a base client abstraction, one " +
					"provider implementation per target ({{.variables.targets}}), a unified " +
					"response format and token counting utilities.",
				Complexity:       models.ComplexityHigh,
				RequiresApproval: true,
				CriticalPath:     true,
			},
			{
				Name: "error-handling",
				PromptTemplate: "Implement robust error handling: typed error classes, " +
					"exponential backoff with jitter, request timeouts, and rate limit " +
					"detection with retry.",
				Complexity: models.ComplexityMedium,
			},
			{
				Name: "tests",
				PromptTemplate: "Create a comprehensive test suite: unit tests per provider, " +
					"integration tests against mock APIs, streaming tests and error " +
					"handling edge cases.",
				Complexity:   models.ComplexityMedium,
				CriticalPath: true,
			},
			{
				Name: "docs-examples",
				PromptTemplate: "Generate complete documentation: a README with a quick start, " +
					"an API reference for every public method, and usage examples for " +
					"common scenarios.",
				Complexity:       models.ComplexityLow,
				SkipVerification: true,
			},
			{
				Name: "review",
				PromptTemplate: "Review the library in {{.variables.project}} for API consistency, " +
					"missing error paths and documentation gaps. Summarize findings and " +
					"apply straightforward fixes.",
				Complexity:       models.ComplexityLow,
				RequiresApproval: true,
				SkipVerification: true,
			},
		},
	}
}

// IterativeFix returns a single-stage spec that re-runs the fix with the
// verification failures appended to the prompt until the given command
// passes or the iteration cap is hit. maxIterations <= 0 uses the
// default of 5.
func IterativeFix(command string, maxIterations int) *models.WorkflowSpec {
	if maxIterations <= 0 {
		maxIterations = DefaultFixIterations
	}

	return &models.WorkflowSpec{
		Name:           "iterative-fix",
		Description:    fmt.Sprintf("Fix the project until %q passes", command),
		InstancePrefix: "iterative-fix-",
		Variables: map[string]string{
			"command": command,
		},
		Stages: []models.StageSpec{
			{
				Name: "fix",
				PromptTemplate: "The command `{{.variables.command}}` is failing. Diagnose the " +
					"failure, fix the underlying issue and make the command pass.",
				Complexity:          models.ComplexityMedium,
				CriticalPath:        true,
				RetryOnVerification: true,
				MaxIterations:       maxIterations,
			},
		},
	}
}

// ParallelFeatures returns one branch spec per feature for the branch
// coordinator. Each branch runs an independent implement-and-test
// workflow in its own workspace.
func ParallelFeatures(features ...string) []models.BranchSpec {
	branches := make([]models.BranchSpec, 0, len(features))

	for i, feature := range features {
		branch := fmt.Sprintf("feature-%d-%s", i, slugify(feature))

		branches = append(branches, models.BranchSpec{
			Name: branch,
			Spec: &models.WorkflowSpec{
				Name:           "feature: " + feature,
				InstancePrefix: "parallel-dev-",
				Variables: map[string]string{
					"feature": feature,
					"branch":  branch,
				},
				Stages: []models.StageSpec{
					{
						Name:           "implement",
						PromptTemplate: "Implement feature: {{.variables.feature}}. Include tests.",
						Complexity:     models.ComplexityMedium,
						CriticalPath:   true,
					},
				},
			},
		})
	}

	return branches
}

func slugify(s string) string {
	return strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), " ", "-"))
}
