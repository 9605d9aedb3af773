// Package executor runs a single workflow stage end to end: checkpoint
// for critical-path stages, prompt rendering, the do-work adapter under
// the retry policy, and the verification pass. It never restores a
// snapshot; deciding to roll back is the engine's job.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stagehand/stagehand/pkg/agent"
	"github.com/stagehand/stagehand/pkg/failure"
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/retry"
	"github.com/stagehand/stagehand/pkg/snapshot"
	"github.com/stagehand/stagehand/pkg/template"
	"github.com/stagehand/stagehand/pkg/usage"
	"github.com/stagehand/stagehand/pkg/verify"
)

// SaveFunc persists the instance mid-stage. The engine passes its
// persistence write here so a snapshot ref recorded on the instance is
// durable before the adapter mutates the workspace.
type SaveFunc func(ctx context.Context) error

// Executor owns the attempt loop for one stage at a time. It is
// stateless across calls; all progress lives on the instance and the
// returned outcome.
type Executor struct {
	agent     agent.Agent
	verifier  verify.Verifier
	snapshots snapshot.Manager
	policy    retry.Policy
	logger    *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func New(agnt agent.Agent, verifier verify.Verifier, snapshots snapshot.Manager, policy retry.Policy, logger *slog.Logger) *Executor {
	policy.ApplyDefaults()

	return &Executor{
		agent:     agnt,
		verifier:  verifier,
		snapshots: snapshots,
		policy:    policy,
		logger:    logger.With("module", "executor"),
		sleep:     sleepContext,
	}
}

// Run executes the stage at the instance's current index and returns its
// outcome. Failures are reported on the outcome, not as an error: the
// engine picks the next transition from outcome.FailureClass. Usage is
// recorded into agg whether the stage succeeded or not.
func (e *Executor) Run(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, agg *usage.Aggregator, save SaveFunc) *models.StageOutcome {
	outcome := &models.StageOutcome{
		StageName:    stage.Name,
		StageIndex:   instance.CurrentStageIndex,
		StartedAt:    time.Now().UTC(),
		Verification: models.VerificationResult{Status: models.VerificationSkipped},
	}

	logger := e.logger.With(
		"workflow_id", instance.ID,
		"stage_name", stage.Name,
		"stage_index", outcome.StageIndex)

	logger.InfoContext(ctx, "executing stage",
		"critical_path", stage.CriticalPath, "max_iterations", stage.Iterations())

	if stage.CriticalPath {
		if err := e.ensureSnapshot(ctx, instance, stage, save, logger); err != nil {
			return e.fail(ctx, instance, agg, outcome, failure.ClassOf(err), err, logger)
		}
	}

	iterations := stage.Iterations()
	iteration := 1
	attemptInIteration := 0

	var failures []string

	for {
		outcome.Attempts++
		attemptInIteration++

		prompt, err := template.RenderStage(instance, stage, attemptInIteration, iteration, failures)
		if err != nil {
			// A template that does not parse will not parse on retry either.
			return e.fail(ctx, instance, agg, outcome, models.FailureNonRetryable,
				failure.NonRetryable(fmt.Errorf("rendering prompt: %w", err)), logger)
		}

		result, execErr := e.invoke(ctx, instance, stage, prompt, logger)
		if result != nil {
			outcome.Usage.Tokens += result.TokensUsed
			outcome.Usage.CostUSD += result.CostUSD
			outcome.Output = result.Output

			if len(result.ChangedFiles) > 0 {
				outcome.ChangedArtifacts = result.ChangedFiles
			}
		}

		if execErr != nil {
			class := failure.ClassOf(execErr)

			decision := e.policy.Evaluate(attemptInIteration, time.Since(outcome.StartedAt), class)
			if !decision.Retry {
				return e.fail(ctx, instance, agg, outcome, class,
					failure.Stage(class, stage.Name, outcome.Attempts, execErr), logger)
			}

			logger.WarnContext(ctx, "stage attempt failed, retrying",
				"attempt", attemptInIteration, "delay", decision.Delay, "error", execErr)

			if err := e.sleep(ctx, decision.Delay); err != nil {
				return e.fail(ctx, instance, agg, outcome, failure.ClassOf(err), err, logger)
			}

			continue
		}

		if stage.SkipVerification || e.verifier == nil {
			outcome.Success = true

			return e.complete(ctx, instance, agg, outcome, logger)
		}

		verification, verifyErr := e.verifier.Verify(ctx, instance.Workspace, logger)
		if verifyErr != nil {
			class := failure.ClassOf(verifyErr)

			decision := e.policy.Evaluate(attemptInIteration, time.Since(outcome.StartedAt), class)
			if !decision.Retry {
				return e.fail(ctx, instance, agg, outcome, class,
					failure.Stage(class, stage.Name, outcome.Attempts, fmt.Errorf("verification adapter: %w", verifyErr)), logger)
			}

			logger.WarnContext(ctx, "verification adapter failed, retrying",
				"attempt", attemptInIteration, "delay", decision.Delay, "error", verifyErr)

			if err := e.sleep(ctx, decision.Delay); err != nil {
				return e.fail(ctx, instance, agg, outcome, failure.ClassOf(err), err, logger)
			}

			continue
		}

		outcome.Verification = *verification

		if verification.Status != models.VerificationFailed {
			outcome.Success = true

			return e.complete(ctx, instance, agg, outcome, logger)
		}

		failures = verificationFailures(verification)

		if stage.RetryOnVerification {
			// Retry-eligible verification failures go through the same
			// budget as transient execution errors.
			decision := e.policy.Evaluate(attemptInIteration, time.Since(outcome.StartedAt), models.FailureTransient)
			if decision.Retry {
				logger.WarnContext(ctx, "verification failed, retrying stage",
					"attempt", attemptInIteration, "delay", decision.Delay, "failed_checks", len(failures))

				if err := e.sleep(ctx, decision.Delay); err != nil {
					return e.fail(ctx, instance, agg, outcome, failure.ClassOf(err), err, logger)
				}

				continue
			}
		}

		if iteration < iterations {
			iteration++
			attemptInIteration = 0

			logger.InfoContext(ctx, "verification failed, starting fix iteration",
				"iteration", iteration, "max_iterations", iterations, "failed_checks", len(failures))

			continue
		}

		return e.fail(ctx, instance, agg, outcome, models.FailureVerification,
			failure.Stage(models.FailureVerification, stage.Name, outcome.Attempts,
				errors.New(strings.Join(failures, "; "))), logger)
	}
}

// ensureSnapshot records a restorable checkpoint on the instance before
// the first mutating call. Creation failures degrade the run instead of
// failing it: the stage proceeds without rollback capability. Only a
// cancelled context or a failed persistence write abort the stage.
func (e *Executor) ensureSnapshot(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, save SaveFunc, logger *slog.Logger) error {
	if latest := instance.LatestSnapshot(); latest != nil &&
		latest.StageIndex == instance.CurrentStageIndex && latest.StageName == stage.Name {
		// A resumed instance already checkpointed this stage; taking
		// another one here would capture a possibly half-mutated tree.
		logger.InfoContext(ctx, "reusing snapshot from interrupted run", "snapshot_id", latest.ID)

		return nil
	}

	ref, err := e.snapshots.Create(ctx, instance.Workspace, instance.CurrentStageIndex, stage.Name)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		logger.WarnContext(ctx, "snapshot creation failed, proceeding without rollback capability",
			"error", err)

		return nil
	}

	instance.Snapshots = append(instance.Snapshots, ref)

	if save != nil {
		if err := save(ctx); err != nil {
			return failure.Fatal(fmt.Errorf("persisting snapshot ref: %w", err))
		}
	}

	return nil
}

// invoke runs one adapter attempt under the per-attempt timeout.
func (e *Executor) invoke(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, prompt string, logger *slog.Logger) (*agent.Result, error) {
	timeout := e.policy.AttemptTimeout
	if stage.Limits.Timeout > 0 {
		timeout = stage.Limits.Timeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return e.agent.Execute(attemptCtx, agent.Request{
		Prompt:    prompt,
		Workspace: instance.Workspace,
		Model:     stage.Model,
		MaxTokens: stage.Limits.MaxTokens,
	}, logger)
}

func (e *Executor) complete(ctx context.Context, instance *models.WorkflowInstance, agg *usage.Aggregator, outcome *models.StageOutcome, logger *slog.Logger) *models.StageOutcome {
	e.finish(ctx, instance, agg, outcome)

	logger.InfoContext(ctx, "stage completed",
		"attempts", outcome.Attempts,
		"tokens_used", outcome.Usage.Tokens,
		"duration_ms", outcome.Usage.DurationMS,
		"verification", outcome.Verification.Status)

	return outcome
}

func (e *Executor) fail(ctx context.Context, instance *models.WorkflowInstance, agg *usage.Aggregator, outcome *models.StageOutcome, class models.FailureClass, err error, logger *slog.Logger) *models.StageOutcome {
	outcome.Success = false
	outcome.FailureClass = class
	outcome.Err = err

	e.finish(ctx, instance, agg, outcome)

	logger.ErrorContext(ctx, "stage failed",
		"attempts", outcome.Attempts,
		"failure_class", class,
		"error", err)

	return outcome
}

// finish stamps the outcome, fills the changed-artifact list when the
// adapter reported none, and feeds usage into the aggregator. This runs
// on every exit path so failed attempts are billed too.
func (e *Executor) finish(ctx context.Context, instance *models.WorkflowInstance, agg *usage.Aggregator, outcome *models.StageOutcome) {
	outcome.FinishedAt = time.Now().UTC()
	outcome.Usage.DurationMS = outcome.FinishedAt.Sub(outcome.StartedAt).Milliseconds()

	if len(outcome.ChangedArtifacts) == 0 && e.snapshots != nil && instance.Workspace != "" {
		if changed, err := e.snapshots.Changes(ctx, instance.Workspace); err == nil {
			outcome.ChangedArtifacts = changed
		}
	}

	if agg != nil {
		instance.Usage = agg.RecordStage(ctx, instance.ID, outcome)
	}
}

func verificationFailures(res *models.VerificationResult) []string {
	if len(res.FailureMessages) > 0 {
		return res.FailureMessages
	}

	return []string{fmt.Sprintf("%d of %d checks failed",
		res.TotalChecks-res.PassedChecks, res.TotalChecks)}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
