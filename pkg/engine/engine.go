// Package engine drives workflow instances through their lifecycle: stage
// by stage in spec order, persisting after every transition, suspending at
// approval gates and resuming interrupted instances after a restart. The
// engine is the only component that mutates an instance; everything else
// reads whatever state was last persisted.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/approval"
	"github.com/stagehand/stagehand/pkg/eventbus"
	"github.com/stagehand/stagehand/pkg/events"
	"github.com/stagehand/stagehand/pkg/executor"
	"github.com/stagehand/stagehand/pkg/failure"
	"github.com/stagehand/stagehand/pkg/metrics"
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/notify"
	"github.com/stagehand/stagehand/pkg/persistence"
	"github.com/stagehand/stagehand/pkg/snapshot"
	"github.com/stagehand/stagehand/pkg/template"
	"github.com/stagehand/stagehand/pkg/usage"
	"github.com/stagehand/stagehand/pkg/verify"
)

// TimeoutPolicy decides what an undecided approval gate means once its
// deadline passes.
type TimeoutPolicy string

const (
	// TimeoutReject fails the instance, the default.
	TimeoutReject TimeoutPolicy = "reject"
	// TimeoutApprove lets the workflow proceed as if approved.
	TimeoutApprove TimeoutPolicy = "approve"
)

var (
	ErrAlreadyRunning = errors.New("instance is already running on this engine")
	ErrNotRunning     = errors.New("instance is not running on this engine")
)

// Config carries the orchestration knobs. Zero values mean defaults.
type Config struct {
	// WorkerID identifies this engine process in events and logs.
	WorkerID string

	// Cooldown is the token-based backpressure applied between stages.
	Cooldown usage.Cooldown

	// ApprovalTimeout is the decision window for approval gates.
	ApprovalTimeout time.Duration

	// ApprovalTimeoutPolicy decides whether an elapsed deadline rejects
	// or approves.
	ApprovalTimeoutPolicy TimeoutPolicy
}

func (c *Config) ApplyDefaults() {
	if c.WorkerID == "" {
		c.WorkerID = uuid.New().String()
	}

	if c.Cooldown == (usage.Cooldown{}) {
		c.Cooldown = usage.DefaultCooldown()
	}

	if c.ApprovalTimeout <= 0 {
		c.ApprovalTimeout = approval.DefaultTimeout
	}

	if c.ApprovalTimeoutPolicy == "" {
		c.ApprovalTimeoutPolicy = TimeoutReject
	}
}

// activeRun is the in-memory registration of an instance this engine is
// currently driving. Approval decisions and cancel requests are routed
// through it to the live instance pointer.
type activeRun struct {
	instance     *models.WorkflowInstance
	cancel       context.CancelFunc
	cancelled    bool
	cancelledBy  string
	cancelReason string
}

// Engine owns the workflow state machine. Exactly one engine drives a
// given instance at a time; Run refuses an instance that is already
// registered.
type Engine struct {
	persistence persistence.Persistence
	bus         eventbus.EventPublisher
	executor    *executor.Executor
	snapshots   snapshot.Manager
	verifier    verify.Verifier
	notifier    notify.Notifier
	sink        metrics.Sink
	gate        *approval.Gate
	config      Config
	logger      *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup

	sleep func(ctx context.Context, d time.Duration) error
}

func New(
	cfg Config,
	persist persistence.Persistence,
	bus eventbus.EventPublisher,
	exec *executor.Executor,
	snapshots snapshot.Manager,
	verifier verify.Verifier,
	notifier notify.Notifier,
	sink metrics.Sink,
	logger *slog.Logger,
) *Engine {
	cfg.ApplyDefaults()

	if sink == nil {
		sink = metrics.NewNopSink()
	}

	logger = logger.With("module", "engine", "worker_id", cfg.WorkerID)

	return &Engine{
		persistence: persist,
		bus:         bus,
		executor:    exec,
		snapshots:   snapshots,
		verifier:    verifier,
		notifier:    notifier,
		sink:        sink,
		gate:        approval.NewGate(cfg.ApprovalTimeout, logger),
		config:      cfg,
		logger:      logger,
		active:      make(map[string]*activeRun),
		sleep:       sleepContext,
	}
}

// Submit validates a spec and creates its instance in the initializing
// state. Skip configuration is resolved here, once; skipped stages are
// recorded in the history so queries can tell "skipped" from "never ran".
func (e *Engine) Submit(ctx context.Context, spec *models.WorkflowSpec, workspace string) (*models.WorkflowInstance, error) {
	if spec == nil {
		return nil, errors.New("workflow spec is required")
	}

	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workflow spec: %w", err)
	}

	instance := models.NewWorkflowInstance(spec, workspace)

	if err := e.save(ctx, instance); err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "workflow submitted",
		"workflow_id", instance.ID,
		"spec_name", spec.Name,
		"stage_count", len(instance.Stages()),
		"workspace", workspace)

	e.publish(ctx, instance.ID, &events.WorkflowSubmitted{
		BaseEvent: e.newBaseEvent(events.WorkflowSubmittedEvent, instance.ID),
		SpecID:    spec.ID,
		SpecName:  spec.Name,
		Workspace: workspace,
		Spec:      spec,
	})

	return instance, nil
}

// Run drives an instance until it reaches a terminal status or the
// context is cancelled. A context cancelled by process shutdown leaves
// the instance persisted mid-flight for a later Resume and returns the
// context error; a cancel requested through Cancel terminates the
// instance as failed. Workflow-level failures are a normal outcome and
// return nil; only orchestration faults return an error.
func (e *Engine) Run(ctx context.Context, instance *models.WorkflowInstance) error {
	if instance == nil || instance.Spec == nil {
		return errors.New("instance with spec is required")
	}

	if instance.Status.IsTerminal() {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := e.register(instance, cancel); err != nil {
		return err
	}
	defer e.deregister(instance.ID)

	logger := e.logger.With("workflow_id", instance.ID, "spec_name", instance.Spec.Name)

	agg := usage.NewAggregator(instance.Usage, e.sink, logger)

	switch instance.Status {
	case models.InstanceStatusInitializing:
		if err := e.transition(runCtx, instance, models.InstanceStatusRunning); err != nil {
			return e.failFatal(runCtx, instance, "", err, logger)
		}

		logger.InfoContext(runCtx, "workflow started", "stage_count", len(instance.Stages()))

		e.publish(runCtx, instance.ID, &events.WorkflowStarted{
			BaseEvent:  e.newBaseEvent(events.WorkflowStartedEvent, instance.ID),
			SpecID:     instance.SpecID,
			SpecName:   instance.Spec.Name,
			StageCount: len(instance.Stages()),
			Workspace:  instance.Workspace,
		})

	case models.InstanceStatusRollingBack:
		// The process died mid-rollback. Finish the restore and land in
		// failed; the original failure was recorded before the rollback
		// began.
		logger.InfoContext(runCtx, "resuming interrupted rollback")

		return e.finishRollback(runCtx, instance, logger)

	case models.InstanceStatusAwaitingApproval:
		stage, ok := instance.CurrentStage()
		if !ok {
			return e.failFatal(runCtx, instance, "",
				fmt.Errorf("approval state points past the last stage (index %d)", instance.CurrentStageIndex), logger)
		}

		logger.InfoContext(runCtx, "resuming approval wait",
			"stage_name", stage.Name,
			"deadline", instance.Approval.Deadline)

		granted, err := e.awaitApproval(runCtx, instance, stage, nil, logger)
		if err != nil || !granted {
			return err
		}

		if err := e.advance(runCtx, instance, logger); err != nil {
			return err
		}

	case models.InstanceStatusRunning:
		// Resuming mid-stage: re-enter the loop at CurrentStageIndex. The
		// executor treats a resumed attempt like a retried one.
	}

	return e.runStages(runCtx, instance, agg, logger)
}

// runStages is the main loop: one iteration per stage, ending in
// completion, failure or suspension.
func (e *Engine) runStages(ctx context.Context, instance *models.WorkflowInstance, agg *usage.Aggregator, logger *slog.Logger) error {
	for {
		stage, ok := instance.CurrentStage()
		if !ok {
			return e.complete(ctx, instance, logger)
		}

		stageLogger := logger.With("stage_name", stage.Name, "stage_index", instance.CurrentStageIndex)

		e.logEstimate(ctx, instance, stage, stageLogger)

		e.publish(ctx, instance.ID, &events.StageStarted{
			BaseEvent:    e.newBaseEvent(events.StageStartedEvent, instance.ID),
			StageName:    stage.Name,
			StageIndex:   instance.CurrentStageIndex,
			CriticalPath: stage.CriticalPath,
		})

		snapshotsBefore := len(instance.Snapshots)

		outcome := e.executor.Run(ctx, instance, stage, agg, func(saveCtx context.Context) error {
			return e.persistence.Instances().Save(saveCtx, instance)
		})

		for _, ref := range instance.Snapshots[snapshotsBefore:] {
			e.publish(ctx, instance.ID, &events.SnapshotCreated{
				BaseEvent:  e.newBaseEvent(events.SnapshotCreatedEvent, instance.ID),
				SnapshotID: ref.ID,
				StageName:  ref.StageName,
				StageIndex: ref.StageIndex,
			})
		}

		instance.History = append(instance.History, outcome.Record())

		if err := e.save(ctx, instance); err != nil {
			return e.failFatal(ctx, instance, stage.Name, err, logger)
		}

		if !outcome.Success {
			return e.failStage(ctx, instance, stage, outcome, logger)
		}

		stageLogger.InfoContext(ctx, "stage completed",
			"attempts", outcome.Attempts,
			"tokens", outcome.Usage.Tokens,
			"verification", outcome.Verification.Status)

		e.publish(ctx, instance.ID, &events.StageCompleted{
			BaseEvent:        e.newBaseEvent(events.StageCompletedEvent, instance.ID),
			StageName:        stage.Name,
			StageIndex:       outcome.StageIndex,
			Attempts:         outcome.Attempts,
			Usage:            outcome.Usage,
			Verification:     outcome.Verification.Status,
			ChangedArtifacts: outcome.ChangedArtifacts,
			DurationMs:       outcome.Usage.DurationMS,
		})

		if stage.RequiresApproval {
			granted, err := e.awaitApproval(ctx, instance, stage, outcome.ChangedArtifacts, stageLogger)
			if err != nil || !granted {
				return err
			}
		}

		if err := e.advance(ctx, instance, stageLogger); err != nil {
			return err
		}
	}
}

// advance runs the cooldown check and moves the instance to the next
// stage. Called after a stage fully clears, approval included.
func (e *Engine) advance(ctx context.Context, instance *models.WorkflowInstance, logger *slog.Logger) error {
	if err := e.maybeCooldown(ctx, instance, logger); err != nil {
		return e.interrupted(ctx, instance, instance.CurrentStageIndex, err, logger)
	}

	instance.CurrentStageIndex++

	if err := e.save(ctx, instance); err != nil {
		return e.failFatal(ctx, instance, "", err, logger)
	}

	return nil
}

// maybeCooldown sleeps when cumulative token consumption has crossed the
// next threshold multiple. The delay scales with how many cooldowns the
// instance has already served, and the sleep is context-cancellable.
func (e *Engine) maybeCooldown(ctx context.Context, instance *models.WorkflowInstance, logger *slog.Logger) error {
	cool := e.config.Cooldown
	if cool.Threshold <= 0 {
		return nil
	}

	if instance.Usage.TokensUsed <= cool.Threshold*(instance.CooldownCount+1) {
		return nil
	}

	instance.CooldownCount++
	delay := cool.DelayFor(instance.CooldownCount)

	logger.InfoContext(ctx, "token threshold crossed, cooling down",
		"tokens_used", instance.Usage.TokensUsed,
		"threshold", cool.Threshold,
		"cooldown_count", instance.CooldownCount,
		"delay", delay)

	return e.sleep(ctx, delay)
}

// awaitApproval opens the gate for a stage that requires sign-off and
// parks the instance until a decision, the deadline, or cancellation. On
// a resumed instance the existing approval state keeps its original
// deadline and no duplicate notification goes out. Returns true when the
// workflow may proceed.
func (e *Engine) awaitApproval(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, changedFiles []string, logger *slog.Logger) (bool, error) {
	// A resumed instance already carries its gate state, possibly with a
	// decision recorded while it was parked. Only a fresh gate opens a
	// new request and announces it.
	if instance.Status != models.InstanceStatusAwaitingApproval {
		state := e.gate.Request(instance, stage)

		if err := e.transition(ctx, instance, models.InstanceStatusAwaitingApproval); err != nil {
			return false, e.failFatal(ctx, instance, stage.Name, err, logger)
		}

		deadline := state.Deadline

		e.notify(ctx, notify.Notification{
			Kind:         notify.KindApprovalRequested,
			InstanceID:   instance.ID,
			WorkflowName: instance.Spec.Name,
			Stage:        stage.Name,
			Message:      fmt.Sprintf("stage %q finished and needs approval before %s", stage.Name, deadline.Format(time.RFC3339)),
			FilesChanged: changedFiles,
			Deadline:     &deadline,
		}, logger)

		e.publish(ctx, instance.ID, &events.ApprovalRequested{
			BaseEvent:  e.newBaseEvent(events.ApprovalRequestedEvent, instance.ID),
			StageName:  stage.Name,
			StageIndex: instance.CurrentStageIndex,
			Deadline:   state.Deadline,
		})
	}

	outcome, err := e.gate.Await(ctx, instance)
	if err != nil {
		if errors.Is(err, approval.ErrNoOpenGate) {
			return false, e.failFatal(ctx, instance, stage.Name, err, logger)
		}

		// Context ended while parked: either a cancel request or a
		// process shutdown.
		return false, e.interrupted(ctx, instance, instance.CurrentStageIndex, err, logger)
	}

	switch outcome {
	case approval.OutcomeApproved:
		return true, e.approvalGranted(ctx, instance, stage, logger)

	case approval.OutcomeRejected:
		e.publishDecision(ctx, instance, stage, models.ApprovalRejected, false)

		rejectedBy := instance.Approval.DecidedBy
		err := fmt.Errorf("stage %q rejected by %s", stage.Name, rejectedBy)
		instance.RecordFailure(models.FailureApprovalRejected, stage.Name, instance.CurrentStageIndex, 0, err)

		return false, e.finalizeFailed(ctx, instance, false, logger)

	case approval.OutcomeTimedOut:
		if e.config.ApprovalTimeoutPolicy == TimeoutApprove {
			logger.WarnContext(ctx, "approval deadline elapsed, timeout policy lets the workflow proceed",
				"stage_name", stage.Name)

			if recordErr := e.gate.Record(instance, models.ApprovalApproved, "timeout-policy", "deadline elapsed with approve policy"); recordErr != nil {
				return false, e.failFatal(ctx, instance, stage.Name, recordErr, logger)
			}

			return true, e.approvalGranted(ctx, instance, stage, logger)
		}

		e.publishDecision(ctx, instance, stage, models.ApprovalRejected, true)

		err := fmt.Errorf("approval deadline %s elapsed without a decision", instance.Approval.Deadline.Format(time.RFC3339))
		instance.RecordFailure(models.FailureApprovalTimeout, stage.Name, instance.CurrentStageIndex, 0, err)

		return false, e.finalizeFailed(ctx, instance, false, logger)
	}

	return false, fmt.Errorf("unexpected approval outcome %q", outcome)
}

// approvalGranted moves the instance back to running and announces the
// decision.
func (e *Engine) approvalGranted(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, logger *slog.Logger) error {
	if err := e.transition(ctx, instance, models.InstanceStatusRunning); err != nil {
		return e.failFatal(ctx, instance, stage.Name, err, logger)
	}

	logger.InfoContext(ctx, "approval granted",
		"stage_name", stage.Name,
		"decided_by", instance.Approval.DecidedBy)

	e.publishDecision(ctx, instance, stage, models.ApprovalApproved, instance.Approval.TimedOut)

	e.notify(ctx, notify.Notification{
		Kind:         notify.KindApprovalDecided,
		InstanceID:   instance.ID,
		WorkflowName: instance.Spec.Name,
		Stage:        stage.Name,
		Message:      fmt.Sprintf("stage %q approved by %s", stage.Name, instance.Approval.DecidedBy),
	}, logger)

	return nil
}

func (e *Engine) publishDecision(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, decision models.ApprovalDecision, timedOut bool) {
	event := &events.ApprovalDecided{
		BaseEvent: e.newBaseEvent(events.ApprovalDecidedEvent, instance.ID),
		StageName: stage.Name,
		Decision:  decision,
		TimedOut:  timedOut,
	}

	if state := instance.Approval; state != nil {
		event.DecidedBy = state.DecidedBy
		event.Comment = state.Comment
	}

	e.publish(ctx, instance.ID, event)
}

// failStage routes a failed stage outcome to its terminal handling:
// cancellation, fatal abort, or the rollback-then-failed path for
// critical stages.
func (e *Engine) failStage(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, outcome *models.StageOutcome, logger *slog.Logger) error {
	e.publish(ctx, instance.ID, &events.StageFailed{
		BaseEvent:    e.newBaseEvent(events.StageFailedEvent, instance.ID),
		StageName:    stage.Name,
		StageIndex:   outcome.StageIndex,
		Attempts:     outcome.Attempts,
		FailureClass: outcome.FailureClass,
		Error:        errorMessage(outcome.Err),
		DurationMs:   outcome.Usage.DurationMS,
	})

	switch outcome.FailureClass {
	case models.FailureCancelled:
		return e.interrupted(ctx, instance, outcome.StageIndex, outcome.Err, logger)

	case models.FailureFatal:
		return e.failFatal(ctx, instance, stage.Name, outcome.Err, logger)
	}

	logger.WarnContext(ctx, "stage failed",
		"stage_name", stage.Name,
		"failure_class", outcome.FailureClass,
		"attempts", outcome.Attempts,
		"error", errorMessage(outcome.Err))

	// Record the verdict before touching the workspace so an interrupted
	// rollback still knows what killed the instance.
	instance.RecordFailure(outcome.FailureClass, stage.Name, outcome.StageIndex, outcome.Attempts, outcome.Err)

	rolledBack := false

	if stage.CriticalPath {
		if ref := instance.LatestSnapshot(); ref != nil {
			if err := e.transition(ctx, instance, models.InstanceStatusRollingBack); err != nil {
				return e.failFatal(ctx, instance, stage.Name, err, logger)
			}

			rolledBack = e.restoreSnapshot(ctx, instance, *ref, logger)
		} else {
			logger.WarnContext(ctx, "critical stage failed with no restorable snapshot",
				"stage_name", stage.Name)
		}
	}

	return e.finalizeFailed(ctx, instance, rolledBack, logger)
}

// restoreSnapshot rewinds the workspace to ref. The restore itself runs
// detached from cancellation: it is atomic from the engine's point of
// view and must not be left half done. A failed restore degrades to a
// plain failed instance with the workspace left as-is.
func (e *Engine) restoreSnapshot(ctx context.Context, instance *models.WorkflowInstance, ref models.SnapshotRef, logger *slog.Logger) bool {
	restoreCtx := context.WithoutCancel(ctx)

	if err := e.snapshots.Restore(restoreCtx, instance.Workspace, ref); err != nil {
		logger.ErrorContext(ctx, "snapshot restore failed, workspace left unreverted",
			"snapshot_id", ref.ID,
			"error", err)

		return false
	}

	instance.CurrentStageIndex = ref.StageIndex

	var invalidated []string

	for i := range instance.Snapshots {
		if instance.Snapshots[i].CreatedAt.After(ref.CreatedAt) && instance.Snapshots[i].ID != ref.ID {
			invalidated = append(invalidated, instance.Snapshots[i].ID)
		}
	}

	instance.InvalidateSnapshotsAfter(ref.ID)

	logger.InfoContext(ctx, "workspace restored from snapshot",
		"snapshot_id", ref.ID,
		"stage_index", ref.StageIndex,
		"invalidated", len(invalidated))

	e.publish(ctx, instance.ID, &events.SnapshotRestored{
		BaseEvent:   e.newBaseEvent(events.SnapshotRestoredEvent, instance.ID),
		SnapshotID:  ref.ID,
		StageName:   ref.StageName,
		Invalidated: invalidated,
	})

	return true
}

// finishRollback completes a rollback that a previous process started
// but did not survive. The restore is re-issued; restoring the same
// snapshot twice is safe.
func (e *Engine) finishRollback(ctx context.Context, instance *models.WorkflowInstance, logger *slog.Logger) error {
	rolledBack := false

	if ref := instance.LatestSnapshot(); ref != nil {
		rolledBack = e.restoreSnapshot(ctx, instance, *ref, logger)
	}

	if instance.LastError == nil {
		instance.RecordFailure(models.FailureFatal, "", instance.CurrentStageIndex, 0,
			errors.New("rollback interrupted before the failure was recorded"))
	}

	return e.finalizeFailed(ctx, instance, rolledBack, logger)
}

// finalizeFailed lands the instance in failed and reports it everywhere:
// persistence, notification, event bus, metrics. Reporting runs detached
// from cancellation so a cancelled workflow still announces its end.
func (e *Engine) finalizeFailed(ctx context.Context, instance *models.WorkflowInstance, rolledBack bool, logger *slog.Logger) error {
	reportCtx := context.WithoutCancel(ctx)

	if err := e.transition(reportCtx, instance, models.InstanceStatusFailed); err != nil {
		return e.failFatal(reportCtx, instance, "", err, logger)
	}

	stageName := ""
	failureClass := models.FailureClass("")
	message := ""

	if instance.LastError != nil {
		stageName = instance.LastError.StageName
		failureClass = instance.LastError.Class
		message = instance.LastError.Message
	}

	logger.WarnContext(reportCtx, "workflow failed",
		"stage_name", stageName,
		"failure_class", failureClass,
		"rolled_back", rolledBack,
		"tokens_used", instance.Usage.TokensUsed)

	e.notify(reportCtx, notify.Notification{
		Kind:         notify.KindWorkflowFailed,
		InstanceID:   instance.ID,
		WorkflowName: instance.Spec.Name,
		Stage:        stageName,
		Message:      fmt.Sprintf("workflow failed at stage %q: %s", stageName, message),
	}, logger)

	e.publish(reportCtx, instance.ID, &events.WorkflowFailed{
		BaseEvent:    e.newBaseEvent(events.WorkflowFailedEvent, instance.ID),
		SpecName:     instance.Spec.Name,
		StageName:    stageName,
		FailureClass: failureClass,
		Error:        message,
		RolledBack:   rolledBack,
		Usage:        instance.Usage,
		DurationMs:   lifetimeMillis(instance),
	})

	e.recordTerminal(reportCtx, instance, logger)

	return nil
}

// interrupted handles a context ending mid-run. A cancel requested
// through Cancel terminates the instance; anything else is a process
// shutdown, which leaves the instance persisted exactly where it stopped
// so Resume can pick it up.
func (e *Engine) interrupted(ctx context.Context, instance *models.WorkflowInstance, stageIndex int, cause error, logger *slog.Logger) error {
	by, reason, requested := e.cancellation(instance.ID)
	if !requested {
		logger.InfoContext(ctx, "execution interrupted, instance remains resumable",
			"status", instance.Status,
			"stage_index", instance.CurrentStageIndex)

		if err := e.persistence.Instances().Save(context.WithoutCancel(ctx), instance); err != nil {
			logger.ErrorContext(ctx, "failed to persist instance during shutdown", "error", err)
		}

		if cause != nil {
			return cause
		}

		return ctx.Err()
	}

	reportCtx := context.WithoutCancel(ctx)

	stageName := ""
	if stage, ok := instance.CurrentStage(); ok {
		stageName = stage.Name
	}

	if cause == nil {
		cause = context.Canceled
	}

	instance.RecordFailure(models.FailureCancelled, stageName, stageIndex, 0,
		fmt.Errorf("cancelled by %s: %w", by, cause))

	if err := e.transition(reportCtx, instance, models.InstanceStatusFailed); err != nil {
		return e.failFatal(reportCtx, instance, stageName, err, logger)
	}

	logger.InfoContext(reportCtx, "workflow cancelled",
		"cancelled_by", by,
		"reason", reason,
		"stage_name", stageName)

	e.publish(reportCtx, instance.ID, &events.WorkflowCancelled{
		BaseEvent:   e.newBaseEvent(events.WorkflowCancelledEvent, instance.ID),
		SpecName:    instance.Spec.Name,
		CancelledBy: by,
		Reason:      reason,
		StageName:   stageName,
	})

	e.recordTerminal(reportCtx, instance, logger)

	return nil
}

// complete runs the final verification pass and lands the instance in
// completed. A failing final pass fails the whole workflow even though
// every stage succeeded.
func (e *Engine) complete(ctx context.Context, instance *models.WorkflowInstance, logger *slog.Logger) error {
	if e.verifier != nil && !instance.Spec.SkipFinalVerification {
		logger.InfoContext(ctx, "running final verification")

		result, err := e.verifier.Verify(ctx, instance.Workspace, logger)
		if err != nil {
			if failure.ClassOf(err) == models.FailureCancelled {
				return e.interrupted(ctx, instance, instance.CurrentStageIndex, err, logger)
			}

			instance.RecordFailure(models.FailureVerification, "", instance.CurrentStageIndex, 0,
				fmt.Errorf("final verification: %w", err))

			return e.finalizeFailed(ctx, instance, false, logger)
		}

		if result.Status == models.VerificationFailed {
			messages := result.FailureMessages
			if len(messages) == 0 {
				messages = []string{fmt.Sprintf("%d of %d checks failed", result.TotalChecks-result.PassedChecks, result.TotalChecks)}
			}

			instance.RecordFailure(models.FailureVerification, "", instance.CurrentStageIndex, 0,
				fmt.Errorf("final verification failed: %s", strings.Join(messages, "; ")))

			return e.finalizeFailed(ctx, instance, false, logger)
		}
	}

	if err := e.transition(ctx, instance, models.InstanceStatusCompleted); err != nil {
		return e.failFatal(ctx, instance, "", err, logger)
	}

	logger.InfoContext(ctx, "workflow completed",
		"stages_completed", instance.Usage.StagesCompleted,
		"tokens_used", instance.Usage.TokensUsed,
		"cost_usd", instance.Usage.CostUSD)

	e.notify(ctx, notify.Notification{
		Kind:         notify.KindWorkflowCompleted,
		InstanceID:   instance.ID,
		WorkflowName: instance.Spec.Name,
		Message:      fmt.Sprintf("workflow %q completed, %d stages, %d tokens", instance.Spec.Name, instance.Usage.StagesCompleted, instance.Usage.TokensUsed),
	}, logger)

	e.publish(ctx, instance.ID, &events.WorkflowCompleted{
		BaseEvent:  e.newBaseEvent(events.WorkflowCompletedEvent, instance.ID),
		SpecName:   instance.Spec.Name,
		Usage:      instance.Usage,
		DurationMs: lifetimeMillis(instance),
	})

	e.recordTerminal(ctx, instance, logger)

	return nil
}

// failFatal aborts the instance on an orchestration fault, persistence
// being unreachable being the archetype. Everything after the record is
// best-effort; the returned error carries the original cause for the
// caller.
func (e *Engine) failFatal(ctx context.Context, instance *models.WorkflowInstance, stageName string, cause error, logger *slog.Logger) error {
	snapshotID := ""
	if ref := instance.LatestSnapshot(); ref != nil {
		snapshotID = ref.ID
	}

	logger.ErrorContext(ctx, "fatal orchestration error",
		"stage_name", stageName,
		"stage_index", instance.CurrentStageIndex,
		"tokens_used", instance.Usage.TokensUsed,
		"last_snapshot", snapshotID,
		"error", cause)

	instance.RecordFailure(models.FailureFatal, stageName, instance.CurrentStageIndex, 0, cause)

	if instance.Status.CanTransitionTo(models.InstanceStatusFailed) {
		if err := instance.Transition(models.InstanceStatusFailed); err != nil {
			logger.ErrorContext(ctx, "failed to mark instance failed", "error", err)
		}
	}

	reportCtx := context.WithoutCancel(ctx)

	if err := e.persistence.Instances().Save(reportCtx, instance); err != nil {
		logger.ErrorContext(ctx, "failed to persist fatally failed instance", "error", err)
	}

	e.publish(reportCtx, instance.ID, &events.WorkflowFailed{
		BaseEvent:    e.newBaseEvent(events.WorkflowFailedEvent, instance.ID),
		SpecName:     instance.Spec.Name,
		StageName:    stageName,
		FailureClass: models.FailureFatal,
		Error:        errorMessage(cause),
		Usage:        instance.Usage,
		DurationMs:   lifetimeMillis(instance),
	})

	e.recordTerminal(reportCtx, instance, logger)

	return cause
}

// Resume scans persistence for non-terminal instances and drives each in
// its own goroutine. Instances already registered on this engine are
// skipped. Returns the IDs picked up.
func (e *Engine) Resume(ctx context.Context) ([]string, error) {
	instances, err := e.persistence.Instances().ListNonTerminal(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing resumable instances: %w", err)
	}

	ids := make([]string, 0, len(instances))

	for _, instance := range instances {
		if e.isActive(instance.ID) {
			continue
		}

		ids = append(ids, instance.ID)

		e.logger.InfoContext(ctx, "resuming instance",
			"workflow_id", instance.ID,
			"status", instance.Status,
			"stage_index", instance.CurrentStageIndex)

		e.wg.Add(1)

		go func(inst *models.WorkflowInstance) {
			defer e.wg.Done()

			if err := e.Run(ctx, inst); err != nil && !errors.Is(err, context.Canceled) {
				e.logger.Error("resumed instance aborted",
					"workflow_id", inst.ID,
					"error", err)
			}
		}(instance)
	}

	return ids, nil
}

// Shutdown waits for every Resume-spawned run to suspend or finish.
// Callers cancel the run context first; Shutdown just waits it out.
func (e *Engine) Shutdown(ctx context.Context) error {
	done := make(chan struct{})

	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel requests termination of an instance. A running instance has its
// context cancelled and terminates as failed with class cancelled; an
// instance parked in persistence (engine restart, not yet resumed) is
// terminated directly.
func (e *Engine) Cancel(ctx context.Context, instanceID, cancelledBy, reason string) error {
	e.mu.Lock()

	if run, ok := e.active[instanceID]; ok {
		run.cancelled = true
		run.cancelledBy = cancelledBy
		run.cancelReason = reason
		cancel := run.cancel
		e.mu.Unlock()

		cancel()

		return nil
	}

	e.mu.Unlock()

	instance, err := e.persistence.Instances().ByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status.IsTerminal() {
		return fmt.Errorf("%w: instance %s is already %s", ErrNotRunning, instanceID, instance.Status)
	}

	logger := e.logger.With("workflow_id", instance.ID)

	stageName := ""
	if stage, ok := instance.CurrentStage(); ok {
		stageName = stage.Name
	}

	instance.RecordFailure(models.FailureCancelled, stageName, instance.CurrentStageIndex, 0,
		fmt.Errorf("cancelled by %s: %w", cancelledBy, context.Canceled))

	if err := e.transition(ctx, instance, models.InstanceStatusFailed); err != nil {
		return err
	}

	logger.InfoContext(ctx, "parked workflow cancelled",
		"cancelled_by", cancelledBy,
		"reason", reason)

	e.publish(ctx, instance.ID, &events.WorkflowCancelled{
		BaseEvent:   e.newBaseEvent(events.WorkflowCancelledEvent, instance.ID),
		SpecName:    instance.Spec.Name,
		CancelledBy: cancelledBy,
		Reason:      reason,
		StageName:   stageName,
	})

	e.recordTerminal(ctx, instance, logger)

	return nil
}

// RecordApproval routes a decision to the instance's gate. For an
// instance this engine is driving, the waiting goroutine wakes up and
// persists the result. For an instance parked in persistence, the
// decision is stored directly and takes effect on the next Resume.
// Repeating an identical decision is a no-op.
func (e *Engine) RecordApproval(ctx context.Context, instanceID string, decision models.ApprovalDecision, decidedBy, comment string) error {
	e.mu.Lock()
	run, ok := e.active[instanceID]
	e.mu.Unlock()

	if ok {
		return e.gate.Record(run.instance, decision, decidedBy, comment)
	}

	instance, err := e.persistence.Instances().ByID(ctx, instanceID)
	if err != nil {
		return err
	}

	if instance.Status != models.InstanceStatusAwaitingApproval {
		return fmt.Errorf("%w: instance %s", approval.ErrNoOpenGate, instanceID)
	}

	if err := e.gate.Record(instance, decision, decidedBy, comment); err != nil {
		return err
	}

	return e.save(ctx, instance)
}

// logEstimate projects the cost of the upcoming stage. Estimation is
// advisory; a template that fails to render here will surface its real
// error inside the executor.
func (e *Engine) logEstimate(ctx context.Context, instance *models.WorkflowInstance, stage *models.StageSpec, logger *slog.Logger) {
	prompt := stage.PromptTemplate
	if rendered, err := template.RenderStage(instance, stage, 1, 1, nil); err == nil {
		prompt = rendered
	}

	estimate := usage.EstimateStage(stage, prompt)

	logger.DebugContext(ctx, "stage cost estimate",
		"estimated_tokens", estimate.Tokens,
		"estimated_cost_usd", estimate.CostUSD,
		"model", estimate.Model)
}

func (e *Engine) register(instance *models.WorkflowInstance, cancel context.CancelFunc) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.active[instance.ID]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, instance.ID)
	}

	e.active[instance.ID] = &activeRun{instance: instance, cancel: cancel}

	return nil
}

func (e *Engine) deregister(instanceID string) {
	e.mu.Lock()
	delete(e.active, instanceID)
	e.mu.Unlock()

	e.gate.Forget(instanceID)
}

func (e *Engine) isActive(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.active[instanceID]

	return ok
}

// cancellation reports whether Cancel was called for the instance, and
// by whom.
func (e *Engine) cancellation(instanceID string) (by, reason string, requested bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	run, ok := e.active[instanceID]
	if !ok || !run.cancelled {
		return "", "", false
	}

	return run.cancelledBy, run.cancelReason, true
}

// transition moves the instance and makes the move durable. Persistence
// after every transition is what makes the state machine resumable.
func (e *Engine) transition(ctx context.Context, instance *models.WorkflowInstance, next models.InstanceStatus) error {
	if err := instance.Transition(next); err != nil {
		return err
	}

	return e.save(ctx, instance)
}

func (e *Engine) save(ctx context.Context, instance *models.WorkflowInstance) error {
	if err := e.persistence.Instances().Save(ctx, instance); err != nil {
		return failure.Fatal(fmt.Errorf("persisting instance %s: %w", instance.ID, err))
	}

	return nil
}

// recordTerminal flushes the terminal status to the metrics sink.
func (e *Engine) recordTerminal(ctx context.Context, instance *models.WorkflowInstance, logger *slog.Logger) {
	if err := e.sink.RecordWorkflow(ctx, instance.ID, instance.Status, instance.Usage); err != nil {
		logger.WarnContext(ctx, "metrics sink rejected workflow record", "error", err)
	}
}

// publish sends a lifecycle event, best-effort. Persistence is the
// source of truth; a consumer that misses an event can reconstruct the
// state from the instance record.
func (e *Engine) publish(ctx context.Context, instanceID string, event eventbus.Event) {
	if e.bus == nil {
		return
	}

	if err := e.bus.Publish(ctx, instanceID, event); err != nil {
		e.logger.WarnContext(ctx, "failed to publish event",
			"event_type", event.GetType(),
			"workflow_id", instanceID,
			"error", err)
	}
}

func (e *Engine) notify(ctx context.Context, notification notify.Notification, logger *slog.Logger) {
	if e.notifier == nil {
		return
	}

	if err := e.notifier.Notify(ctx, notification, logger); err != nil {
		logger.WarnContext(ctx, "notification delivery failed",
			"kind", notification.Kind,
			"error", err)
	}
}

func (e *Engine) newBaseEvent(eventType events.EventType, instanceID string) events.BaseEvent {
	base := events.NewBaseEvent(eventType, instanceID)
	base.WorkerID = e.config.WorkerID

	return base
}

func lifetimeMillis(instance *models.WorkflowInstance) int64 {
	if instance.CreatedAt.IsZero() {
		return 0
	}

	return time.Since(instance.CreatedAt).Milliseconds()
}

func errorMessage(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
