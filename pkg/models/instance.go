package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstanceStatus is the lifecycle state of a workflow instance.
type InstanceStatus string

const (
	InstanceStatusInitializing     InstanceStatus = "initializing"
	InstanceStatusRunning          InstanceStatus = "running"
	InstanceStatusAwaitingApproval InstanceStatus = "awaiting_approval"
	InstanceStatusRollingBack      InstanceStatus = "rolling_back"
	InstanceStatusCompleted        InstanceStatus = "completed"
	InstanceStatusFailed           InstanceStatus = "failed"
)

// instanceTransitions encodes the legal state machine. Failed is
// reachable from every non-terminal state so cancellation and fatal
// errors always have a path out.
var instanceTransitions = map[InstanceStatus][]InstanceStatus{
	InstanceStatusInitializing: {
		InstanceStatusRunning,
		InstanceStatusFailed,
	},
	InstanceStatusRunning: {
		InstanceStatusRunning,
		InstanceStatusAwaitingApproval,
		InstanceStatusRollingBack,
		InstanceStatusCompleted,
		InstanceStatusFailed,
	},
	InstanceStatusAwaitingApproval: {
		InstanceStatusRunning,
		InstanceStatusFailed,
	},
	InstanceStatusRollingBack: {
		InstanceStatusFailed,
	},
	InstanceStatusCompleted: {},
	InstanceStatusFailed:    {},
}

func (s InstanceStatus) CanTransitionTo(next InstanceStatus) bool {
	for _, allowed := range instanceTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

func (s InstanceStatus) IsTerminal() bool {
	return s == InstanceStatusCompleted || s == InstanceStatusFailed
}

var ErrInvalidTransition = errors.New("invalid status transition")

// WorkflowInstance is the mutable runtime record of one execution.
// Exactly one engine owns and mutates an instance at a time; external
// readers see whatever state was last persisted. Terminal instances are
// archived by status, never deleted by the engine.
type WorkflowInstance struct {
	ID     string        `json:"id"`
	SpecID string        `json:"spec_id"`
	Spec   *WorkflowSpec `json:"spec"`

	Status            InstanceStatus `json:"status"`
	CurrentStageIndex int            `json:"current_stage_index"`

	// Workspace is the working-directory partition this instance mutates.
	// Branch-coordinated instances each get their own.
	Workspace string `json:"workspace,omitempty"`
	Branch    string `json:"branch,omitempty"`

	Approval  *ApprovalState `json:"approval,omitempty"`
	Usage     UsageTotals    `json:"usage"`
	Snapshots []SnapshotRef  `json:"snapshots,omitempty"`
	History   []StageRecord  `json:"history,omitempty"`
	LastError *FailureRecord `json:"last_error,omitempty"`

	// CooldownCount scales the cooldown delay on instances that keep
	// crossing the token threshold.
	CooldownCount int `json:"cooldown_count,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewWorkflowInstance builds the initial record for one submission. The
// spec gets an ID and creation time if it has none; skipped stages are
// recorded in history up front so queries can tell "skipped" from "not
// reached". The caller persists the instance.
func NewWorkflowInstance(spec *WorkflowSpec, workspace string) *WorkflowInstance {
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}

	if spec.CreatedAt.IsZero() {
		spec.CreatedAt = time.Now().UTC()
	}

	instance := &WorkflowInstance{
		ID:        spec.InstancePrefix + uuid.New().String(),
		SpecID:    spec.ID,
		Spec:      spec,
		Status:    InstanceStatusInitializing,
		Workspace: workspace,
	}

	skipped := make(map[string]struct{}, len(spec.SkipStages))
	for _, name := range spec.SkipStages {
		skipped[name] = struct{}{}
	}

	now := time.Now().UTC()

	for i := range spec.Stages {
		if _, skip := skipped[spec.Stages[i].Name]; !skip {
			continue
		}

		instance.History = append(instance.History, StageRecord{
			StageName:  spec.Stages[i].Name,
			StageIndex: i,
			Skipped:    true,
			StartedAt:  now,
			FinishedAt: now,
		})
	}

	return instance
}

// Transition moves the instance to the next status, guarding against
// illegal jumps. The caller persists the instance afterwards; the model
// only mutates memory.
func (i *WorkflowInstance) Transition(next InstanceStatus) error {
	if !i.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, i.Status, next)
	}

	now := time.Now().UTC()
	i.Status = next
	i.UpdatedAt = now

	if next.IsTerminal() {
		i.CompletedAt = &now
	}

	return nil
}

// Stages returns the effective stage list (skip configuration resolved).
func (i *WorkflowInstance) Stages() []StageSpec {
	if i.Spec == nil {
		return nil
	}

	return i.Spec.EffectiveStages()
}

// CurrentStage returns the stage at CurrentStageIndex, or false when the
// index is past the end of the effective list.
func (i *WorkflowInstance) CurrentStage() (*StageSpec, bool) {
	stages := i.Stages()
	if i.CurrentStageIndex < 0 || i.CurrentStageIndex >= len(stages) {
		return nil, false
	}

	return &stages[i.CurrentStageIndex], true
}

// LatestSnapshot returns the most recent restorable snapshot, or nil.
func (i *WorkflowInstance) LatestSnapshot() *SnapshotRef {
	for n := len(i.Snapshots) - 1; n >= 0; n-- {
		if !i.Snapshots[n].Invalidated {
			return &i.Snapshots[n]
		}
	}

	return nil
}

// InvalidateSnapshotsAfter marks every snapshot created after ref as no
// longer restorable. A restore rewinds the working state, so anything
// captured later describes a state that no longer exists.
func (i *WorkflowInstance) InvalidateSnapshotsAfter(refID string) {
	seen := false

	for n := range i.Snapshots {
		if seen {
			i.Snapshots[n].Invalidated = true

			continue
		}

		if i.Snapshots[n].ID == refID {
			seen = true
		}
	}
}

// RecordFailure stores the structured failure surface for operators.
func (i *WorkflowInstance) RecordFailure(class FailureClass, stageName string, stageIndex, attempts int, err error) {
	rec := &FailureRecord{
		Class:      class,
		StageName:  stageName,
		StageIndex: stageIndex,
		Attempts:   attempts,
		OccurredAt: time.Now().UTC(),
	}

	if err != nil {
		rec.Message = err.Error()
	}

	if latest := i.LatestSnapshot(); latest != nil {
		rec.SnapshotID = latest.ID
	}

	i.LastError = rec
}
