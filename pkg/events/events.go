// Package events defines event types and structures for workflow lifecycle notifications.
package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/models"
)

type EventType string

// Topic is the Kafka/channel topic every lifecycle event is published on.
const Topic = "stagehand.events"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	// Submission and start.
	WorkflowSubmittedEvent EventType = "workflow.submitted"
	WorkflowStartedEvent   EventType = "workflow.started"

	// Per-stage progress.
	StageStartedEvent   EventType = "stage.started"
	StageCompletedEvent EventType = "stage.completed"
	StageFailedEvent    EventType = "stage.failed"

	// Snapshot lifecycle.
	SnapshotCreatedEvent  EventType = "snapshot.created"
	SnapshotRestoredEvent EventType = "snapshot.restored"

	// Approval gates.
	ApprovalRequestedEvent EventType = "approval.requested"
	ApprovalDecidedEvent   EventType = "approval.decided"

	// Operator requests.
	CancelRequestedEvent EventType = "cancel.requested"

	// Terminal outcomes.
	WorkflowCompletedEvent EventType = "workflow.completed"
	WorkflowFailedEvent    EventType = "workflow.failed"
	WorkflowCancelledEvent EventType = "workflow.cancelled"
)

// BaseEvent carries the fields every lifecycle event shares. InstanceID
// doubles as the partition key so one instance's events stay ordered.
type BaseEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	Timestamp  time.Time      `json:"timestamp"`
	InstanceID string         `json:"instance_id"`
	WorkerID   string         `json:"worker_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

func NewBaseEvent(eventType EventType, instanceID string) BaseEvent {
	return BaseEvent{
		ID:         uuid.New().String(),
		Type:       eventType,
		Timestamp:  time.Now().UTC(),
		InstanceID: instanceID,
		Metadata:   make(map[string]any),
	}
}

// WorkflowSubmitted announces a validated spec entering the system. The
// engine daemon consumes it and starts the instance.
type WorkflowSubmitted struct {
	BaseEvent

	SpecID    string               `json:"spec_id"`
	SpecName  string               `json:"spec_name"`
	Workspace string               `json:"workspace,omitempty"`
	Spec      *models.WorkflowSpec `json:"spec,omitempty"`
}

func (w WorkflowSubmitted) GetType() EventType {
	return WorkflowSubmittedEvent
}

type WorkflowStarted struct {
	BaseEvent

	SpecID     string `json:"spec_id"`
	SpecName   string `json:"spec_name"`
	StageCount int    `json:"stage_count"`
	Workspace  string `json:"workspace,omitempty"`
}

func (w WorkflowStarted) GetType() EventType {
	return WorkflowStartedEvent
}

type StageStarted struct {
	BaseEvent

	StageName    string `json:"stage_name"`
	StageIndex   int    `json:"stage_index"`
	CriticalPath bool   `json:"critical_path"`
}

func (s StageStarted) GetType() EventType {
	return StageStartedEvent
}

type StageCompleted struct {
	BaseEvent

	StageName        string                    `json:"stage_name"`
	StageIndex       int                       `json:"stage_index"`
	Attempts         int                       `json:"attempts"`
	Usage            models.StageUsage         `json:"usage"`
	Verification     models.VerificationStatus `json:"verification"`
	ChangedArtifacts []string                  `json:"changed_artifacts,omitempty"`
	DurationMs       int64                     `json:"duration_ms"`
}

func (s StageCompleted) GetType() EventType {
	return StageCompletedEvent
}

type StageFailed struct {
	BaseEvent

	StageName    string              `json:"stage_name"`
	StageIndex   int                 `json:"stage_index"`
	Attempts     int                 `json:"attempts"`
	FailureClass models.FailureClass `json:"failure_class"`
	Error        string              `json:"error"`
	DurationMs   int64               `json:"duration_ms"`
}

func (s StageFailed) GetType() EventType {
	return StageFailedEvent
}

type SnapshotCreated struct {
	BaseEvent

	SnapshotID string `json:"snapshot_id"`
	StageName  string `json:"stage_name"`
	StageIndex int    `json:"stage_index"`
}

func (s SnapshotCreated) GetType() EventType {
	return SnapshotCreatedEvent
}

type SnapshotRestored struct {
	BaseEvent

	SnapshotID string `json:"snapshot_id"`
	StageName  string `json:"stage_name"`
	// Invalidated lists the snapshot refs that can no longer be restored
	// because they were taken after the restore point.
	Invalidated []string `json:"invalidated,omitempty"`
}

func (s SnapshotRestored) GetType() EventType {
	return SnapshotRestoredEvent
}

type ApprovalRequested struct {
	BaseEvent

	StageName  string    `json:"stage_name"`
	StageIndex int       `json:"stage_index"`
	Deadline   time.Time `json:"deadline"`
}

func (a ApprovalRequested) GetType() EventType {
	return ApprovalRequestedEvent
}

// ApprovalDecided is published by whichever surface recorded the decision
// and consumed by the engine daemon to release the waiting instance.
type ApprovalDecided struct {
	BaseEvent

	StageName string                  `json:"stage_name"`
	Decision  models.ApprovalDecision `json:"decision"`
	DecidedBy string                  `json:"decided_by,omitempty"`
	Comment   string                  `json:"comment,omitempty"`
	TimedOut  bool                    `json:"timed_out,omitempty"`
}

func (a ApprovalDecided) GetType() EventType {
	return ApprovalDecidedEvent
}

// CancelRequested asks whichever engine holds the instance to stop it.
// Published by the control surface; consumed by the engine daemon.
type CancelRequested struct {
	BaseEvent

	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (c CancelRequested) GetType() EventType {
	return CancelRequestedEvent
}

type WorkflowCompleted struct {
	BaseEvent

	SpecName   string             `json:"spec_name"`
	Usage      models.UsageTotals `json:"usage"`
	DurationMs int64              `json:"duration_ms"`
}

func (w WorkflowCompleted) GetType() EventType {
	return WorkflowCompletedEvent
}

type WorkflowFailed struct {
	BaseEvent

	SpecName     string              `json:"spec_name"`
	StageName    string              `json:"stage_name,omitempty"`
	FailureClass models.FailureClass `json:"failure_class"`
	Error        string              `json:"error"`
	RolledBack   bool                `json:"rolled_back"`
	Usage        models.UsageTotals  `json:"usage"`
	DurationMs   int64               `json:"duration_ms"`
}

func (w WorkflowFailed) GetType() EventType {
	return WorkflowFailedEvent
}

type WorkflowCancelled struct {
	BaseEvent

	SpecName    string `json:"spec_name"`
	CancelledBy string `json:"cancelled_by,omitempty"`
	Reason      string `json:"reason,omitempty"`
	StageName   string `json:"stage_name,omitempty"`
}

func (w WorkflowCancelled) GetType() EventType {
	return WorkflowCancelledEvent
}
