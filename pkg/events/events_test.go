package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/models"
)

func TestNewBaseEvent(t *testing.T) {
	event := NewBaseEvent(WorkflowStartedEvent, "wrapper-dev-abc123")

	assert.NotEmpty(t, event.ID)
	assert.Equal(t, WorkflowStartedEvent, event.Type)
	assert.Equal(t, "wrapper-dev-abc123", event.InstanceID)
	assert.WithinDuration(t, time.Now().UTC(), event.Timestamp, time.Second)
	assert.NotNil(t, event.Metadata)
}

func TestEventTypes(t *testing.T) {
	assert.Equal(t, WorkflowSubmittedEvent, WorkflowSubmitted{}.GetType())
	assert.Equal(t, WorkflowStartedEvent, WorkflowStarted{}.GetType())
	assert.Equal(t, StageStartedEvent, StageStarted{}.GetType())
	assert.Equal(t, StageCompletedEvent, StageCompleted{}.GetType())
	assert.Equal(t, StageFailedEvent, StageFailed{}.GetType())
	assert.Equal(t, SnapshotCreatedEvent, SnapshotCreated{}.GetType())
	assert.Equal(t, SnapshotRestoredEvent, SnapshotRestored{}.GetType())
	assert.Equal(t, ApprovalRequestedEvent, ApprovalRequested{}.GetType())
	assert.Equal(t, ApprovalDecidedEvent, ApprovalDecided{}.GetType())
	assert.Equal(t, WorkflowCompletedEvent, WorkflowCompleted{}.GetType())
	assert.Equal(t, WorkflowFailedEvent, WorkflowFailed{}.GetType())
	assert.Equal(t, WorkflowCancelledEvent, WorkflowCancelled{}.GetType())
}

func TestStageCompleted_JSONSerialization(t *testing.T) {
	original := &StageCompleted{
		BaseEvent:  NewBaseEvent(StageCompletedEvent, "wrapper-dev-abc123"),
		StageName:  "core",
		StageIndex: 1,
		Attempts:   2,
		Usage: models.StageUsage{
			Tokens:     1200,
			CostUSD:    0.05,
			DurationMS: 4500,
		},
		Verification:     models.VerificationPassed,
		ChangedArtifacts: []string{"client.go", "client_test.go"},
		DurationMs:       4500,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"stage.completed"`)
	assert.Contains(t, string(jsonData), `"instance_id":"wrapper-dev-abc123"`)
	assert.Contains(t, string(jsonData), `"stage_name":"core"`)

	var decoded StageCompleted

	err = json.Unmarshal(jsonData, &decoded)
	require.NoError(t, err)
	assert.Equal(t, original.StageName, decoded.StageName)
	assert.Equal(t, original.Attempts, decoded.Attempts)
	assert.Equal(t, original.Usage, decoded.Usage)
	assert.Equal(t, original.Verification, decoded.Verification)
	assert.Equal(t, original.ChangedArtifacts, decoded.ChangedArtifacts)
}

func TestWorkflowFailed_JSONSerialization(t *testing.T) {
	original := &WorkflowFailed{
		BaseEvent:    NewBaseEvent(WorkflowFailedEvent, "iterative-fix-xyz"),
		SpecName:     "payment-client",
		StageName:    "core",
		FailureClass: models.FailureVerification,
		Error:        "verification failed: 2 of 9 checks failed",
		RolledBack:   true,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)
	assert.Contains(t, string(jsonData), `"type":"workflow.failed"`)
	assert.Contains(t, string(jsonData), `"failure_class":"verification"`)
	assert.Contains(t, string(jsonData), `"rolled_back":true`)

	var decoded WorkflowFailed

	err = json.Unmarshal(jsonData, &decoded)
	require.NoError(t, err)
	assert.Equal(t, original.FailureClass, decoded.FailureClass)
	assert.True(t, decoded.RolledBack)
}

func TestApprovalRequested_JSONSerialization(t *testing.T) {
	deadline := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	original := &ApprovalRequested{
		BaseEvent:  NewBaseEvent(ApprovalRequestedEvent, "wrapper-dev-abc123"),
		StageName:  "review",
		StageIndex: 5,
		Deadline:   deadline,
	}

	jsonData, err := json.Marshal(original)
	require.NoError(t, err)

	var decoded ApprovalRequested

	err = json.Unmarshal(jsonData, &decoded)
	require.NoError(t, err)
	assert.Equal(t, "review", decoded.StageName)
	assert.Equal(t, 5, decoded.StageIndex)
	assert.True(t, decoded.Deadline.Equal(deadline))
}
