package approval

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func gatedInstance() (*models.WorkflowInstance, *models.StageSpec) {
	stage := &models.StageSpec{
		Name:             "core",
		PromptTemplate:   "x",
		RequiresApproval: true,
	}

	instance := &models.WorkflowInstance{
		ID:                "wrapper-dev-1",
		Status:            models.InstanceStatusAwaitingApproval,
		CurrentStageIndex: 1,
	}

	return instance, stage
}

func TestGate_RequestIsIdempotent(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	first := gate.Request(instance, stage)
	require.NotNil(t, first)
	assert.Equal(t, models.ApprovalPending, first.Decision)
	assert.Equal(t, "core", first.StageName)
	assert.Equal(t, 1, first.StageIndex)
	assert.WithinDuration(t, time.Now().Add(time.Hour), first.Deadline, 5*time.Second)

	second := gate.Request(instance, stage)
	assert.Equal(t, first.RequestedAt, second.RequestedAt)
	assert.Equal(t, first.Deadline, second.Deadline)
}

func TestGate_RecordThenAwait(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	gate.Request(instance, stage)

	err := gate.Record(instance, models.ApprovalApproved, "reviewer", "looks right")
	require.NoError(t, err)

	outcome, err := gate.Await(context.Background(), instance)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, outcome)
	assert.Equal(t, "reviewer", instance.Approval.DecidedBy)
	assert.Equal(t, "looks right", instance.Approval.Comment)
	assert.NotNil(t, instance.Approval.DecidedAt)
}

func TestGate_AwaitThenRecord(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	gate.Request(instance, stage)

	outcomes := make(chan Outcome, 1)

	go func() {
		outcome, err := gate.Await(context.Background(), instance)
		if err == nil {
			outcomes <- outcome
		}
	}()

	// Give the waiter time to park before the decision lands.
	time.Sleep(50 * time.Millisecond)

	err := gate.Record(instance, models.ApprovalRejected, "reviewer", "missing tests")
	require.NoError(t, err)

	select {
	case outcome := <-outcomes:
		assert.Equal(t, OutcomeRejected, outcome)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not resolve after decision")
	}
}

func TestGate_RecordValidation(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	err := gate.Record(instance, models.ApprovalApproved, "reviewer", "")
	assert.ErrorIs(t, err, ErrNoOpenGate)

	gate.Request(instance, stage)

	err = gate.Record(instance, models.ApprovalDecision("maybe"), "reviewer", "")
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestGate_FirstDecisionWins(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	gate.Request(instance, stage)

	require.NoError(t, gate.Record(instance, models.ApprovalApproved, "first", ""))

	// Same decision again is a no-op.
	assert.NoError(t, gate.Record(instance, models.ApprovalApproved, "second", ""))
	assert.Equal(t, "first", instance.Approval.DecidedBy)

	// A conflicting decision is ignored, not an error: at-least-once
	// delivery can replay a losing signal after the gate settled.
	assert.NoError(t, gate.Record(instance, models.ApprovalRejected, "third", ""))
	assert.Equal(t, models.ApprovalApproved, instance.Approval.Decision)
	assert.Equal(t, "first", instance.Approval.DecidedBy)
}

func TestGate_DeadlineTimesOut(t *testing.T) {
	gate := NewGate(50*time.Millisecond, testLogger())
	instance, stage := gatedInstance()

	gate.Request(instance, stage)

	outcome, err := gate.Await(context.Background(), instance)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.True(t, instance.Approval.TimedOut)
}

func TestGate_ExpiredDeadlineResolvesImmediately(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, _ := gatedInstance()

	// Simulate a resume: the persisted gate expired while the engine
	// was down.
	instance.Approval = &models.ApprovalState{
		StageName:   "core",
		StageIndex:  1,
		Decision:    models.ApprovalPending,
		RequestedAt: time.Now().Add(-2 * time.Hour),
		Deadline:    time.Now().Add(-time.Hour),
	}

	start := time.Now()

	outcome, err := gate.Await(context.Background(), instance)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, outcome)
	assert.Less(t, time.Since(start), time.Second)
}

func TestGate_AwaitCancelled(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, stage := gatedInstance()

	gate.Request(instance, stage)

	ctx, cancel := context.WithCancel(context.Background())

	errs := make(chan error, 1)

	go func() {
		_, err := gate.Await(ctx, instance)
		errs <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("await did not resolve after cancellation")
	}
}

func TestGate_AwaitWithoutGate(t *testing.T) {
	gate := NewGate(time.Hour, testLogger())
	instance, _ := gatedInstance()

	_, err := gate.Await(context.Background(), instance)
	assert.ErrorIs(t, err, ErrNoOpenGate)
}
