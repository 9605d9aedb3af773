// Package approval implements the human gate between stages: opening a
// request, recording the decision, and waiting for the outcome without
// keeping a worker busy.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
)

// DefaultTimeout is the decision window when the gate is configured
// with none.
const DefaultTimeout = time.Hour

// Outcome is the result of waiting at a gate.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeTimedOut Outcome = "timed_out"
)

var (
	ErrNoOpenGate      = errors.New("no open approval gate")
	ErrInvalidDecision = errors.New("decision must be approved or rejected")
)

// Gate owns every approval mutation on an instance. Decisions arrive
// from a different goroutine than the one waiting, so all access to
// instance.Approval goes through the gate's lock.
type Gate struct {
	mu      sync.Mutex
	waiters map[string]chan struct{}
	timeout time.Duration
	logger  *slog.Logger
}

func NewGate(timeout time.Duration, logger *slog.Logger) *Gate {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Gate{
		waiters: make(map[string]chan struct{}),
		timeout: timeout,
		logger:  logger.With("module", "approval"),
	}
}

// Request opens the gate for the current stage. Requesting again for
// the same stage returns the existing state unchanged, which is how a
// resumed instance keeps its original deadline.
func (g *Gate) Request(instance *models.WorkflowInstance, stage *models.StageSpec) *models.ApprovalState {
	g.mu.Lock()
	defer g.mu.Unlock()

	if approval := instance.Approval; approval != nil &&
		approval.Decision == models.ApprovalPending &&
		approval.StageIndex == instance.CurrentStageIndex {
		return approval
	}

	now := time.Now().UTC()
	instance.Approval = &models.ApprovalState{
		StageName:   stage.Name,
		StageIndex:  instance.CurrentStageIndex,
		Decision:    models.ApprovalPending,
		RequestedAt: now,
		Deadline:    now.Add(g.timeout),
	}

	g.logger.Info("approval requested",
		"workflow_id", instance.ID,
		"stage_name", stage.Name,
		"deadline", instance.Approval.Deadline)

	return instance.Approval
}

// Record stores a decision and wakes the waiter. Any decision after the
// first is a no-op, including a conflicting one: the first decision
// wins, and at-least-once signal delivery means a racing opposite
// signal must not surface as an error. Conflicts are logged.
func (g *Gate) Record(instance *models.WorkflowInstance, decision models.ApprovalDecision, decidedBy, comment string) error {
	if decision != models.ApprovalApproved && decision != models.ApprovalRejected {
		return fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	approval := instance.Approval
	if approval == nil || approval.Decision == models.ApprovalNone {
		return fmt.Errorf("%w: instance %s", ErrNoOpenGate, instance.ID)
	}

	if approval.Decided() {
		if approval.Decision != decision {
			g.logger.Warn("conflicting approval decision ignored",
				"workflow_id", instance.ID,
				"stage_name", approval.StageName,
				"recorded", approval.Decision,
				"ignored", decision,
				"decided_by", decidedBy)
		}

		return nil
	}

	now := time.Now().UTC()
	approval.Decision = decision
	approval.DecidedAt = &now
	approval.DecidedBy = decidedBy
	approval.Comment = comment

	g.logger.Info("approval decided",
		"workflow_id", instance.ID,
		"stage_name", approval.StageName,
		"decision", decision,
		"decided_by", decidedBy)

	if waiter, ok := g.waiters[instance.ID]; ok {
		close(waiter)
		delete(g.waiters, instance.ID)
	}

	return nil
}

// Await blocks until the gate resolves: a decision arrives, the
// deadline passes, or ctx is cancelled. A deadline that already passed,
// for example while the engine was down, resolves to a timeout
// immediately.
func (g *Gate) Await(ctx context.Context, instance *models.WorkflowInstance) (Outcome, error) {
	g.mu.Lock()

	approval := instance.Approval
	if approval == nil || approval.Decision == models.ApprovalNone {
		g.mu.Unlock()

		return "", fmt.Errorf("%w: instance %s", ErrNoOpenGate, instance.ID)
	}

	if approval.Decided() {
		outcome := decisionOutcome(approval.Decision)
		g.mu.Unlock()

		return outcome, nil
	}

	waiter, ok := g.waiters[instance.ID]
	if !ok {
		waiter = make(chan struct{})
		g.waiters[instance.ID] = waiter
	}

	deadline := approval.Deadline
	g.mu.Unlock()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	select {
	case <-waiter:
		g.mu.Lock()
		outcome := decisionOutcome(instance.Approval.Decision)
		g.mu.Unlock()

		return outcome, nil

	case <-timer.C:
		g.mu.Lock()
		defer g.mu.Unlock()

		// A decision that raced the deadline still wins.
		if instance.Approval.Decided() {
			return decisionOutcome(instance.Approval.Decision), nil
		}

		instance.Approval.TimedOut = true
		delete(g.waiters, instance.ID)

		g.logger.Warn("approval deadline elapsed",
			"workflow_id", instance.ID,
			"stage_name", instance.Approval.StageName)

		return OutcomeTimedOut, nil

	case <-ctx.Done():
		g.mu.Lock()
		delete(g.waiters, instance.ID)
		g.mu.Unlock()

		return "", ctx.Err()
	}
}

// Forget drops any waiter state for an instance that reached a terminal
// status without resolving its gate.
func (g *Gate) Forget(instanceID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.waiters, instanceID)
}

func decisionOutcome(decision models.ApprovalDecision) Outcome {
	if decision == models.ApprovalApproved {
		return OutcomeApproved
	}

	return OutcomeRejected
}
