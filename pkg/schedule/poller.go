// Package schedule runs the centralized poller that turns due schedule
// entries into workflow submissions.
package schedule

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stagehand/stagehand/pkg/eventbus"
	"github.com/stagehand/stagehand/pkg/events"
	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
)

const defaultPollInterval = 1 * time.Minute

// Poller queries the database for due schedules on a fixed tick and
// submits one workflow instance per firing. A single poller handles
// every schedule regardless of its individual cron expression; the
// precomputed next_due_at column makes the query cheap.
type Poller struct {
	persistence  persistence.Persistence
	bus          eventbus.EventPublisher
	logger       *slog.Logger
	pollInterval time.Duration

	ticker  *time.Ticker
	done    chan bool
	started bool
	mu      sync.Mutex
}

func NewPoller(persist persistence.Persistence, bus eventbus.EventPublisher, logger *slog.Logger, pollInterval time.Duration) *Poller {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	return &Poller{
		persistence:  persist,
		bus:          bus,
		logger:       logger.With("module", "schedule"),
		pollInterval: pollInterval,
	}
}

// Start begins polling. It returns immediately; the poll loop runs until
// Stop is called or the context is cancelled.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return nil
	}

	p.logger.InfoContext(ctx, "starting schedule poller", "poll_interval", p.pollInterval)

	p.ticker = time.NewTicker(p.pollInterval)
	p.done = make(chan bool)
	p.started = true

	go p.poll(ctx)

	return nil
}

// Stop shuts the poller down.
func (p *Poller) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.started {
		return nil
	}

	p.logger.InfoContext(ctx, "stopping schedule poller")

	if p.ticker != nil {
		p.ticker.Stop()
	}

	select {
	case p.done <- true:
	default:
	}

	p.started = false

	return nil
}

func (p *Poller) poll(ctx context.Context) {
	for {
		select {
		case <-p.done:
			return
		case <-ctx.Done():
			return
		case <-p.ticker.C:
			p.ProcessDueSchedules(ctx)
		}
	}
}

// ProcessDueSchedules fires every schedule whose next submission time has
// arrived. A failure on one schedule does not stop the others; the
// schedule's next_due_at only advances after its submission is published,
// so a failed firing is retried on the next tick.
func (p *Poller) ProcessDueSchedules(ctx context.Context) {
	now := time.Now().UTC()

	due, err := p.persistence.Schedules().Due(ctx, now)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to query due schedules", "error", err)

		return
	}

	if len(due) > 0 {
		p.logger.InfoContext(ctx, "processing due schedules", "count", len(due))
	}

	for _, schedule := range due {
		if err := p.fire(ctx, schedule); err != nil {
			p.logger.ErrorContext(ctx, "failed to fire schedule",
				"schedule_id", schedule.ID,
				"error", err)

			continue
		}

		if err := schedule.UpdateNextDueAt(); err != nil {
			p.logger.ErrorContext(ctx, "failed to advance schedule",
				"schedule_id", schedule.ID,
				"cron_expression", schedule.CronExpression,
				"error", err)

			continue
		}

		if err := p.persistence.Schedules().Save(ctx, schedule); err != nil {
			p.logger.ErrorContext(ctx, "failed to save schedule",
				"schedule_id", schedule.ID,
				"error", err)
		}
	}
}

// fire persists a fresh instance for the schedule's spec and announces it
// on the event bus, exactly like an operator submission.
func (p *Poller) fire(ctx context.Context, schedule *models.Schedule) error {
	instance := models.NewWorkflowInstance(schedule.Spec, schedule.Workspace)

	if err := p.persistence.Instances().Save(ctx, instance); err != nil {
		return err
	}

	event := &events.WorkflowSubmitted{
		BaseEvent: events.NewBaseEvent(events.WorkflowSubmittedEvent, instance.ID),
		SpecID:    schedule.Spec.ID,
		SpecName:  schedule.Spec.Name,
		Workspace: schedule.Workspace,
		Spec:      schedule.Spec,
	}
	event.Metadata["schedule_id"] = schedule.ID
	event.Metadata["cron_expression"] = schedule.CronExpression
	event.Metadata["due_at"] = schedule.NextDueAt.Format(time.RFC3339)

	if err := p.bus.Publish(ctx, instance.ID, event); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "schedule fired",
		"schedule_id", schedule.ID,
		"workflow_id", instance.ID,
		"spec_name", schedule.Spec.Name)

	return nil
}
