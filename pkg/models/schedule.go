package models

import (
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// Schedule is a recurring submission entry stored in the database. It
// carries the cron expression and the precomputed next submission time so
// the scheduler can poll for due entries without keeping per-schedule
// timers.
type Schedule struct {
	// ID uniquely identifies this schedule entry
	ID string `json:"id" validate:"required"`

	// Spec is the workflow submitted each time the schedule fires
	Spec *WorkflowSpec `json:"spec" validate:"required"`

	// Workspace is the working-directory partition each fired instance
	// mutates
	Workspace string `json:"workspace,omitempty"`

	// CronExpression defines when this schedule should fire
	// Uses standard 5-field cron format (minute hour day month weekday)
	CronExpression string `json:"cron_expression" validate:"required"`

	// NextDueAt is the precomputed next submission time
	NextDueAt time.Time `json:"next_due_at" validate:"required"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Active indicates if this schedule is currently active
	// Inactive schedules are not processed by the poller
	Active bool `json:"active"`
}

// NewSchedule creates a Schedule with the first submission time calculated.
func NewSchedule(id string, spec *WorkflowSpec, cronExpression string) (*Schedule, error) {
	now := time.Now().UTC()
	schedule := &Schedule{
		ID:             id,
		Spec:           spec,
		CronExpression: cronExpression,
		CreatedAt:      now,
		UpdatedAt:      now,
		Active:         true,
	}

	if err := schedule.calculateNextDueAt(now); err != nil {
		return nil, err
	}

	return schedule, nil
}

// UpdateNextDueAt recalculates the next submission time from now.
func (s *Schedule) UpdateNextDueAt() error {
	return s.calculateNextDueAt(time.Now().UTC())
}

func (s *Schedule) calculateNextDueAt(referenceTime time.Time) error {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

	cronSchedule, err := parser.Parse(s.CronExpression)
	if err != nil {
		return err
	}

	s.NextDueAt = cronSchedule.Next(referenceTime)
	s.UpdatedAt = time.Now().UTC()

	return nil
}

// IsDue checks if this schedule should fire at the given time.
func (s *Schedule) IsDue(now time.Time) bool {
	return s.Active && !s.NextDueAt.After(now)
}

// Validate checks the schedule fields, including the cron expression and
// the embedded workflow spec.
func (s *Schedule) Validate() error {
	if s.ID == "" {
		return ErrInvalidSchedule
	}

	if s.Spec == nil {
		return ErrInvalidSchedule
	}

	if err := s.Spec.Validate(); err != nil {
		return err
	}

	if s.CronExpression == "" {
		return ErrInvalidSchedule
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	_, err := parser.Parse(s.CronExpression)

	return err
}

// ErrInvalidSchedule is returned when schedule validation fails.
var ErrInvalidSchedule = errors.New("invalid schedule configuration")
