// Package persistence provides the data storage abstraction layer for
// workflow instances and schedules.
package persistence

import (
	"context"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
)

// ListOptions filters and paginates instance listings.
type ListOptions struct {
	Status    *models.InstanceStatus
	SpecID    string
	Limit     int
	Offset    int
	SortBy    string // created_at | updated_at
	SortOrder string // asc | desc
}

// ListResult is one page of instances plus pagination metadata.
type ListResult struct {
	Instances   []*models.WorkflowInstance
	TotalCount  int64
	HasNextPage bool
}

// InstanceRepository stores workflow instances. Save is an upsert and is
// called after every state transition; it must leave either the previous
// or the new version readable, never a torn write.
type InstanceRepository interface {
	Save(ctx context.Context, instance *models.WorkflowInstance) error
	ByID(ctx context.Context, id string) (*models.WorkflowInstance, error)
	List(ctx context.Context, opts ListOptions) (*ListResult, error)

	// ListNonTerminal returns every instance the resume scan must pick
	// up: anything not completed or failed.
	ListNonTerminal(ctx context.Context) ([]*models.WorkflowInstance, error)

	// Delete removes an instance record. Administrative use only; the
	// engine archives terminal instances by status and never deletes.
	Delete(ctx context.Context, id string) error
}

// ScheduleRepository stores recurring submission entries.
type ScheduleRepository interface {
	Save(ctx context.Context, schedule *models.Schedule) error
	ByID(ctx context.Context, id string) (*models.Schedule, error)
	All(ctx context.Context) ([]*models.Schedule, error)

	// Due returns active schedules with NextDueAt at or before now.
	Due(ctx context.Context, now time.Time) ([]*models.Schedule, error)

	Delete(ctx context.Context, id string) error
}

type Persistence interface {
	Instances() InstanceRepository
	Schedules() ScheduleRepository

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}
