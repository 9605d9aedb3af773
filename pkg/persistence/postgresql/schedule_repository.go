package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
)

// ScheduleRepository handles schedule-related database operations.
type ScheduleRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(db *sql.DB, logger *slog.Logger) *ScheduleRepository {
	return &ScheduleRepository{db: db, logger: logger}
}

const scheduleColumns = `
		id
	  , spec
	  , workspace
	  , cron_expression
	  , next_due_at
	  , active
	  , created_at
	  , updated_at
`

// Save upserts the schedule.
func (r *ScheduleRepository) Save(ctx context.Context, schedule *models.Schedule) error {
	now := time.Now().UTC()

	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	specJSON, err := json.Marshal(schedule.Spec)
	if err != nil {
		return persistence.NewScheduleError("Save", schedule.ID,
			fmt.Errorf("failed to marshal spec: %w", err))
	}

	query := `
		INSERT INTO schedules (id, spec, workspace, cron_expression, next_due_at, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			spec = EXCLUDED.spec,
			workspace = EXCLUDED.workspace,
			cron_expression = EXCLUDED.cron_expression,
			next_due_at = EXCLUDED.next_due_at,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.ExecContext(ctx, query,
		schedule.ID,
		specJSON,
		schedule.Workspace,
		schedule.CronExpression,
		schedule.NextDueAt,
		schedule.Active,
		schedule.CreatedAt,
		schedule.UpdatedAt,
	)
	if err != nil {
		return persistence.NewScheduleError("Save", schedule.ID, err)
	}

	return nil
}

// ByID retrieves a schedule by its ID.
func (r *ScheduleRepository) ByID(ctx context.Context, id string) (*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	schedule, err := scanSchedule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewScheduleError("ByID", id, persistence.ErrScheduleNotFound)
		}

		return nil, persistence.NewScheduleError("ByID", id, err)
	}

	return schedule, nil
}

// All returns every schedule, oldest first.
func (r *ScheduleRepository) All(ctx context.Context) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at ASC`

	return r.querySchedules(ctx, query)
}

// Due returns active schedules whose next submission time has arrived.
func (r *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	query := `SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE active = true AND next_due_at <= $1
		ORDER BY next_due_at ASC
	`

	return r.querySchedules(ctx, query, now)
}

// Delete removes a schedule by its ID. Missing rows are not an error.
func (r *ScheduleRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM schedules WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return persistence.NewScheduleError("Delete", id, err)
	}

	return nil
}

func (r *ScheduleRepository) querySchedules(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query schedules: %w", err)
	}

	defer func(ctx context.Context, r *ScheduleRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	schedules := make([]*models.Schedule, 0)

	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}

		schedules = append(schedules, schedule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating schedules: %w", err)
	}

	return schedules, nil
}

func scanSchedule(row rowScanner) (*models.Schedule, error) {
	var (
		schedule  models.Schedule
		specJSON  []byte
		workspace sql.NullString
	)

	err := row.Scan(
		&schedule.ID,
		&specJSON,
		&workspace,
		&schedule.CronExpression,
		&schedule.NextDueAt,
		&schedule.Active,
		&schedule.CreatedAt,
		&schedule.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	schedule.Workspace = workspace.String

	if err := json.Unmarshal(specJSON, &schedule.Spec); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal spec: %w", persistence.ErrInvalidData, err)
	}

	return &schedule, nil
}
