package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
)

// InstanceRepository handles instance-related database operations.
type InstanceRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(db *sql.DB, logger *slog.Logger) *InstanceRepository {
	return &InstanceRepository{db: db, logger: logger}
}

const instanceColumns = `
		id
	  , spec_id
	  , spec
	  , status
	  , current_stage_index
	  , workspace
	  , branch
	  , approval
	  , usage_totals
	  , snapshots
	  , history
	  , last_error
	  , cooldown_count
	  , created_at
	  , updated_at
	  , completed_at
`

// Save upserts the instance in a single statement so readers always see
// either the previous or the new version.
func (r *InstanceRepository) Save(ctx context.Context, instance *models.WorkflowInstance) error {
	now := time.Now().UTC()

	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	specJSON, err := json.Marshal(instance.Spec)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal spec: %w", err))
	}

	approvalJSON, err := marshalNullable(instance.Approval)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal approval: %w", err))
	}

	usageJSON, err := json.Marshal(instance.Usage)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal usage totals: %w", err))
	}

	snapshotsJSON, err := marshalNullableSlice(instance.Snapshots)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal snapshots: %w", err))
	}

	historyJSON, err := marshalNullableSlice(instance.History)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal history: %w", err))
	}

	lastErrorJSON, err := marshalNullable(instance.LastError)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID,
			fmt.Errorf("failed to marshal last error: %w", err))
	}

	query := `
		INSERT INTO instances (id, spec_id, spec, status, current_stage_index,
			workspace, branch, approval, usage_totals, snapshots, history,
			last_error, cooldown_count, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			spec_id = EXCLUDED.spec_id,
			spec = EXCLUDED.spec,
			status = EXCLUDED.status,
			current_stage_index = EXCLUDED.current_stage_index,
			workspace = EXCLUDED.workspace,
			branch = EXCLUDED.branch,
			approval = EXCLUDED.approval,
			usage_totals = EXCLUDED.usage_totals,
			snapshots = EXCLUDED.snapshots,
			history = EXCLUDED.history,
			last_error = EXCLUDED.last_error,
			cooldown_count = EXCLUDED.cooldown_count,
			updated_at = EXCLUDED.updated_at,
			completed_at = EXCLUDED.completed_at
	`

	_, err = r.db.ExecContext(ctx, query,
		instance.ID,
		instance.SpecID,
		specJSON,
		instance.Status,
		instance.CurrentStageIndex,
		instance.Workspace,
		instance.Branch,
		approvalJSON,
		usageJSON,
		snapshotsJSON,
		historyJSON,
		lastErrorJSON,
		instance.CooldownCount,
		instance.CreatedAt,
		instance.UpdatedAt,
		instance.CompletedAt,
	)
	if err != nil {
		return persistence.NewInstanceError("Save", instance.ID, err)
	}

	return nil
}

// ByID retrieves an instance by its ID.
func (r *InstanceRepository) ByID(ctx context.Context, id string) (*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM instances WHERE id = $1`

	row := r.db.QueryRowContext(ctx, query, id)

	instance, err := r.scanInstance(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewInstanceError("ByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, persistence.NewInstanceError("ByID", id, err)
	}

	return instance, nil
}

// List returns paginated and filtered instances, sorted and counted in SQL.
func (r *InstanceRepository) List(ctx context.Context, opts persistence.ListOptions) (*persistence.ListResult, error) {
	if opts.Limit <= 0 || opts.Limit > 100 {
		opts.Limit = 20
	}

	if opts.SortBy == "" {
		opts.SortBy = "created_at"
	}

	if opts.SortOrder == "" {
		opts.SortOrder = "desc"
	}

	allowedSorts := map[string]bool{
		"created_at": true,
		"updated_at": true,
	}
	if !allowedSorts[opts.SortBy] {
		return nil, fmt.Errorf("invalid sort field: %s", opts.SortBy)
	}

	direction := "ASC"
	if opts.SortOrder == "desc" {
		direction = "DESC"
	}

	conditions := make([]string, 0, 2)
	args := make([]any, 0, 4)

	if opts.Status != nil {
		args = append(args, string(*opts.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}

	if opts.SpecID != "" {
		args = append(args, opts.SpecID)
		conditions = append(conditions, fmt.Sprintf("spec_id = $%d", len(args)))
	}

	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var totalCount int64

	countQuery := `SELECT COUNT(*) FROM instances` + where
	if err := r.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalCount); err != nil {
		return nil, fmt.Errorf("failed to count instances: %w", err)
	}

	args = append(args, opts.Limit, opts.Offset)
	query := fmt.Sprintf(`SELECT %s FROM instances%s ORDER BY %s %s LIMIT $%d OFFSET $%d`,
		instanceColumns, where, opts.SortBy, direction, len(args)-1, len(args))

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}

	defer func(ctx context.Context, r *InstanceRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	instances := make([]*models.WorkflowInstance, 0, opts.Limit)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return &persistence.ListResult{
		Instances:   instances,
		TotalCount:  totalCount,
		HasNextPage: int64(opts.Offset+len(instances)) < totalCount,
	}, nil
}

// ListNonTerminal returns every instance the resume scan must pick up,
// oldest first.
func (r *InstanceRepository) ListNonTerminal(ctx context.Context) ([]*models.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
		FROM instances
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query,
		string(models.InstanceStatusCompleted), string(models.InstanceStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("failed to query non-terminal instances: %w", err)
	}

	defer func(ctx context.Context, r *InstanceRepository) {
		err := rows.Close()
		if err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}(ctx, r)

	instances := make([]*models.WorkflowInstance, 0)

	for rows.Next() {
		instance, err := r.scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}

		instances = append(instances, instance)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating instances: %w", err)
	}

	return instances, nil
}

// Delete removes an instance by its ID. Missing rows are not an error.
func (r *InstanceRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM instances WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return persistence.NewInstanceError("Delete", id, err)
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *InstanceRepository) scanInstance(row rowScanner) (*models.WorkflowInstance, error) {
	var (
		instance      models.WorkflowInstance
		specJSON      []byte
		workspace     sql.NullString
		branch        sql.NullString
		approvalJSON  []byte
		usageJSON     []byte
		snapshotsJSON []byte
		historyJSON   []byte
		lastErrorJSON []byte
		completedAt   sql.NullTime
	)

	err := row.Scan(
		&instance.ID,
		&instance.SpecID,
		&specJSON,
		&instance.Status,
		&instance.CurrentStageIndex,
		&workspace,
		&branch,
		&approvalJSON,
		&usageJSON,
		&snapshotsJSON,
		&historyJSON,
		&lastErrorJSON,
		&instance.CooldownCount,
		&instance.CreatedAt,
		&instance.UpdatedAt,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}

	instance.Workspace = workspace.String
	instance.Branch = branch.String

	if completedAt.Valid {
		instance.CompletedAt = &completedAt.Time
	}

	if err := json.Unmarshal(specJSON, &instance.Spec); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal spec: %w", persistence.ErrInvalidData, err)
	}

	if err := json.Unmarshal(usageJSON, &instance.Usage); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal usage totals: %w", persistence.ErrInvalidData, err)
	}

	if err := unmarshalNullable(approvalJSON, &instance.Approval); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal approval: %w", persistence.ErrInvalidData, err)
	}

	if err := unmarshalNullable(snapshotsJSON, &instance.Snapshots); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal snapshots: %w", persistence.ErrInvalidData, err)
	}

	if err := unmarshalNullable(historyJSON, &instance.History); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal history: %w", persistence.ErrInvalidData, err)
	}

	if err := unmarshalNullable(lastErrorJSON, &instance.LastError); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal last error: %w", persistence.ErrInvalidData, err)
	}

	return &instance, nil
}

// marshalNullable returns NULL for nil pointers so optional JSONB columns
// stay NULL instead of holding the string "null".
func marshalNullable[T any](value *T) (any, error) {
	if value == nil {
		return nil, nil
	}

	return json.Marshal(value)
}

func marshalNullableSlice[T any](values []T) (any, error) {
	if len(values) == 0 {
		return nil, nil
	}

	return json.Marshal(values)
}

func unmarshalNullable(data []byte, target any) error {
	if len(data) == 0 {
		return nil
	}

	return json.Unmarshal(data, target)
}
