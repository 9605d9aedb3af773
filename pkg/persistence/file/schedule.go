package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"time"

	"github.com/stagehand/stagehand/pkg/models"
	"github.com/stagehand/stagehand/pkg/persistence"
)

// ScheduleRepository handles schedule-related file operations.
type ScheduleRepository struct {
	root string
}

// NewScheduleRepository creates a new schedule repository.
func NewScheduleRepository(root string) *ScheduleRepository {
	return &ScheduleRepository{root: root}
}

func (sr *ScheduleRepository) Save(_ context.Context, schedule *models.Schedule) error {
	err := os.MkdirAll(sr.root+"/schedules", 0750)
	if err != nil {
		return fmt.Errorf("failed to create schedules directory: %w", err)
	}

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}

	schedule.UpdatedAt = now

	data, err := json.MarshalIndent(schedule, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal schedule %s: %w", schedule.ID, err)
	}

	filePath := path.Join(sr.root+"/schedules", schedule.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

func (sr *ScheduleRepository) ByID(_ context.Context, id string) (*models.Schedule, error) {
	filePath := filepath.Clean(path.Join(sr.root, "schedules", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewScheduleError("ByID", id, persistence.ErrScheduleNotFound)
		}

		return nil, fmt.Errorf("failed to fetch schedule %s: %w", id, err)
	}

	var schedule models.Schedule

	err = json.Unmarshal(body, &schedule)
	if err != nil {
		return nil, persistence.NewScheduleError("ByID", id,
			fmt.Errorf("%w: %w", persistence.ErrInvalidData, err))
	}

	return &schedule, nil
}

func (sr *ScheduleRepository) All(ctx context.Context) ([]*models.Schedule, error) {
	root := os.DirFS(sr.root + "/schedules")

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule files: %w", err)
	}

	schedules := make([]*models.Schedule, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5]

		schedule, err := sr.ByID(ctx, id)
		if err != nil {
			if persistence.IsScheduleNotFound(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load schedule %s: %w", id, err)
		}

		schedules = append(schedules, schedule)
	}

	sort.Slice(schedules, func(i, j int) bool {
		return schedules[i].CreatedAt.Before(schedules[j].CreatedAt)
	})

	return schedules, nil
}

func (sr *ScheduleRepository) Due(ctx context.Context, now time.Time) ([]*models.Schedule, error) {
	all, err := sr.All(ctx)
	if err != nil {
		return nil, err
	}

	due := make([]*models.Schedule, 0)

	for _, schedule := range all {
		if schedule.IsDue(now) {
			due = append(due, schedule)
		}
	}

	return due, nil
}

func (sr *ScheduleRepository) Delete(_ context.Context, id string) error {
	filePath := path.Join(sr.root+"/schedules", id+".json")

	err := os.Remove(filePath)

	if err != nil && os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to delete schedule %s: %w", id, err)
	}

	return nil
}
