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

// InstanceRepository handles instance-related file operations.
type InstanceRepository struct {
	root string
}

// NewInstanceRepository creates a new instance repository.
func NewInstanceRepository(root string) *InstanceRepository {
	return &InstanceRepository{root: root}
}

// Save writes the instance as an indented JSON document, creating the
// instances directory on first use. The write replaces the previous
// version in one WriteFile call.
func (ir *InstanceRepository) Save(_ context.Context, instance *models.WorkflowInstance) error {
	err := os.MkdirAll(ir.root+"/instances", 0750)
	if err != nil {
		return fmt.Errorf("failed to create instances directory: %w", err)
	}

	now := time.Now().UTC()
	if instance.CreatedAt.IsZero() {
		instance.CreatedAt = now
	}

	instance.UpdatedAt = now

	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal instance %s: %w", instance.ID, err)
	}

	filePath := path.Join(ir.root+"/instances", instance.ID+".json")

	return os.WriteFile(filePath, data, 0600)
}

// ByID retrieves an instance by its ID from the file system.
func (ir *InstanceRepository) ByID(_ context.Context, id string) (*models.WorkflowInstance, error) {
	filePath := filepath.Clean(path.Join(ir.root, "instances", id+".json"))

	body, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewInstanceError("ByID", id, persistence.ErrInstanceNotFound)
		}

		return nil, fmt.Errorf("failed to fetch instance %s: %w", id, err)
	}

	var instance models.WorkflowInstance

	err = json.Unmarshal(body, &instance)
	if err != nil {
		return nil, persistence.NewInstanceError("ByID", id,
			fmt.Errorf("%w: %w", persistence.ErrInvalidData, err))
	}

	return &instance, nil
}

// List returns paginated and filtered instances with in-memory operations.
func (ir *InstanceRepository) List(ctx context.Context, opts persistence.ListOptions) (*persistence.ListResult, error) {
	// Set defaults
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

	all, err := ir.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	filtered := make([]*models.WorkflowInstance, 0, len(all))

	for _, instance := range all {
		if opts.Status != nil && instance.Status != *opts.Status {
			continue
		}

		if opts.SpecID != "" && instance.SpecID != opts.SpecID {
			continue
		}

		filtered = append(filtered, instance)
	}

	ir.sortInstances(filtered, opts.SortBy, opts.SortOrder)

	totalCount := int64(len(filtered))
	startIdx := opts.Offset
	endIdx := opts.Offset + opts.Limit

	if startIdx >= len(filtered) {
		return &persistence.ListResult{
			Instances:   make([]*models.WorkflowInstance, 0),
			TotalCount:  totalCount,
			HasNextPage: false,
		}, nil
	}

	if endIdx > len(filtered) {
		endIdx = len(filtered)
	}

	return &persistence.ListResult{
		Instances:   filtered[startIdx:endIdx],
		TotalCount:  totalCount,
		HasNextPage: endIdx < len(filtered),
	}, nil
}

// ListNonTerminal returns every instance the resume scan must pick up.
func (ir *InstanceRepository) ListNonTerminal(ctx context.Context) ([]*models.WorkflowInstance, error) {
	all, err := ir.loadAll(ctx)
	if err != nil {
		return nil, err
	}

	open := make([]*models.WorkflowInstance, 0, len(all))

	for _, instance := range all {
		if instance.Status.IsTerminal() {
			continue
		}

		open = append(open, instance)
	}

	ir.sortInstances(open, "created_at", "asc")

	return open, nil
}

// Delete removes an instance by its ID. Missing files are not an error.
func (ir *InstanceRepository) Delete(_ context.Context, id string) error {
	filePath := path.Join(ir.root+"/instances", id+".json")

	err := os.Remove(filePath)

	if err != nil && os.IsNotExist(err) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to delete instance %s: %w", id, err)
	}

	return nil
}

func (ir *InstanceRepository) loadAll(ctx context.Context) ([]*models.WorkflowInstance, error) {
	root := os.DirFS(ir.root + "/instances")

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list instance files: %w", err)
	}

	instances := make([]*models.WorkflowInstance, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		id := file[:len(file)-5] // Remove .json extension

		instance, err := ir.ByID(ctx, id)
		if err != nil {
			if persistence.IsInstanceNotFound(err) {
				continue
			}

			return nil, fmt.Errorf("failed to load instance %s: %w", id, err)
		}

		instances = append(instances, instance)
	}

	return instances, nil
}

func (ir *InstanceRepository) sortInstances(instances []*models.WorkflowInstance, sortBy, sortOrder string) {
	sort.Slice(instances, func(i, j int) bool {
		var less bool

		switch sortBy {
		case "updated_at":
			less = instances[i].UpdatedAt.Before(instances[j].UpdatedAt)
		default:
			less = instances[i].CreatedAt.Before(instances[j].CreatedAt)
		}

		if sortOrder == "desc" {
			return !less
		}

		return less
	})
}
