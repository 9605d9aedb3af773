// Package file provides file-based persistence for workflow instances
// and schedules. Records are JSON documents under the configured root;
// good for single-node deployments and tests.
package file

import (
	"context"
	"os"
	"strings"

	"github.com/stagehand/stagehand/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root         string
	instanceRepo *InstanceRepository
	scheduleRepo *ScheduleRepository
}

// NewPersistence creates a new instance of Persistence with the specified root directory.
func NewPersistence(root string) persistence.Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	return &Persistence{
		root:         cleanRoot,
		instanceRepo: NewInstanceRepository(cleanRoot),
		scheduleRepo: NewScheduleRepository(cleanRoot),
	}
}

func (fp *Persistence) Instances() persistence.InstanceRepository {
	return fp.instanceRepo
}

func (fp *Persistence) Schedules() persistence.ScheduleRepository {
	return fp.scheduleRepo
}

// HealthCheck checks if the file persistence layer is healthy by verifying the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}
