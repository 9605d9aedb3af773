package snapshot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand/stagehand/pkg/models"
)

// MemManager is an in-memory Manager used by engine and coordinator
// tests. It tracks snapshot order per workspace so restoring an older
// ref invalidates everything taken after it, mirroring how reachability
// behaves in the git implementation.
type MemManager struct {
	mu       sync.Mutex
	seq      map[string][]string
	restored map[string]int
	creates  int
	restores int
}

func NewMemManager() *MemManager {
	return &MemManager{
		seq:      make(map[string][]string),
		restored: make(map[string]int),
	}
}

func (m *MemManager) Create(_ context.Context, workspace string, stageIndex int, stageName string) (models.SnapshotRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := uuid.New().String()
	m.seq[workspace] = append(m.seq[workspace], id)
	m.creates++

	return models.SnapshotRef{
		ID:         id,
		StageIndex: stageIndex,
		StageName:  stageName,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (m *MemManager) Restore(_ context.Context, workspace string, ref models.SnapshotRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	pos := -1

	for i, id := range m.seq[workspace] {
		if id == ref.ID {
			pos = i

			break
		}
	}

	if pos < 0 {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, ref.ID)
	}

	if cut, ok := m.restored[workspace]; ok && pos > cut {
		return fmt.Errorf("%w: %s", ErrSnapshotInvalidated, ref.ID)
	}

	m.restored[workspace] = pos
	m.restores++

	return nil
}

func (m *MemManager) Changes(_ context.Context, _ string) ([]string, error) {
	return nil, nil
}

// Creates reports how many snapshots have been taken across all
// workspaces.
func (m *MemManager) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.creates
}

// Restores reports how many restores have succeeded across all
// workspaces.
func (m *MemManager) Restores() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.restores
}
