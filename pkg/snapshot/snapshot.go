// Package snapshot manages restorable checkpoints of a workflow's
// working directory. The engine captures one before every critical-path
// stage and restores the most recent one when such a stage fails.
package snapshot

import (
	"context"
	"errors"

	"github.com/stagehand/stagehand/pkg/models"
)

var (
	// ErrSnapshotNotFound means the ref does not name a known checkpoint.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotInvalidated means the ref was captured after a restore
	// point and no longer describes a reachable state.
	ErrSnapshotInvalidated = errors.New("snapshot invalidated by earlier restore")

	// ErrWorkspaceMissing means the working directory does not exist.
	ErrWorkspaceMissing = errors.New("workspace does not exist")
)

// Manager creates and restores working-state checkpoints. Create must be
// safe to call with no pending changes and still return a valid ref.
// Restore brings the workspace back to exactly the captured condition;
// refs captured after the restored one become unrestorable.
type Manager interface {
	Create(ctx context.Context, workspace string, stageIndex int, stageName string) (models.SnapshotRef, error)
	Restore(ctx context.Context, workspace string, ref models.SnapshotRef) error

	// Changes lists paths modified since the last checkpoint, for
	// changed-artifact reporting when the do-work adapter reports none.
	Changes(ctx context.Context, workspace string) ([]string, error)
}
