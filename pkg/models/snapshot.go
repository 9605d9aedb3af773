package models

import "time"

// SnapshotRef points at a restorable checkpoint of the working state,
// taken before a critical-path stage. The ID is opaque to the engine; the
// git-backed manager stores a commit hash there.
type SnapshotRef struct {
	ID         string    `json:"id"`
	StageIndex int       `json:"stage_index"`
	StageName  string    `json:"stage_name"`
	Branch     string    `json:"branch,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	// Invalidated is set on refs taken after a restored snapshot; they
	// can no longer be restored.
	Invalidated bool `json:"invalidated,omitempty"`
}
