// Package notify delivers human-facing workflow notifications: approval
// requests, completions, failures. Backends are pluggable through the
// registry.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Kind classifies a notification for consumers that route on it.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindApprovalDecided   Kind = "approval_decided"
	KindWorkflowCompleted Kind = "workflow_completed"
	KindWorkflowFailed    Kind = "workflow_failed"
)

// Notification is one message to a human. FilesChanged carries the
// workspace diff summary that reviewers need before approving.
type Notification struct {
	Kind         Kind       `json:"kind"`
	InstanceID   string     `json:"instance_id"`
	WorkflowName string     `json:"workflow_name,omitempty"`
	Stage        string     `json:"stage,omitempty"`
	Message      string     `json:"message"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	Deadline     *time.Time `json:"deadline,omitempty"`
}

type Notifier interface {
	Notify(ctx context.Context, notification Notification, logger *slog.Logger) error
}

// Factory builds notifiers from registry configuration.
type Factory interface {
	// Create creates a new notifier instance with the given configuration
	Create(ctx context.Context, config map[string]any) (Notifier, error)

	// ID returns the unique identifier for this notifier type
	ID() string

	// Name returns the human-readable name for this notifier type
	Name() string

	// Description returns a description of what this notifier does
	Description() string

	// Schema returns the JSON schema for configuring this notifier
	Schema() map[string]any
}

// fileSummary caps the file list the way reviewers see it: first ten
// entries plus a count of the rest.
func fileSummary(files []string) []string {
	const shown = 10

	if len(files) <= shown {
		return files
	}

	summary := make([]string, shown, shown+1)
	copy(summary, files[:shown])

	return append(summary, fmt.Sprintf("... and %d more", len(files)-shown))
}
