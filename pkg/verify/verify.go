// Package verify runs the post-stage verification pass over a workspace
// and normalizes framework output into a result the engine can act on.
package verify

import (
	"context"
	"log/slog"

	"github.com/stagehand/stagehand/pkg/models"
)

type Verifier interface {
	Verify(ctx context.Context, workspace string, logger *slog.Logger) (*models.VerificationResult, error)
}

// Factory builds verifiers from registry configuration.
type Factory interface {
	// Create creates a new verifier instance with the given configuration
	Create(ctx context.Context, config map[string]any) (Verifier, error)

	// ID returns the unique identifier for this verifier type
	ID() string

	// Name returns the human-readable name for this verifier type
	Name() string

	// Description returns a description of what this verifier does
	Description() string

	// Schema returns the JSON schema for configuring this verifier
	Schema() map[string]any
}
