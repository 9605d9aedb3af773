// Package agent defines the adapter that performs a stage's work inside
// the workspace, plus the built-in implementations.
package agent

import (
	"context"
	"log/slog"
)

// Request is one prompt invocation. The executor owns the attempt
// timeout through ctx; the adapter must stop when ctx is done.
type Request struct {
	Prompt    string
	Workspace string
	Model     string
	MaxTokens int
}

// Result is what the adapter produced. TokensUsed and CostUSD may be
// estimates when the underlying tool does not report usage.
type Result struct {
	Output       string
	TokensUsed   int
	CostUSD      float64
	ChangedFiles []string
}

type Agent interface {
	Execute(ctx context.Context, req Request, logger *slog.Logger) (*Result, error)
}

// Factory builds agents from registry configuration.
type Factory interface {
	// Create creates a new agent instance with the given configuration
	Create(ctx context.Context, config map[string]any) (Agent, error)

	// ID returns the unique identifier for this agent type
	ID() string

	// Name returns the human-readable name for this agent type
	Name() string

	// Description returns a description of what this agent does
	Description() string

	// Schema returns the JSON schema for configuring this agent
	Schema() map[string]any
}
