// Package cmd provides common initialization for the stagehand binaries.
package cmd

import (
	"context"
	"log/slog"

	"github.com/stagehand/stagehand/pkg/registry"
)

// NewRegistry builds the adapter registry with the built-in factories
// and any plugins found under pluginsPath.
func NewRegistry(ctx context.Context, logger *slog.Logger, pluginsPath string) (*registry.Registry, error) {
	reg := registry.NewRegistry(logger)
	reg.RegisterDefaults()

	agentPlugins, err := reg.LoadAgentPlugins(ctx, pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, factory := range agentPlugins {
		reg.RegisterAgent(factory)
	}

	verifierPlugins, err := reg.LoadVerifierPlugins(ctx, pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, factory := range verifierPlugins {
		reg.RegisterVerifier(factory)
	}

	notifierPlugins, err := reg.LoadNotifierPlugins(ctx, pluginsPath)
	if err != nil {
		return nil, err
	}

	for _, factory := range notifierPlugins {
		reg.RegisterNotifier(factory)
	}

	return reg, nil
}
