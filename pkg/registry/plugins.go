package registry

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"strings"

	"github.com/stagehand/stagehand/pkg/agent"
	"github.com/stagehand/stagehand/pkg/notify"
	"github.com/stagehand/stagehand/pkg/verify"
)

// LoadAgentPlugins loads agent factories from <pluginsPath>/agents/*.so.
// Each plugin must export an "Agent" symbol implementing agent.Factory.
func (r *Registry) LoadAgentPlugins(ctx context.Context, pluginsPath string) ([]agent.Factory, error) {
	return loadPlugin[agent.Factory](ctx, r.logger, pluginsPath, "Agent")
}

// LoadVerifierPlugins loads verifier factories from
// <pluginsPath>/verifiers/*.so. Each plugin must export a "Verifier"
// symbol implementing verify.Factory.
func (r *Registry) LoadVerifierPlugins(ctx context.Context, pluginsPath string) ([]verify.Factory, error) {
	return loadPlugin[verify.Factory](ctx, r.logger, pluginsPath, "Verifier")
}

// LoadNotifierPlugins loads notifier factories from
// <pluginsPath>/notifiers/*.so. Each plugin must export a "Notifier"
// symbol implementing notify.Factory.
func (r *Registry) LoadNotifierPlugins(ctx context.Context, pluginsPath string) ([]notify.Factory, error) {
	return loadPlugin[notify.Factory](ctx, r.logger, pluginsPath, "Notifier")
}

func loadPlugin[T any](ctx context.Context, logger *slog.Logger, pluginsPath, symbolName string) ([]T, error) {
	rootPath := pluginsPath + "/" + strings.ToLower(symbolName) + "s"
	if _, err := os.Stat(rootPath); os.IsNotExist(err) {
		return nil, nil
	}

	root := os.DirFS(rootPath)

	pluginPathList, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return nil, err
	}

	l := logger.With(slog.String("path", rootPath), slog.String("type", symbolName))
	l.InfoContext(ctx, "loading plugins", "count", len(pluginPathList))

	pluginList := make([]T, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(rootPath + "/" + p)
		if err != nil {
			return nil, err
		}

		symbol, err := plg.Lookup(symbolName)
		if err != nil {
			return nil, err
		}

		factory, ok := symbol.(T)
		if !ok {
			l.WarnContext(ctx, "plugin symbol has wrong type, skipping", "plugin", p)

			continue
		}

		pluginList = append(pluginList, factory)

		l.InfoContext(ctx, "loaded plugin", slog.String("plugin", p))
	}

	return pluginList, nil
}
