package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/stagehand/stagehand/pkg/persistence"
	"github.com/stagehand/stagehand/pkg/persistence/file"
	"github.com/stagehand/stagehand/pkg/persistence/postgresql"
)

// NewPersistence picks the storage driver from the URL scheme:
// postgres:// (or postgresql://) for PostgreSQL, file:// or a bare path
// for the JSON-file driver.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		persist, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres persistence: %w", err)
		}

		return persist, nil
	case strings.HasPrefix(databaseURL, "file://"):
		return file.NewPersistence(strings.TrimPrefix(databaseURL, "file://")), nil
	default:
		return file.NewPersistence(databaseURL), nil
	}
}
