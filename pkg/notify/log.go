package notify

import (
	"context"
	"log/slog"
)

// LogNotifier writes notifications to the structured log. The default
// backend; production setups layer webhook or slack on top of it.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (*LogNotifier) Notify(_ context.Context, notification Notification, logger *slog.Logger) error {
	logger.Info("workflow notification",
		"kind", notification.Kind,
		"instance_id", notification.InstanceID,
		"workflow_name", notification.WorkflowName,
		"stage_name", notification.Stage,
		"message", notification.Message,
		"files_changed", len(notification.FilesChanged))

	return nil
}

type LogNotifierFactory struct{}

func NewLogNotifierFactory() *LogNotifierFactory {
	return &LogNotifierFactory{}
}

func (*LogNotifierFactory) ID() string {
	return "log"
}

func (*LogNotifierFactory) Name() string {
	return "Log"
}

func (*LogNotifierFactory) Description() string {
	return "Writes notifications to the structured log."
}

func (f *LogNotifierFactory) Create(_ context.Context, _ map[string]any) (Notifier, error) {
	return NewLogNotifier(), nil
}

func (f *LogNotifierFactory) Schema() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
}
