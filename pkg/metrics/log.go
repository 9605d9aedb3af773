package metrics

import (
	"context"
	"log/slog"

	"github.com/stagehand/stagehand/pkg/models"
)

// LogSink writes every observation as a structured log line. The default
// sink when no metrics backend is configured.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger.With("module", "metrics")}
}

func (s *LogSink) RecordStage(ctx context.Context, instanceID, stageName string, attempt int, usage models.StageUsage, success bool) error {
	s.logger.InfoContext(ctx, "stage usage recorded",
		"workflow_id", instanceID,
		"stage_name", stageName,
		"attempt", attempt,
		"tokens", usage.Tokens,
		"cost_usd", usage.CostUSD,
		"duration_ms", usage.DurationMS,
		"success", success,
	)

	return nil
}

func (s *LogSink) RecordWorkflow(ctx context.Context, instanceID string, status models.InstanceStatus, totals models.UsageTotals) error {
	s.logger.InfoContext(ctx, "workflow totals recorded",
		"workflow_id", instanceID,
		"status", string(status),
		"tokens_used", totals.TokensUsed,
		"cost_usd", totals.CostUSD,
		"stages_completed", totals.StagesCompleted,
		"verifications_passed", totals.VerificationsPassed,
	)

	return nil
}
