package usage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stagehand/stagehand/pkg/metrics"
	"github.com/stagehand/stagehand/pkg/models"
)

// Aggregator folds per-stage usage into an instance's running totals.
// Totals only grow: negative deltas are clamped to zero, and a rollback
// never refunds tokens already spent. One aggregator serves one instance;
// the owning engine is the only writer, external status queries read the
// persisted copy.
type Aggregator struct {
	mu     sync.Mutex
	totals models.UsageTotals
	sink   metrics.Sink
	logger *slog.Logger
}

// NewAggregator starts from prior totals so a resumed instance keeps
// counting where it left off.
func NewAggregator(start models.UsageTotals, sink metrics.Sink, logger *slog.Logger) *Aggregator {
	if sink == nil {
		sink = metrics.NewNopSink()
	}

	return &Aggregator{
		totals: start,
		sink:   sink,
		logger: logger.With("module", "usage"),
	}
}

// RecordStage adds one stage outcome's consumption and flushes it to the
// metrics sink. Failed attempts count too. Returns the updated totals for
// the caller to persist.
func (a *Aggregator) RecordStage(ctx context.Context, instanceID string, outcome *models.StageOutcome) models.UsageTotals {
	a.mu.Lock()

	a.totals.TokensUsed += clampNonNegative(outcome.Usage.Tokens)
	a.totals.DurationMS += clampNonNegative64(outcome.Usage.DurationMS)

	if outcome.Usage.CostUSD > 0 {
		a.totals.CostUSD += outcome.Usage.CostUSD
	}

	if outcome.Success {
		a.totals.StagesCompleted++
	}

	if outcome.Verification.Status == models.VerificationPassed {
		a.totals.VerificationsPassed++
	}

	totals := a.totals
	a.mu.Unlock()

	err := a.sink.RecordStage(ctx, instanceID, outcome.StageName, outcome.Attempts, outcome.Usage, outcome.Success)
	if err != nil {
		// Metrics are best-effort; usage accounting already happened.
		a.logger.WarnContext(ctx, "metrics sink rejected stage record",
			"workflow_id", instanceID, "stage_name", outcome.StageName, "error", err)
	}

	return totals
}

// Totals returns a copy of the current totals.
func (a *Aggregator) Totals() models.UsageTotals {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.totals
}

func clampNonNegative(v int) int {
	if v < 0 {
		return 0
	}

	return v
}

func clampNonNegative64(v int64) int64 {
	if v < 0 {
		return 0
	}

	return v
}
