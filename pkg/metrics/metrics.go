// Package metrics defines the sink the cost aggregator and engine flush
// observations into. Sinks are append-only and must tolerate duplicate
// records: retries and resumed instances can report the same
// (instance, stage, attempt) more than once.
package metrics

import (
	"context"

	"github.com/stagehand/stagehand/pkg/models"
)

// Sink receives usage and outcome observations.
type Sink interface {
	// RecordStage reports one stage attempt's resource consumption.
	RecordStage(ctx context.Context, instanceID, stageName string, attempt int, usage models.StageUsage, success bool) error

	// RecordWorkflow reports an instance reaching a terminal status.
	RecordWorkflow(ctx context.Context, instanceID string, status models.InstanceStatus, totals models.UsageTotals) error
}

// NopSink discards everything.
type NopSink struct{}

func NewNopSink() *NopSink { return &NopSink{} }

func (*NopSink) RecordStage(context.Context, string, string, int, models.StageUsage, bool) error {
	return nil
}

func (*NopSink) RecordWorkflow(context.Context, string, models.InstanceStatus, models.UsageTotals) error {
	return nil
}

// MultiSink fans observations out to several sinks. Every sink is
// attempted; the first error is returned.
type MultiSink struct {
	sinks []Sink
}

func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

func (m *MultiSink) RecordStage(ctx context.Context, instanceID, stageName string, attempt int, usage models.StageUsage, success bool) error {
	var firstErr error

	for _, sink := range m.sinks {
		if err := sink.RecordStage(ctx, instanceID, stageName, attempt, usage, success); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (m *MultiSink) RecordWorkflow(ctx context.Context, instanceID string, status models.InstanceStatus, totals models.UsageTotals) error {
	var firstErr error

	for _, sink := range m.sinks {
		if err := sink.RecordWorkflow(ctx, instanceID, status, totals); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
