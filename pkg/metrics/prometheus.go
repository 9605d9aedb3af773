package metrics

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/stagehand/stagehand/pkg/models"
)

// PromSink exposes usage observations as Prometheus metrics. Stage
// records are deduplicated on (instance, stage, attempt) so counter
// totals stay exact when a resumed instance re-reports an attempt.
type PromSink struct {
	stageAttempts *prometheus.CounterVec
	stageTokens   prometheus.Counter
	stageCost     prometheus.Counter
	stageDuration prometheus.Histogram
	workflows     *prometheus.CounterVec

	mu   sync.Mutex
	seen map[string]struct{}
}

func NewPromSink(reg prometheus.Registerer) (*PromSink, error) {
	s := &PromSink{
		stageAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_stage_attempts_total",
			Help: "Stage attempts by result.",
		}, []string{"result"}),
		stageTokens: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_tokens_total",
			Help: "Tokens consumed across all stage attempts.",
		}),
		stageCost: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stagehand_cost_usd_total",
			Help: "Estimated cost in USD across all stage attempts.",
		}),
		stageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stagehand_stage_duration_seconds",
			Help:    "Wall time of stage attempts.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stagehand_workflows_total",
			Help: "Workflow instances reaching a terminal status.",
		}, []string{"status"}),
		seen: make(map[string]struct{}),
	}

	for _, c := range []prometheus.Collector{
		s.stageAttempts, s.stageTokens, s.stageCost, s.stageDuration, s.workflows,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering collector: %w", err)
		}
	}

	return s, nil
}

func (s *PromSink) RecordStage(_ context.Context, instanceID, stageName string, attempt int, usage models.StageUsage, success bool) error {
	key := fmt.Sprintf("%s/%s/%d", instanceID, stageName, attempt)

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()

		return nil
	}

	s.seen[key] = struct{}{}
	s.mu.Unlock()

	result := "failure"
	if success {
		result = "success"
	}

	s.stageAttempts.WithLabelValues(result).Inc()
	s.stageTokens.Add(float64(usage.Tokens))
	s.stageCost.Add(usage.CostUSD)
	s.stageDuration.Observe(float64(usage.DurationMS) / 1000)

	return nil
}

func (s *PromSink) RecordWorkflow(_ context.Context, instanceID string, status models.InstanceStatus, totals models.UsageTotals) error {
	s.workflows.WithLabelValues(string(status)).Inc()

	// The instance is terminal; its dedup keys are no longer needed.
	s.mu.Lock()
	for key := range s.seen {
		if len(key) > len(instanceID) && key[:len(instanceID)] == instanceID && key[len(instanceID)] == '/' {
			delete(s.seen, key)
		}
	}
	s.mu.Unlock()

	return nil
}
