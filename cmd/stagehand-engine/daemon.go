package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/eventbus"
	"github.com/stagehand/stagehand/pkg/events"
	"github.com/stagehand/stagehand/pkg/metrics"
	"github.com/stagehand/stagehand/pkg/otelhelper"
	"github.com/stagehand/stagehand/pkg/persistence"
)

// EngineDaemon consumes control events off the bus and drives the
// engine: submissions start instances, approval decisions release
// waiting gates, cancel requests terminate runs. On boot it resumes
// every non-terminal instance left behind by a previous process.
type EngineDaemon struct {
	id          string
	engine      *engine.Engine
	persistence persistence.Persistence
	eventBus    eventbus.EventBus
	logger      *slog.Logger
	tracer      trace.Tracer
}

func NewEngineDaemon(
	id string,
	eng *engine.Engine,
	persist persistence.Persistence,
	eventBus eventbus.EventBus,
	logger *slog.Logger,
) *EngineDaemon {
	return &EngineDaemon{
		id:          id,
		engine:      eng,
		persistence: persist,
		eventBus:    eventBus,
		logger:      logger.With("module", "engine-daemon"),
	}
}

func (d *EngineDaemon) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tracer, err := otelhelper.NewTracer(runCtx, "stagehand-engine")
	if err != nil {
		d.logger.WarnContext(runCtx, "tracing disabled", "error", err)
	} else {
		d.tracer = tracer
	}

	if err := d.eventBus.Handle(events.WorkflowSubmittedEvent, d.handleSubmitted(runCtx)); err != nil {
		return err
	}

	if err := d.eventBus.Handle(events.ApprovalDecidedEvent, d.handleApprovalDecided); err != nil {
		return err
	}

	if err := d.eventBus.Handle(events.CancelRequestedEvent, d.handleCancelRequested); err != nil {
		return err
	}

	if err := d.eventBus.Subscribe(runCtx); err != nil {
		d.logger.ErrorContext(runCtx, "failed to subscribe to event bus", "error", err)

		return err
	}

	resumed, err := d.engine.Resume(runCtx)
	if err != nil {
		return err
	}

	d.logger.InfoContext(runCtx, "engine daemon started", "resumed_instances", len(resumed))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	d.logger.InfoContext(ctx, "shutting down engine daemon")

	// Cancelling the run context suspends in-flight instances; Shutdown
	// waits for their state to land in persistence.
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	return d.engine.Shutdown(shutdownCtx)
}

// handleSubmitted binds the daemon's run context so an instance started
// by a bus event outlives the per-message handler call.
func (d *EngineDaemon) handleSubmitted(runCtx context.Context) eventbus.EventHandler {
	return func(ctx context.Context, event any) error {
		submitted, ok := event.(*events.WorkflowSubmitted)
		if !ok {
			d.logger.ErrorContext(ctx, "invalid event payload for workflow.submitted")

			return nil
		}

		ctx, span := d.startSpan(ctx, "engine.daemon handle_submitted",
			attribute.String(otelhelper.WorkflowIDKey, submitted.InstanceID),
			attribute.String(otelhelper.SpecNameKey, submitted.SpecName),
			attribute.String(otelhelper.EventIDKey, submitted.ID),
		)
		defer span.End()

		logger := d.logger.With("workflow_id", submitted.InstanceID, "event_id", submitted.ID)
		logger.InfoContext(ctx, "processing workflow submission")

		instance, err := d.persistence.Instances().ByID(ctx, submitted.InstanceID)
		if err != nil {
			otelhelper.SetError(span, err)
			logger.ErrorContext(ctx, "failed to load submitted instance", "error", err)

			// Redelivery cannot help a missing record.
			if persistence.IsInstanceNotFound(err) {
				return nil
			}

			return err
		}

		go func() {
			if err := d.engine.Run(runCtx, instance); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("workflow run aborted", "error", err)
			}
		}()

		return nil
	}
}

func (d *EngineDaemon) handleApprovalDecided(ctx context.Context, event any) error {
	decided, ok := event.(*events.ApprovalDecided)
	if !ok {
		d.logger.ErrorContext(ctx, "invalid event payload for approval.decided")

		return nil
	}

	// The engine republishes decisions it applies; those carry a worker
	// ID and are not operator requests.
	if decided.WorkerID != "" {
		return nil
	}

	ctx, span := d.startSpan(ctx, "engine.daemon handle_approval",
		attribute.String(otelhelper.WorkflowIDKey, decided.InstanceID),
		attribute.String(otelhelper.StageNameKey, decided.StageName),
		attribute.String(otelhelper.EventIDKey, decided.ID),
	)
	defer span.End()

	logger := d.logger.With("workflow_id", decided.InstanceID, "decision", decided.Decision)
	logger.InfoContext(ctx, "processing approval decision")

	err := d.engine.RecordApproval(ctx, decided.InstanceID, decided.Decision, decided.DecidedBy, decided.Comment)
	if err != nil {
		// Duplicate deliveries and already-settled gates are expected
		// under at-least-once delivery; log and move on.
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "approval decision not applied", "error", err)
	}

	return nil
}

func (d *EngineDaemon) handleCancelRequested(ctx context.Context, event any) error {
	request, ok := event.(*events.CancelRequested)
	if !ok {
		d.logger.ErrorContext(ctx, "invalid event payload for cancel.requested")

		return nil
	}

	ctx, span := d.startSpan(ctx, "engine.daemon handle_cancel",
		attribute.String(otelhelper.WorkflowIDKey, request.InstanceID),
		attribute.String(otelhelper.EventIDKey, request.ID),
	)
	defer span.End()

	logger := d.logger.With("workflow_id", request.InstanceID)
	logger.InfoContext(ctx, "processing cancel request", "cancelled_by", request.CancelledBy)

	err := d.engine.Cancel(ctx, request.InstanceID, request.CancelledBy, request.Reason)
	if err != nil {
		otelhelper.SetError(span, err)
		logger.WarnContext(ctx, "cancel request not applied", "error", err)
	}

	return nil
}

func (d *EngineDaemon) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if d.tracer == nil {
		return noop.NewTracerProvider().Tracer("").Start(ctx, name)
	}

	return otelhelper.StartSpan(ctx, d.tracer, name, attrs...)
}

// newSink builds the metrics pipeline: structured-log observations
// always, plus a Prometheus endpoint when a port is configured.
func newSink(logger *slog.Logger, port int) (metrics.Sink, error) {
	logSink := metrics.NewLogSink(logger)

	if port <= 0 {
		return logSink, nil
	}

	registry := prometheus.NewRegistry()

	promSink, err := metrics.NewPromSink(registry)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	go func() {
		server := &http.Server{Addr: ":" + strconv.Itoa(port), Handler: mux}
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint stopped", "error", err)
		}
	}()

	return metrics.NewMultiSink(logSink, promSink), nil
}
