package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/stagehand/stagehand/pkg/cmd"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/executor"
	"github.com/stagehand/stagehand/pkg/log"
	"github.com/stagehand/stagehand/pkg/retry"
	"github.com/stagehand/stagehand/pkg/snapshot"
)

func main() {
	command := &cli.Command{
		Name:                  "stagehand-engine",
		Usage:                 "Run the workflow engine daemon",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "worker-id",
				Aliases: []string{"id"},
				Usage:   "Custom worker ID (auto-generated if not provided)",
				Sources: cli.EnvVars("STAGEHAND_WORKER_ID"),
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Database connection URL for persistence (postgres:// or file://)",
				Required: true,
				Sources:  cli.EnvVars("STAGEHAND_DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus provider (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("STAGEHAND_EVENT_BUS"),
			},
			&cli.StringSliceFlag{
				Name:    "kafka-brokers",
				Usage:   "Kafka broker addresses",
				Sources: cli.EnvVars("STAGEHAND_KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "plugins-path",
				Usage:   "Path to the directory containing adapter plugins",
				Value:   "./plugins",
				Sources: cli.EnvVars("STAGEHAND_PLUGINS_PATH"),
			},
			&cli.StringFlag{
				Name:    "agent",
				Usage:   "Agent adapter ID (exec, stub or a plugin)",
				Value:   "exec",
				Sources: cli.EnvVars("STAGEHAND_AGENT"),
			},
			&cli.StringFlag{
				Name:    "agent-config",
				Usage:   `Agent adapter configuration as JSON, e.g. '{"command": "claude"}'`,
				Value:   "{}",
				Sources: cli.EnvVars("STAGEHAND_AGENT_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "verifier",
				Usage:   "Verifier adapter ID (command, static or a plugin)",
				Value:   "command",
				Sources: cli.EnvVars("STAGEHAND_VERIFIER"),
			},
			&cli.StringFlag{
				Name:    "verifier-config",
				Usage:   "Verifier adapter configuration as JSON",
				Value:   "{}",
				Sources: cli.EnvVars("STAGEHAND_VERIFIER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "notifier",
				Usage:   "Notifier adapter ID (log, webhook, slack, redis or a plugin)",
				Value:   "log",
				Sources: cli.EnvVars("STAGEHAND_NOTIFIER"),
			},
			&cli.StringFlag{
				Name:    "notifier-config",
				Usage:   "Notifier adapter configuration as JSON",
				Value:   "{}",
				Sources: cli.EnvVars("STAGEHAND_NOTIFIER_CONFIG"),
			},
			&cli.StringFlag{
				Name:    "snapshots",
				Usage:   "Snapshot manager (git, memory)",
				Value:   "git",
				Sources: cli.EnvVars("STAGEHAND_SNAPSHOTS"),
			},
			&cli.DurationFlag{
				Name:    "approval-timeout",
				Usage:   "Decision window for approval gates",
				Sources: cli.EnvVars("STAGEHAND_APPROVAL_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "approval-timeout-policy",
				Usage:   "What an elapsed approval deadline does (reject, approve)",
				Value:   "reject",
				Sources: cli.EnvVars("STAGEHAND_APPROVAL_TIMEOUT_POLICY"),
			},
			&cli.IntFlag{
				Name:    "metrics-port",
				Usage:   "Port for the Prometheus metrics endpoint (0 disables)",
				Value:   9092,
				Sources: cli.EnvVars("STAGEHAND_METRICS_PORT"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	workerID := command.String("worker-id")
	if workerID == "" {
		workerID = "engine-" + uuid.New().String()[:8]
	}

	logger := log.WithModule("stagehand-engine").With("worker_id", workerID)
	logger.InfoContext(ctx, "initializing engine daemon")

	registry, err := cmd.NewRegistry(ctx, logger, command.String("plugins-path"))
	if err != nil {
		return err
	}

	persistence, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
	if err != nil {
		return err
	}

	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "failed to close persistence", "error", err)
		}
	}()

	eventBus, err := cmd.NewEventBus(
		command.String("event-bus"),
		"stagehand-engine",
		command.StringSlice("kafka-brokers"),
		logger,
	)
	if err != nil {
		return err
	}

	defer func() {
		if err := eventBus.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close event bus", "error", err)
		}
	}()

	agentConfig, err := decodeConfig(command.String("agent-config"))
	if err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}

	agnt, err := registry.CreateAgent(ctx, command.String("agent"), agentConfig)
	if err != nil {
		return err
	}

	verifierConfig, err := decodeConfig(command.String("verifier-config"))
	if err != nil {
		return fmt.Errorf("invalid verifier config: %w", err)
	}

	verifier, err := registry.CreateVerifier(ctx, command.String("verifier"), verifierConfig)
	if err != nil {
		return err
	}

	notifierConfig, err := decodeConfig(command.String("notifier-config"))
	if err != nil {
		return fmt.Errorf("invalid notifier config: %w", err)
	}

	notifier, err := registry.CreateNotifier(ctx, command.String("notifier"), notifierConfig)
	if err != nil {
		return err
	}

	var snapshots snapshot.Manager
	if command.String("snapshots") == "memory" {
		snapshots = snapshot.NewMemManager()
	} else {
		snapshots = snapshot.NewGitManager(logger)
	}

	sink, err := newSink(logger, int(command.Int("metrics-port")))
	if err != nil {
		return err
	}

	exec := executor.New(agnt, verifier, snapshots, retry.DefaultPolicy(), logger)

	eng := engine.New(
		engine.Config{
			WorkerID:              workerID,
			ApprovalTimeout:       command.Duration("approval-timeout"),
			ApprovalTimeoutPolicy: engine.TimeoutPolicy(command.String("approval-timeout-policy")),
		},
		persistence,
		eventBus,
		exec,
		snapshots,
		verifier,
		notifier,
		sink,
		logger,
	)

	daemon := NewEngineDaemon(workerID, eng, persistence, eventBus, logger)

	return daemon.Start(ctx)
}

func decodeConfig(raw string) (map[string]any, error) {
	config := make(map[string]any)
	if raw == "" {
		return config, nil
	}

	if err := json.Unmarshal([]byte(raw), &config); err != nil {
		return nil, err
	}

	return config, nil
}

// shutdownTimeout bounds how long the daemon waits for in-flight
// instances to persist their state on exit.
const shutdownTimeout = 30 * time.Second
