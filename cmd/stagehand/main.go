package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	cli "github.com/urfave/cli/v3"

	"github.com/stagehand/stagehand/pkg/catalog"
	"github.com/stagehand/stagehand/pkg/cmd"
	"github.com/stagehand/stagehand/pkg/log"
	"github.com/stagehand/stagehand/pkg/models"
)

var errMissingArgument = errors.New("missing argument")

func main() {
	command := &cli.Command{
		Name:                  "stagehand",
		Usage:                 "Submit and manage development workflows",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "api-url",
				Usage:   "Base URL of the stagehand API",
				Value:   "http://localhost:9091",
				Sources: cli.EnvVars("STAGEHAND_API_URL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			historyCommand(),
			listCommand(),
			decideCommand("approve", models.ApprovalApproved),
			decideCommand("reject", models.ApprovalRejected),
			cancelCommand(),
			previewCommand(),
			scheduleCommand(),
		},
	}

	if err := command.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func client(command *cli.Command) *Client {
	return NewClient(strings.TrimSuffix(command.String("api-url"), "/"))
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(data))

	return nil
}

func readSpecFile(path string) (*models.WorkflowSpec, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, err
	}

	var spec models.WorkflowSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("invalid spec file %s: %w", path, err)
	}

	return &spec, nil
}

func submitCommand() *cli.Command {
	workspaceFlag := &cli.StringFlag{
		Name:     "workspace",
		Aliases:  []string{"w"},
		Usage:    "Working directory the workflow mutates",
		Required: true,
	}

	return &cli.Command{
		Name:  "submit",
		Usage: "Submit a workflow",
		Commands: []*cli.Command{
			{
				Name:  "file",
				Usage: "Submit a workflow spec from a JSON file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "spec-file",
						Aliases:  []string{"f"},
						Usage:    "Path to the workflow spec JSON",
						Required: true,
					},
					workspaceFlag,
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					spec, err := readSpecFile(command.String("spec-file"))
					if err != nil {
						return err
					}

					return submit(ctx, command, spec)
				},
			},
			{
				Name:  "wrapper",
				Usage: "Submit the built-in wrapper development pipeline",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "project",
						Usage:    "Project path the pipeline builds in",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "target",
						Usage: "Provider targets the wrapper supports (repeatable)",
						Value: []string{"openai", "anthropic"},
					},
					workspaceFlag,
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					spec := catalog.WrapperPipeline(command.String("project"), command.StringSlice("target"))

					return submit(ctx, command, spec)
				},
			},
			{
				Name:  "fix",
				Usage: "Submit the built-in iterative fix workflow",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "command",
						Aliases:  []string{"c"},
						Usage:    "Failing command to make pass",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "max-iterations",
						Usage: "Iteration cap for the fix loop",
						Value: catalog.DefaultFixIterations,
					},
					workspaceFlag,
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					spec := catalog.IterativeFix(command.String("command"), int(command.Int("max-iterations")))

					return submit(ctx, command, spec)
				},
			},
			{
				Name:      "parallel",
				Usage:     "Submit one workflow per feature for parallel development",
				ArgsUsage: "FEATURE [FEATURE...]",
				Flags:     []cli.Flag{workspaceFlag},
				Action: func(ctx context.Context, command *cli.Command) error {
					features := command.Args().Slice()
					if len(features) == 0 {
						return fmt.Errorf("%w: at least one feature", errMissingArgument)
					}

					api := client(command)
					root := command.String("workspace")

					for _, branch := range catalog.ParallelFeatures(features...) {
						instance, err := api.Submit(ctx, branch.Spec, root+"/"+branch.Name)
						if err != nil {
							return err
						}

						fmt.Printf("%s\t%s\n", branch.Name, instance.ID)
					}

					return nil
				},
			},
		},
	}
}

func submit(ctx context.Context, command *cli.Command, spec *models.WorkflowSpec) error {
	instance, err := client(command).Submit(ctx, spec, command.String("workspace"))
	if err != nil {
		return err
	}

	return printJSON(instance)
}

func requireID(command *cli.Command) (string, error) {
	id := command.Args().First()
	if id == "" {
		return "", fmt.Errorf("%w: workflow instance ID", errMissingArgument)
	}

	return id, nil
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a workflow instance",
		ArgsUsage: "INSTANCE_ID",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireID(command)
			if err != nil {
				return err
			}

			instance, err := client(command).Status(ctx, id)
			if err != nil {
				return err
			}

			return printJSON(instance)
		},
	}
}

func historyCommand() *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "Show a workflow instance's stage records",
		ArgsUsage: "INSTANCE_ID",
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireID(command)
			if err != nil {
				return err
			}

			raw, err := client(command).History(ctx, id)
			if err != nil {
				return err
			}

			return printJSON(raw)
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List workflow instances",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "status",
				Usage: "Filter by status (running, awaiting_approval, completed, failed, ...)",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Page size",
				Value: 20,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			raw, err := client(command).List(ctx, command.String("status"), int(command.Int("limit")))
			if err != nil {
				return err
			}

			return printJSON(raw)
		},
	}
}

func decideCommand(name string, decision models.ApprovalDecision) *cli.Command {
	return &cli.Command{
		Name:      name,
		Usage:     name + " a workflow waiting at an approval gate",
		ArgsUsage: "INSTANCE_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "by",
				Usage: "Who decided",
			},
			&cli.StringFlag{
				Name:  "comment",
				Usage: "Optional decision comment",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireID(command)
			if err != nil {
				return err
			}

			err = client(command).Decide(ctx, id, string(decision), command.String("by"), command.String("comment"))
			if err != nil {
				return err
			}

			fmt.Printf("%s: %s\n", id, decision)

			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "Cancel a workflow instance",
		ArgsUsage: "INSTANCE_ID",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "by",
				Usage: "Who requested the cancel",
			},
			&cli.StringFlag{
				Name:  "reason",
				Usage: "Why the instance is being cancelled",
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			id, err := requireID(command)
			if err != nil {
				return err
			}

			err = client(command).Cancel(ctx, id, command.String("by"), command.String("reason"))
			if err != nil {
				return err
			}

			fmt.Println(id + ": cancelling")

			return nil
		},
	}
}

func previewCommand() *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Validate a spec and project its cost without submitting",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "spec-file",
				Aliases:  []string{"f"},
				Usage:    "Path to the workflow spec JSON",
				Required: true,
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			spec, err := readSpecFile(command.String("spec-file"))
			if err != nil {
				return err
			}

			raw, err := client(command).Preview(ctx, spec)
			if err != nil {
				return err
			}

			return printJSON(raw)
		},
	}
}

// scheduleCommand manages recurring submissions directly against the
// database; the scheduler daemon picks changes up on its next poll.
func scheduleCommand() *cli.Command {
	databaseFlag := &cli.StringFlag{
		Name:     "database-url",
		Usage:    "Database connection URL for persistence (postgres:// or file://)",
		Required: true,
		Sources:  cli.EnvVars("STAGEHAND_DATABASE_URL"),
	}

	return &cli.Command{
		Name:  "schedule",
		Usage: "Manage recurring workflow submissions",
		Commands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create a schedule from a spec file and a cron expression",
				Flags: []cli.Flag{
					databaseFlag,
					&cli.StringFlag{
						Name:     "spec-file",
						Aliases:  []string{"f"},
						Required: true,
					},
					&cli.StringFlag{
						Name:     "cron",
						Usage:    "5-field cron expression, e.g. '0 6 * * *'",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "workspace",
						Aliases:  []string{"w"},
						Required: true,
					},
					&cli.StringFlag{
						Name:  "id",
						Usage: "Schedule ID (auto-generated if not provided)",
					},
				},
				Action: func(ctx context.Context, command *cli.Command) error {
					log.Setup(command.String("log-level"))
					logger := log.WithModule("stagehand")

					spec, err := readSpecFile(command.String("spec-file"))
					if err != nil {
						return err
					}

					id := command.String("id")
					if id == "" {
						id = "sched-" + uuid.New().String()[:8]
					}

					schedule, err := models.NewSchedule(id, spec, command.String("cron"))
					if err != nil {
						return err
					}

					schedule.Workspace = command.String("workspace")

					if err := schedule.Validate(); err != nil {
						return err
					}

					persist, err := cmd.NewPersistence(ctx, logger, command.String("database-url"))
					if err != nil {
						return err
					}

					defer func() {
						_ = persist.Close(ctx)
					}()

					if err := persist.Schedules().Save(ctx, schedule); err != nil {
						return err
					}

					return printJSON(schedule)
				},
			},
			{
				Name:  "list",
				Usage: "List schedules",
				Flags: []cli.Flag{databaseFlag},
				Action: func(ctx context.Context, command *cli.Command) error {
					log.Setup(command.String("log-level"))

					persist, err := cmd.NewPersistence(ctx, log.WithModule("stagehand"), command.String("database-url"))
					if err != nil {
						return err
					}

					defer func() {
						_ = persist.Close(ctx)
					}()

					schedules, err := persist.Schedules().All(ctx)
					if err != nil {
						return err
					}

					return printJSON(schedules)
				},
			},
			{
				Name:      "remove",
				Usage:     "Delete a schedule",
				ArgsUsage: "SCHEDULE_ID",
				Flags:     []cli.Flag{databaseFlag},
				Action: func(ctx context.Context, command *cli.Command) error {
					log.Setup(command.String("log-level"))

					id := command.Args().First()
					if id == "" {
						return fmt.Errorf("%w: schedule ID", errMissingArgument)
					}

					persist, err := cmd.NewPersistence(ctx, log.WithModule("stagehand"), command.String("database-url"))
					if err != nil {
						return err
					}

					defer func() {
						_ = persist.Close(ctx)
					}()

					return persist.Schedules().Delete(ctx, id)
				},
			},
		},
	}
}
