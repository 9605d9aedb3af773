package verify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"

	"github.com/stagehand/stagehand/pkg/models"
)

var ErrCommandNeedsFramework = errors.New("command override requires an explicit framework")

// CommandVerifier runs the workspace's test suite. With framework
// "auto" it detects the framework from marker files; a command override
// replaces the framework's default invocation but keeps its parser.
type CommandVerifier struct {
	framework string
	command   []string
}

func NewCommandVerifier(config map[string]any) (*CommandVerifier, error) {
	v := &CommandVerifier{framework: "auto"}

	if framework, ok := config["framework"].(string); ok && framework != "" {
		v.framework = framework
	}

	if rawCommand, ok := config["command"].([]any); ok {
		for _, raw := range rawCommand {
			if part, ok := raw.(string); ok {
				v.command = append(v.command, part)
			}
		}
	}

	if len(v.command) > 0 && v.framework == "auto" {
		return nil, ErrCommandNeedsFramework
	}

	if v.framework != "auto" {
		if _, ok := frameworkByName(v.framework); !ok {
			return nil, fmt.Errorf("unknown verification framework %q", v.framework)
		}
	}

	return v, nil
}

func (v *CommandVerifier) Verify(ctx context.Context, workspace string, logger *slog.Logger) (*models.VerificationResult, error) {
	logger = logger.With("verifier_type", "command")

	framework, ok := v.resolve(workspace)
	if !ok {
		// Mirrors how the engine treats any other failed check: the
		// stage cannot be verified, which is a verification failure,
		// not an adapter crash.
		return &models.VerificationResult{
			Status:          models.VerificationFailed,
			FailureMessages: []string{"no supported test framework detected"},
		}, nil
	}

	command := framework.Command
	if len(v.command) > 0 {
		command = v.command
	}

	logger.Info("running verification", "framework", framework.Name, "command", command[0])

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = workspace

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("verification aborted: %w", ctxErr)
		}

		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			// Binary missing or not executable.
			return &models.VerificationResult{
				Status:          models.VerificationFailed,
				Framework:       framework.Name,
				FailureMessages: []string{command[0] + " not found"},
			}, nil
		}
	}

	output := stdout.String()
	if output == "" {
		output = stderr.String()
	}

	result := framework.Parse(output, runErr == nil)

	logger.Info("verification finished",
		"framework", framework.Name,
		"status", result.Status,
		"passed_checks", result.PassedChecks,
		"total_checks", result.TotalChecks)

	return result, nil
}

func (v *CommandVerifier) resolve(workspace string) (Framework, bool) {
	if v.framework != "auto" {
		return frameworkByName(v.framework)
	}

	return Detect(workspace)
}

type CommandVerifierFactory struct{}

func NewCommandVerifierFactory() *CommandVerifierFactory {
	return &CommandVerifierFactory{}
}

func (*CommandVerifierFactory) ID() string {
	return "command"
}

func (*CommandVerifierFactory) Name() string {
	return "Command"
}

func (*CommandVerifierFactory) Description() string {
	return "Runs the workspace test suite, auto-detecting npm, pytest, cargo or go projects."
}

func (f *CommandVerifierFactory) Create(_ context.Context, config map[string]any) (Verifier, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewCommandVerifier(config)
}

func (f *CommandVerifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"framework": map[string]any{
				"type":        "string",
				"description": "Test framework to use. 'auto' detects from marker files.",
				"default":     "auto",
				"enum":        []string{"auto", "npm", "pytest", "cargo", "gotest"},
			},
			"command": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Override for the framework's default invocation. Requires an explicit framework.",
			},
		},
	}
}
