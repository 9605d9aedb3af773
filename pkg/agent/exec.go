package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/stagehand/stagehand/pkg/usage"
)

var ErrMissingCommand = errors.New("exec agent requires a command")

// execResult is the structured output contract for tools that report
// their own usage. Tools that print plain text instead get a char-based
// token estimate.
type execResult struct {
	Output       string   `json:"output"`
	TokensUsed   int      `json:"tokens_used"`
	CostUSD      float64  `json:"cost_usd"`
	ChangedFiles []string `json:"changed_files"`
}

// ExecAgent shells out to a development CLI. The prompt travels on
// stdin by default, or as the final argument when prompt_stdin is
// false. The token cap and model reach the tool through environment
// variables.
type ExecAgent struct {
	command     string
	args        []string
	promptStdin bool
	env         map[string]string
}

func NewExecAgent(config map[string]any) (*ExecAgent, error) {
	command, _ := config["command"].(string)
	if command == "" {
		return nil, ErrMissingCommand
	}

	a := &ExecAgent{
		command:     command,
		promptStdin: true,
	}

	if rawArgs, ok := config["args"].([]any); ok {
		for _, raw := range rawArgs {
			if arg, ok := raw.(string); ok {
				a.args = append(a.args, arg)
			}
		}
	}

	if stdin, ok := config["prompt_stdin"].(bool); ok {
		a.promptStdin = stdin
	}

	if rawEnv, ok := config["env"].(map[string]any); ok {
		a.env = make(map[string]string, len(rawEnv))

		for key, raw := range rawEnv {
			if value, ok := raw.(string); ok {
				a.env[key] = value
			}
		}
	}

	return a, nil
}

func (a *ExecAgent) Execute(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	logger = logger.With("agent_type", "exec", "command", a.command)

	args := a.args
	if !a.promptStdin {
		args = append(append([]string{}, a.args...), req.Prompt)
	}

	cmd := exec.CommandContext(ctx, a.command, args...)
	cmd.Dir = req.Workspace
	cmd.Env = a.environ(req)

	if a.promptStdin {
		cmd.Stdin = strings.NewReader(req.Prompt)
	}

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("agent command aborted: %w", ctxErr)
		}

		return nil, fmt.Errorf("agent command failed: %w: %s", err, tail(stderr.String()))
	}

	output := stdout.String()
	if output == "" {
		output = stderr.String()
	}

	result := a.parse(output, req)

	logger.Debug("agent command completed",
		"tokens_used", result.TokensUsed, "changed_files", len(result.ChangedFiles))

	return result, nil
}

// parse prefers the structured JSON contract and falls back to treating
// the whole of stdout as the work log.
func (a *ExecAgent) parse(output string, req Request) *Result {
	trimmed := strings.TrimSpace(output)

	if strings.HasPrefix(trimmed, "{") {
		var structured execResult

		if err := json.Unmarshal([]byte(trimmed), &structured); err == nil && structured.Output != "" {
			result := &Result{
				Output:       structured.Output,
				TokensUsed:   structured.TokensUsed,
				CostUSD:      structured.CostUSD,
				ChangedFiles: structured.ChangedFiles,
			}

			if result.TokensUsed == 0 {
				result.TokensUsed = usage.EstimateTokens(req.Prompt + structured.Output)
			}

			if result.CostUSD == 0 {
				result.CostUSD = usage.CalculateCost(result.TokensUsed, req.Model)
			}

			return result
		}
	}

	tokens := usage.EstimateTokens(req.Prompt + output)

	return &Result{
		Output:     output,
		TokensUsed: tokens,
		CostUSD:    usage.CalculateCost(tokens, req.Model),
	}
}

func (a *ExecAgent) environ(req Request) []string {
	env := append(os.Environ(),
		"STAGEHAND_MAX_TOKENS="+strconv.Itoa(req.MaxTokens),
		"STAGEHAND_MODEL="+req.Model,
	)

	for key, value := range a.env {
		env = append(env, key+"="+value)
	}

	return env
}

func tail(s string) string {
	s = strings.TrimSpace(s)

	const max = 512
	if len(s) > max {
		return "..." + s[len(s)-max:]
	}

	return s
}

type ExecAgentFactory struct{}

func NewExecAgentFactory() *ExecAgentFactory {
	return &ExecAgentFactory{}
}

func (*ExecAgentFactory) ID() string {
	return "exec"
}

func (*ExecAgentFactory) Name() string {
	return "Exec"
}

func (*ExecAgentFactory) Description() string {
	return "Runs a development CLI in the workspace. The prompt is passed on stdin or as the final argument; structured results are read from stdout."
}

func (f *ExecAgentFactory) Create(_ context.Context, config map[string]any) (Agent, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewExecAgent(config)
}

func (f *ExecAgentFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Executable to run for each stage.",
				"examples":    []string{"claude", "aider"},
			},
			"args": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Arguments passed before the prompt.",
			},
			"prompt_stdin": map[string]any{
				"type":        "boolean",
				"description": "Send the prompt on stdin instead of as the final argument.",
				"default":     true,
			},
			"env": map[string]any{
				"type":        "object",
				"description": "Extra environment variables for the command.",
			},
		},
		"required": []string{"command"},
	}
}
