package agent

import (
	"context"
	"log/slog"
	"sync"

	"github.com/stagehand/stagehand/pkg/usage"
)

// StubAgent returns a canned result without touching the workspace.
// Used for dry runs and as the default agent in tests.
type StubAgent struct {
	output  string
	tokens  int
	costUSD float64

	mu    sync.Mutex
	calls int
}

func NewStubAgent(config map[string]any) *StubAgent {
	a := &StubAgent{output: "stub agent: no work performed"}

	if output, ok := config["output"].(string); ok && output != "" {
		a.output = output
	}

	switch tokens := config["tokens_used"].(type) {
	case int:
		a.tokens = tokens
	case float64:
		a.tokens = int(tokens)
	}

	if cost, ok := config["cost_usd"].(float64); ok {
		a.costUSD = cost
	}

	return a
}

func (a *StubAgent) Execute(ctx context.Context, req Request, logger *slog.Logger) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.calls++
	a.mu.Unlock()

	logger.Debug("stub agent invoked", "workspace", req.Workspace)

	tokens := a.tokens
	if tokens == 0 {
		tokens = usage.EstimateTokens(req.Prompt + a.output)
	}

	cost := a.costUSD
	if cost == 0 {
		cost = usage.CalculateCost(tokens, req.Model)
	}

	return &Result{Output: a.output, TokensUsed: tokens, CostUSD: cost}, nil
}

// Calls reports how many times the stub ran.
func (a *StubAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.calls
}

type StubAgentFactory struct{}

func NewStubAgentFactory() *StubAgentFactory {
	return &StubAgentFactory{}
}

func (*StubAgentFactory) ID() string {
	return "stub"
}

func (*StubAgentFactory) Name() string {
	return "Stub"
}

func (*StubAgentFactory) Description() string {
	return "Returns a canned result without executing anything. For dry runs and tests."
}

func (f *StubAgentFactory) Create(_ context.Context, config map[string]any) (Agent, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewStubAgent(config), nil
}

func (f *StubAgentFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"output": map[string]any{
				"type":        "string",
				"description": "Canned output text.",
			},
			"tokens_used": map[string]any{
				"type":        "integer",
				"description": "Reported token usage. Estimated from text length when omitted.",
			},
			"cost_usd": map[string]any{
				"type":        "number",
				"description": "Reported cost. Derived from tokens when omitted.",
			},
		},
	}
}
