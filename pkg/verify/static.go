package verify

import (
	"context"
	"log/slog"

	"github.com/stagehand/stagehand/pkg/models"
)

// StaticVerifier reports a fixed result. For dry runs and workflows
// whose stages have no runnable test suite.
type StaticVerifier struct {
	result models.VerificationResult
}

func NewStaticVerifier(config map[string]any) *StaticVerifier {
	v := &StaticVerifier{
		result: models.VerificationResult{
			Status:       models.VerificationPassed,
			Framework:    "static",
			TotalChecks:  1,
			PassedChecks: 1,
		},
	}

	if status, ok := config["status"].(string); ok && status == string(models.VerificationFailed) {
		v.result.Status = models.VerificationFailed
		v.result.PassedChecks = 0

		if rawMessages, ok := config["failure_messages"].([]any); ok {
			for _, raw := range rawMessages {
				if message, ok := raw.(string); ok {
					v.result.FailureMessages = append(v.result.FailureMessages, message)
				}
			}
		}

		if len(v.result.FailureMessages) == 0 {
			v.result.FailureMessages = []string{"static verifier configured to fail"}
		}
	}

	return v
}

func (v *StaticVerifier) Verify(ctx context.Context, _ string, _ *slog.Logger) (*models.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := v.result

	return &result, nil
}

type StaticVerifierFactory struct{}

func NewStaticVerifierFactory() *StaticVerifierFactory {
	return &StaticVerifierFactory{}
}

func (*StaticVerifierFactory) ID() string {
	return "static"
}

func (*StaticVerifierFactory) Name() string {
	return "Static"
}

func (*StaticVerifierFactory) Description() string {
	return "Always reports the configured verification result. For dry runs."
}

func (f *StaticVerifierFactory) Create(_ context.Context, config map[string]any) (Verifier, error) {
	if config == nil {
		config = map[string]any{}
	}

	return NewStaticVerifier(config), nil
}

func (f *StaticVerifierFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{
				"type":    "string",
				"default": "passed",
				"enum":    []string{"passed", "failed"},
			},
			"failure_messages": map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "string"},
			},
		},
	}
}
