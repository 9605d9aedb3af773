package verify

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand/stagehand/pkg/models"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestCommandVerifier_NoFrameworkDetected(t *testing.T) {
	v, err := NewCommandVerifier(map[string]any{})
	require.NoError(t, err)

	result, err := v.Verify(context.Background(), t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, models.VerificationFailed, result.Status)
	assert.Equal(t, []string{"no supported test framework detected"}, result.FailureMessages)
}

func TestCommandVerifier_CommandOverridePassing(t *testing.T) {
	v, err := NewCommandVerifier(map[string]any{
		"framework": "gotest",
		"command":   []any{"sh", "-c", `printf '%s\n' '--- PASS: TestOne (0.00s)' '--- PASS: TestTwo (0.00s)' 'PASS'`},
	})
	require.NoError(t, err)

	result, err := v.Verify(context.Background(), t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, models.VerificationPassed, result.Status)
	assert.Equal(t, "gotest", result.Framework)
	assert.Equal(t, 2, result.PassedChecks)
}

func TestCommandVerifier_CommandOverrideFailing(t *testing.T) {
	v, err := NewCommandVerifier(map[string]any{
		"framework": "gotest",
		"command":   []any{"sh", "-c", `printf '%s\n' '--- FAIL: TestBroken (0.01s)' 'FAIL'; exit 1`},
	})
	require.NoError(t, err)

	result, err := v.Verify(context.Background(), t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, models.VerificationFailed, result.Status)
	assert.Equal(t, []string{"TestBroken failed"}, result.FailureMessages)
}

func TestCommandVerifier_BinaryMissing(t *testing.T) {
	v, err := NewCommandVerifier(map[string]any{
		"framework": "pytest",
		"command":   []any{"definitely-not-a-real-binary-xyz"},
	})
	require.NoError(t, err)

	result, err := v.Verify(context.Background(), t.TempDir(), quietLogger())
	require.NoError(t, err)

	assert.Equal(t, models.VerificationFailed, result.Status)
	assert.Equal(t, []string{"definitely-not-a-real-binary-xyz not found"}, result.FailureMessages)
}

func TestStaticVerifier(t *testing.T) {
	factory := NewStaticVerifierFactory()

	passing, err := factory.Create(context.Background(), nil)
	require.NoError(t, err)

	result, err := passing.Verify(context.Background(), "unused", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationPassed, result.Status)

	failing, err := factory.Create(context.Background(), map[string]any{
		"status":           "failed",
		"failure_messages": []any{"contract says no"},
	})
	require.NoError(t, err)

	result, err = failing.Verify(context.Background(), "unused", quietLogger())
	require.NoError(t, err)
	assert.Equal(t, models.VerificationFailed, result.Status)
	assert.Equal(t, []string{"contract says no"}, result.FailureMessages)
}
