package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, adm Admission) *Engine {
	t.Helper()
	snap := NewSnapshot()
	snap.admission = adm
	engine, err := NewEngine(context.Background(), snap)
	require.NoError(t, err)
	return engine
}

func TestEvaluateTurnPromptLimit(t *testing.T) {
	engine := newTestEngine(t, Admission{MaxPromptChars: 100})
	ctx := context.Background()

	allowed, reasons, err := engine.EvaluateTurn(ctx, 50)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, reasons)

	allowed, reasons, err = engine.EvaluateTurn(ctx, 101)
	require.NoError(t, err)
	assert.False(t, allowed)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "exceeds limit")
}

func TestEvaluateTurnNoLimitConfigured(t *testing.T) {
	engine := newTestEngine(t, Admission{})
	allowed, _, err := engine.EvaluateTurn(context.Background(), 1_000_000)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestEvaluateToolForbiddenList(t *testing.T) {
	engine := newTestEngine(t, Admission{ForbiddenTools: []string{"shell_exec"}})
	ctx := context.Background()

	allowed, _, err := engine.EvaluateTool(ctx, "chat-ui", "internet_research")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, reasons, err := engine.EvaluateTool(ctx, "chat-ui", "shell_exec")
	require.NoError(t, err)
	assert.False(t, allowed)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "forbidden")
}
