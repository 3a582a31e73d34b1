package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/tools"
)

func scopedCtx(sessionID string) context.Context {
	return tools.WithRunScope(context.Background(), tools.RunScope{
		RunID:     "run-1",
		SessionID: sessionID,
	})
}

func TestRecallTool(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.AppendAnswer("sess-1", "run-0", "the leak was in the connection pool"))
	tool := RecallTool(s, 5)

	assert.Equal(t, tools.ToolArchiveRecall, tool.Name)

	t.Run("finds archived answers", func(t *testing.T) {
		res, err := tool.Run(scopedCtx("sess-1"), map[string]any{"query": "connection pool"})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Contains(t, res.Output, "connection pool")
		assert.Equal(t, 1, res.Metadata["matches"])
	})

	t.Run("reports empty results", func(t *testing.T) {
		res, err := tool.Run(scopedCtx("sess-1"), map[string]any{"query": "quasar"})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Contains(t, res.Output, "no archived memories")
	})

	t.Run("requires a query", func(t *testing.T) {
		res, err := tool.Run(scopedCtx("sess-1"), map[string]any{})
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Equal(t, tools.ErrCodeInvalidArgs, res.Error.Code)
	})

	t.Run("requires a run scope", func(t *testing.T) {
		res, err := tool.Run(context.Background(), map[string]any{"query": "x"})
		require.NoError(t, err)
		require.False(t, res.Success)
		assert.Equal(t, tools.ErrCodeExecFailed, res.Error.Code)
	})

	t.Run("caps the limit argument", func(t *testing.T) {
		for range 4 {
			require.NoError(t, s.Append("sess-2", Entry{Content: "repeated fact"}))
		}
		capped := RecallTool(s, 2)
		res, err := capped.Run(scopedCtx("sess-2"), map[string]any{"query": "repeated", "limit": float64(10)})
		require.NoError(t, err)
		require.True(t, res.Success)
		assert.Equal(t, 2, res.Metadata["matches"])
	})
}
