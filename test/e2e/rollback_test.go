package e2e

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/history"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// Three agent runs rewrite the same file; rollback restores the state before
// the earliest selected change, both for a whole-file target and for a
// timestamp window.
func TestRollbackRestoresEarliestSnapshot(t *testing.T) {
	h := newHarness(t)
	cfgPath := filepath.Join(h.workDir, "src", "config.yaml")
	require.NoError(t, os.MkdirAll(filepath.Dir(cfgPath), 0o755))
	require.NoError(t, os.WriteFile(cfgPath, []byte("v0"), 0o644))

	// One shared script across three sequential runs: each run writes the
	// next version and reports.
	worker := &scriptedModel{responses: []*llm.ChatResult{
		toolCallResult("c1", "fs:write", `{"path": "src/config.yaml", "content": "v1"}`),
		reportResult("r1", "bumped config to v1", nil),
		toolCallResult("c2", "fs:write", `{"path": "src/config.yaml", "content": "v2"}`),
		reportResult("r2", "bumped config to v2", nil),
		toolCallResult("c3", "fs:write", `{"path": "src/config.yaml", "content": "v3"}`),
		reportResult("r3", "bumped config to v3", nil),
	}}
	h.registry.Register(llm.TierMedium, worker)

	for i, task := range []string{"bump to v1", "bump to v2", "bump to v3"} {
		outcome := h.runWorker(context.Background(), task, agent.Config{
			RunID:     "run-roll",
			SessionID: "sess-roll",
			AgentID:   "editor",
		})
		require.Equal(t, models.OutcomeCompleted, outcome.Kind, "run %d", i+1)
		// Distinct snapshot timestamps for the window rollback below.
		time.Sleep(5 * time.Millisecond)
	}

	current, err := os.ReadFile(cfgPath)
	require.NoError(t, err)
	require.Equal(t, "v3", string(current))

	changes, err := h.history.Query(history.Filter{FilePath: "src/config.yaml"})
	require.NoError(t, err)
	require.Len(t, changes, 3)
	require.NotNil(t, changes[0].Before)
	assert.Equal(t, "v0", changes[0].Before.Content)
	assert.Equal(t, "v1", changes[1].Before.Content)
	assert.Equal(t, "v2", changes[2].Before.Content)

	engine := history.NewEngine(h.history, h.workDir, testLogger())

	// Dry run: one planned restore, tree untouched.
	plan, result, err := engine.Rollback(context.Background(), history.Target{FilePath: "src/config.yaml"}, true)
	require.NoError(t, err)
	assert.Nil(t, result)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, history.ActionRestore, plan.Actions[0].Kind)
	current, err = os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "v3", string(current))

	// Whole-file rollback lands on the state before the first change.
	_, result, err = engine.Rollback(context.Background(), history.Target{FilePath: "src/config.yaml"}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	assert.Equal(t, 0, result.Failed)
	current, err = os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "v0", string(current))

	// A window starting just before the second change undoes only the later
	// two writes: the earliest snapshot in the window holds v1.
	t2 := changes[1].Timestamp
	_, result, err = engine.Rollback(context.Background(), history.Target{After: t2.Add(-time.Millisecond)}, false)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Restored)
	current, err = os.ReadFile(cfgPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(current))
}
