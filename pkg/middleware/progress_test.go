package middleware

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

func progressAfterTool(t *testing.T, p *Progress, run *RunState, tool string, args map[string]any, result *tools.Result) {
	t.Helper()
	exec := &ToolExecContext{Run: run, CallID: "c", Tool: tool, Args: args}
	require.NoError(t, p.AfterToolExec(context.Background(), exec, result))
}

func TestProgressPublishesStateOnStart(t *testing.T) {
	p := NewProgress(ProgressConfig{})
	run := newTestRun()

	require.NoError(t, p.OnStart(context.Background(), run))

	state, ok := run.Meta[MetaProgress].(*ProgressState)
	require.True(t, ok)
	assert.False(t, state.LoopDetected)
}

func TestProgressDetectsPeriodThreeLoop(t *testing.T) {
	p := NewProgress(ProgressConfig{})
	run := newTestRun()
	require.NoError(t, p.OnStart(context.Background(), run))

	cycle := []struct {
		tool string
		args map[string]any
	}{
		{"fs:read", map[string]any{"path": "a.go"}},
		{"fs:read", map[string]any{"path": "b.go"}},
		{"shell:exec", map[string]any{"command": "go test"}},
	}
	// The same three calls twice over: window = X Y Z X Y Z.
	for round := 0; round < 2; round++ {
		for _, c := range cycle {
			progressAfterTool(t, p, run, c.tool, c.args, tools.Text("out"))
		}
	}

	state := run.Meta[MetaProgress].(*ProgressState)
	assert.True(t, state.LoopDetected)
	assert.Contains(t, state.LoopReason, "repeating")
}

func TestProgressNoLoopOnVariedCalls(t *testing.T) {
	p := NewProgress(ProgressConfig{})
	run := newTestRun()
	require.NoError(t, p.OnStart(context.Background(), run))

	for i := 0; i < 8; i++ {
		progressAfterTool(t, p, run, "fs:read", map[string]any{"path": fmt.Sprintf("f%d.go", i)}, tools.Text("out"))
	}

	state := run.Meta[MetaProgress].(*ProgressState)
	assert.False(t, state.LoopDetected)
}

func TestProgressSameToolDifferentArgsIsNotALoop(t *testing.T) {
	p := NewProgress(ProgressConfig{})
	run := newTestRun()
	require.NoError(t, p.OnStart(context.Background(), run))

	// Six calls to one tool, but the argument advances.
	for i := 0; i < 6; i++ {
		progressAfterTool(t, p, run, "fs:read", map[string]any{"offset": i}, tools.Text("out"))
	}

	state := run.Meta[MetaProgress].(*ProgressState)
	assert.False(t, state.LoopDetected)
}

func TestProgressStuckCounter(t *testing.T) {
	p := NewProgress(ProgressConfig{StuckThreshold: 3})
	run := newTestRun()
	emitter := &recordingEmitter{}
	run.Emitter = emitter
	require.NoError(t, p.OnStart(context.Background(), run))

	// Iterations whose tool calls produce no output.
	for i := 1; i <= 3; i++ {
		run.Iteration = i
		progressAfterTool(t, p, run, "fs:list", map[string]any{"path": "."}, tools.Text(""))
		require.NoError(t, p.AfterIteration(context.Background(), run))
	}

	state := run.Meta[MetaProgress].(*ProgressState)
	assert.True(t, state.Stuck)
	assert.Equal(t, 3, state.IterationsSinceProgress)

	// Any productive tool call resets the counter.
	run.Iteration = 4
	progressAfterTool(t, p, run, "fs:read", map[string]any{"path": "a.go"}, tools.Text("content"))
	require.NoError(t, p.AfterIteration(context.Background(), run))

	assert.False(t, state.Stuck)
	assert.Equal(t, 0, state.IterationsSinceProgress)

	types := emitter.types()
	require.NotEmpty(t, types)
	for _, typ := range types {
		assert.Equal(t, events.EventProgressUpdate, typ)
	}
}

func TestProgressUpdatePayloadCarriesState(t *testing.T) {
	p := NewProgress(ProgressConfig{StuckThreshold: 1})
	run := newTestRun()
	emitter := &recordingEmitter{}
	run.Emitter = emitter
	require.NoError(t, p.OnStart(context.Background(), run))

	run.Iteration = 1
	progressAfterTool(t, p, run, "fs:list", map[string]any{}, tools.Errorf(tools.ErrCodeExecFailed, "boom"))
	require.NoError(t, p.AfterIteration(context.Background(), run))

	require.Len(t, emitter.events, 1)
	payload, ok := emitter.events[0].Payload.(events.ProgressUpdatePayload)
	require.True(t, ok)
	assert.Equal(t, 1, payload.Iteration)
	assert.True(t, payload.Stuck)
}
