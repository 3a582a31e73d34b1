package controller

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// toolMessages returns the tool-role messages appended for the run, by call ID.
func toolMessages(run *middleware.RunState) map[string]llm.Message {
	out := make(map[string]llm.Message)
	for _, m := range run.Messages {
		if m.Role == llm.RoleTool {
			out[m.ToolCallID] = m
		}
	}
	return out
}

func TestToolBatchExecutesInRequestOrder(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(
			namedCall("c1", "fs:read", map[string]any{"path": "a.txt"}),
			namedCall("c2", "shell:exec", map[string]any{"command": "ls"}),
		),
		toolTurn(reportCall("c3", "done", nil)),
	}}
	exec := &mockExecutor{results: map[string]*tools.Result{
		"fs:read":    tools.Text("contents of a.txt"),
		"shell:exec": tools.Text("a.txt\nb.txt"),
	}}
	loop, source := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Equal(t, []string{"fs:read", "shell:exec"}, exec.calls)
	assert.Equal(t, []string{"fs:read", "shell:exec"}, source.observed)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	require.Contains(t, msgs, "c2")
	assert.Contains(t, msgs["c1"].Content, "contents of a.txt")
	assert.False(t, msgs["c1"].IsError)
	assert.Equal(t, "fs:read", msgs["c1"].ToolName)
}

func TestToolBatchReportEndsRunMidBatch(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(
			reportCall("c1", "all set", nil),
			namedCall("c2", "fs:read", map[string]any{"path": "a.txt"}),
		),
	}}
	exec := &mockExecutor{}
	loop, _ := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Equal(t, "all set", res.Answer)
	// Nothing after the report executes.
	assert.Empty(t, exec.calls)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.Contains(t, msgs["c1"].Content, "report received")
}

func TestToolBatchInvalidReportFeedsErrorBack(t *testing.T) {
	client := &mockClient{script: []chatScript{
		// Missing answer: the model must be able to retry the report.
		toolTurn(namedCall("c1", tools.ToolReport, map[string]any{"claims": []map[string]any{}})),
		toolTurn(reportCall("c2", "fixed report", nil)),
	}}
	loop, _ := newTestLoop(client, &mockExecutor{}, Config{})
	run, emitter := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Equal(t, "fixed report", res.Answer)
	assert.Equal(t, 2, client.callCount)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.True(t, msgs["c1"].IsError)
	assert.Contains(t, msgs["c1"].Content, tools.ErrCodeInvalidArgs)
	assert.Contains(t, emitter.types(), events.EventToolError)
}

func TestToolBatchRejectsUnadvertisedTool(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "db:drop", map[string]any{"table": "users"})),
		toolTurn(reportCall("c2", "stopped guessing", nil)),
	}}
	exec := &mockExecutor{}
	loop, source := newTestLoop(client, exec, Config{})
	run, emitter := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	// The invented tool never reaches the executor but the strategy hears
	// about the miss.
	assert.Empty(t, exec.calls)
	assert.Equal(t, []string{"db:drop"}, source.observed)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.True(t, msgs["c1"].IsError)
	assert.Contains(t, msgs["c1"].Content, "not available")
	assert.Contains(t, msgs["c1"].Content, "fs:read")
	assert.Contains(t, emitter.types(), events.EventToolError)
}

func TestToolBatchMalformedArgumentsFeedErrorBack(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(llm.ToolCall{ID: "c1", Name: "fs:read", Arguments: `{"path": unquoted}`}),
		toolTurn(reportCall("c2", "gave up on that call", nil)),
	}}
	exec := &mockExecutor{}
	loop, _ := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Empty(t, exec.calls)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.True(t, msgs["c1"].IsError)
	assert.Contains(t, msgs["c1"].Content, "not valid JSON")
}

func TestToolBatchSkipDecisionInjectsResult(t *testing.T) {
	cached := tools.Text("cached directory listing")
	skip := &hookMW{beforeTool: func(exec *middleware.ToolExecContext) (middleware.ToolDecision, error) {
		exec.SkipResult = cached
		return middleware.DecisionSkip, nil
	}}
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "fs:read", map[string]any{"path": "a.txt"})),
		toolTurn(reportCall("c2", "done", nil)),
	}}
	exec := &mockExecutor{}
	loop, _ := newTestLoop(client, exec, Config{}, skip)
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Empty(t, exec.calls)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.Contains(t, msgs["c1"].Content, "cached directory listing")
	assert.False(t, msgs["c1"].IsError)
}

// auditingExecutor is a mockExecutor that also accepts served results, the
// way the trace recorder does.
type auditingExecutor struct {
	mockExecutor
	served       []string
	servedResult *tools.Result
}

func (a *auditingExecutor) RecordServed(name string, _ map[string]any, res *tools.Result) error {
	a.served = append(a.served, name)
	a.servedResult = res
	return nil
}

func TestToolBatchSkipRecordsServedResult(t *testing.T) {
	cached := tools.Text("cached directory listing")
	cached.Metadata = map[string]any{"from_cache": true}
	skip := &hookMW{beforeTool: func(exec *middleware.ToolExecContext) (middleware.ToolDecision, error) {
		exec.SkipResult = cached
		return middleware.DecisionSkip, nil
	}}
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "fs:read", map[string]any{"path": "a.txt"})),
		toolTurn(reportCall("c2", "done", nil)),
	}}
	exec := &auditingExecutor{}
	loop, _ := newTestLoop(client, exec, Config{}, skip)
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	// The served result reaches the audit trail without an execution.
	assert.Empty(t, exec.calls)
	require.Equal(t, []string{"fs:read"}, exec.served)
	assert.Same(t, cached, exec.servedResult)
}

func TestToolBatchSkipWithoutResultUsesNotice(t *testing.T) {
	skip := &hookMW{beforeTool: func(*middleware.ToolExecContext) (middleware.ToolDecision, error) {
		return middleware.DecisionSkip, nil
	}}
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "fs:read", map[string]any{"path": "a.txt"})),
		toolTurn(reportCall("c2", "done", nil)),
	}}
	loop, _ := newTestLoop(client, &mockExecutor{}, Config{}, skip)
	run, _ := newTestRun()

	loop.Run(context.Background(), run)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	assert.Contains(t, msgs["c1"].Content, "tool call skipped")
}

func TestToolBatchMarksMutatingCalls(t *testing.T) {
	var sawMutating []bool
	watch := &hookMW{beforeTool: func(exec *middleware.ToolExecContext) (middleware.ToolDecision, error) {
		sawMutating = append(sawMutating, exec.Mutating)
		return middleware.DecisionExecute, nil
	}}
	client := &mockClient{script: []chatScript{
		toolTurn(
			namedCall("c1", "fs:read", map[string]any{"path": "a.txt"}),
			namedCall("c2", "shell:exec", map[string]any{"command": "rm a.txt"}),
		),
		toolTurn(reportCall("c3", "done", nil)),
	}}
	loop, _ := newTestLoop(client, &mockExecutor{}, Config{}, watch)
	run, _ := newTestRun()

	loop.Run(context.Background(), run)

	assert.Equal(t, []bool{false, true}, sawMutating)
}

func TestToolBatchTimeoutStampsRemainingCalls(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(
			namedCall("c1", "fs:read", map[string]any{"path": "a.txt"}),
			namedCall("c2", "shell:exec", map[string]any{"command": "sleep 600"}),
			namedCall("c3", "fs:read", map[string]any{"path": "b.txt"}),
		),
		toolTurn(reportCall("c4", "finished after the timeout", nil)),
	}}
	exec := &mockExecutor{executeFn: func(_ context.Context, name string, _ map[string]any) (*tools.Result, error) {
		if name == "shell:exec" {
			return nil, context.DeadlineExceeded
		}
		return tools.Text("ok"), nil
	}}
	loop, _ := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	// One timeout retries; the run then completes normally.
	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Equal(t, 2, client.callCount)

	msgs := toolMessages(run)
	require.Contains(t, msgs, "c1")
	require.Contains(t, msgs, "c2")
	require.Contains(t, msgs, "c3")
	assert.False(t, msgs["c1"].IsError)
	// The failing call and every unreached call carry a timeout result.
	for _, id := range []string{"c2", "c3"} {
		assert.True(t, msgs[id].IsError)
		assert.Contains(t, msgs[id].Content, tools.ErrCodeTimeout)
	}

	// The retry note follows the stamped results.
	var retryNote bool
	for _, m := range run.Messages {
		if m.Role == llm.RoleUser && m.Content == "Error from previous attempt: context deadline exceeded. Please try again." {
			retryNote = true
		}
	}
	assert.True(t, retryNote)
}

func TestToolBatchConsecutiveTimeoutsEndRun(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "shell:exec", map[string]any{"command": "sleep 600"})),
		toolTurn(namedCall("c2", "shell:exec", map[string]any{"command": "sleep 600"})),
	}}
	exec := &mockExecutor{executeFn: func(context.Context, string, map[string]any) (*tools.Result, error) {
		return nil, context.DeadlineExceeded
	}}
	loop, _ := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopIterationError, res.StopCode)
	assert.Equal(t, "consecutive iteration timeouts", res.Reason)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.FailureTimeout, res.Failure.Kind)
}

func TestToolBatchRuntimeFaultEndsRun(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(namedCall("c1", "fs:read", map[string]any{"path": "a.txt"})),
	}}
	exec := &mockExecutor{executeFn: func(context.Context, string, map[string]any) (*tools.Result, error) {
		return nil, errors.New("trace write failed: disk full")
	}}
	loop, _ := newTestLoop(client, exec, Config{})
	run, emitter := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopIterationError, res.StopCode)
	require.NotNil(t, res.Failure)
	assert.Equal(t, models.FailureToolError, res.Failure.Kind)
	assert.Contains(t, res.Failure.Message, "disk full")
	assert.Contains(t, emitter.types(), events.EventToolError)
}

func TestToolBatchCountsPolicyDenials(t *testing.T) {
	client := &mockClient{script: []chatScript{
		toolTurn(
			namedCall("c1", "fs:read", map[string]any{"path": "/etc/shadow"}),
			namedCall("c2", "fs:read", map[string]any{"path": "/etc/passwd"}),
		),
		toolTurn(reportCall("c3", "cannot read those", nil)),
	}}
	exec := &mockExecutor{results: map[string]*tools.Result{
		"fs:read": tools.Errorf(tools.ErrCodePolicyDenied, "path is denied"),
	}}
	loop, _ := newTestLoop(client, exec, Config{})
	run, _ := newTestRun()

	res := loop.Run(context.Background(), run)

	assert.Equal(t, models.StopReportComplete, res.StopCode)
	assert.Equal(t, 2, res.DeniedCalls)
}

func TestParseToolArgs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", raw: `{"path": "a.txt"}`, want: map[string]any{"path": "a.txt"}},
		{name: "empty string means no args", raw: "", want: map[string]any{}},
		{name: "whitespace only", raw: "  \n", want: map[string]any{}},
		{name: "null normalizes to empty", raw: "null", want: map[string]any{}},
		{name: "invalid json", raw: `{"path":`, wantErr: true},
		{name: "non-object", raw: `[1, 2]`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseToolArgs(tc.raw)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAppendToolMessageRendersResultJSON(t *testing.T) {
	run, _ := newTestRun()
	res := tools.Errorf(tools.ErrCodeExecFailed, "command exited 1")

	appendToolMessage(run, llm.ToolCall{ID: "c9", Name: "shell:exec"}, res)

	last := run.Messages[len(run.Messages)-1]
	assert.Equal(t, llm.RoleTool, last.Role)
	assert.Equal(t, "c9", last.ToolCallID)
	assert.True(t, last.IsError)

	var decoded tools.Result
	require.NoError(t, json.Unmarshal([]byte(last.Content), &decoded))
	assert.False(t, decoded.Success)
	assert.Equal(t, tools.ErrCodeExecFailed, decoded.Error.Code)
}
