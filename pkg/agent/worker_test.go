package agent

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedClient pops one canned response per Chat call and repeats the last
// one when the script runs out.
type scriptedClient struct {
	responses []*llm.ChatResult
	calls     int
}

func (c *scriptedClient) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResult, error) {
	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return c.responses[idx], nil
}

// scriptedExecutor returns per-tool canned results and records dispatch order.
type scriptedExecutor struct {
	results map[string]*tools.Result
	calls   []string
}

func (e *scriptedExecutor) Execute(_ context.Context, name string, _ map[string]any) (*tools.Result, error) {
	e.calls = append(e.calls, name)
	if r, ok := e.results[name]; ok {
		return r, nil
	}
	return tools.Text("ok"), nil
}

func toolCall(id, name string, args map[string]any) llm.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: string(data)}
}

type workerFixture struct {
	worker *Worker
	bus    *events.Bus
	traces *trace.Store
}

func newWorkerFixture(t *testing.T, client llm.Client, exec tools.Executor) *workerFixture {
	t.Helper()
	registry := llm.NewRegistry()
	registry.Register(llm.TierMedium, client)
	store := trace.NewStore(t.TempDir(), testLogger())
	bus := events.NewBus(256)
	return &workerFixture{
		worker: NewWorker(registry, exec, store, bus, testLogger()),
		bus:    bus,
		traces: store,
	}
}

func workerTestConfig(strategy Strategy) Config {
	return Config{
		RunID:         "run-1",
		SessionID:     "sess-1",
		AgentID:       "worker-1",
		Tier:          llm.TierMedium,
		MaxIterations: 5,
		Strategy:      strategy,
	}
}

func testToolset() []tools.Definition {
	return []tools.Definition{
		tools.ReportTool().Definition,
		{Name: "fs:read", Description: "Read a file."},
	}
}

func TestWorkerExecuteCompletesOnReport(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResult{
		{
			StopReason: llm.StopToolUse,
			ToolCalls: []llm.ToolCall{toolCall("c1", tools.ToolReport, map[string]any{
				"answer": "patched the config",
				"claims": []map[string]any{{"kind": "file-edit", "file_path": "cfg.yaml"}},
			})},
			Usage: llm.Usage{PromptTokens: 100, CompletionTokens: 20},
		},
	}}
	exec := &scriptedExecutor{}
	fx := newWorkerFixture(t, client, exec)

	outcome, err := fx.worker.Execute(context.Background(), "patch the config",
		workerTestConfig(NewUnrestrictedStrategy(testToolset())))
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, models.StopReportComplete, outcome.StopCode)
	assert.Equal(t, 1, outcome.Iterations)
	assert.Equal(t, 120, outcome.TokensUsed.Total)
	require.NotNil(t, outcome.Output)
	assert.Equal(t, "patched the config", outcome.Output.Summary)
	require.Len(t, outcome.Output.Claims, 1)
	assert.Equal(t, models.ClaimFileEdit, outcome.Output.Claims[0].Kind)

	// The report channel is intercepted before dispatch.
	assert.Empty(t, exec.calls)

	// The trace is completed and loadable through the outcome's reference.
	require.True(t, strings.HasPrefix(outcome.Output.TraceRef, models.TraceRefPrefix))
	tr, err := fx.traces.Load(outcome.Output.TraceRef)
	require.NoError(t, err)
	assert.NotNil(t, tr.CompletedAt)

	buf := fx.bus.GetBuffer("run-1")
	require.NotEmpty(t, buf)
	assert.Equal(t, events.EventAgentStart, buf[0].Type)
	assert.Equal(t, events.EventAgentEnd, buf[len(buf)-1].Type)
}

func TestWorkerExecuteMaxIterationsCarriesPartial(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResult{
		{
			Content:    "inspecting the repository first",
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{toolCall("c1", "fs:read", map[string]any{"path": "main.go"})},
		},
	}}
	fx := newWorkerFixture(t, client, &scriptedExecutor{})

	cfg := workerTestConfig(NewUnrestrictedStrategy(testToolset()))
	cfg.MaxIterations = 1
	outcome, err := fx.worker.Execute(context.Background(), "review the repo", cfg)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	assert.Equal(t, models.StopMaxIterations, outcome.StopCode)
	assert.Equal(t, 1, outcome.Iterations)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, models.FailureStuck, outcome.Failure.Kind)
	require.NotNil(t, outcome.Partial)
	assert.Equal(t, "inspecting the repository first", outcome.Partial.Summary)
}

func TestWorkerExecuteEscalates(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResult{
		{
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{toolCall("c1", "fs:read", map[string]any{"path": "main.go"})},
		},
	}}
	fx := newWorkerFixture(t, client, &scriptedExecutor{})

	cfg := workerTestConfig(NewUnrestrictedStrategy(testToolset()))
	cfg.EvaluateEscalation = func(*middleware.RunState) (bool, string) {
		return true, "needs a stronger model"
	}
	outcome, err := fx.worker.Execute(context.Background(), "hard task", cfg)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeEscalate, outcome.Kind)
	assert.Equal(t, "needs a stronger model", outcome.EscalateReason)
	assert.Nil(t, outcome.Output)
	assert.Nil(t, outcome.Failure)
}

func TestWorkerExecuteReclassifiesRepeatedDenials(t *testing.T) {
	client := &scriptedClient{responses: []*llm.ChatResult{
		{
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{toolCall("c1", "fs:read", map[string]any{"path": "/etc/shadow"})},
		},
	}}
	exec := &scriptedExecutor{results: map[string]*tools.Result{
		"fs:read": tools.Errorf(tools.ErrCodePolicyDenied, "path /etc/shadow is denied"),
	}}
	fx := newWorkerFixture(t, client, exec)

	cfg := workerTestConfig(NewUnrestrictedStrategy(testToolset()))
	cfg.MaxIterations = 2
	outcome, err := fx.worker.Execute(context.Background(), "read the shadow file", cfg)
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeFailed, outcome.Kind)
	require.NotNil(t, outcome.Failure)
	assert.Equal(t, models.FailurePolicyDenied, outcome.Failure.Kind)
	assert.Equal(t, 2, outcome.Failure.Detail["denied_calls"])
	assert.False(t, outcome.Failure.Kind.Retryable())
}

func TestWorkerExecuteRequiresStrategy(t *testing.T) {
	fx := newWorkerFixture(t, &scriptedClient{responses: []*llm.ChatResult{{Content: "hi"}}}, &scriptedExecutor{})

	cfg := workerTestConfig(nil)
	_, err := fx.worker.Execute(context.Background(), "task", cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tool strategy is required")
}

func TestDefaultEscalationPolicy(t *testing.T) {
	w := &Worker{logger: testLogger()}
	policy := w.escalationPolicy(Config{})

	tests := []struct {
		name     string
		tier     llm.Tier
		progress *middleware.ProgressState
		want     bool
	}{
		{name: "stuck at medium escalates", tier: llm.TierMedium, progress: &middleware.ProgressState{Stuck: true, IterationsSinceProgress: 4}, want: true},
		{name: "stuck at top tier stays", tier: llm.TierLarge, progress: &middleware.ProgressState{Stuck: true, IterationsSinceProgress: 4}, want: false},
		{name: "making progress stays", tier: llm.TierMedium, progress: &middleware.ProgressState{}, want: false},
		{name: "no progress tracking stays", tier: llm.TierMedium, progress: nil, want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			run := middleware.NewRunState()
			run.Tier = tc.tier
			if tc.progress != nil {
				run.Meta[middleware.MetaProgress] = tc.progress
			}
			up, reason := policy(run)
			assert.Equal(t, tc.want, up)
			if tc.want {
				assert.Contains(t, reason, string(tc.tier))
			}
		})
	}
}
