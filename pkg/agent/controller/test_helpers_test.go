package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// chatScript is one scripted model turn: streamed chunks, the assembled
// result, or an error.
type chatScript struct {
	chunks []string
	result *llm.ChatResult
	err    error
}

// mockClient replays scripted responses in call order.
// NOTE: not safe for concurrent use; the loop calls Chat sequentially.
type mockClient struct {
	script    []chatScript
	callCount int
	requests  []llm.ChatRequest

	// onChat runs before the response is produced, so tests can trigger
	// side effects (cancel a context, flip a flag) at call time.
	onChat func(callIndex int)
}

func (m *mockClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	idx := m.callCount
	m.callCount++
	m.requests = append(m.requests, req)
	if m.onChat != nil {
		m.onChat(idx)
	}
	if idx >= len(m.script) {
		return nil, fmt.Errorf("no scripted response for call %d", idx+1)
	}
	s := m.script[idx]
	if s.err != nil {
		return nil, s.err
	}
	if req.OnChunk != nil {
		for _, c := range s.chunks {
			req.OnChunk(c)
		}
	}
	return s.result, nil
}

func (m *mockClient) lastRequest() llm.ChatRequest {
	return m.requests[len(m.requests)-1]
}

// mockExecutor returns canned results by tool name and records dispatch
// order. executeFn, when set, overrides the canned results entirely.
type mockExecutor struct {
	results   map[string]*tools.Result
	executeFn func(ctx context.Context, name string, args map[string]any) (*tools.Result, error)
	calls     []string
}

func (m *mockExecutor) Execute(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	m.calls = append(m.calls, name)
	if m.executeFn != nil {
		return m.executeFn(ctx, name, args)
	}
	if r, ok := m.results[name]; ok {
		return r, nil
	}
	return tools.Text("ok"), nil
}

// staticSource advertises a fixed tool set and records observations.
type staticSource struct {
	defs     []llm.ToolDefinition
	mutating map[string]bool
	observed []string
}

func (s *staticSource) Definitions(*middleware.RunState) []llm.ToolDefinition { return s.defs }

func (s *staticSource) Mutating(name string) bool { return s.mutating[name] }

func (s *staticSource) Observe(name string, _ *tools.Result) {
	s.observed = append(s.observed, name)
}

func defaultSource() *staticSource {
	return &staticSource{
		defs: []llm.ToolDefinition{
			{Name: tools.ToolReport, Description: "Submit the final answer."},
			{Name: "fs:read", Description: "Read a file."},
			{Name: "shell:exec", Description: "Run a command."},
		},
		mutating: map[string]bool{"shell:exec": true},
	}
}

// captureEmitter records emitted events in order.
type captureEmitter struct {
	events []capturedEvent
}

type capturedEvent struct {
	eventType string
	payload   any
}

func (e *captureEmitter) Emit(eventType string, payload any) {
	e.events = append(e.events, capturedEvent{eventType: eventType, payload: payload})
}

func (e *captureEmitter) types() []string {
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.eventType
	}
	return out
}

// hookMW is a configurable middleware: set only the hook functions the test
// needs, the rest stay neutral.
type hookMW struct {
	name     string
	order    int
	cfg      middleware.HookConfig
	disabled bool

	onStart         func(run *middleware.RunState) error
	onStop          func(run *middleware.RunState, code models.StopCode) error
	beforeIteration func(run *middleware.RunState) (middleware.Action, error)
	afterIteration  func(run *middleware.RunState) error
	beforeLLM       func(call *middleware.LLMCallContext) (*middleware.Patch, error)
	afterLLM        func(call *middleware.LLMCallContext, result *llm.ChatResult) error
	beforeTool      func(exec *middleware.ToolExecContext) (middleware.ToolDecision, error)
	afterTool       func(exec *middleware.ToolExecContext, result *tools.Result) error
}

func (h *hookMW) Name() string {
	if h.name == "" {
		return "hook-test"
	}
	return h.name
}

func (h *hookMW) Order() int { return h.order }

func (h *hookMW) Config() middleware.HookConfig { return h.cfg }

func (h *hookMW) Enabled(*middleware.RunState) bool { return !h.disabled }

func (h *hookMW) OnStart(_ context.Context, run *middleware.RunState) error {
	if h.onStart == nil {
		return nil
	}
	return h.onStart(run)
}

func (h *hookMW) OnStop(_ context.Context, run *middleware.RunState, code models.StopCode) error {
	if h.onStop == nil {
		return nil
	}
	return h.onStop(run, code)
}

func (h *hookMW) BeforeIteration(_ context.Context, run *middleware.RunState) (middleware.Action, error) {
	if h.beforeIteration == nil {
		return middleware.Continue, nil
	}
	return h.beforeIteration(run)
}

func (h *hookMW) AfterIteration(_ context.Context, run *middleware.RunState) error {
	if h.afterIteration == nil {
		return nil
	}
	return h.afterIteration(run)
}

func (h *hookMW) BeforeLLMCall(_ context.Context, call *middleware.LLMCallContext) (*middleware.Patch, error) {
	if h.beforeLLM == nil {
		return nil, nil
	}
	return h.beforeLLM(call)
}

func (h *hookMW) AfterLLMCall(_ context.Context, call *middleware.LLMCallContext, result *llm.ChatResult) error {
	if h.afterLLM == nil {
		return nil
	}
	return h.afterLLM(call, result)
}

func (h *hookMW) BeforeToolExec(_ context.Context, exec *middleware.ToolExecContext) (middleware.ToolDecision, error) {
	if h.beforeTool == nil {
		return middleware.DecisionExecute, nil
	}
	return h.beforeTool(exec)
}

func (h *hookMW) AfterToolExec(_ context.Context, exec *middleware.ToolExecContext, result *tools.Result) error {
	if h.afterTool == nil {
		return nil
	}
	return h.afterTool(exec, result)
}

// newTestRun builds a run state seeded the way the worker seeds one.
func newTestRun() (*middleware.RunState, *captureEmitter) {
	run := middleware.NewRunState()
	run.RunID = "run-1"
	run.SessionID = "sess-1"
	run.AgentID = "worker-1"
	run.Task = "test task"
	run.Tier = llm.TierMedium
	run.MaxIterations = 10
	emitter := &captureEmitter{}
	run.Emitter = emitter
	run.Messages = []llm.Message{
		{Role: llm.RoleSystem, Content: "You are a test agent."},
		{Role: llm.RoleUser, Content: "test task"},
	}
	return run, emitter
}

// newTestLoop wires a loop over the mock client and executor with the default
// static tool source.
func newTestLoop(client llm.Client, exec tools.Executor, cfg Config, mws ...middleware.Middleware) (*Loop, *staticSource) {
	registry := llm.NewRegistry()
	registry.Register(llm.TierMedium, client)
	source := defaultSource()
	pipeline := middleware.NewPipeline(testLogger(), mws...)
	return NewLoop(registry, pipeline, exec, source, cfg, testLogger()), source
}

func namedCall(id, name string, args map[string]any) llm.ToolCall {
	data, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return llm.ToolCall{ID: id, Name: name, Arguments: string(data)}
}

func reportCall(id, answer string, claims []map[string]any) llm.ToolCall {
	args := map[string]any{"answer": answer}
	if claims != nil {
		args["claims"] = claims
	}
	return namedCall(id, tools.ToolReport, args)
}

// toolTurn is a scripted assistant turn requesting the given tool calls.
func toolTurn(calls ...llm.ToolCall) chatScript {
	return chatScript{result: &llm.ChatResult{
		StopReason: llm.StopToolUse,
		ToolCalls:  calls,
		Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}

// textTurn is a scripted assistant turn with plain content.
func textTurn(content string) chatScript {
	return chatScript{result: &llm.ChatResult{
		StopReason: llm.StopEndTurn,
		Content:    content,
		Usage:      llm.Usage{PromptTokens: 10, CompletionTokens: 5},
	}}
}
