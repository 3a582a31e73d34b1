// Package e2e exercises the agent runtime end to end: a real orchestrator,
// real workers with the builtin filesystem tools on a scratch workspace, the
// real trace, snapshot and verification stack, and scripted model clients in
// place of the LLM providers.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/agent/orchestrator"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/history"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
	"github.com/codeready-toolchain/casey/pkg/trace"
	"github.com/codeready-toolchain/casey/pkg/verify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedModel is a tier client that replays canned responses. route, when
// set, is consulted first and may answer based on the request (several agents
// sharing one tier); a nil route result falls through to the response list,
// which pops in order and repeats its last entry once exhausted. Safe for the
// scheduler's concurrent dispatches.
type scriptedModel struct {
	mu        sync.Mutex
	responses []*llm.ChatResult
	route     func(req llm.ChatRequest) *llm.ChatResult
	requests  []llm.ChatRequest
	next      int
}

func (m *scriptedModel) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	if m.route != nil {
		if res := m.route(req); res != nil {
			return res, nil
		}
	}
	if len(m.responses) == 0 {
		return nil, errors.New("scripted model has no responses")
	}
	idx := m.next
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.next++
	return m.responses[idx], nil
}

func (m *scriptedModel) recorded() []llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.ChatRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// requestText flattens a request's messages for content-based routing.
func requestText(req llm.ChatRequest) string {
	var sb strings.Builder
	for _, msg := range req.Messages {
		sb.WriteString(msg.Content)
		sb.WriteString("\n")
	}
	return sb.String()
}

func textResult(content string) *llm.ChatResult {
	return &llm.ChatResult{
		Content:    content,
		Usage:      llm.Usage{PromptTokens: 60, CompletionTokens: 20},
		StopReason: llm.StopEndTurn,
	}
}

func toolCallResult(id, name, args string) *llm.ChatResult {
	return &llm.ChatResult{
		ToolCalls:  []llm.ToolCall{{ID: id, Name: name, Arguments: args}},
		Usage:      llm.Usage{PromptTokens: 40, CompletionTokens: 15},
		StopReason: llm.StopToolUse,
	}
}

// reportResult scripts a report tool call ending the run with answer and
// claims.
func reportResult(id, answer string, claims []models.Claim) *llm.ChatResult {
	args := map[string]any{"answer": answer}
	if len(claims) > 0 {
		args["claims"] = claims
	}
	encoded, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return &llm.ChatResult{
		ToolCalls:  []llm.ToolCall{{ID: id, Name: tools.ToolReport, Arguments: string(encoded)}},
		Usage:      llm.Usage{PromptTokens: 50, CompletionTokens: 25},
		StopReason: llm.StopToolUse,
	}
}

// harness owns the per-test runtime stack. Everything except the model
// clients is the production implementation.
type harness struct {
	t        *testing.T
	workDir  string
	registry *llm.Registry
	bus      *events.Bus
	traces   *trace.Store
	history  *history.Store
	verifier *verify.Verifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dataDir := t.TempDir()
	h := &harness{
		t:        t,
		workDir:  t.TempDir(),
		registry: llm.NewRegistry(),
		bus:      events.NewBus(256),
		traces:   trace.NewStore(dataDir, testLogger()),
		history:  history.NewStore(dataDir, testLogger()),
	}
	h.verifier = verify.NewVerifier(h.traces, testLogger())
	return h
}

// builtinCatalog is the tool surface every harness worker advertises:
// filesystem tools plus the report channel.
func builtinCatalog() []tools.Definition {
	var defs []tools.Definition
	for _, t := range tools.FSTools(tools.FSConfig{}) {
		defs = append(defs, t.Definition)
	}
	defs = append(defs, tools.ReportTool().Definition)
	return defs
}

func defaultMiddlewares() []middleware.Middleware {
	return []middleware.Middleware{
		middleware.NewBudget(middleware.DefaultBudgetConfig()),
		middleware.NewProgress(middleware.DefaultProgressConfig()),
	}
}

// workerProfile builds a roster profile whose workers run the builtin tools
// with the stock budget and progress middlewares.
func workerProfile(id string, ladder ...llm.Tier) orchestrator.Profile {
	catalog := builtinCatalog()
	return orchestrator.Profile{
		ID:            id,
		Description:   id + " specialist",
		Ladder:        ladder,
		MaxIterations: 10,
		MaxTokens:     50000,
		Strategy: func() agent.Strategy {
			return agent.NewUnrestrictedStrategy(catalog)
		},
		Middlewares: defaultMiddlewares,
	}
}

// liveRunner dispatches delegated subtasks to a real worker wired to the
// builtin filesystem tools inside the harness workspace, with snapshots
// recorded into the harness history store.
type liveRunner struct {
	h *harness
}

func (r *liveRunner) Execute(ctx context.Context, task string, cfg agent.Config) (*models.SpecialistOutcome, error) {
	reg := tools.NewRegistry(nil, testLogger())
	if err := reg.RegisterAll(tools.FSTools(tools.FSConfig{
		Root:      cfg.WorkDir,
		SessionID: cfg.SessionID,
		AgentID:   cfg.AgentID,
		Snapshots: r.h.history,
	})...); err != nil {
		return nil, err
	}
	if err := reg.Register(tools.ReportTool()); err != nil {
		return nil, err
	}
	w := agent.NewWorker(r.h.registry, reg, r.h.traces, r.h.bus, testLogger())
	return w.Execute(ctx, task, cfg)
}

// orchestrator wires a per-run orchestrator over the harness stack with
// test-friendly retry settings.
func (h *harness) orchestrator(cfg orchestrator.Config, profiles ...orchestrator.Profile) *orchestrator.Orchestrator {
	h.t.Helper()
	roster, err := orchestrator.NewRoster(profiles...)
	require.NoError(h.t, err)

	if cfg.RunID == "" {
		cfg.RunID = "run-e2e"
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "sess-e2e"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = h.workDir
	}
	if cfg.MaxConcurrent == 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 1
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}

	orch, err := orchestrator.NewOrchestrator(orchestrator.Deps{
		Registry: h.registry,
		Workers:  &liveRunner{h: h},
		Roster:   roster,
		Verifier: h.verifier,
		Bus:      h.bus,
		Logger:   testLogger(),
	}, cfg)
	require.NoError(h.t, err)
	return orch
}

// runWorker executes one task on a real worker directly, without the
// orchestrator. Unset config fields get harness defaults.
func (h *harness) runWorker(ctx context.Context, task string, cfg agent.Config) *models.SpecialistOutcome {
	h.t.Helper()
	if cfg.Strategy == nil {
		cfg.Strategy = agent.NewUnrestrictedStrategy(builtinCatalog())
	}
	if cfg.Middlewares == nil {
		cfg.Middlewares = defaultMiddlewares()
	}
	if cfg.Tier == "" {
		cfg.Tier = llm.TierMedium
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = h.workDir
	}
	if cfg.Attempt == 0 {
		cfg.Attempt = 1
	}

	runner := &liveRunner{h: h}
	outcome, err := runner.Execute(ctx, task, cfg)
	require.NoError(h.t, err)
	return outcome
}

func eventsOfType(buf []*events.AgentEvent, typ string) []*events.AgentEvent {
	var out []*events.AgentEvent
	for _, e := range buf {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

// firstSeq returns the sequence number of the first event of the given type,
// or -1 when none was emitted.
func firstSeq(buf []*events.AgentEvent, typ string) int64 {
	for _, e := range buf {
		if e.Type == typ {
			return e.Seq
		}
	}
	return -1
}
