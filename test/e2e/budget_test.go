package e2e

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/events"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// A worker burning through its token budget: the soft ceiling injects one
// convergence nudge, the hard ceiling stops the loop, and forced synthesis
// rescues a final answer with a tool-less call.
func TestWorkerBudgetForcesSynthesis(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, os.WriteFile(filepath.Join(h.workDir, "notes.txt"), []byte("incident notes"), 0o644))

	first := toolCallResult("c1", "fs:read", `{"path": "notes.txt"}`)
	first.Usage = llm.Usage{PromptTokens: 700, CompletionTokens: 120}
	second := toolCallResult("c2", "fs:read", `{"path": "notes.txt"}`)
	second.Usage = llm.Usage{PromptTokens: 150, CompletionTokens: 60}
	synthesized := "Partial findings: the notes cover the incident timeline."
	worker := &scriptedModel{responses: []*llm.ChatResult{
		first,
		second,
		textResult(synthesized),
	}}
	h.registry.Register(llm.TierMedium, worker)

	outcome := h.runWorker(context.Background(), "analyze the incident notes", agent.Config{
		RunID:     "run-budget",
		SessionID: "sess-budget",
		AgentID:   "analyst",
		MaxTokens: 1000,
		Middlewares: []middleware.Middleware{
			middleware.NewBudget(middleware.BudgetConfig{ForceSynthesisOnHardLimit: true}),
			middleware.NewProgress(middleware.DefaultProgressConfig()),
		},
	})

	assert.Equal(t, models.OutcomeCompleted, outcome.Kind)
	assert.Equal(t, models.StopHardTokenLimit, outcome.StopCode)
	require.NotNil(t, outcome.Output)
	assert.Equal(t, synthesized, outcome.Output.Summary)
	assert.Equal(t, 1110, outcome.TokensUsed.Total)

	reqs := worker.recorded()
	require.Len(t, reqs, 3)

	// One nudge, injected into the call after the soft ceiling was crossed.
	var nudges int
	for _, req := range reqs {
		for _, msg := range req.Messages {
			if msg.Role == llm.RoleSystem && strings.Contains(msg.Content, "Token budget notice") {
				nudges++
			}
		}
	}
	assert.Equal(t, 1, nudges)
	secondCall := reqs[1].Messages
	assert.Contains(t, secondCall[len(secondCall)-1].Content, "Token budget notice")

	// The synthesis call advertises no tools and ends with the salvage prompt.
	synthCall := reqs[2]
	assert.Empty(t, synthCall.Tools)
	last := synthCall.Messages[len(synthCall.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "token budget is exhausted")

	buf := h.bus.GetBuffer("run-budget")
	forcedAt := firstSeq(buf, events.EventSynthesisForced)
	llmStartAt := firstSeq(buf, events.EventLLMStart)
	require.NotEqual(t, int64(-1), forcedAt)
	require.NotEqual(t, int64(-1), llmStartAt)
	assert.Less(t, forcedAt, llmStartAt, "synthesis:forced announces the salvage call before it starts")

	ends := eventsOfType(buf, events.EventLLMEnd)
	require.NotEmpty(t, ends)
	lastEnd := ends[len(ends)-1].Payload.(events.LLMEndPayload)
	assert.Equal(t, synthesized, lastEnd.Content)

	endEvents := eventsOfType(buf, events.EventAgentEnd)
	require.Len(t, endEvents, 1)
	assert.Equal(t, string(models.StopHardTokenLimit), endEvents[0].Payload.(events.AgentEndPayload).StopCode)
}
