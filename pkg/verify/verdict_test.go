package verify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

// verdictClient records requests and pops canned responses, repeating the
// last one when the script runs out.
type verdictClient struct {
	responses []*llm.ChatResult
	requests  []llm.ChatRequest
}

func (c *verdictClient) Chat(_ context.Context, req llm.ChatRequest) (*llm.ChatResult, error) {
	c.requests = append(c.requests, req)
	idx := len(c.requests) - 1
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	return c.responses[idx], nil
}

func textResult(content string) *llm.ChatResult {
	return &llm.ChatResult{
		Content:    content,
		Usage:      llm.Usage{PromptTokens: 100, CompletionTokens: 20},
		StopReason: llm.StopEndTurn,
	}
}

const goodVerdict = `{
	"confidence": 0.8,
	"completeness": 0.9,
	"gaps": ["error handling untested"],
	"unverified_mentions": ["pkg/server"]
}`

func newJudgeFixture(t *testing.T, tiers map[llm.Tier]llm.Client) (*Judge, *trace.Store) {
	t.Helper()
	registry := llm.NewRegistry()
	for tier, client := range tiers {
		registry.Register(tier, client)
	}
	store := trace.NewStore(t.TempDir(), testLogger())
	return NewJudge(registry, store, testLogger()), store
}

func TestJudgeScoreParsesVerdict(t *testing.T) {
	client := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: client})

	verdict, usage, err := judge.Score(context.Background(), "audit the repo", "all clear", nil, llm.TierMedium)
	require.NoError(t, err)

	assert.InDelta(t, 0.8, verdict.Confidence, 0.001)
	assert.InDelta(t, 0.9, verdict.Completeness, 0.001)
	assert.Equal(t, []string{"error handling untested"}, verdict.Gaps)
	assert.Equal(t, []string{"pkg/server"}, verdict.UnverifiedMentions)
	assert.Equal(t, 120, usage.Total)

	require.Len(t, client.requests, 1)
	req := client.requests[0]
	assert.Empty(t, req.Tools, "the judge call is tool-less")
	assert.Contains(t, req.Messages[1].Content, "## Answer Under Review")
	assert.Contains(t, req.Messages[1].Content, "all clear")
}

func TestJudgeScoreRunsOneTierAboveExecutor(t *testing.T) {
	medium := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	large := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{
		llm.TierMedium: medium,
		llm.TierLarge:  large,
	})

	_, _, err := judge.Score(context.Background(), "task", "answer", nil, llm.TierMedium)
	require.NoError(t, err)

	assert.Empty(t, medium.requests)
	assert.Len(t, large.requests, 1)
}

func TestJudgeScoreStaysAtTopTier(t *testing.T) {
	large := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: large})

	_, _, err := judge.Score(context.Background(), "task", "answer", nil, llm.TierLarge)
	require.NoError(t, err)
	assert.Len(t, large.requests, 1)
}

func TestJudgeScoreFallsBackToNearestTier(t *testing.T) {
	medium := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierMedium: medium})

	_, _, err := judge.Score(context.Background(), "task", "answer", nil, llm.TierMedium)
	require.NoError(t, err)
	assert.Len(t, medium.requests, 1, "with no tier above, the judge uses what is configured")
}

func TestJudgeScoreRetriesOnMalformedVerdict(t *testing.T) {
	client := &verdictClient{responses: []*llm.ChatResult{
		textResult("Looks good to me!"),
		textResult(goodVerdict),
	}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: client})

	verdict, usage, err := judge.Score(context.Background(), "task", "answer", nil, llm.TierMedium)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, verdict.Confidence, 0.001)
	assert.Equal(t, 240, usage.Total, "both calls count against the budget")

	require.Len(t, client.requests, 2)
	retry := client.requests[1].Messages
	assert.Equal(t, llm.RoleAssistant, retry[len(retry)-2].Role)
	assert.Equal(t, "Looks good to me!", retry[len(retry)-2].Content)
	assert.Contains(t, retry[len(retry)-1].Content, "could not be parsed")
}

func TestJudgeScoreGivesUpAfterRetries(t *testing.T) {
	client := &verdictClient{responses: []*llm.ChatResult{textResult("still prose")}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: client})

	verdict, _, err := judge.Score(context.Background(), "task", "answer", nil, llm.TierMedium)
	require.Error(t, err)
	assert.Nil(t, verdict)
	assert.Contains(t, err.Error(), "extract verdict")
	assert.Len(t, client.requests, 1+maxVerdictRetries)
}

func TestJudgeScoreFeedsTraceEvidence(t *testing.T) {
	client := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, store := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: client})

	traceID, err := store.Create("sess-1", "worker-1")
	require.NoError(t, err)
	require.NoError(t, store.Append(traceID, models.ToolInvocation{
		InvocationID: "inv-1",
		Tool:         "fs:write",
		Status:       models.InvocationSuccess,
		Timestamp:    time.Now(),
		EvidenceRefs: []models.EvidenceRef{{Kind: models.EvidenceFile, Ref: "cmd/main.go", Hash: "abc"}},
		Digest:       models.Digest{KeyEvents: []string{models.KeyEventFileCreated}},
	}))
	require.NoError(t, store.Complete(traceID))

	_, _, err = judge.Score(context.Background(), "task", "answer",
		[]string{models.TraceRefPrefix + traceID}, llm.TierMedium)
	require.NoError(t, err)

	user := client.requests[0].Messages[1].Content
	assert.Contains(t, user, "## Recorded Evidence")
	assert.Contains(t, user, "fs:write success: cmd/main.go, file_created")
}

func TestJudgeScoreSkipsUnreadableTraces(t *testing.T) {
	client := &verdictClient{responses: []*llm.ChatResult{textResult(goodVerdict)}}
	judge, _ := newJudgeFixture(t, map[llm.Tier]llm.Client{llm.TierLarge: client})

	_, _, err := judge.Score(context.Background(), "task", "answer",
		[]string{"trace:gone"}, llm.TierMedium)
	require.NoError(t, err)
	assert.Contains(t, client.requests[0].Messages[1].Content, "no tool activity")
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bare object", content: goodVerdict},
		{name: "fenced", content: "```\n" + goodVerdict + "\n```"},
		{name: "fenced with info string", content: "```json\n" + goodVerdict + "\n```"},
		{name: "prose", content: "I would rate this 8/10.", wantErr: "not a JSON object"},
		{name: "missing confidence", content: `{"completeness": 0.5}`, wantErr: "missing the confidence"},
		{name: "missing completeness", content: `{"confidence": 0.5}`, wantErr: "missing the completeness"},
		{name: "confidence out of range", content: `{"confidence": 1.5, "completeness": 0.5}`, wantErr: "outside [0, 1]"},
		{name: "negative completeness", content: `{"confidence": 0.5, "completeness": -0.1}`, wantErr: "outside [0, 1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			verdict, err := parseVerdict(tt.content)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, 0.8, verdict.Confidence, 0.001)
		})
	}
}

func TestEvidenceLine(t *testing.T) {
	exitCode := 0
	inv := models.ToolInvocation{
		Tool:   "shell:exec",
		Status: models.InvocationSuccess,
		EvidenceRefs: []models.EvidenceRef{
			{Kind: models.EvidenceReceipt, Ref: "go build ./...", ExitCode: &exitCode},
		},
		Digest: models.Digest{KeyEvents: []string{models.KeyEventCommandExecuted}},
	}
	assert.Equal(t, "shell:exec success: go build ./..., command_executed", evidenceLine(inv))

	bare := models.ToolInvocation{Tool: "fs:read", Status: models.InvocationFailed}
	assert.Equal(t, "fs:read failed", evidenceLine(bare))
}
