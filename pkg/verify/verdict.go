package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/agent/prompt"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/trace"
)

const (
	verdictTemperature = 0.1
	verdictMaxTokens   = 1024

	// maxVerdictRetries bounds format-reminder re-asks. Parse failures depend
	// on what is in the judge's context window, not on elapsed time, so a
	// plain re-ask with the format restated is the right retry and a small
	// fixed count is enough.
	maxVerdictRetries = 3
)

// Judge scores a synthesized answer against recorded trace evidence, using
// a model one tier above the one that produced the answer.
type Judge struct {
	registry *llm.Registry
	traces   *trace.Store
	prompts  *prompt.Builder
	logger   *slog.Logger
}

// NewJudge builds a judge over the given registry and trace store.
func NewJudge(registry *llm.Registry, traces *trace.Store, logger *slog.Logger) *Judge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Judge{
		registry: registry,
		traces:   traces,
		prompts:  prompt.NewBuilder(),
		logger:   logger,
	}
}

// Score grades answer for the original task against the evidence recorded
// in the given traces. executorTier is the tier that produced the answer;
// the judge runs one tier above when one is configured, falling back to the
// nearest available tier otherwise.
func (j *Judge) Score(ctx context.Context, task, answer string, traceRefs []string, executorTier llm.Tier) (*models.AnswerVerdict, models.TokenUsage, error) {
	var usage models.TokenUsage

	target := executorTier
	if next, ok := executorTier.Next(); ok {
		target = next
	}
	client, tier, err := j.registry.Resolve(target)
	if err != nil {
		return nil, usage, fmt.Errorf("resolve judge tier: %w", err)
	}

	evidence := j.evidenceLines(traceRefs)
	messages := j.prompts.BuildVerdictMessages(task, answer, evidence)

	j.logger.Debug("scoring answer", "tier", tier, "evidence_lines", len(evidence))

	res, err := j.call(ctx, client, messages, &usage)
	if err != nil {
		return nil, usage, err
	}
	verdict, perr := parseVerdict(res.Content)

	for attempt := 0; perr != nil && attempt < maxVerdictRetries; attempt++ {
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: res.Content},
			llm.Message{Role: llm.RoleUser, Content: j.prompts.BuildVerdictReminder()},
		)
		res, err = j.call(ctx, client, messages, &usage)
		if err != nil {
			return nil, usage, err
		}
		verdict, perr = parseVerdict(res.Content)
	}
	if perr != nil {
		return nil, usage, fmt.Errorf("extract verdict after %d attempts: %w", maxVerdictRetries+1, perr)
	}
	return verdict, usage, nil
}

func (j *Judge) call(ctx context.Context, client llm.Client, messages []llm.Message, usage *models.TokenUsage) (*llm.ChatResult, error) {
	res, err := client.Chat(ctx, llm.ChatRequest{
		Messages:    messages,
		Temperature: verdictTemperature,
		MaxTokens:   verdictMaxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("judge LLM call: %w", err)
	}
	usage.Add(models.TokenUsage{
		Prompt:     res.Usage.PromptTokens,
		Completion: res.Usage.CompletionTokens,
		Total:      res.Usage.Total(),
	})
	return res, nil
}

// evidenceLines flattens the recorded invocations of the given traces into
// short lines the judge checks answer mentions against. Unreadable traces
// are skipped; less evidence means a lower confidence, not a failure.
func (j *Judge) evidenceLines(traceRefs []string) []string {
	var lines []string
	for _, ref := range traceRefs {
		tr, err := j.traces.Load(ref)
		if err != nil {
			j.logger.Warn("skipping unreadable trace for verdict evidence", "ref", ref, "error", err)
			continue
		}
		for _, inv := range tr.Invocations {
			lines = append(lines, evidenceLine(inv))
		}
	}
	return lines
}

func evidenceLine(inv models.ToolInvocation) string {
	var sb strings.Builder
	sb.WriteString(inv.Tool)
	sb.WriteString(" ")
	sb.WriteString(string(inv.Status))

	details := make([]string, 0, len(inv.EvidenceRefs)+len(inv.Digest.KeyEvents))
	for _, ev := range inv.EvidenceRefs {
		details = append(details, ev.Ref)
	}
	details = append(details, inv.Digest.KeyEvents...)
	if len(details) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(details, ", "))
	}
	return sb.String()
}

func parseVerdict(content string) (*models.AnswerVerdict, error) {
	text := stripFence(content)
	var raw struct {
		Confidence         *float64 `json:"confidence"`
		Completeness       *float64 `json:"completeness"`
		Gaps               []string `json:"gaps"`
		UnverifiedMentions []string `json:"unverified_mentions"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, fmt.Errorf("verdict is not a JSON object: %w", err)
	}
	if raw.Confidence == nil {
		return nil, fmt.Errorf("verdict is missing the confidence key")
	}
	if raw.Completeness == nil {
		return nil, fmt.Errorf("verdict is missing the completeness key")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v is outside [0, 1]", *raw.Confidence)
	}
	if *raw.Completeness < 0 || *raw.Completeness > 1 {
		return nil, fmt.Errorf("completeness %v is outside [0, 1]", *raw.Completeness)
	}
	return &models.AnswerVerdict{
		Confidence:         *raw.Confidence,
		Completeness:       *raw.Completeness,
		Gaps:               raw.Gaps,
		UnverifiedMentions: raw.UnverifiedMentions,
	}, nil
}

// stripFence unwraps a fenced code block when the whole response is one.
// The format instructions ask for bare JSON; a fence around it is the one
// deviation tolerated.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
