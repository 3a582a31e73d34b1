package run

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/codeready-toolchain/casey/pkg/llm"
)

// Routing call budget: a one-token-ish classification on the cheapest tier.
const (
	routeTimeout     = 5 * time.Second
	routeMaxTokens   = 256
	routeTemperature = 0.0
)

// LLMRouter asks a small-tier model which active agent a correction
// concerns. Any failure, a slow model, an unparseable answer or an unknown
// agent id, falls back to the root agent.
type LLMRouter struct {
	registry *llm.Registry
	logger   *slog.Logger
}

// NewLLMRouter builds a router over the tier registry.
func NewLLMRouter(registry *llm.Registry, logger *slog.Logger) *LLMRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMRouter{registry: registry, logger: logger}
}

const routeSystemPrompt = `You route an operator's mid-run message to the agent it concerns.
Answer with a single JSON object: {"agent_id": "<id>", "reason": "<one sentence>"}.
agent_id must be one of the listed ids. Pick the first listed id when the
message addresses the overall run rather than one agent's work.`

// Route picks the correction target among the active agents.
func (r *LLMRouter) Route(ctx context.Context, message string, agents []string, fallback string) (string, string) {
	client, tier, err := r.registry.Resolve(llm.TierSmall)
	if err != nil {
		return fallback, "no model available for routing"
	}

	ctx, cancel := context.WithTimeout(ctx, routeTimeout)
	defer cancel()

	res, err := client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: routeSystemPrompt},
			{Role: llm.RoleUser, Content: routeUserPrompt(message, agents)},
		},
		Temperature: routeTemperature,
		MaxTokens:   routeMaxTokens,
	})
	if err != nil {
		r.logger.Warn("correction routing call failed",
			slog.String("tier", string(tier)),
			slog.Any("error", err))
		return fallback, "routing call failed; defaulting to root agent"
	}

	target, reason, err := parseRoute(res.Content, agents)
	if err != nil {
		r.logger.Warn("correction routing answer unusable",
			slog.Any("error", err))
		return fallback, "routing answer unusable; defaulting to root agent"
	}
	return target, reason
}

func routeUserPrompt(message string, agents []string) string {
	var sb strings.Builder
	sb.WriteString("Active agents:\n")
	for _, id := range agents {
		sb.WriteString("- ")
		sb.WriteString(id)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nOperator message:\n")
	sb.WriteString(message)
	return sb.String()
}

func parseRoute(content string, agents []string) (string, string, error) {
	var raw struct {
		AgentID string `json:"agent_id"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(stripFence(content)), &raw); err != nil {
		return "", "", fmt.Errorf("route is not a JSON object: %w", err)
	}
	for _, id := range agents {
		if id == raw.AgentID {
			return raw.AgentID, raw.Reason, nil
		}
	}
	return "", "", fmt.Errorf("route names unknown agent %q", raw.AgentID)
}

// stripFence unwraps a fenced code block when the whole response is one.
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
