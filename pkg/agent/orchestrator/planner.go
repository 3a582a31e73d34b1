package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
)

// Planning call budget. The plan is a small JSON document; 2048 tokens cover
// plans an order of magnitude larger than workers can realistically absorb.
const (
	planTemperature = 0.2
	planMaxTokens   = 2048
)

// plan decomposes the task into subtasks. Planning is best-effort: an
// unavailable planner tier, a failed chat call, a plan that stays unparseable
// after one format reminder, and a dependency cycle all degrade to forwarding
// the whole task to one worker instead of failing the run.
func (o *Orchestrator) plan(ctx context.Context, task string) ([]models.SubTask, models.TokenUsage) {
	var usage models.TokenUsage

	client, tier, err := o.deps.Registry.Resolve(o.cfg.Tier)
	if err != nil {
		o.logger.Warn("planner tier unavailable, forwarding task directly",
			slog.String("run_id", o.cfg.RunID),
			slog.String("tier", string(o.cfg.Tier)),
			slog.Any("error", err))
		return o.directPlan(task, ""), usage
	}

	messages := o.prompts.BuildPlanMessages(task, o.deps.Roster.Entries())
	subs, err := o.extractPlan(ctx, client, messages, &usage)
	if err != nil {
		o.logger.Warn("planning failed, forwarding task directly",
			slog.String("run_id", o.cfg.RunID),
			slog.String("tier", string(tier)),
			slog.Any("error", err))
		return o.directPlan(task, ""), usage
	}

	normalized, err := o.normalizePlan(subs)
	if err != nil {
		o.logger.Warn("plan rejected, forwarding task directly",
			slog.String("run_id", o.cfg.RunID),
			slog.Any("error", err))
		return o.directPlan(task, ""), usage
	}

	// A single-subtask plan is a routing decision, not a decomposition: keep
	// the planner's agent choice but hand the worker the original task text.
	if len(normalized) == 1 {
		return o.directPlan(task, normalized[0].AgentID), usage
	}
	return normalized, usage
}

// extractPlan runs the planning call and parses the response. On a parse
// failure it re-states the response format once and retries: malformed output
// depends on the contents of the context window, so the reminder is the one
// change that can help.
func (o *Orchestrator) extractPlan(ctx context.Context, client llm.Client, messages []llm.Message, usage *models.TokenUsage) ([]models.SubTask, error) {
	res, err := o.chat(ctx, client, messages, planTemperature, planMaxTokens, usage)
	if err != nil {
		return nil, err
	}

	subs, perr := parsePlan(res.Content)
	if perr == nil {
		return subs, nil
	}

	o.logger.Warn("plan response unparseable, retrying with format reminder",
		slog.String("run_id", o.cfg.RunID),
		slog.Any("error", perr))

	messages = append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: res.Content},
		llm.Message{Role: llm.RoleUser, Content: o.prompts.BuildPlanReminder()},
	)
	res, err = o.chat(ctx, client, messages, planTemperature, planMaxTokens, usage)
	if err != nil {
		return nil, err
	}
	subs, perr = parsePlan(res.Content)
	if perr != nil {
		return nil, fmt.Errorf("parse plan after format reminder: %w", perr)
	}
	return subs, nil
}

// directPlan wraps the task in a single subtask. agentID empty means the
// roster default.
func (o *Orchestrator) directPlan(task, agentID string) []models.SubTask {
	if agentID == "" {
		agentID = o.deps.Roster.Default().ID
	}
	return []models.SubTask{{
		ID:          "t1",
		Description: task,
		AgentID:     agentID,
		Priority:    1,
	}}
}

// parsePlan extracts the subtask array from the planner's response. The
// contract is a bare JSON array, optionally fenced; a {"subtasks": [...]}
// wrapper is tolerated because models produce it often enough.
func parsePlan(content string) ([]models.SubTask, error) {
	body := stripFence(content)
	if body == "" {
		return nil, fmt.Errorf("empty plan response")
	}

	var subs []models.SubTask
	if err := json.Unmarshal([]byte(body), &subs); err != nil {
		var wrapper struct {
			SubTasks []models.SubTask `json:"subtasks"`
		}
		if werr := json.Unmarshal([]byte(body), &wrapper); werr != nil || wrapper.SubTasks == nil {
			return nil, fmt.Errorf("plan is not a JSON subtask array: %w", err)
		}
		subs = wrapper.SubTasks
	}

	if len(subs) == 0 {
		return nil, fmt.Errorf("plan has no subtasks")
	}
	for i, sub := range subs {
		if strings.TrimSpace(sub.Description) == "" {
			return nil, fmt.Errorf("subtask %d has no description", i)
		}
	}
	return subs, nil
}

// normalizePlan repairs what it can and rejects what it cannot: blank or
// duplicate ids are reassigned, unknown agents land on the default profile,
// dangling and self dependencies are dropped, and a dependency cycle rejects
// the plan.
func (o *Orchestrator) normalizePlan(subs []models.SubTask) ([]models.SubTask, error) {
	out := make([]models.SubTask, len(subs))
	copy(out, subs)

	seen := make(map[string]bool, len(out))
	for i := range out {
		id := strings.TrimSpace(out[i].ID)
		if id == "" || seen[id] {
			id = fmt.Sprintf("t%d", i+1)
			for seen[id] {
				id = "x" + id
			}
		}
		seen[id] = true
		out[i].ID = id
	}

	for i := range out {
		if _, ok := o.deps.Roster.Get(out[i].AgentID); !ok {
			fallback := o.deps.Roster.Default().ID
			o.logger.Warn("plan names unknown agent, using default",
				slog.String("run_id", o.cfg.RunID),
				slog.String("subtask_id", out[i].ID),
				slog.String("agent_id", out[i].AgentID),
				slog.String("default", fallback))
			out[i].AgentID = fallback
		}

		var deps []string
		for _, dep := range out[i].Dependencies {
			if dep == out[i].ID || !seen[dep] {
				continue
			}
			deps = append(deps, dep)
		}
		out[i].Dependencies = deps
	}

	if err := checkAcyclic(out); err != nil {
		return nil, err
	}
	return out, nil
}

// checkAcyclic runs Kahn's algorithm over the dependency edges. Delegation
// assumes an acyclic plan; a cycle would leave its members pending forever.
func checkAcyclic(subs []models.SubTask) error {
	indegree := make(map[string]int, len(subs))
	dependents := make(map[string][]string, len(subs))
	for _, sub := range subs {
		indegree[sub.ID] += 0
		for _, dep := range sub.Dependencies {
			indegree[sub.ID]++
			dependents[dep] = append(dependents[dep], sub.ID)
		}
	}

	queue := make([]string, 0, len(subs))
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	resolved := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if resolved != len(subs) {
		var stuck []string
		for id, n := range indegree {
			if n > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return fmt.Errorf("plan has a dependency cycle through %s", strings.Join(stuck, ", "))
	}
	return nil
}

// chat runs one tool-less model call and accumulates its token usage.
func (o *Orchestrator) chat(ctx context.Context, client llm.Client, messages []llm.Message, temperature float64, maxTokens int, usage *models.TokenUsage) (*llm.ChatResult, error) {
	res, err := client.Chat(ctx, llm.ChatRequest{
		Messages:    messages,
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, err
	}
	usage.Add(models.TokenUsage{
		Prompt:     res.Usage.PromptTokens,
		Completion: res.Usage.CompletionTokens,
		Total:      res.Usage.Total(),
	})
	return res, nil
}

// stripFence unwraps a fenced code block, dropping the info string.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
