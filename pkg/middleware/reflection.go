package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// ReflectionConfig configures the reflection middleware.
type ReflectionConfig struct {
	Disabled bool `yaml:"disabled"`
	// Interval triggers a reflection every N tool calls.
	Interval int `yaml:"interval"`
	// FailureWindow and FailureThreshold trigger a reflection when
	// threshold failures occur within the last window tool calls.
	FailureWindow    int `yaml:"failure_window"`
	FailureThreshold int `yaml:"failure_threshold"`
}

// DefaultReflectionConfig returns the stock reflection cadence.
func DefaultReflectionConfig() ReflectionConfig {
	return ReflectionConfig{Interval: 7, FailureWindow: 5, FailureThreshold: 3}
}

const reflectionPrompt = `You are reviewing another agent's work in progress.

Task: %s

Recent transcript:
%s
%s
Assess the approach in two or three sentences: is the agent converging, and
what should it do differently next? Respond as JSON:
{"advice": "...", "switch_hypothesis": true|false}
Set switch_hypothesis true only when the current approach should be abandoned
for a different one.`

type reflectionVerdict struct {
	Advice           string `json:"advice"`
	SwitchHypothesis bool   `json:"switch_hypothesis"`
}

// Reflection periodically asks a model one tier above the executor to
// assess the run and appends its advice to the conversation. Triggered
// every Interval tool calls, or early when failures cluster.
type Reflection struct {
	cfg      ReflectionConfig
	registry *llm.Registry

	callsSinceReflection int
	recentFailures       []bool
	hypothesisSwitches   int
}

// NewReflection builds the reflection middleware over the tier registry.
func NewReflection(cfg ReflectionConfig, registry *llm.Registry) *Reflection {
	def := DefaultReflectionConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = def.FailureWindow
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	return &Reflection{cfg: cfg, registry: registry}
}

func (r *Reflection) Name() string { return "reflection" }
func (r *Reflection) Order() int   { return 70 }
func (r *Reflection) Config() HookConfig {
	return HookConfig{FailPolicy: FailOpen, Timeout: 45 * time.Second}
}
func (r *Reflection) Enabled(*RunState) bool { return !r.cfg.Disabled }

func (r *Reflection) AfterToolExec(_ context.Context, _ *ToolExecContext, result *tools.Result) error {
	r.callsSinceReflection++
	failed := result == nil || !result.Success
	r.recentFailures = append(r.recentFailures, failed)
	if len(r.recentFailures) > r.cfg.FailureWindow {
		r.recentFailures = r.recentFailures[len(r.recentFailures)-r.cfg.FailureWindow:]
	}
	return nil
}

func (r *Reflection) AfterIteration(ctx context.Context, run *RunState) error {
	if r.registry == nil || !r.due() {
		return nil
	}
	r.callsSinceReflection = 0
	r.recentFailures = nil
	return r.reflect(ctx, run)
}

func (r *Reflection) due() bool {
	if r.callsSinceReflection >= r.cfg.Interval {
		return true
	}
	failures := 0
	for _, f := range r.recentFailures {
		if f {
			failures++
		}
	}
	return failures >= r.cfg.FailureThreshold
}

func (r *Reflection) reflect(ctx context.Context, run *RunState) error {
	tier := run.Tier
	if next, ok := tier.Next(); ok {
		tier = next
	}
	client, _, err := r.registry.Resolve(tier)
	if err != nil {
		return fmt.Errorf("resolving reflection tier: %w", err)
	}

	var memoryBlock string
	if memory, ok := run.Meta[MetaFactSheet].(*FactMemory); ok {
		if block := memory.Render(1000); block != "" {
			memoryBlock = "\n" + block + "\n"
		}
	}
	result, err := client.Chat(ctx, llm.ChatRequest{
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: fmt.Sprintf(reflectionPrompt,
				run.Task, transcriptTail(run.Messages, 3000), memoryBlock)},
		},
		MaxTokens: 512,
	})
	if err != nil {
		return fmt.Errorf("reflection call: %w", err)
	}

	verdict := parseReflection(result.Content)
	if verdict.Advice == "" {
		return nil
	}
	run.Messages = append(run.Messages, llm.Message{
		Role:    llm.RoleUser,
		Content: "Reflection checkpoint: " + verdict.Advice,
	})
	run.Meta[MetaReflectionCount] = run.MetaInt(MetaReflectionCount) + 1
	if verdict.SwitchHypothesis {
		r.hypothesisSwitches++
		run.Meta[MetaHypothesisSwitch] = r.hypothesisSwitches
		if memory, ok := run.Meta[MetaFactSheet].(*FactMemory); ok {
			memory.Add(models.FactCorrection,
				"Hypothesis switch: "+verdict.Advice, "reflection", 0.8, run.Iteration)
		}
	}
	return nil
}

// parseReflection accepts either the requested JSON or free-form prose.
func parseReflection(content string) reflectionVerdict {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start >= 0 && end > start {
		var v reflectionVerdict
		if err := json.Unmarshal([]byte(content[start:end+1]), &v); err == nil {
			v.Advice = strings.TrimSpace(v.Advice)
			return v
		}
	}
	return reflectionVerdict{Advice: strings.TrimSpace(content)}
}
