package middleware

import (
	"context"
	"fmt"

	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/models"
)

const convergenceNudge = "Token budget notice: over %d%% of the budget is consumed. " +
	"Stop exploring new directions, consolidate what you have already learned, " +
	"and call the report tool with your best available answer."

// BudgetConfig configures the token budget middleware.
type BudgetConfig struct {
	Disabled bool `yaml:"disabled"`
	// SoftLimitRatio is the budget fraction at which the one-time
	// convergence nudge is injected into the next LLM call.
	SoftLimitRatio float64 `yaml:"soft_limit_ratio"`
	// HardLimitRatio is the budget fraction at which the run stops.
	HardLimitRatio float64 `yaml:"hard_limit_ratio"`
	// ForceSynthesisOnHardLimit asks the loop for one final tool-less
	// synthesis call instead of stopping silently.
	ForceSynthesisOnHardLimit bool `yaml:"force_synthesis_on_hard_limit"`
}

// DefaultBudgetConfig returns the stock budget thresholds.
func DefaultBudgetConfig() BudgetConfig {
	return BudgetConfig{SoftLimitRatio: 0.8, HardLimitRatio: 1.0}
}

// Budget stops a run at its hard token ceiling and nudges the model toward
// convergence when the soft ceiling is crossed. Runs with MaxTokens 0 are
// unmetered and pass through untouched.
type Budget struct {
	cfg BudgetConfig
}

// NewBudget builds the budget middleware, zero ratios fall back to defaults.
func NewBudget(cfg BudgetConfig) *Budget {
	def := DefaultBudgetConfig()
	if cfg.SoftLimitRatio <= 0 {
		cfg.SoftLimitRatio = def.SoftLimitRatio
	}
	if cfg.HardLimitRatio <= 0 {
		cfg.HardLimitRatio = def.HardLimitRatio
	}
	return &Budget{cfg: cfg}
}

func (b *Budget) Name() string           { return "budget" }
func (b *Budget) Order() int             { return 10 }
func (b *Budget) Config() HookConfig     { return HookConfig{FailPolicy: FailOpen} }
func (b *Budget) Enabled(*RunState) bool { return !b.cfg.Disabled }

func (b *Budget) BeforeIteration(_ context.Context, run *RunState) (Action, error) {
	if run.MaxTokens <= 0 {
		return Continue, nil
	}
	hard := int(float64(run.MaxTokens) * b.cfg.HardLimitRatio)
	if run.TokensUsed.Total < hard {
		return Continue, nil
	}
	if b.cfg.ForceSynthesisOnHardLimit {
		run.Meta[MetaForceSynthesis] = true
	}
	return Stop(models.StopHardTokenLimit,
		fmt.Sprintf("token budget exhausted: %d of %d used", run.TokensUsed.Total, run.MaxTokens)), nil
}

func (b *Budget) BeforeLLMCall(_ context.Context, call *LLMCallContext) (*Patch, error) {
	run := call.Run
	if run.MaxTokens <= 0 || run.MetaBool(MetaBudgetNudgeSent) {
		return nil, nil
	}
	soft := int(float64(run.MaxTokens) * b.cfg.SoftLimitRatio)
	if run.TokensUsed.Total < soft {
		return nil, nil
	}
	run.Meta[MetaBudgetNudgeSent] = true
	nudge := llm.Message{
		Role:    llm.RoleSystem,
		Content: fmt.Sprintf(convergenceNudge, int(b.cfg.SoftLimitRatio*100)),
	}
	patched := make([]llm.Message, 0, len(call.Messages)+1)
	patched = append(patched, call.Messages...)
	patched = append(patched, nudge)
	return &Patch{Messages: patched}, nil
}
