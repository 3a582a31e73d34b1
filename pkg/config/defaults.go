package config

import (
	"time"

	"github.com/codeready-toolchain/casey/pkg/masking"
)

// Defaults contains system-wide default values applied when agents or the
// orchestrator leave the corresponding fields unset.
type Defaults struct {
	// Tier is the default starting tier for agents without a ladder.
	Tier string `yaml:"tier,omitempty"`

	// MaxIterations bounds the iteration loop.
	MaxIterations int `yaml:"max_iterations,omitempty"`

	// MaxTokens is the per-run token budget (0 = unmetered).
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// MaxResponseTokens caps individual completions.
	MaxResponseTokens int `yaml:"max_response_tokens,omitempty"`

	// Temperature for worker LLM calls.
	Temperature float64 `yaml:"temperature,omitempty"`

	// IterationTimeout bounds one loop iteration end to end.
	IterationTimeout time.Duration `yaml:"iteration_timeout,omitempty"`

	// ToolMasking is applied to shell and plugin tool outputs before trace
	// append and event emission.
	ToolMasking *masking.Config `yaml:"tool_masking,omitempty"`

	// Orchestrator holds the delegation defaults.
	Orchestrator *OrchestratorDefaults `yaml:"orchestrator,omitempty"`
}

// OrchestratorDefaults holds orchestrator-level settings.
type OrchestratorDefaults struct {
	// Tier selects the model for planning and synthesis.
	Tier string `yaml:"tier,omitempty"`

	// MaxConcurrent bounds the delegation worker pool.
	MaxConcurrent int `yaml:"max_concurrent,omitempty"`

	// MaxRetries is the per-subtask retry budget across the escalation
	// ladder.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// RetryBackoff is the base delay between subtask attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff,omitempty"`
}
