package config

import (
	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// BuiltinConfig holds the configuration shipped with the binary. User YAML
// overrides any component with the same name.
type BuiltinConfig struct {
	Agents       map[string]AgentConfig
	AgentOrder   []string
	MCPServers   map[string]MCPServerConfig
	LLMProviders map[string]LLMProviderConfig
	DefaultTier  string
}

// GetBuiltinConfig returns the built-in components: a general-purpose worker,
// a read-only researcher, and one provider binding per tier. A deployment
// with just API keys in the environment is fully functional.
func GetBuiltinConfig() *BuiltinConfig {
	return &BuiltinConfig{
		AgentOrder: []string{"generalist", "researcher"},
		Agents: map[string]AgentConfig{
			"generalist": {
				Description: "General-purpose worker with filesystem and shell access. Default choice for tasks that change files or run commands.",
				Ladder:      []string{"medium", "large"},
				CustomInstructions: "Work incrementally: inspect before you modify, verify after you change. " +
					"Prefer small shell commands over long scripts.",
			},
			"researcher": {
				Description: "Read-only investigator: reads files and runs non-mutating commands to answer questions about the workspace.",
				Ladder:      []string{"small", "medium"},
				ToolStrategy: ToolStrategyConfig{
					Mode: agent.StrategyPrioritized,
					Groups: []agent.ToolGroup{
						{Name: "read", Priority: 1, Hints: "Start from the files the task names; widen only when they reference others."},
						{Name: "shell", Priority: 2},
					},
				},
				Permissions: &tools.PermissionSet{
					Paths:    tools.Permissions{Deny: []string{"**/.git/**", "**/.env*"}},
					Commands: tools.Permissions{Deny: []string{"rm *", "mv *", "dd *", "chmod *", "chown *"}},
				},
			},
		},
		MCPServers: map[string]MCPServerConfig{},
		LLMProviders: map[string]LLMProviderConfig{
			"openai-small": {
				Type:      LLMProviderTypeOpenAI,
				Model:     "gpt-4o-mini",
				Tier:      "small",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			"openai-medium": {
				Type:      LLMProviderTypeOpenAI,
				Model:     "gpt-4o",
				Tier:      "medium",
				APIKeyEnv: "OPENAI_API_KEY",
			},
			"anthropic-large": {
				Type:      LLMProviderTypeAnthropic,
				Model:     "claude-sonnet-4-20250514",
				Tier:      "large",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
		},
		DefaultTier: "medium",
	}
}
