package config

import (
	"fmt"
	"sync"
	"time"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/middleware"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// AgentConfig defines one worker profile the orchestrator may delegate to.
// Metadata only; instantiation happens in the orchestrator resolver.
type AgentConfig struct {
	// Human-readable description, shown to the planner in the roster.
	Description string `yaml:"description,omitempty"`

	// Ladder is the tier escalation sequence (small|medium|large). The
	// first entry is where every subtask starts; empty falls back to the
	// system default tier.
	Ladder []string `yaml:"ladder,omitempty"`

	// Budgets. Zero values inherit from Defaults.
	MaxIterations     int           `yaml:"max_iterations,omitempty"`
	MaxTokens         int           `yaml:"max_tokens,omitempty"`
	MaxResponseTokens int           `yaml:"max_response_tokens,omitempty"`
	Temperature       *float64      `yaml:"temperature,omitempty"`
	IterationTimeout  time.Duration `yaml:"iteration_timeout,omitempty"`

	// ForceSynthesisOnHardLimit salvages an answer with one final tool-less
	// call when the token budget runs out.
	ForceSynthesisOnHardLimit bool `yaml:"force_synthesis_on_hard_limit,omitempty"`

	// CustomInstructions is the agent-specific system prompt section.
	CustomInstructions string `yaml:"custom_instructions,omitempty"`

	// ToolStrategy selects and gates the tool set advertised to the model.
	ToolStrategy ToolStrategyConfig `yaml:"tool_strategy,omitempty"`

	// MCPServers this agent uses, by registry ID.
	MCPServers []string `yaml:"mcp_servers,omitempty"`

	// Permissions are the deny/allow glob lists over paths, commands and
	// plugin tool names. Nil permits everything.
	Permissions *tools.PermissionSet `yaml:"permissions,omitempty"`

	// Middlewares carries per-middleware settings; nil sections use their
	// package defaults.
	Middlewares *MiddlewaresConfig `yaml:"middlewares,omitempty"`
}

// ToolStrategyConfig configures how the worker's tool set is exposed:
// unrestricted (default), prioritized, or gated.
type ToolStrategyConfig struct {
	Mode   string            `yaml:"mode,omitempty"`
	Groups []agent.ToolGroup `yaml:"groups,omitempty"`
}

// MiddlewaresConfig groups the built-in middleware settings. Each section is
// optional: nil means package defaults with the middleware enabled.
type MiddlewaresConfig struct {
	Budget        *middleware.BudgetConfig         `yaml:"budget,omitempty"`
	ContextFilter *middleware.ContextFilterConfig  `yaml:"context_filter,omitempty"`
	FactSheet     *middleware.FactSheetConfig      `yaml:"fact_sheet,omitempty"`
	Progress      *middleware.ProgressConfig       `yaml:"progress,omitempty"`
	Reflection    *middleware.ReflectionConfig     `yaml:"reflection,omitempty"`
	Analytics     *middleware.AnalyticsConfig      `yaml:"analytics,omitempty"`
	Classifier    *middleware.TaskClassifierConfig `yaml:"classifier,omitempty"`
	SearchSignal  *middleware.SearchSignalConfig   `yaml:"search_signal,omitempty"`
	TodoSync      *middleware.TodoSyncConfig       `yaml:"todo_sync,omitempty"`
}

// AgentRegistry stores agent profiles in memory with thread-safe access.
type AgentRegistry struct {
	agents map[string]*AgentConfig
	order  []string
	mu     sync.RWMutex
}

// NewAgentRegistry creates a registry over a defensive copy of the map.
// order fixes the roster ordering; names absent from it are appended sorted
// by the caller.
func NewAgentRegistry(agents map[string]*AgentConfig, order []string) *AgentRegistry {
	copied := make(map[string]*AgentConfig, len(agents))
	for k, v := range agents {
		copied[k] = v
	}
	return &AgentRegistry{agents: copied, order: order}
}

// Get retrieves an agent profile by name.
func (r *AgentRegistry) Get(name string) (*AgentConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, exists := r.agents[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	return a, nil
}

// GetAll returns all agent profiles (copy).
func (r *AgentRegistry) GetAll() map[string]*AgentConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*AgentConfig, len(r.agents))
	for k, v := range r.agents {
		result[k] = v
	}
	return result
}

// Names returns the agent names in roster order.
func (r *AgentRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Has checks whether an agent exists.
func (r *AgentRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[name]
	return exists
}

// Len returns the number of registered agents.
func (r *AgentRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
