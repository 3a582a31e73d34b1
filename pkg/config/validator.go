package config

import (
	"fmt"

	"github.com/codeready-toolchain/casey/pkg/agent"
	"github.com/codeready-toolchain/casey/pkg/llm"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// ConfigValidator validates configuration comprehensively with clear error
// messages.
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration.
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation, fail-fast at the first
// error. Dependencies are validated before dependents: providers and MCP
// servers first, then the agents that reference them.
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateLLMProviders(); err != nil {
		return fmt.Errorf("LLM provider validation failed: %w", err)
	}

	if err := v.validateMCPServers(); err != nil {
		return fmt.Errorf("MCP server validation failed: %w", err)
	}

	if err := v.validateAgents(); err != nil {
		return fmt.Errorf("agent validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateRetention(); err != nil {
		return fmt.Errorf("retention validation failed: %w", err)
	}

	if err := v.validateServer(); err != nil {
		return fmt.Errorf("server validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateLLMProviders() error {
	providers := v.cfg.LLMProviderRegistry.GetAll()
	if len(providers) == 0 {
		return NewValidationError("llm_provider", "-", "", fmt.Errorf("at least one provider required"))
	}

	tierOwner := make(map[string]string)
	for name, p := range providers {
		if !p.Type.IsValid() {
			return NewValidationError("llm_provider", name, "type", fmt.Errorf("unknown provider type: %s", p.Type))
		}
		if p.Model == "" {
			return NewValidationError("llm_provider", name, "model", ErrMissingRequiredField)
		}
		if p.Tier == "" {
			return NewValidationError("llm_provider", name, "tier", ErrMissingRequiredField)
		}
		if !llm.Tier(p.Tier).Valid() {
			return NewValidationError("llm_provider", name, "tier", fmt.Errorf("unknown tier: %s", p.Tier))
		}
		if owner, dup := tierOwner[p.Tier]; dup {
			return NewValidationError("llm_provider", name, "tier",
				fmt.Errorf("tier %q already served by provider %q", p.Tier, owner))
		}
		tierOwner[p.Tier] = name
	}
	return nil
}

func (v *ConfigValidator) validateMCPServers() error {
	for id, server := range v.cfg.MCPServerRegistry.GetAll() {
		t := server.Transport
		switch t.Type {
		case tools.TransportStdio:
			if t.Command == "" {
				return NewValidationError("mcp_server", id, "transport.command", ErrMissingRequiredField)
			}
		case tools.TransportHTTP, tools.TransportSSE:
			if t.URL == "" {
				return NewValidationError("mcp_server", id, "transport.url", ErrMissingRequiredField)
			}
		default:
			return NewValidationError("mcp_server", id, "transport.type", fmt.Errorf("unknown transport type: %s", t.Type))
		}
	}
	return nil
}

func (v *ConfigValidator) validateAgents() error {
	for name, a := range v.cfg.AgentRegistry.GetAll() {
		for i, tier := range a.Ladder {
			if !llm.Tier(tier).Valid() {
				return NewValidationError("agent", name, "ladder",
					fmt.Errorf("entry %d: unknown tier %q", i, tier))
			}
		}
		for i := 1; i < len(a.Ladder); i++ {
			if !llm.Tier(a.Ladder[i]).Above(llm.Tier(a.Ladder[i-1])) {
				return NewValidationError("agent", name, "ladder",
					fmt.Errorf("tiers must escalate: %q does not outrank %q", a.Ladder[i], a.Ladder[i-1]))
			}
		}

		if a.MaxIterations < 0 {
			return NewValidationError("agent", name, "max_iterations", fmt.Errorf("must not be negative"))
		}
		if a.Temperature != nil && (*a.Temperature < 0 || *a.Temperature > 2) {
			return NewValidationError("agent", name, "temperature", fmt.Errorf("must be within [0, 2]"))
		}

		for _, serverID := range a.MCPServers {
			if !v.cfg.MCPServerRegistry.Has(serverID) {
				return NewValidationError("agent", name, "mcp_servers",
					fmt.Errorf("%w: MCP server '%s'", ErrInvalidReference, serverID))
			}
		}

		if err := validateToolStrategy(name, a.ToolStrategy); err != nil {
			return err
		}

		if a.Middlewares != nil && a.Middlewares.Budget != nil {
			b := a.Middlewares.Budget
			if b.SoftLimitRatio > b.HardLimitRatio && b.HardLimitRatio > 0 {
				return NewValidationError("agent", name, "middlewares.budget",
					fmt.Errorf("soft_limit_ratio %.2f exceeds hard_limit_ratio %.2f", b.SoftLimitRatio, b.HardLimitRatio))
			}
		}
	}
	return nil
}

func validateToolStrategy(agentName string, ts ToolStrategyConfig) error {
	switch ts.Mode {
	case "", agent.StrategyUnrestricted, agent.StrategyPrioritized, agent.StrategyGated:
	default:
		return NewValidationError("agent", agentName, "tool_strategy.mode",
			fmt.Errorf("unknown mode: %s", ts.Mode))
	}

	groupNames := make(map[string]bool, len(ts.Groups))
	for _, g := range ts.Groups {
		if g.Name == "" {
			return NewValidationError("agent", agentName, "tool_strategy.groups", fmt.Errorf("group name required"))
		}
		if groupNames[g.Name] {
			return NewValidationError("agent", agentName, "tool_strategy.groups",
				fmt.Errorf("duplicate group %q", g.Name))
		}
		groupNames[g.Name] = true
	}
	for _, g := range ts.Groups {
		if g.UnlockAfter != "" && !groupNames[g.UnlockAfter] {
			return NewValidationError("agent", agentName, "tool_strategy.groups",
				fmt.Errorf("group %q unlocks after unknown group %q", g.Name, g.UnlockAfter))
		}
		if g.UnlockWhenConfidenceBelow < 0 || g.UnlockWhenConfidenceBelow > 1 {
			return NewValidationError("agent", agentName, "tool_strategy.groups",
				fmt.Errorf("group %q: unlock_when_confidence_below must be within [0, 1]", g.Name))
		}
	}
	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults
	if d.Tier != "" && !llm.Tier(d.Tier).Valid() {
		return NewValidationError("defaults", "-", "tier", fmt.Errorf("unknown tier: %s", d.Tier))
	}
	if d.MaxIterations < 1 {
		return NewValidationError("defaults", "-", "max_iterations", fmt.Errorf("must be at least 1"))
	}
	if d.Orchestrator != nil {
		o := d.Orchestrator
		if o.Tier != "" && !llm.Tier(o.Tier).Valid() {
			return NewValidationError("defaults", "-", "orchestrator.tier", fmt.Errorf("unknown tier: %s", o.Tier))
		}
		if o.MaxConcurrent < 1 {
			return NewValidationError("defaults", "-", "orchestrator.max_concurrent", fmt.Errorf("must be at least 1"))
		}
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "-", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if q.MaxConcurrentRuns < 1 {
		return NewValidationError("queue", "-", "max_concurrent_runs", fmt.Errorf("must be at least 1"))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "-", "poll_interval", fmt.Errorf("must be positive"))
	}
	if q.RunTimeout <= 0 {
		return NewValidationError("queue", "-", "run_timeout", fmt.Errorf("must be positive"))
	}
	return nil
}

func (v *ConfigValidator) validateRetention() error {
	r := v.cfg.Retention
	if r.RunRetentionDays < 1 {
		return NewValidationError("retention", "-", "run_retention_days", fmt.Errorf("must be at least 1"))
	}
	if r.EventTTL <= 0 {
		return NewValidationError("retention", "-", "event_ttl", fmt.Errorf("must be positive"))
	}
	if r.CleanupInterval <= 0 {
		return NewValidationError("retention", "-", "cleanup_interval", fmt.Errorf("must be positive"))
	}
	h := r.History
	if h.MaxSessions < 0 || h.MaxAgeDays < 0 || h.MaxTotalSizeMB < 0 {
		return NewValidationError("retention", "-", "history", fmt.Errorf("bounds must not be negative"))
	}
	return nil
}

func (v *ConfigValidator) validateServer() error {
	s := v.cfg.Server
	if s.Port < 1 || s.Port > 65535 {
		return NewValidationError("server", "-", "port", fmt.Errorf("must be within [1, 65535]"))
	}
	return nil
}
