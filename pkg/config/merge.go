package config

import "sort"

// mergeAgents merges built-in and user-defined agent profiles. User-defined
// agents override built-in agents with the same name. The returned order
// starts with the built-in roster order and appends user-only agents sorted
// by name, so the default profile stays stable across deployments.
func mergeAgents(builtin *BuiltinConfig, userAgents map[string]AgentConfig) (map[string]*AgentConfig, []string) {
	result := make(map[string]*AgentConfig)

	for name, a := range builtin.Agents {
		agentCopy := a
		result[name] = &agentCopy
	}
	for name, a := range userAgents {
		agentCopy := a
		result[name] = &agentCopy
	}

	order := make([]string, 0, len(result))
	seen := make(map[string]bool, len(result))
	for _, name := range builtin.AgentOrder {
		if _, ok := result[name]; ok && !seen[name] {
			order = append(order, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0, len(result))
	for name := range result {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	order = append(order, rest...)

	return result, order
}

// mergeMCPServers merges built-in and user-defined MCP server
// configurations. User-defined servers override built-ins with the same ID.
func mergeMCPServers(builtinServers, userServers map[string]MCPServerConfig) map[string]*MCPServerConfig {
	result := make(map[string]*MCPServerConfig)

	for id, server := range builtinServers {
		serverCopy := server
		result[id] = &serverCopy
	}
	for id, server := range userServers {
		serverCopy := server
		result[id] = &serverCopy
	}
	return result
}

// mergeLLMProviders merges built-in and user-defined LLM providers. A user
// provider overrides the built-in with the same name; a user provider
// claiming an already-served tier also displaces the built-in binding for
// that tier, so "my-gateway: {tier: medium}" replaces openai-medium rather
// than conflicting with it.
func mergeLLMProviders(builtinProviders, userProviders map[string]LLMProviderConfig) map[string]*LLMProviderConfig {
	result := make(map[string]*LLMProviderConfig)

	userTiers := make(map[string]bool, len(userProviders))
	for _, p := range userProviders {
		if p.Tier != "" {
			userTiers[p.Tier] = true
		}
	}

	for name, provider := range builtinProviders {
		if userTiers[provider.Tier] {
			continue
		}
		providerCopy := provider
		result[name] = &providerCopy
	}
	for name, provider := range userProviders {
		providerCopy := provider
		result[name] = &providerCopy
	}
	return result
}
