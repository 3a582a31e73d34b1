// Package config provides configuration management for the casey runtime:
// agent profiles, LLM providers, plugin (MCP) servers, queue, retention,
// and server settings, loaded from YAML with environment expansion.
package config

// Config is the umbrella configuration object returned by Initialize and
// threaded through startup. Registries are immutable after load.
type Config struct {
	configDir string

	// System-wide defaults applied when agents leave fields unset.
	Defaults *Defaults

	// Queue and worker pool configuration.
	Queue *QueueConfig

	// Data retention and cleanup configuration.
	Retention *RetentionConfig

	// HTTP/WS server configuration.
	Server *ServerConfig

	// Paths rooting on-disk state (traces, snapshots, fact sheets, archive).
	Paths *PathsConfig

	// Slack notification configuration.
	Slack *SlackConfig

	// Memory archive configuration.
	Archive *ArchiveConfig

	// Component registries.
	AgentRegistry       *AgentRegistry
	MCPServerRegistry   *MCPServerRegistry
	LLMProviderRegistry *LLMProviderRegistry
}

// ConfigDir returns the directory the configuration was loaded from.
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Stats summarizes loaded component counts for startup logging.
type Stats struct {
	Agents       int
	MCPServers   int
	LLMProviders int
}

// Stats returns component counts.
func (c *Config) Stats() Stats {
	return Stats{
		Agents:       c.AgentRegistry.Len(),
		MCPServers:   len(c.MCPServerRegistry.GetAll()),
		LLMProviders: c.LLMProviderRegistry.Len(),
	}
}
