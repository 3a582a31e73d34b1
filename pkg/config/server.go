package config

// ServerConfig holds the HTTP/WebSocket server settings.
type ServerConfig struct {
	// Host and Port for the listener.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`

	// AllowedWSOrigins are extra WebSocket origin patterns accepted in
	// addition to the server's own host.
	AllowedWSOrigins []string `yaml:"allowed_ws_origins,omitempty"`

	// AuthTokenEnv names the environment variable holding the bearer token
	// API clients must present. Empty disables authentication.
	AuthTokenEnv string `yaml:"auth_token_env,omitempty"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host: "0.0.0.0",
		Port: 8080,
	}
}

// PathsConfig roots the on-disk state stores.
type PathsConfig struct {
	// DataDir roots traces, snapshots, fact sheets, and the archive.
	// Sessions live under <data_dir>/sessions/<session_id>/.
	DataDir string `yaml:"data_dir,omitempty"`

	// WorkDir is the workspace root workers operate in; filesystem tool
	// paths are confined within it.
	WorkDir string `yaml:"work_dir,omitempty"`
}

// DefaultPathsConfig returns the built-in path defaults.
func DefaultPathsConfig() *PathsConfig {
	return &PathsConfig{
		DataDir: "data",
		WorkDir: ".",
	}
}

// SlackConfig holds Slack notification settings.
type SlackConfig struct {
	Enabled bool `yaml:"enabled"`
	// TokenEnv names the environment variable holding the bot token.
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`
	// DashboardURL is the external base URL linked from notifications.
	DashboardURL string `yaml:"dashboard_url,omitempty"`
}

// DefaultSlackConfig returns the built-in Slack defaults (disabled).
func DefaultSlackConfig() *SlackConfig {
	return &SlackConfig{
		Enabled:  false,
		TokenEnv: "SLACK_BOT_TOKEN",
	}
}

// ArchiveConfig holds memory archive settings.
type ArchiveConfig struct {
	Enabled bool `yaml:"enabled"`
	// CacheSize is the LRU capacity of the archive read cache.
	CacheSize int `yaml:"cache_size,omitempty"`
	// MaxResults caps archive_recall responses.
	MaxResults int `yaml:"max_results,omitempty"`
}

// DefaultArchiveConfig returns the built-in archive defaults.
func DefaultArchiveConfig() *ArchiveConfig {
	return &ArchiveConfig{
		Enabled:    true,
		CacheSize:  128,
		MaxResults: 5,
	}
}
