package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// CaseyYAMLConfig represents the complete casey.yaml file structure.
type CaseyYAMLConfig struct {
	Server     *ServerConfig              `yaml:"server"`
	Paths      *PathsConfig               `yaml:"paths"`
	Slack      *SlackConfig               `yaml:"slack"`
	Archive    *ArchiveConfig             `yaml:"archive"`
	Retention  *RetentionConfig           `yaml:"retention"`
	Queue      *QueueConfig               `yaml:"queue"`
	Defaults   *Defaults                  `yaml:"defaults"`
	MCPServers map[string]MCPServerConfig `yaml:"mcp_servers"`
	Agents     map[string]AgentConfig     `yaml:"agents"`
}

// LLMProvidersYAMLConfig represents the complete llm-providers.yaml file
// structure.
type LLMProvidersYAMLConfig struct {
	LLMProviders map[string]LLMProviderConfig `yaml:"llm_providers"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Merge built-in + user-defined components (user overrides built-in)
//  4. Build in-memory registries
//  5. Apply default values
//  6. Validate everything
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"agents", stats.Agents,
		"mcp_servers", stats.MCPServers,
		"llm_providers", stats.LLMProviders)

	return cfg, nil
}

// load is the internal loader.
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{configDir: configDir}

	caseyConfig, err := loader.loadCaseyYAML()
	if err != nil {
		return nil, NewLoadError("casey.yaml", err)
	}

	llmProviders, err := loader.loadLLMProvidersYAML()
	if err != nil {
		return nil, NewLoadError("llm-providers.yaml", err)
	}

	builtin := GetBuiltinConfig()

	agents, agentOrder := mergeAgents(builtin, caseyConfig.Agents)
	mcpServers := mergeMCPServers(builtin.MCPServers, caseyConfig.MCPServers)
	llmProvidersMerged := mergeLLMProviders(builtin.LLMProviders, llmProviders)

	defaults := resolveDefaults(caseyConfig.Defaults, builtin)

	queueConfig := DefaultQueueConfig()
	if caseyConfig.Queue != nil {
		// Non-zero user values override defaults; unset fields keep them.
		if err := mergo.Merge(queueConfig, caseyConfig.Queue, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge queue config: %w", err)
		}
	}

	retention := DefaultRetentionConfig()
	if caseyConfig.Retention != nil {
		if err := mergo.Merge(retention, caseyConfig.Retention, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge retention config: %w", err)
		}
	}

	return &Config{
		configDir:           configDir,
		Defaults:            defaults,
		Queue:               queueConfig,
		Retention:           retention,
		Server:              resolveServer(caseyConfig.Server),
		Paths:               resolvePaths(caseyConfig.Paths),
		Slack:               resolveSlack(caseyConfig.Slack),
		Archive:             resolveArchive(caseyConfig.Archive),
		AgentRegistry:       NewAgentRegistry(agents, agentOrder),
		MCPServerRegistry:   NewMCPServerRegistry(mcpServers),
		LLMProviderRegistry: NewLLMProviderRegistry(llmProvidersMerged),
	}, nil
}

// validate performs comprehensive validation on loaded configuration.
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand {{.VAR}} references. ExpandEnv passes the original bytes
	// through on template errors so the YAML parser reports the problem.
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	return nil
}

// loadCaseyYAML loads the main configuration file. A missing file is fine:
// the built-in configuration alone is a working deployment.
func (l *configLoader) loadCaseyYAML() (*CaseyYAMLConfig, error) {
	config := CaseyYAMLConfig{
		MCPServers: make(map[string]MCPServerConfig),
		Agents:     make(map[string]AgentConfig),
	}

	if err := l.loadYAML("casey.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return &config, nil
		}
		return nil, err
	}
	return &config, nil
}

// loadLLMProvidersYAML loads provider bindings; missing file means built-ins
// only.
func (l *configLoader) loadLLMProvidersYAML() (map[string]LLMProviderConfig, error) {
	config := LLMProvidersYAMLConfig{
		LLMProviders: make(map[string]LLMProviderConfig),
	}

	if err := l.loadYAML("llm-providers.yaml", &config); err != nil {
		if errors.Is(err, ErrConfigNotFound) {
			return config.LLMProviders, nil
		}
		return nil, err
	}
	return config.LLMProviders, nil
}

// resolveDefaults merges user defaults over built-in ones.
func resolveDefaults(user *Defaults, builtin *BuiltinConfig) *Defaults {
	cfg := &Defaults{
		Tier:              builtin.DefaultTier,
		MaxIterations:     20,
		MaxTokens:         0,
		MaxResponseTokens: 4096,
		Temperature:       0.2,
		IterationTimeout:  0, // controller default applies
		Orchestrator: &OrchestratorDefaults{
			Tier:          "large",
			MaxConcurrent: 3,
			MaxRetries:    2,
		},
	}
	if user == nil {
		return cfg
	}

	if user.Tier != "" {
		cfg.Tier = user.Tier
	}
	if user.MaxIterations > 0 {
		cfg.MaxIterations = user.MaxIterations
	}
	if user.MaxTokens > 0 {
		cfg.MaxTokens = user.MaxTokens
	}
	if user.MaxResponseTokens > 0 {
		cfg.MaxResponseTokens = user.MaxResponseTokens
	}
	if user.Temperature > 0 {
		cfg.Temperature = user.Temperature
	}
	if user.IterationTimeout > 0 {
		cfg.IterationTimeout = user.IterationTimeout
	}
	if user.ToolMasking != nil {
		cfg.ToolMasking = user.ToolMasking
	}
	if user.Orchestrator != nil {
		if user.Orchestrator.Tier != "" {
			cfg.Orchestrator.Tier = user.Orchestrator.Tier
		}
		if user.Orchestrator.MaxConcurrent > 0 {
			cfg.Orchestrator.MaxConcurrent = user.Orchestrator.MaxConcurrent
		}
		if user.Orchestrator.MaxRetries > 0 {
			cfg.Orchestrator.MaxRetries = user.Orchestrator.MaxRetries
		}
		if user.Orchestrator.RetryBackoff > 0 {
			cfg.Orchestrator.RetryBackoff = user.Orchestrator.RetryBackoff
		}
	}
	return cfg
}

func resolveServer(user *ServerConfig) *ServerConfig {
	cfg := DefaultServerConfig()
	if user == nil {
		return cfg
	}
	if user.Host != "" {
		cfg.Host = user.Host
	}
	if user.Port > 0 {
		cfg.Port = user.Port
	}
	if len(user.AllowedWSOrigins) > 0 {
		cfg.AllowedWSOrigins = user.AllowedWSOrigins
	}
	if user.AuthTokenEnv != "" {
		cfg.AuthTokenEnv = user.AuthTokenEnv
	}
	return cfg
}

func resolvePaths(user *PathsConfig) *PathsConfig {
	cfg := DefaultPathsConfig()
	if user == nil {
		return cfg
	}
	if user.DataDir != "" {
		cfg.DataDir = user.DataDir
	}
	if user.WorkDir != "" {
		cfg.WorkDir = user.WorkDir
	}
	return cfg
}

func resolveSlack(user *SlackConfig) *SlackConfig {
	cfg := DefaultSlackConfig()
	if user == nil {
		return cfg
	}
	cfg.Enabled = user.Enabled
	if user.TokenEnv != "" {
		cfg.TokenEnv = user.TokenEnv
	}
	if user.Channel != "" {
		cfg.Channel = user.Channel
	}
	if user.DashboardURL != "" {
		cfg.DashboardURL = user.DashboardURL
	}
	return cfg
}

func resolveArchive(user *ArchiveConfig) *ArchiveConfig {
	cfg := DefaultArchiveConfig()
	if user == nil {
		return cfg
	}
	cfg.Enabled = user.Enabled
	if user.CacheSize > 0 {
		cfg.CacheSize = user.CacheSize
	}
	if user.MaxResults > 0 {
		cfg.MaxResults = user.MaxResults
	}
	return cfg
}
