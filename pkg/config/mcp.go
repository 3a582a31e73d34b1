package config

import (
	"fmt"
	"sync"

	"github.com/codeready-toolchain/casey/pkg/masking"
	"github.com/codeready-toolchain/casey/pkg/tools"
)

// MCPServerConfig defines one plugin (MCP) server.
type MCPServerConfig struct {
	// Transport configuration (required).
	Transport tools.TransportSpec `yaml:"transport"`

	// AllowedTools restricts which of the server's tools are exposed.
	// Empty exposes all.
	AllowedTools []string `yaml:"allowed_tools,omitempty"`

	// Instructions for the model when using this server's tools; appended
	// to the worker system prompt.
	Instructions string `yaml:"instructions,omitempty"`

	// DataMasking applies to this server's tool outputs before they reach
	// the trace or the event stream.
	DataMasking *masking.Config `yaml:"data_masking,omitempty"`
}

// Spec converts the config into the tools package server spec.
func (c *MCPServerConfig) Spec(id string) tools.ServerSpec {
	return tools.ServerSpec{
		ID:           id,
		Transport:    c.Transport,
		AllowedTools: c.AllowedTools,
	}
}

// MCPServerRegistry stores MCP server configurations with thread-safe access.
type MCPServerRegistry struct {
	servers map[string]*MCPServerConfig
	mu      sync.RWMutex
}

// NewMCPServerRegistry creates a new MCP server registry.
func NewMCPServerRegistry(servers map[string]*MCPServerConfig) *MCPServerRegistry {
	copied := make(map[string]*MCPServerConfig, len(servers))
	for k, v := range servers {
		copied[k] = v
	}
	return &MCPServerRegistry{servers: copied}
}

// Get retrieves an MCP server configuration by ID.
func (r *MCPServerRegistry) Get(serverID string) (*MCPServerConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	server, exists := r.servers[serverID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrMCPServerNotFound, serverID)
	}
	return server, nil
}

// GetAll returns all MCP server configurations (copy).
func (r *MCPServerRegistry) GetAll() map[string]*MCPServerConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*MCPServerConfig, len(r.servers))
	for k, v := range r.servers {
		result[k] = v
	}
	return result
}

// Has checks whether an MCP server exists.
func (r *MCPServerRegistry) Has(serverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.servers[serverID]
	return exists
}

// Specs resolves server IDs to tool server specs, erroring on the first
// unknown reference.
func (r *MCPServerRegistry) Specs(ids []string) ([]tools.ServerSpec, error) {
	specs := make([]tools.ServerSpec, 0, len(ids))
	for _, id := range ids {
		cfg, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		specs = append(specs, cfg.Spec(id))
	}
	return specs, nil
}
