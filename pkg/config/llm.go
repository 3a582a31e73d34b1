package config

import (
	"fmt"
	"sync"

	"github.com/codeready-toolchain/casey/pkg/llm"
)

// LLMProviderType identifies the SDK an LLM provider speaks.
type LLMProviderType string

const (
	// LLMProviderTypeOpenAI is the OpenAI Chat Completions API.
	LLMProviderTypeOpenAI LLMProviderType = "openai"
	// LLMProviderTypeAnthropic is the Anthropic Claude Messages API.
	LLMProviderTypeAnthropic LLMProviderType = "anthropic"
)

// IsValid checks whether the provider type is supported.
func (t LLMProviderType) IsValid() bool {
	return t == LLMProviderTypeOpenAI || t == LLMProviderTypeAnthropic
}

// LLMProviderConfig defines one LLM provider binding: which SDK, which
// model, and which capability tier it serves.
type LLMProviderConfig struct {
	// Provider type (required).
	Type LLMProviderType `yaml:"type"`

	// Model name (required).
	Model string `yaml:"model"`

	// Tier this provider serves: small, medium or large (required). At
	// most one provider per tier; the registry rejects duplicates.
	Tier string `yaml:"tier"`

	// Environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`

	// Optional custom endpoint (OpenAI-compatible gateways).
	BaseURL string `yaml:"base_url,omitempty"`

	// MaxResponseTokens caps completions from this provider; zero uses the
	// adapter default.
	MaxResponseTokens int `yaml:"max_response_tokens,omitempty"`
}

// LLMProviderRegistry stores LLM provider configurations with thread-safe
// access.
type LLMProviderRegistry struct {
	providers map[string]*LLMProviderConfig
	mu        sync.RWMutex
}

// NewLLMProviderRegistry creates a new LLM provider registry.
func NewLLMProviderRegistry(providers map[string]*LLMProviderConfig) *LLMProviderRegistry {
	copied := make(map[string]*LLMProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &LLMProviderRegistry{providers: copied}
}

// Get retrieves an LLM provider configuration by name.
func (r *LLMProviderRegistry) Get(name string) (*LLMProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	provider, exists := r.providers[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrLLMProviderNotFound, name)
	}
	return provider, nil
}

// GetAll returns all LLM provider configurations (copy).
func (r *LLMProviderRegistry) GetAll() map[string]*LLMProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*LLMProviderConfig, len(r.providers))
	for k, v := range r.providers {
		result[k] = v
	}
	return result
}

// ByTier returns the provider configured for a tier, or nil.
func (r *LLMProviderRegistry) ByTier(tier llm.Tier) (string, *LLMProviderConfig) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, p := range r.providers {
		if p.Tier == string(tier) {
			return name, p
		}
	}
	return "", nil
}

// Has checks whether an LLM provider exists.
func (r *LLMProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.providers[name]
	return exists
}

// Len returns the number of registered providers.
func (r *LLMProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
