// Package llm provides the chat-model layer of the agent runtime: a
// provider-agnostic Client interface, streaming adapters for OpenAI and
// Anthropic, a tier registry that maps capability classes to configured
// clients, and token accounting helpers.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// StopReason reports why the model stopped generating.
type StopReason string

const (
	StopToolUse      StopReason = "tool_use"
	StopEndTurn      StopReason = "end_turn"
	StopMaxTokens    StopReason = "max_tokens"
	StopStopSequence StopReason = "stop_sequence"
)

// Message is one turn of the conversation sent to a provider.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall // assistant messages that requested tools
	ToolCallID string     // tool result messages
	ToolName   string     // tool result messages
	IsError    bool       // tool result messages: the invocation failed
}

// ToolCall is the model's request to invoke a tool.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // JSON
}

// ToolDefinition describes a tool advertised to the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage // JSON Schema
}

// Usage reports token consumption for one chat call.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
}

// Total returns prompt plus completion tokens.
func (u Usage) Total() int { return u.PromptTokens + u.CompletionTokens }

// ChatRequest carries one conversation to a provider.
type ChatRequest struct {
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
	// OnChunk, when set, receives assistant text deltas as the provider
	// streams them. Tool call arguments are buffered and are not delivered
	// through OnChunk.
	OnChunk func(delta string)
}

// ChatResult is the assembled response of one chat call.
type ChatResult struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	StopReason StopReason
}

// Client is a chat client for a single configured model. Implementations
// stream internally and deliver deltas through ChatRequest.OnChunk.
type Client interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResult, error)
}

var (
	// ErrNoMessages is returned when a request carries an empty conversation.
	ErrNoMessages = errors.New("llm: messages are required")

	// ErrRateLimited tags provider 429 responses so callers can back off
	// before retrying.
	ErrRateLimited = errors.New("llm: rate limited")
)

// sanitizeToolName maps a canonical tool identifier to the character set
// providers accept ([a-zA-Z0-9_-]). Canonical names use "namespace:operation"
// (fs:read, shell:exec), and ':' is rejected by both OpenAI and Anthropic, so
// every disallowed rune becomes '_'.
func sanitizeToolName(in string) string {
	if in == "" {
		return in
	}
	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// buildNameMaps sanitizes every tool name and returns canonical-to-provider
// and provider-to-canonical maps. Two canonical names that sanitize to the
// same provider name are an error: silently merging them would misroute tool
// calls.
func buildNameMaps(defs []ToolDefinition) (canonToProv, provToCanon map[string]string, err error) {
	canonToProv = make(map[string]string, len(defs))
	provToCanon = make(map[string]string, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := provToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, fmt.Errorf("llm: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		provToCanon[sanitized] = def.Name
		canonToProv[def.Name] = sanitized
	}
	return canonToProv, provToCanon, nil
}

// canonicalToolName reverses sanitization. Names the model invented that were
// never advertised pass through unchanged so the executor can reject them.
func canonicalToolName(provName string, provToCanon map[string]string) string {
	if canonical, ok := provToCanon[provName]; ok {
		return canonical
	}
	return provName
}
