package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountTokens(t *testing.T) {
	assert.Equal(t, 0, CountTokens(""))
	assert.Greater(t, CountTokens("hello world"), 0)

	// Longer text costs more tokens.
	short := CountTokens("one sentence")
	long := CountTokens(strings.Repeat("one sentence ", 50))
	assert.Greater(t, long, short)
}

func TestEstimateTokens(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected int
	}{
		{name: "empty", text: "", expected: 0},
		{name: "whitespace only", text: "   \n\t", expected: 0},
		{name: "single char", text: "x", expected: 1},
		{name: "words dominate", text: "a b c d e f g h", expected: 8},
		{name: "runes dominate", text: strings.Repeat("abcdefgh", 10), expected: 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, EstimateTokens(tt.text))
		})
	}
}

func TestCountMessageTokens(t *testing.T) {
	msgs := []Message{
		{Role: RoleSystem, Content: "you are a worker agent"},
		{Role: RoleUser, Content: "list the files"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{Name: "fs:read", Arguments: `{"path":"/tmp"}`}}},
	}

	total := CountMessageTokens(msgs)
	// At minimum the per-message overhead applies to each message.
	assert.GreaterOrEqual(t, total, 3*messageOverheadTokens)

	assert.Greater(t, total, CountMessageTokens(msgs[:2]))
}

func TestTruncateToTokens(t *testing.T) {
	text := strings.Repeat("the quick brown fox jumps over the lazy dog ", 100)

	truncated := TruncateToTokens(text, 10)
	assert.Less(t, len(truncated), len(text))
	assert.True(t, strings.HasSuffix(truncated, "..."))

	// Fits within the limit: unchanged, no ellipsis.
	assert.Equal(t, "short", TruncateToTokens("short", 100))

	// Non-positive limit disables truncation.
	assert.Equal(t, text, TruncateToTokens(text, 0))
}
