package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSSEServer serves a canned chat completion stream.
func newSSEServer(t *testing.T, chunks []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, chunk := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", chunk)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestOpenAIClient(t *testing.T, serverURL string) *OpenAIClient {
	t.Helper()
	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = serverURL + "/v1"
	c, err := NewOpenAI(OpenAIOptions{
		Client: openai.NewClientWithConfig(cfg),
		Model:  "gpt-test",
	})
	require.NoError(t, err)
	return c
}

func TestOpenAIChat_StreamsTextAndUsage(t *testing.T) {
	server := newSSEServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`,
	})
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)

	var deltas []string
	result, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		OnChunk:  func(delta string) { deltas = append(deltas, delta) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", result.Content)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, StopEndTurn, result.StopReason)
	assert.Equal(t, 12, result.Usage.PromptTokens)
	assert.Equal(t, 3, result.Usage.CompletionTokens)
	assert.Empty(t, result.ToolCalls)
}

func TestOpenAIChat_AssemblesStreamedToolCall(t *testing.T) {
	server := newSSEServer(t, []string{
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_1","type":"function","function":{"name":"fs_read","arguments":"{\"path\":"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"a.txt\"}"}}]},"finish_reason":"tool_calls"}]}`,
	})
	defer server.Close()

	c := newTestOpenAIClient(t, server.URL)

	result, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "read a.txt"}},
		Tools: []ToolDefinition{
			{Name: "fs:read", Description: "Read a file", InputSchema: []byte(`{"type":"object"}`)},
		},
	})
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	call := result.ToolCalls[0]
	assert.Equal(t, "call_1", call.ID)
	// The provider-safe name maps back to the canonical namespaced name.
	assert.Equal(t, "fs:read", call.Name)
	assert.JSONEq(t, `{"path":"a.txt"}`, call.Arguments)
	assert.Equal(t, StopToolUse, result.StopReason)
}

func TestOpenAIChat_EmptyMessages(t *testing.T) {
	c := newTestOpenAIClient(t, "http://unused")
	_, err := c.Chat(context.Background(), ChatRequest{})
	require.ErrorIs(t, err, ErrNoMessages)
}

func TestEncodeOpenAIMessages(t *testing.T) {
	canonToProv := map[string]string{"fs:read": "fs_read"}
	msgs := []Message{
		{Role: RoleSystem, Content: "you are a worker"},
		{Role: RoleUser, Content: "read the file"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "fs:read", Arguments: `{"path":"a"}`}}},
		{Role: RoleTool, Content: `{"ok":true}`, ToolCallID: "c1", ToolName: "fs:read"},
	}

	encoded := encodeOpenAIMessages(msgs, canonToProv)
	require.Len(t, encoded, 4)

	assert.Equal(t, openai.ChatMessageRoleSystem, encoded[0].Role)
	require.Len(t, encoded[2].ToolCalls, 1)
	assert.Equal(t, "fs_read", encoded[2].ToolCalls[0].Function.Name)
	assert.Equal(t, "c1", encoded[3].ToolCallID)
}

func TestMapOpenAIFinishReason(t *testing.T) {
	tests := []struct {
		name         string
		reason       openai.FinishReason
		hasToolCalls bool
		expected     StopReason
	}{
		{name: "tool calls", reason: openai.FinishReasonToolCalls, expected: StopToolUse},
		{name: "stop", reason: openai.FinishReasonStop, expected: StopEndTurn},
		{name: "stop with buffered calls", reason: openai.FinishReasonStop, hasToolCalls: true, expected: StopToolUse},
		{name: "length", reason: openai.FinishReasonLength, expected: StopMaxTokens},
		{name: "unknown defaults to end turn", reason: openai.FinishReason("weird"), expected: StopEndTurn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, mapOpenAIFinishReason(tt.reason, tt.hasToolCalls))
		})
	}
}
