package llm

import (
	"context"
	"encoding/json"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// eventDecoder feeds a fixed sequence of SSE events to the stream.
type eventDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *eventDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *eventDecoder) Next() bool {
	if d.err != nil || d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *eventDecoder) Close() error { return nil }
func (d *eventDecoder) Err() error   { return d.err }

type stubMessages struct {
	events []ssestream.Event
	body   sdk.MessageNewParams
}

func (s *stubMessages) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.body = body
	return ssestream.NewStream[sdk.MessageStreamEventUnion](&eventDecoder{events: s.events}, nil)
}

func sseEvent(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: json.RawMessage(data)}
}

func TestAnthropicChat_StreamsTextAndToolCall(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sseEvent("message_start", `{"type":"message_start","message":{"usage":{"input_tokens":20,"output_tokens":0}}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Read"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"ing"}}`),
		sseEvent("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"toolu_1","name":"fs_read"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"path\":"}}`),
		sseEvent("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"a.txt\"}"}}`),
		sseEvent("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sseEvent("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":9}}`),
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}}

	c, err := NewAnthropic(AnthropicOptions{Client: stub, Model: "claude-test"})
	require.NoError(t, err)

	var deltas []string
	result, err := c.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: "read a.txt"}},
		Tools: []ToolDefinition{
			{Name: "fs:read", Description: "Read a file", InputSchema: []byte(`{"type":"object"}`)},
		},
		OnChunk: func(delta string) { deltas = append(deltas, delta) },
	})
	require.NoError(t, err)

	assert.Equal(t, "Reading", result.Content)
	assert.Equal(t, []string{"Read", "ing"}, deltas)
	assert.Equal(t, StopToolUse, result.StopReason)
	assert.Equal(t, 20, result.Usage.PromptTokens)
	assert.Equal(t, 9, result.Usage.CompletionTokens)

	require.Len(t, result.ToolCalls, 1)
	call := result.ToolCalls[0]
	assert.Equal(t, "toolu_1", call.ID)
	assert.Equal(t, "fs:read", call.Name)
	assert.JSONEq(t, `{"path":"a.txt"}`, call.Arguments)
}

func TestAnthropicChat_RequestEncoding(t *testing.T) {
	stub := &stubMessages{events: []ssestream.Event{
		sseEvent("message_stop", `{"type":"message_stop"}`),
	}}

	c, err := NewAnthropic(AnthropicOptions{Client: stub, Model: "claude-test", MaxTokens: 4096})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are a worker"},
			{Role: RoleUser, Content: "do the thing"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Name: "fs:read", Arguments: `{"path":"a"}`}}},
			{Role: RoleTool, Content: "contents", ToolCallID: "t1", ToolName: "fs:read"},
		},
		Tools: []ToolDefinition{
			{Name: "fs:read", Description: "Read a file", InputSchema: []byte(`{"type":"object"}`)},
		},
		Temperature: 0.2,
	})
	require.NoError(t, err)

	body := stub.body
	assert.Equal(t, int64(4096), body.MaxTokens)
	require.Len(t, body.System, 1)
	assert.Equal(t, "you are a worker", body.System[0].Text)
	// system + 3 conversation messages; tool result rides in a user message.
	assert.Len(t, body.Messages, 3)
	require.Len(t, body.Tools, 1)
}

func TestAnthropicChat_EmptyMessages(t *testing.T) {
	c, err := NewAnthropic(AnthropicOptions{Client: &stubMessages{}, Model: "claude-test"})
	require.NoError(t, err)

	_, err = c.Chat(context.Background(), ChatRequest{})
	require.ErrorIs(t, err, ErrNoMessages)
}

func TestMapAnthropicStopReason(t *testing.T) {
	tests := []struct {
		in       string
		expected StopReason
	}{
		{"tool_use", StopToolUse},
		{"end_turn", StopEndTurn},
		{"max_tokens", StopMaxTokens},
		{"stop_sequence", StopStopSequence},
		{"", ""},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, mapAnthropicStopReason(tt.in), "reason %q", tt.in)
	}
}

func TestDecodeToolArguments(t *testing.T) {
	assert.Equal(t, map[string]any{}, decodeToolArguments(""))

	decoded := decodeToolArguments(`{"x":1}`)
	m, ok := decoded.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["x"])

	// Broken JSON is preserved, not dropped.
	broken := decodeToolArguments(`{"x":`)
	assert.Equal(t, map[string]any{"raw": `{"x":`}, broken)
}
