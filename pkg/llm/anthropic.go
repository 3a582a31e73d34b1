package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
)

// defaultAnthropicMaxTokens caps completions when the request does not set
// MaxTokens; the Messages API requires an explicit value.
const defaultAnthropicMaxTokens = 8192

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter. It is satisfied by *sdk.MessageService so tests can pass a stub.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// AnthropicOptions configures the Anthropic adapter.
type AnthropicOptions struct {
	Client MessagesClient
	Model  string
	// MaxTokens is the default completion cap applied when a request does
	// not set one. Zero selects defaultAnthropicMaxTokens.
	MaxTokens int
}

// AnthropicClient implements Client via the Anthropic Claude Messages API.
type AnthropicClient struct {
	msg    MessagesClient
	model  string
	maxTok int
}

// NewAnthropic builds an Anthropic-backed client from the provided options.
func NewAnthropic(opts AnthropicOptions) (*AnthropicClient, error) {
	if opts.Client == nil {
		return nil, errors.New("anthropic client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("anthropic model is required")
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultAnthropicMaxTokens
	}
	return &AnthropicClient{msg: opts.Client, model: opts.Model, maxTok: maxTok}, nil
}

// NewAnthropicFromAPIKey constructs a client using the default Anthropic HTTP
// client.
func NewAnthropicFromAPIKey(apiKey, model string) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return NewAnthropic(AnthropicOptions{Client: &ac.Messages, Model: model})
}

// Chat streams a Messages API call and assembles the full result. Text deltas
// are forwarded to req.OnChunk; tool_use input JSON fragments are buffered per
// content block until the block stops.
func (c *AnthropicClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	canonToProv, provToCanon, err := buildNameMaps(req.Tools)
	if err != nil {
		return nil, err
	}
	params, err := c.prepareParams(req, canonToProv)
	if err != nil {
		return nil, err
	}

	stream := c.msg.NewStreaming(ctx, *params)
	defer func() { _ = stream.Close() }()

	var (
		content strings.Builder
		bufs    = map[int]*anthropicToolBuffer{}
		order   []int
		usage   Usage
		stop    StopReason
	)
	for stream.Next() {
		switch ev := stream.Current().AsAny().(type) {
		case sdk.MessageStartEvent:
			usage.PromptTokens = int(ev.Message.Usage.InputTokens)
		case sdk.ContentBlockStartEvent:
			if tu, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
				idx := int(ev.Index)
				bufs[idx] = &anthropicToolBuffer{id: tu.ID, name: tu.Name}
				order = append(order, idx)
			}
		case sdk.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case sdk.TextDelta:
				if delta.Text == "" {
					continue
				}
				content.WriteString(delta.Text)
				if req.OnChunk != nil {
					req.OnChunk(delta.Text)
				}
			case sdk.InputJSONDelta:
				if buf := bufs[int(ev.Index)]; buf != nil {
					buf.args.WriteString(delta.PartialJSON)
				}
			}
		case sdk.MessageDeltaEvent:
			stop = mapAnthropicStopReason(string(ev.Delta.StopReason))
			usage.CompletionTokens = int(ev.Usage.OutputTokens)
			if ev.Usage.InputTokens > 0 {
				usage.PromptTokens = int(ev.Usage.InputTokens)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic messages stream: %w", mapAnthropicError(err))
	}

	result := &ChatResult{
		Content: content.String(),
		Usage:   usage,
	}
	for _, idx := range order {
		buf := bufs[idx]
		args := buf.args.String()
		if args == "" {
			args = "{}"
		}
		result.ToolCalls = append(result.ToolCalls, ToolCall{
			ID:        buf.id,
			Name:      canonicalToolName(buf.name, provToCanon),
			Arguments: args,
		})
	}
	if stop == "" {
		if len(result.ToolCalls) > 0 {
			stop = StopToolUse
		} else {
			stop = StopEndTurn
		}
	}
	result.StopReason = stop
	return result, nil
}

type anthropicToolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func (c *AnthropicClient) prepareParams(req ChatRequest, canonToProv map[string]string) (*sdk.MessageNewParams, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTok
	}
	msgs, system, err := encodeAnthropicMessages(req.Messages, canonToProv)
	if err != nil {
		return nil, err
	}
	params := &sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(c.model),
	}
	if len(system) > 0 {
		params.System = system
	}
	tools, err := encodeAnthropicTools(req.Tools, canonToProv)
	if err != nil {
		return nil, err
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	return params, nil
}

func encodeAnthropicMessages(msgs []Message, canonToProv map[string]string) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			if m.Content != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Content})
			}
		case RoleUser:
			if m.Content == "" {
				continue
			}
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				name := tc.Name
				if sanitized, ok := canonToProv[name]; ok {
					name = sanitized
				} else {
					name = sanitizeToolName(name)
				}
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, decodeToolArguments(tc.Arguments), name))
			}
			if len(blocks) == 0 {
				continue
			}
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		case RoleTool:
			// Tool results travel in user-role messages on the Messages API.
			conversation = append(conversation, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError)))
		default:
			return nil, nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(conversation) == 0 {
		return nil, nil, errors.New("anthropic: at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeAnthropicTools(defs []ToolDefinition, canonToProv map[string]string) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := anthropicInputSchema(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", def.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, canonToProv[def.Name])
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools, nil
}

func anthropicInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

// decodeToolArguments parses a JSON argument string for re-encoding as a
// tool_use block. Unparseable arguments are preserved under a "raw" key
// rather than dropped.
func decodeToolArguments(raw string) any {
	if raw == "" {
		return map[string]any{}
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

func mapAnthropicStopReason(reason string) StopReason {
	switch reason {
	case "tool_use":
		return StopToolUse
	case "end_turn":
		return StopEndTurn
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopStopSequence
	default:
		return ""
	}
}

func mapAnthropicError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
