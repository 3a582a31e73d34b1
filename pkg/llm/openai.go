package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ChatStreamClient captures the subset of the go-openai client used by the
// adapter. It is satisfied by *openai.Client so tests can pass a stub.
type ChatStreamClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	Client ChatStreamClient
	Model  string
}

// OpenAIClient implements Client via the OpenAI Chat Completions API.
type OpenAIClient struct {
	chat  ChatStreamClient
	model string
}

// NewOpenAI builds an OpenAI-backed client from the provided options.
func NewOpenAI(opts OpenAIOptions) (*OpenAIClient, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	if opts.Model == "" {
		return nil, errors.New("openai model is required")
	}
	return &OpenAIClient{chat: opts.Client, model: opts.Model}, nil
}

// NewOpenAIFromAPIKey constructs a client using the default go-openai HTTP
// client. baseURL overrides the API endpoint for OpenAI-compatible servers
// and may be empty.
func NewOpenAIFromAPIKey(apiKey, model, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return NewOpenAI(OpenAIOptions{Client: openai.NewClientWithConfig(cfg), Model: model})
}

// Chat streams a chat completion and assembles the full result. Text deltas
// are forwarded to req.OnChunk as they arrive; tool call argument fragments
// are buffered per stream index until the stream ends.
func (c *OpenAIClient) Chat(ctx context.Context, req ChatRequest) (*ChatResult, error) {
	if len(req.Messages) == 0 {
		return nil, ErrNoMessages
	}
	canonToProv, provToCanon, err := buildNameMaps(req.Tools)
	if err != nil {
		return nil, err
	}
	request := openai.ChatCompletionRequest{
		Model:         c.model,
		Messages:      encodeOpenAIMessages(req.Messages, canonToProv),
		Tools:         encodeOpenAITools(req.Tools, canonToProv),
		Stream:        true,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	if req.Temperature > 0 {
		request.Temperature = float32(req.Temperature)
	}
	if req.MaxTokens > 0 {
		request.MaxTokens = req.MaxTokens
	}

	stream, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("openai chat stream: %w", mapOpenAIError(err))
	}
	defer stream.Close()

	var (
		content strings.Builder
		calls   = map[int]*openAIToolBuffer{}
		order   []int
		usage   Usage
		finish  openai.FinishReason
	)
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("openai stream recv: %w", mapOpenAIError(err))
		}
		if resp.Usage != nil {
			usage.PromptTokens = resp.Usage.PromptTokens
			usage.CompletionTokens = resp.Usage.CompletionTokens
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if delta := choice.Delta.Content; delta != "" {
			content.WriteString(delta)
			if req.OnChunk != nil {
				req.OnChunk(delta)
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			buf := calls[idx]
			if buf == nil {
				buf = &openAIToolBuffer{}
				calls[idx] = buf
				order = append(order, idx)
			}
			if tc.ID != "" {
				buf.id = tc.ID
			}
			if tc.Function.Name != "" {
				buf.name = tc.Function.Name
			}
			buf.args.WriteString(tc.Function.Arguments)
		}
	}

	result := &ChatResult{
		Content: content.String(),
		Usage:   usage,
	}
	for _, idx := range order {
		buf := calls[idx]
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
	result.StopReason = mapOpenAIFinishReason(finish, len(result.ToolCalls) > 0)
	return result, nil
}

type openAIToolBuffer struct {
	id   string
	name string
	args strings.Builder
}

func encodeOpenAIMessages(msgs []Message, canonToProv map[string]string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		if m.Role == RoleTool {
			cm.ToolCallID = m.ToolCallID
		}
		for _, tc := range m.ToolCalls {
			name := tc.Name
			if sanitized, ok := canonToProv[name]; ok {
				name = sanitized
			} else {
				name = sanitizeToolName(name)
			}
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func encodeOpenAITools(defs []ToolDefinition, canonToProv map[string]string) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		fn := &openai.FunctionDefinition{
			Name:        canonToProv[def.Name],
			Description: def.Description,
		}
		if len(def.InputSchema) > 0 {
			fn.Parameters = def.InputSchema
		}
		tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: fn})
	}
	return tools
}

func mapOpenAIFinishReason(reason openai.FinishReason, hasToolCalls bool) StopReason {
	switch reason {
	case openai.FinishReasonToolCalls, openai.FinishReasonFunctionCall:
		return StopToolUse
	case openai.FinishReasonLength:
		return StopMaxTokens
	case openai.FinishReasonStop:
		if hasToolCalls {
			return StopToolUse
		}
		return StopEndTurn
	default:
		if hasToolCalls {
			return StopToolUse
		}
		return StopEndTurn
	}
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", ErrRateLimited, err)
	}
	return err
}
