package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// OpenAIClient streams chat completions from OpenAI or any
// OpenAI-compatible endpoint.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures the client. BaseURL points compatible
// self-hosted endpoints at the same client.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewOpenAIClient creates a client from the config.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: api key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4o
	}
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
	}, nil
}

func (c *OpenAIClient) Name() string { return "openai" }

// pendingToolCall accumulates a tool call across stream deltas.
type pendingToolCall struct {
	id   string
	name string
	args strings.Builder
}

// StreamChat streams one turn, invoking onChunk per stream element.
func (c *OpenAIClient) StreamChat(ctx context.Context, req *ChatRequest, onChunk OnChunk) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if chatReq.Model == "" {
		chatReq.Model = c.defaultModel
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	for _, tool := range req.Tools {
		var schema any
		if len(tool.InputSchema) > 0 {
			json.Unmarshal(tool.InputSchema, &schema)
		}
		chatReq.Tools = append(chatReq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		})
	}

	stream, err := c.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("%w: openai: %v", ErrProvider, err)
	}
	defer stream.Close()

	var text strings.Builder
	var inputTokens, outputTokens int
	pending := make(map[int]*pendingToolCall)

	emit := func(content StreamContent) bool {
		return onChunk == nil || onChunk(content)
	}

	// flushTools completes every pending tool call in index order.
	flushTools := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			call := pending[i]
			delete(pending, i)
			args := call.args.String()
			if args == "" {
				args = "{}"
			}
			if !emit(StreamContent{
				Kind:       StreamToolCallComplete,
				ToolCallID: call.id,
				ToolName:   call.name,
				Arguments:  json.RawMessage(args),
			}) {
				return false
			}
		}
		return true
	}

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return text.String(), fmt.Errorf("%w: openai: %v", ErrProvider, err)
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}
		choice := response.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
			if !emit(StreamContent{Kind: StreamText, Text: delta.Content}) {
				return text.String(), nil
			}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call, ok := pending[index]
			if !ok {
				call = &pendingToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.id = tc.ID
			}
			if tc.Function.Name != "" {
				call.name = tc.Function.Name
				if !emit(StreamContent{Kind: StreamToolCallStart, ToolCallID: call.id, ToolName: call.name}) {
					return text.String(), nil
				}
			}
			if tc.Function.Arguments != "" {
				call.args.WriteString(tc.Function.Arguments)
				if !emit(StreamContent{Kind: StreamToolCallDelta, ToolCallID: call.id, Delta: tc.Function.Arguments}) {
					return text.String(), nil
				}
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushTools() {
				return text.String(), nil
			}
		}
	}

	if !flushTools() {
		return text.String(), nil
	}
	emit(StreamContent{Kind: StreamUsage, InputTokens: inputTokens, OutputTokens: outputTokens})
	emit(StreamContent{Kind: StreamDone})
	return text.String(), nil
}

func convertOpenAIMessages(messages []ChatMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			result = append(result, oaiMsg)
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}
	return result
}
