package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// AnthropicClient streams chat completions from the Anthropic Messages
// API. Safe for concurrent use; each StreamChat call owns its own stream.
type AnthropicClient struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropicClient creates a client from the config.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic: api key is required")
	}
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicClient{
		client:       anthropic.NewClient(options...),
		defaultModel: model,
	}, nil
}

func (c *AnthropicClient) Name() string { return "anthropic" }

// StreamChat streams one turn, invoking onChunk per stream element.
func (c *AnthropicClient) StreamChat(ctx context.Context, req *ChatRequest, onChunk OnChunk) (string, error) {
	params, err := c.buildParams(req)
	if err != nil {
		return "", err
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var text strings.Builder
	var toolInput strings.Builder
	var currentTool *models.ToolCall
	var inputTokens, outputTokens int
	inThinking := false

	emit := func(content StreamContent) bool {
		return onChunk == nil || onChunk(content)
	}

	for stream.Next() {
		event := stream.Current()

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				inputTokens = int(start.Message.Usage.InputTokens)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentTool = &models.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				toolInput.Reset()
				if !emit(StreamContent{Kind: StreamToolCallStart, ToolCallID: toolUse.ID, ToolName: toolUse.Name}) {
					return text.String(), nil
				}
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					if !emit(StreamContent{Kind: StreamText, Text: delta.Text}) {
						return text.String(), nil
					}
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					if !emit(StreamContent{Kind: StreamReasoning, Text: delta.Thinking}) {
						return text.String(), nil
					}
				}
			case "input_json_delta":
				if delta.PartialJSON != "" && currentTool != nil {
					toolInput.WriteString(delta.PartialJSON)
					if !emit(StreamContent{Kind: StreamToolCallDelta, ToolCallID: currentTool.ID, Delta: delta.PartialJSON}) {
						return text.String(), nil
					}
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				break
			}
			if currentTool != nil {
				args := toolInput.String()
				if args == "" {
					args = "{}"
				}
				currentTool.Arguments = json.RawMessage(args)
				done := !emit(StreamContent{
					Kind:       StreamToolCallComplete,
					ToolCallID: currentTool.ID,
					ToolName:   currentTool.Name,
					Arguments:  currentTool.Arguments,
				})
				currentTool = nil
				if done {
					return text.String(), nil
				}
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				outputTokens = int(delta.Usage.OutputTokens)
			}

		case "message_stop":
			emit(StreamContent{Kind: StreamUsage, InputTokens: inputTokens, OutputTokens: outputTokens})
			emit(StreamContent{Kind: StreamDone})
			return text.String(), nil
		}
	}

	if err := stream.Err(); err != nil {
		return text.String(), fmt.Errorf("%w: anthropic: %v", ErrProvider, err)
	}

	emit(StreamContent{Kind: StreamUsage, InputTokens: inputTokens, OutputTokens: outputTokens})
	emit(StreamContent{Kind: StreamDone})
	return text.String(), nil
}

func (c *AnthropicClient) buildParams(req *ChatRequest) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.InputSchema) > 0 {
			if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
				return anthropic.MessageNewParams{}, fmt.Errorf("tool %s schema: %w", tool.Name, err)
			}
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if tool.Description != "" {
			toolParam.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, toolParam)
	}
	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}
	return params, nil
}

func convertAnthropicMessages(messages []ChatMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, toolResult := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(
				toolResult.ToolCallID,
				toolResult.Content,
				toolResult.IsError,
			))
		}
		for _, toolCall := range msg.ToolCalls {
			var input any
			if len(toolCall.Arguments) > 0 {
				if err := json.Unmarshal(toolCall.Arguments, &input); err != nil {
					return nil, fmt.Errorf("tool call %s arguments: %w", toolCall.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(toolCall.ID, input, toolCall.Name))
		}
		if len(content) == 0 {
			continue
		}

		if msg.Role == models.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}
	return result, nil
}
