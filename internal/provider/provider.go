// Package provider implements the provider-neutral LLM streaming surface:
// a chat stream that yields text, reasoning, tool calls and usage to a
// caller-supplied callback, with Anthropic and OpenAI-compatible
// implementations behind it.
package provider

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// ErrProvider wraps any upstream LLM failure.
var ErrProvider = errors.New("provider failure")

// StreamKind tags a StreamContent variant.
type StreamKind string

const (
	StreamText             StreamKind = "text"
	StreamReasoning        StreamKind = "reasoning"
	StreamUsage            StreamKind = "usage"
	StreamToolCallStart    StreamKind = "tool_call_start"
	StreamToolCallDelta    StreamKind = "tool_call_delta"
	StreamToolCallComplete StreamKind = "tool_call_complete"
	StreamToolResult       StreamKind = "tool_result"
	StreamDone             StreamKind = "done"
)

// StreamContent is one element of a chat stream. For a single tool call
// the ordering is exactly one Start, zero or more Deltas, exactly one
// Complete; interleavings across distinct call ids are permitted.
type StreamContent struct {
	Kind StreamKind

	// Text or reasoning delta.
	Text string

	// Tool call fields.
	ToolCallID string
	ToolName   string
	Delta      string
	Arguments  json.RawMessage
	Result     string

	// Usage fields.
	InputTokens  int
	OutputTokens int
}

// OnChunk receives stream elements in production order. Returning false
// stops the stream early; the client unwinds without error.
type OnChunk func(StreamContent) bool

// ChatMessage is a provider-neutral conversation turn.
type ChatMessage struct {
	Role        models.Role
	Content     string
	Reasoning   string
	ToolCalls   []models.ToolCall
	ToolResults []models.ToolResult
	Attachments []models.Attachment
}

// ToolDefinition describes a callable tool for the model.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// ChatRequest is a full streaming chat invocation.
type ChatRequest struct {
	Model     string
	System    string
	Messages  []ChatMessage
	Tools     []ToolDefinition
	MaxTokens int

	EnableThinking       bool
	ThinkingBudgetTokens int
}

// StreamingClient is the provider-neutral chat stream surface. StreamChat
// returns the final aggregated assistant text.
type StreamingClient interface {
	StreamChat(ctx context.Context, req *ChatRequest, onChunk OnChunk) (string, error)
	Name() string
}
