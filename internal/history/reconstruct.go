// Package history collapses the flat stored message sequence into the
// assistant+tool-result shape LLM providers expect.
package history

import (
	"github.com/sentinel-labs/sentinel/internal/provider"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// Reconstruct walks stored messages in order and produces provider
// messages:
//
//   - user messages pass through (empty ones are skipped)
//   - an assistant message absorbs the run of tool messages that follows
//     it; each tool message contributes a result only when it actually
//     carries one, and duplicate tool_call_ids are suppressed across the
//     whole reconstruction
//   - tool messages with no preceding assistant are dropped
//
// A trailing user message is removed: the current user turn is appended
// by the stream call itself.
func Reconstruct(messages []*models.Message) []provider.ChatMessage {
	var out []provider.ChatMessage
	seenCalls := make(map[string]bool)

	for i := 0; i < len(messages); i++ {
		msg := messages[i]
		switch msg.Role {
		case models.RoleUser:
			if msg.Content == "" {
				continue
			}
			out = append(out, provider.ChatMessage{
				Role:    models.RoleUser,
				Content: msg.Content,
			})

		case models.RoleAssistant:
			assistant := provider.ChatMessage{
				Role:      models.RoleAssistant,
				Content:   msg.Content,
				Reasoning: msg.Reasoning,
			}
			var results []models.ToolResult

			// Absorb the run of tool messages that follows.
			for i+1 < len(messages) && messages[i+1].Role == models.RoleTool {
				i++
				tool := messages[i]
				meta := tool.Metadata
				if meta == nil || meta.ToolCallID == "" {
					continue
				}
				// Providers reject calls without results; include the
				// pair only when the result arrived.
				if meta.ToolResult == "" {
					continue
				}
				if seenCalls[meta.ToolCallID] {
					continue
				}
				seenCalls[meta.ToolCallID] = true

				assistant.ToolCalls = append(assistant.ToolCalls, models.ToolCall{
					ID:        meta.ToolCallID,
					Name:      meta.ToolName,
					Arguments: meta.ToolArgs,
				})
				results = append(results, models.ToolResult{
					ToolCallID: meta.ToolCallID,
					Content:    meta.ToolResult,
				})
			}

			if assistant.Content == "" && len(assistant.ToolCalls) == 0 {
				continue
			}
			out = append(out, assistant)
			for _, result := range results {
				out = append(out, provider.ChatMessage{
					Role:        models.RoleTool,
					ToolResults: []models.ToolResult{result},
				})
			}

		case models.RoleTool:
			// Standalone tool message: nothing to pair it with.
			continue
		}
	}

	// The caller appends the live user turn; a stored trailing user
	// message would duplicate it.
	if n := len(out); n > 0 && out[n-1].Role == models.RoleUser {
		out = out[:n-1]
	}
	return out
}
