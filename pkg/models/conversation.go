// Package models defines the shared data model for the Sentinel core:
// conversations and messages, captured proxy traffic, MCP server
// configuration, and the payloads that travel over the event bus.
package models

import "time"

// Conversation groups a sequence of messages exchanged with the assistant.
// A conversation owns its messages: deleting the conversation cascades.
//
// The aggregate counters (TotalMessages, TotalTokens, TotalCost) are
// maintained by the persistence gateway: appends increase them, single
// and tail message deletes decrease them (clamped at zero), and bulk
// message delete resets them.
type Conversation struct {
	// ID is the stable conversation identifier.
	ID string `json:"id"`

	// Title is the display title, typically derived from the first user turn.
	Title string `json:"title"`

	// Model is the preferred model hint for this conversation (may be empty).
	Model string `json:"model,omitempty"`

	// TotalMessages is the number of messages stored for the conversation.
	TotalMessages int `json:"total_messages"`

	// TotalTokens is the cumulative token usage across all messages.
	TotalTokens int `json:"total_tokens"`

	// TotalCost is the cumulative estimated cost in USD.
	TotalCost float64 `json:"total_cost"`

	// Archived hides the conversation from default listings.
	Archived bool `json:"archived"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RunState is an opaque per-execution checkpoint blob written by the
// executor after each successful step and cleared on bulk message delete.
type RunState struct {
	ExecutionID string    `json:"execution_id"`
	State       []byte    `json:"state"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SubagentRun records a nested execution spawned by a parent message.
type SubagentRun struct {
	ID                string    `json:"id"`
	ParentExecutionID string    `json:"parent_execution_id"`
	ParentMessageID   string    `json:"parent_message_id"`
	Task              string    `json:"task"`
	Status            string    `json:"status"`
	CreatedAt         time.Time `json:"created_at"`
}

// SubagentMessage mirrors Message semantics but is keyed by the parent
// execution id rather than a conversation.
type SubagentMessage struct {
	ID                string    `json:"id"`
	ParentExecutionID string    `json:"parent_execution_id"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	CreatedAt         time.Time `json:"created_at"`
}

// NotificationRule configures an outbound notification channel. Config is
// channel-specific JSON and may be stored encrypted.
type NotificationRule struct {
	ID      string `json:"id"`
	Channel string `json:"channel"`
	Config  string `json:"config"`
	Enabled bool   `json:"enabled"`
}
