package bus

import (
	"github.com/sentinel-labs/sentinel/internal/cancel"
)

// Emitter scopes a bus to one execution and enforces the cancellation
// gate: once the execution's token fires, every emission is suppressed
// except the single terminal cancelled event.
type Emitter struct {
	bus            *Bus
	token          *cancel.Token
	executionID    string
	conversationID string
}

// NewEmitter creates an emitter for one execution. token may be nil for
// emissions outside an execution scope (proxy events).
func NewEmitter(b *Bus, token *cancel.Token, executionID, conversationID string) *Emitter {
	return &Emitter{
		bus:            b,
		token:          token,
		executionID:    executionID,
		conversationID: conversationID,
	}
}

// Emit publishes an event unless the execution has been cancelled.
func (e *Emitter) Emit(name, messageID string, payload map[string]any) {
	if e.token != nil && e.token.Cancelled() && name != EventCancelled {
		return
	}
	e.bus.Publish(Event{
		Name:           name,
		ExecutionID:    e.executionID,
		MessageID:      messageID,
		ConversationID: e.conversationID,
		Payload:        payload,
	})
}

// EmitChunk publishes a stream_chunk with the given type and text.
func (e *Emitter) EmitChunk(messageID string, chunkType ChunkType, text string, final bool) {
	e.Emit(EventStreamChunk, messageID, map[string]any{
		"chunk_type": string(chunkType),
		"content":    text,
		"is_final":   final,
	})
}

// EmitCancelled publishes the terminal cancelled event. This bypasses the
// suppression gate by construction.
func (e *Emitter) EmitCancelled(messageID string) {
	e.bus.Publish(Event{
		Name:           EventCancelled,
		ExecutionID:    e.executionID,
		MessageID:      messageID,
		ConversationID: e.conversationID,
	})
}
