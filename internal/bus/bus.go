// Package bus implements the fire-and-forget event channel between the
// core and the UI observer. Delivery failures are logged, never surfaced
// as task failures.
package bus

import (
	"log/slog"
	"sync"
	"time"
)

// Event names consumed by the UI observer. Consumers must tolerate
// unknown payload fields.
const (
	EventUserMessage           = "user_message"
	EventAssistantMessageSaved = "assistant_message_saved"
	EventStreamChunk           = "stream_chunk"
	EventToolCallStart         = "tool_call_start"
	EventToolCallDelta         = "tool_call_delta"
	EventToolCallComplete      = "tool_call_complete"
	EventToolResult            = "tool_result"
	EventCancelled             = "cancelled"
	EventComplete              = "complete"
	EventError                 = "error"
	EventMetaInfo              = "meta_info"

	EventProxyRequestCaptured  = "proxy_request_captured"
	EventProxyResponseCaptured = "proxy_response_captured"
	EventProxyFailedConnection = "proxy_failed_connection"
	EventProxyWSConnection     = "proxy_ws_connection"
	EventProxyWSMessage        = "proxy_ws_message"
	EventProxyInterceptPending = "proxy_intercept_pending"
)

// ChunkType classifies a stream_chunk payload.
type ChunkType string

const (
	ChunkContent  ChunkType = "content"
	ChunkThinking ChunkType = "thinking"
	ChunkMeta     ChunkType = "meta"
)

// Event is one notification to the UI observer.
type Event struct {
	Name           string         `json:"name"`
	ExecutionID    string         `json:"execution_id,omitempty"`
	MessageID      string         `json:"message_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	Time           time.Time      `json:"time"`
}

// Bus fans events out to a single observer channel. Publish never blocks:
// when the observer buffer is full the event is dropped with a warning.
type Bus struct {
	mu       sync.RWMutex
	observer chan Event
	logger   *slog.Logger
	dropped  int
}

// New creates a bus with the given observer buffer size.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		observer: make(chan Event, buffer),
		logger:   logger.With("component", "bus"),
	}
}

// Events returns the observer channel.
func (b *Bus) Events() <-chan Event {
	return b.observer
}

// Publish delivers the event to the observer. Fire-and-forget.
func (b *Bus) Publish(event Event) {
	if event.Time.IsZero() {
		event.Time = time.Now()
	}

	select {
	case b.observer <- event:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		b.logger.Warn("observer buffer full, dropping event",
			"event", event.Name,
			"execution_id", event.ExecutionID,
			"dropped_total", n)
	}
}

// Dropped reports how many events were discarded due to backpressure.
func (b *Bus) Dropped() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}
