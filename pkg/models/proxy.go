package models

import "time"

// RequestContext is a captured HTTP request traversing the proxy.
// Headers preserve multi-map semantics with last-wins on duplicate keys.
type RequestContext struct {
	ID          string            `json:"id"`
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Query       map[string]string `json:"query,omitempty"`
	HTTPS       bool              `json:"https"`
	Timestamp   time.Time         `json:"timestamp"`

	// Edit fields are populated when an interceptor modified the request.
	WasEdited     bool              `json:"was_edited"`
	EditedHeaders map[string]string `json:"edited_headers,omitempty"`
	EditedBody    []byte            `json:"edited_body,omitempty"`
}

// ResponseContext is the captured response paired to a RequestContext.
// Body holds the decompressed payload for history and scanning; the
// original encoded body is what was forwarded to the client.
type ResponseContext struct {
	RequestID   string            `json:"request_id"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers"`
	Body        []byte            `json:"body,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`

	WasEdited     bool              `json:"was_edited"`
	EditedHeaders map[string]string `json:"edited_headers,omitempty"`
	EditedBody    []byte            `json:"edited_body,omitempty"`
}

// WebSocketDirection tags which side produced a frame.
type WebSocketDirection string

const (
	DirectionClientToServer WebSocketDirection = "client_to_server"
	DirectionServerToClient WebSocketDirection = "server_to_client"
)

// WebSocketMessageType mirrors the frame opcodes the proxy relays.
type WebSocketMessageType string

const (
	WSMessageText   WebSocketMessageType = "text"
	WSMessageBinary WebSocketMessageType = "binary"
	WSMessagePing   WebSocketMessageType = "ping"
	WSMessagePong   WebSocketMessageType = "pong"
	WSMessageClose  WebSocketMessageType = "close"
)

// BinaryContentPrefix marks base64-encoded binary frame content.
const BinaryContentPrefix = "[binary]"

// WebSocketConnectionContext records an upgraded WebSocket connection.
type WebSocketConnectionContext struct {
	ID              string            `json:"id"`
	URL             string            `json:"url"`
	Host            string            `json:"host"`
	Scheme          string            `json:"scheme"`
	RequestHeaders  map[string]string `json:"request_headers,omitempty"`
	ResponseHeaders map[string]string `json:"response_headers,omitempty"`
	OpenedAt        time.Time         `json:"opened_at"`
}

// WebSocketMessageContext records a single relayed frame. Direction is
// inferred from an alternating per-connection counter (odd frames are
// client-to-server) — a best-effort heuristic, not a protocol guarantee.
type WebSocketMessageContext struct {
	ID           string               `json:"id"`
	ConnectionID string               `json:"connection_id"`
	Direction    WebSocketDirection   `json:"direction"`
	Type         WebSocketMessageType `json:"type"`
	Content      string               `json:"content,omitempty"`
	Length       int                  `json:"length"`
	Timestamp    time.Time            `json:"timestamp"`
}

// FailedConnection records a TLS or handshake failure observed while
// tunneling to an upstream host.
type FailedConnection struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}
