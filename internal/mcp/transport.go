package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentinel-labs/sentinel/pkg/models"
)

// TransportKind is a closed set of concrete transport implementations.
// The tagged kind replaces runtime downcasts: every call site switches
// exhaustively instead of probing parameterizations.
type TransportKind string

const (
	KindStdio TransportKind = "stdio"
	KindHTTP  TransportKind = "http"
)

// Transport is the wire layer under a session: a JSON-RPC request channel
// plus fire-and-forget notifications.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error

	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification; no response is expected.
	Notify(ctx context.Context, method string, params any) error

	// Events returns server-initiated notifications.
	Events() <-chan *JSONRPCNotification

	Connected() bool
	Kind() TransportKind
}

// transportKindFor maps the persisted connection-type string onto a
// concrete transport kind. stdio and child_process both run a subprocess;
// sse and http both speak streamable HTTP (sse additionally listens on
// the notification stream).
func transportKindFor(connType models.MCPConnectionType) (TransportKind, error) {
	switch connType {
	case models.MCPConnectionStdio, models.MCPConnectionChildProcess:
		return KindStdio, nil
	case models.MCPConnectionSSE, models.MCPConnectionHTTP:
		return KindHTTP, nil
	default:
		return "", fmt.Errorf("%w: connection type %q", ErrServiceTypeMismatch, connType)
	}
}

// NewTransport builds the transport for a server config.
func NewTransport(cfg *models.MCPServerConfig) (Transport, error) {
	kind, err := transportKindFor(cfg.ConnectionType)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindHTTP:
		return NewHTTPTransport(cfg), nil
	default:
		return NewStdioTransport(cfg), nil
	}
}
