package proxy

import (
	"context"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// RecordWSConnection mints a connection context for an upgraded exchange
// and maps the connection key to it for later frames.
func (h *Handler) RecordWSConnection(connKey string, r *http.Request, https bool, respHeaders http.Header) *models.WebSocketConnectionContext {
	scheme := "ws"
	if https {
		scheme = "wss"
	}
	connCtx := &models.WebSocketConnectionContext{
		ID:             uuid.New().String(),
		URL:            absoluteURL(r, https),
		Host:           r.Host,
		Scheme:         scheme,
		RequestHeaders: flattenHeaders(r.Header),
		OpenedAt:       time.Now(),
	}
	if respHeaders != nil {
		connCtx.ResponseHeaders = flattenHeaders(respHeaders)
	}

	h.shared.mu.Lock()
	h.shared.wsConnIDs[connKey] = connCtx.ID
	h.shared.wsCounters[connKey] = 0
	h.shared.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSConnections.Inc()
	}
	h.publish(bus.EventProxyWSConnection, map[string]any{
		"connection_id": connCtx.ID,
		"url":           connCtx.URL,
		"scheme":        connCtx.Scheme,
	})
	return connCtx
}

// nextWSDirection advances the alternating per-connection counter.
// Odd frames count as client→server. Best-effort: the relay order, not
// the protocol, drives the counter.
func (h *Handler) nextWSDirection(connKey string) models.WebSocketDirection {
	h.shared.mu.Lock()
	h.shared.wsCounters[connKey]++
	n := h.shared.wsCounters[connKey]
	h.shared.mu.Unlock()

	if n%2 == 1 {
		return models.DirectionClientToServer
	}
	return models.DirectionServerToClient
}

func (h *Handler) wsConnectionID(connKey string) string {
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	return h.shared.wsConnIDs[connKey]
}

// wsFrameOutcome is the relay decision for one frame.
type wsFrameOutcome struct {
	// data is the (possibly edited) payload to forward.
	data []byte
	// reply is an immediate response frame (pong for ping).
	reply []byte
	replyType int
	// drop ends the stream.
	drop bool
}

// HandleWSFrame captures one frame and applies the relay policy:
// every frame is published before transformation; pings are auto-answered
// with pongs; close frames end the stream gracefully; other frames
// forward verbatim unless interception is enabled, in which case the
// frame pauses for a verdict with no deadline other than user action.
func (h *Handler) HandleWSFrame(ctx context.Context, connKey string, frameType int, data []byte) wsFrameOutcome {
	msgCtx := models.WebSocketMessageContext{
		ID:           uuid.New().String(),
		ConnectionID: h.wsConnectionID(connKey),
		Direction:    h.nextWSDirection(connKey),
		Type:         wsMessageType(frameType),
		Length:       len(data),
		Timestamp:    time.Now(),
	}
	switch msgCtx.Type {
	case models.WSMessageText:
		msgCtx.Content = string(data)
	case models.WSMessageBinary:
		msgCtx.Content = models.BinaryContentPrefix + base64.StdEncoding.EncodeToString(data)
	}

	if h.metrics != nil {
		h.metrics.WSMessages.Inc()
	}
	h.publish(bus.EventProxyWSMessage, map[string]any{
		"id":            msgCtx.ID,
		"connection_id": msgCtx.ConnectionID,
		"direction":     string(msgCtx.Direction),
		"type":          string(msgCtx.Type),
		"content":       msgCtx.Content,
		"length":        msgCtx.Length,
	})

	switch frameType {
	case websocket.CloseMessage:
		return wsFrameOutcome{drop: true}
	case websocket.PingMessage:
		return wsFrameOutcome{data: nil, reply: data, replyType: websocket.PongMessage}
	case websocket.PongMessage:
		return wsFrameOutcome{data: data}
	}

	if !h.config.InterceptWebSockets {
		return wsFrameOutcome{data: data}
	}

	h.publish(bus.EventProxyInterceptPending, map[string]any{
		"request_id": msgCtx.ID,
		"kind":       "websocket",
		"content":    msgCtx.Content,
	})
	verdict := h.intercept.Await(ctx, msgCtx.ID, 0)
	switch verdict.Action {
	case ActionDrop:
		return wsFrameOutcome{drop: true}
	case ActionForward:
		if verdict.Raw == nil {
			return wsFrameOutcome{data: data}
		}
		if verdict.Base64 {
			decoded, err := base64Decode(*verdict.Raw)
			if err != nil {
				h.logger.Warn("discarding malformed binary frame edit", "error", err)
				return wsFrameOutcome{data: data}
			}
			return wsFrameOutcome{data: decoded}
		}
		return wsFrameOutcome{data: []byte(*verdict.Raw)}
	}
	return wsFrameOutcome{data: data}
}

func wsMessageType(frameType int) models.WebSocketMessageType {
	switch frameType {
	case websocket.TextMessage:
		return models.WSMessageText
	case websocket.BinaryMessage:
		return models.WSMessageBinary
	case websocket.PingMessage:
		return models.WSMessagePing
	case websocket.PongMessage:
		return models.WSMessagePong
	case websocket.CloseMessage:
		return models.WSMessageClose
	default:
		return models.WSMessageBinary
	}
}

// relayWebSocket pumps frames between the client and upstream sockets,
// applying the frame policy in each direction, until either side closes.
func (h *Handler) relayWebSocket(ctx context.Context, connKey string, client, upstream *websocket.Conn) {
	done := make(chan struct{}, 2)

	pump := func(src, dst *websocket.Conn) {
		defer func() { done <- struct{}{} }()
		for {
			frameType, data, err := src.ReadMessage()
			if err != nil {
				return
			}
			outcome := h.HandleWSFrame(ctx, connKey, frameType, data)
			if outcome.drop {
				return
			}
			if outcome.reply != nil {
				if err := src.WriteMessage(outcome.replyType, outcome.reply); err != nil {
					return
				}
				continue
			}
			if err := dst.WriteMessage(frameType, outcome.data); err != nil {
				return
			}
		}
	}

	go pump(client, upstream)
	go pump(upstream, client)

	select {
	case <-done:
	case <-ctx.Done():
	}
	client.Close()
	upstream.Close()
}
