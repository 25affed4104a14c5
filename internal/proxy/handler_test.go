package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

func newTestHandler(cfg Config) (*Handler, *bus.Bus) {
	eventBus := bus.New(256, nil)
	return NewHandler(cfg, eventBus, nil, nil), eventBus
}

func drainEvents(b *bus.Bus) []bus.Event {
	var events []bus.Event
	for {
		select {
		case e := <-b.Events():
			events = append(events, e)
		default:
			return events
		}
	}
}

func eventsNamed(events []bus.Event, name string) []bus.Event {
	var out []bus.Event
	for _, e := range events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func TestHandleRequestCaptures(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())
	exchange := h.Clone()

	req := httptest.NewRequest("POST", "http://api.example.com/submit?a=1&b=2", strings.NewReader("payload"))
	out, short := exchange.HandleRequest(req, false)
	require.Nil(t, short)
	require.NotNil(t, out)

	// The forwarded request still carries the body.
	body, _ := io.ReadAll(out.Body)
	assert.Equal(t, "payload", string(body))

	events := eventsNamed(drainEvents(eventBus), bus.EventProxyRequestCaptured)
	require.Len(t, events, 1)
	reqCtx := events[0].Payload["request"].(*models.RequestContext)
	assert.Equal(t, "POST", reqCtx.Method)
	assert.Equal(t, "http://api.example.com/submit?a=1&b=2", reqCtx.URL)
	assert.Equal(t, "1", reqCtx.Query["a"])
	assert.Equal(t, []byte("payload"), reqCtx.Body)
	assert.False(t, reqCtx.WasEdited)
}

func TestHandleRequestTruncatesBody(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxRequestBodySize = 8
	h, eventBus := newTestHandler(cfg)

	req := httptest.NewRequest("POST", "http://x.com/", strings.NewReader("0123456789abcdef"))
	h.Clone().HandleRequest(req, false)

	events := eventsNamed(drainEvents(eventBus), bus.EventProxyRequestCaptured)
	require.Len(t, events, 1)
	reqCtx := events[0].Payload["request"].(*models.RequestContext)
	assert.Len(t, reqCtx.Body, 8, "captured body never exceeds the limit")
}

func TestHandleRequestInterceptEdit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InterceptRequests = true
	h, eventBus := newTestHandler(cfg)
	exchange := h.Clone()

	go func() {
		// Wait for the pending event, then resolve with an edit.
		deadline := time.After(time.Second)
		for {
			select {
			case e := <-eventBus.Events():
				if e.Name == bus.EventProxyInterceptPending {
					raw := "GET /ping HTTP/1.1\r\nHost: api.example.com\r\nX-Edit: 1\r\n\r\n"
					h.Interceptor().Resolve(e.Payload["request_id"].(string), Verdict{Action: ActionForward, Raw: &raw})
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	req := httptest.NewRequest("GET", "https://api.example.com/ping", nil)
	out, short := exchange.HandleRequest(req, true)
	require.Nil(t, short)
	assert.Equal(t, "1", out.Header.Get("X-Edit"), "edit applied to forwarded request")
	assert.Equal(t, "/ping", out.URL.Path)
	assert.Equal(t, "api.example.com", out.URL.Host, "relative path keeps original authority")

	// The stored context records the edit.
	id, ok := exchange.takeCurrentRequestID()
	require.True(t, ok)
	reqCtx, cached := exchange.cache.take(id)
	require.True(t, cached)
	assert.True(t, reqCtx.WasEdited)
	assert.Equal(t, "1", reqCtx.EditedHeaders["X-Edit"])
}

func TestHandleRequestInterceptDrop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InterceptRequests = true
	h, eventBus := newTestHandler(cfg)
	exchange := h.Clone()

	go func() {
		deadline := time.After(time.Second)
		for {
			select {
			case e := <-eventBus.Events():
				if e.Name == bus.EventProxyInterceptPending {
					h.Interceptor().Resolve(e.Payload["request_id"].(string), Verdict{Action: ActionDrop})
					return
				}
			case <-deadline:
				return
			}
		}
	}()

	req := httptest.NewRequest("GET", "http://api.example.com/secret", nil)
	_, short := exchange.HandleRequest(req, false)
	require.NotNil(t, short)
	assert.Equal(t, 444, short.StatusCode)
}

func TestHandleRequestRuleExclusion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InterceptRequests = true
	h, eventBus := newTestHandler(cfg)
	h.SetRules(RuleSet{DoesNotMatch: []Rule{{Pattern: "/health"}}})

	req := httptest.NewRequest("GET", "http://api.example.com/health", nil)
	out, short := h.Clone().HandleRequest(req, false)
	require.Nil(t, short)
	require.NotNil(t, out)

	pending := eventsNamed(drainEvents(eventBus), bus.EventProxyInterceptPending)
	assert.Empty(t, pending, "excluded request is not paused")
}

func makeResponse(status int, headers map[string]string, body []byte) *http.Response {
	resp := &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(bytes.NewReader(body)),
	}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestHandleResponsePairsWithRequest(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())
	exchange := h.Clone()

	req := httptest.NewRequest("GET", "http://api.example.com/data", nil)
	exchange.HandleRequest(req, false)

	resp := makeResponse(200, map[string]string{"Content-Type": "application/json"}, []byte(`{"ok":true}`))
	out := exchange.HandleResponse(resp)

	forwarded, _ := io.ReadAll(out.Body)
	assert.JSONEq(t, `{"ok":true}`, string(forwarded))

	events := drainEvents(eventBus)
	reqEvents := eventsNamed(events, bus.EventProxyRequestCaptured)
	respEvents := eventsNamed(events, bus.EventProxyResponseCaptured)
	require.Len(t, reqEvents, 1)
	require.Len(t, respEvents, 1)

	respCtx := respEvents[0].Payload["response"].(*models.ResponseContext)
	reqCtx := reqEvents[0].Payload["request"].(*models.RequestContext)
	assert.Equal(t, reqCtx.ID, respCtx.RequestID, "response pairs with its request")
	assert.Equal(t, 0, exchange.cache.len(), "request evicted after pairing")
}

func TestHandleResponseDecompressesForCapture(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())
	exchange := h.Clone()

	exchange.HandleRequest(httptest.NewRequest("GET", "http://x.com/", nil), false)

	payload := []byte("the decompressed truth")
	encoded := gzipBytes(t, payload)
	resp := makeResponse(200, map[string]string{
		"Content-Type":     "text/plain",
		"Content-Encoding": "gzip",
	}, encoded)

	out := exchange.HandleResponse(resp)
	forwarded, _ := io.ReadAll(out.Body)
	assert.Equal(t, encoded, forwarded, "client receives original encoded bytes")

	respEvents := eventsNamed(drainEvents(eventBus), bus.EventProxyResponseCaptured)
	require.Len(t, respEvents, 1)
	respCtx := respEvents[0].Payload["response"].(*models.ResponseContext)
	assert.Equal(t, payload, respCtx.Body, "capture holds decompressed body")
}

func TestHandleResponseStreamingTee(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())
	exchange := h.Clone()

	exchange.HandleRequest(httptest.NewRequest("GET", "http://x.com/events", nil), false)

	var sse bytes.Buffer
	for i := 0; i < 5; i++ {
		fmt.Fprintf(&sse, "data: event-%d\n\n", i)
	}
	expected := sse.Bytes()

	resp := makeResponse(200, map[string]string{"Content-Type": "text/event-stream"}, expected)
	out := exchange.HandleResponse(resp)

	forwarded, err := io.ReadAll(out.Body)
	require.NoError(t, err)
	assert.Equal(t, expected, forwarded, "all SSE events reach the client in order")
	out.Body.Close()

	// The capture event fires after the stream ends.
	deadline := time.After(time.Second)
	for {
		select {
		case e := <-eventBus.Events():
			if e.Name == bus.EventProxyResponseCaptured {
				respCtx := e.Payload["response"].(*models.ResponseContext)
				assert.Equal(t, expected, respCtx.Body)
				return
			}
		case <-deadline:
			t.Fatal("no response event after stream end")
		}
	}
}

func TestHandleResponseWithoutRequestSlot(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig())
	exchange := h.Clone()

	resp := makeResponse(200, nil, []byte("orphan"))
	out := exchange.HandleResponse(resp)
	body, _ := io.ReadAll(out.Body)
	assert.Equal(t, "orphan", string(body), "orphan responses pass through untouched")
}

func TestClonesIsolateRequestSlot(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig())
	a := h.Clone()
	b := h.Clone()

	a.HandleRequest(httptest.NewRequest("GET", "http://a.com/", nil), false)
	_, ok := b.takeCurrentRequestID()
	assert.False(t, ok, "clone slots are independent")
	_, ok = a.takeCurrentRequestID()
	assert.True(t, ok)
}

func TestRequestCacheLRUTrim(t *testing.T) {
	cache := newRequestCache()
	for i := 0; i < requestCacheLimit+50; i++ {
		cache.put(&models.RequestContext{ID: fmt.Sprintf("r%d", i)})
	}
	assert.Equal(t, requestCacheLimit, cache.len())

	_, ok := cache.take("r0")
	assert.False(t, ok, "oldest entries were trimmed")
	_, ok = cache.take(fmt.Sprintf("r%d", requestCacheLimit+49))
	assert.True(t, ok)
}

func TestBypassHosts(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig())
	assert.False(t, h.ShouldBypass("example.com"))
	h.AddBypassHost("example.com")
	assert.True(t, h.ShouldBypass("example.com"))
	assert.True(t, h.Clone().ShouldBypass("example.com"), "bypass set is shared across clones")
}

func TestUpstreamErrorEmitsFailedConnection(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())

	h.HandleUpstreamError("bad.example.com", 443, fmt.Errorf("remote error: tls: handshake failure"))
	h.HandleUpstreamError("fine.example.com", 443, fmt.Errorf("connection refused"))

	events := eventsNamed(drainEvents(eventBus), bus.EventProxyFailedConnection)
	require.Len(t, events, 1, "only TLS/cert errors emit failed connections")
	assert.Equal(t, "bad.example.com", events[0].Payload["host"])
}

func TestWSDirectionAlternates(t *testing.T) {
	h, _ := newTestHandler(DefaultConfig())
	connKey := "conn-1"

	assert.Equal(t, models.DirectionClientToServer, h.nextWSDirection(connKey))
	assert.Equal(t, models.DirectionServerToClient, h.nextWSDirection(connKey))
	assert.Equal(t, models.DirectionClientToServer, h.nextWSDirection(connKey))

	// Counters are per connection.
	assert.Equal(t, models.DirectionClientToServer, h.nextWSDirection("conn-2"))
}

func TestHandleWSFramePolicies(t *testing.T) {
	h, eventBus := newTestHandler(DefaultConfig())
	ctx := httptest.NewRequest("GET", "http://x.com/", nil).Context()

	// Text frames forward verbatim without interception.
	outcome := h.HandleWSFrame(ctx, "c1", websocket.TextMessage, []byte("hello"))
	assert.False(t, outcome.drop)
	assert.Equal(t, []byte("hello"), outcome.data)

	// Pings auto-reply with pongs.
	outcome = h.HandleWSFrame(ctx, "c1", websocket.PingMessage, []byte("ping-payload"))
	assert.Equal(t, websocket.PongMessage, outcome.replyType)
	assert.Equal(t, []byte("ping-payload"), outcome.reply)

	// Close frames end the stream.
	outcome = h.HandleWSFrame(ctx, "c1", websocket.CloseMessage, nil)
	assert.True(t, outcome.drop)

	events := eventsNamed(drainEvents(eventBus), bus.EventProxyWSMessage)
	assert.Len(t, events, 3, "every frame is published before transformation")
}
