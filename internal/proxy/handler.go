package proxy

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentinel-labs/sentinel/internal/bus"
	"github.com/sentinel-labs/sentinel/internal/observability"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

// streamingContentTypes trigger the tee path instead of buffered capture.
var streamingContentTypes = []string{
	"text/event-stream",
	"application/x-ndjson",
	"application/stream+json",
}

// sharedState is the handler state common to every clone: the bypass
// set, the connection→host map, the WebSocket connection ids and
// direction counters, the per-host failure counts, and the intercept rules.
type sharedState struct {
	mu          sync.RWMutex
	bypassHosts map[string]struct{}
	connHosts   map[string]string
	wsConnIDs   map[string]string
	wsCounters  map[string]int
	failCounts  map[string]int
	rules       RuleSet
}

// requestCache holds in-flight captured requests, trimmed LRU-style.
type requestCache struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*models.RequestContext
}

func newRequestCache() *requestCache {
	return &requestCache{entries: make(map[string]*models.RequestContext)}
}

func (c *requestCache) put(req *models.RequestContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[req.ID]; !exists {
		c.order = append(c.order, req.ID)
	}
	c.entries[req.ID] = req
	for len(c.order) > requestCacheLimit {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

func (c *requestCache) take(id string) (*models.RequestContext, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	delete(c.entries, id)
	for i, entry := range c.order {
		if entry == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return req, true
}

func (c *requestCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Handler captures and optionally pauses one HTTP/WS exchange. The MITM
// engine clones the handler per exchange: clones share the global state
// but each carries its own current-request-id slot.
type Handler struct {
	config    Config
	bus       *bus.Bus
	intercept *Interceptor
	metrics   *observability.Metrics
	logger    *slog.Logger

	shared *sharedState
	cache  *requestCache

	// currentRequestID is the per-clone one-slot holder linking a
	// response back to its captured request. Never shared across
	// exchanges.
	slotMu           sync.Mutex
	currentRequestID string
}

// NewHandler creates the root handler.
func NewHandler(cfg Config, eventBus *bus.Bus, metrics *observability.Metrics, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		config:    cfg,
		bus:       eventBus,
		intercept: NewInterceptor(),
		metrics:   metrics,
		logger:    logger.With("component", "proxy"),
		shared: &sharedState{
			bypassHosts: make(map[string]struct{}),
			connHosts:   make(map[string]string),
			wsConnIDs:   make(map[string]string),
			wsCounters:  make(map[string]int),
			failCounts:  make(map[string]int),
		},
		cache: newRequestCache(),
	}
}

// Clone derives a per-exchange handler: shared maps, fresh request slot.
func (h *Handler) Clone() *Handler {
	return &Handler{
		config:    h.config,
		bus:       h.bus,
		intercept: h.intercept,
		metrics:   h.metrics,
		logger:    h.logger,
		shared:    h.shared,
		cache:     h.cache,
	}
}

// Interceptor exposes the pause coordinator to the UI layer.
func (h *Handler) Interceptor() *Interceptor { return h.intercept }

// SetRules replaces the intercept rule set.
func (h *Handler) SetRules(rules RuleSet) {
	h.shared.mu.Lock()
	h.shared.rules = rules
	h.shared.mu.Unlock()
}

// AddBypassHost exempts a host from MITM: its CONNECT tunnels pass
// through untouched.
func (h *Handler) AddBypassHost(host string) {
	h.shared.mu.Lock()
	h.shared.bypassHosts[host] = struct{}{}
	h.shared.mu.Unlock()
}

// ShouldBypass reports whether the host is in the bypass set.
func (h *Handler) ShouldBypass(host string) bool {
	h.shared.mu.RLock()
	defer h.shared.mu.RUnlock()
	_, ok := h.shared.bypassHosts[host]
	return ok
}

// RecordConnectHost remembers which host a connection key tunnels to.
func (h *Handler) RecordConnectHost(connKey, host string) {
	h.shared.mu.Lock()
	h.shared.connHosts[connKey] = host
	h.shared.mu.Unlock()
}

func (h *Handler) setCurrentRequestID(id string) {
	h.slotMu.Lock()
	h.currentRequestID = id
	h.slotMu.Unlock()
}

func (h *Handler) takeCurrentRequestID() (string, bool) {
	h.slotMu.Lock()
	defer h.slotMu.Unlock()
	id := h.currentRequestID
	h.currentRequestID = ""
	return id, id != ""
}

// HandleRequest captures the request and runs the intercept pause.
// It returns the request to forward (possibly rebuilt from an edit) or a
// short-circuit response when the inspector dropped the exchange.
func (h *Handler) HandleRequest(r *http.Request, https bool) (*http.Request, *http.Response) {
	reqCtx := h.captureRequest(r, https)
	h.setCurrentRequestID(reqCtx.ID)
	h.cache.put(reqCtx)

	if h.metrics != nil {
		h.metrics.RequestsCaptured.Inc()
	}
	h.publish(bus.EventProxyRequestCaptured, map[string]any{
		"request_id": reqCtx.ID,
		"method":     reqCtx.Method,
		"url":        reqCtx.URL,
		"https":      reqCtx.HTTPS,
		"request":    reqCtx,
	})

	if !h.config.InterceptRequests {
		return r, nil
	}
	h.shared.mu.RLock()
	rules := h.shared.rules
	h.shared.mu.RUnlock()
	if !rules.ShouldIntercept(reqCtx.Method, reqCtx.URL, reqCtx.Headers) {
		return r, nil
	}

	h.publish(bus.EventProxyInterceptPending, map[string]any{
		"request_id": reqCtx.ID,
		"kind":       "request",
		"blob":       SerializeRequestBlob(reqCtx.Method, requestPath(r), r.Proto, reqCtx.Headers, reqCtx.Body),
	})

	verdict := h.intercept.Await(r.Context(), reqCtx.ID, requestInterceptTimeout)
	switch verdict.Action {
	case ActionDrop:
		// 444 mirrors nginx's connection-closed-without-response code.
		return r, &http.Response{
			StatusCode: 444,
			Status:     "444 Connection Closed Without Response",
			Proto:      r.Proto,
			ProtoMajor: r.ProtoMajor,
			ProtoMinor: r.ProtoMinor,
			Header:     http.Header{},
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Request:    r,
		}
	case ActionForward:
		if verdict.Raw == nil {
			return r, nil
		}
		edited, err := h.applyRequestEdit(r, reqCtx, *verdict.Raw)
		if err != nil {
			h.logger.Warn("discarding malformed request edit", "error", err)
			return r, nil
		}
		h.cache.put(reqCtx)
		return edited, nil
	}
	return r, nil
}

// captureRequest reads and bounds the body, then builds the context.
func (h *Handler) captureRequest(r *http.Request, https bool) *models.RequestContext {
	var body []byte
	if r.Body != nil {
		limit := int64(h.config.MaxRequestBodySize)
		data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
		r.Body.Close()
		if err != nil {
			h.logger.Warn("request body read failed", "error", err)
		}
		if int64(len(data)) > limit {
			h.logger.Warn("request body truncated",
				"limit", h.config.MaxRequestBodySize, "url", r.URL.String())
			data = data[:limit]
		}
		body = data
		// The forwarded request re-reads the captured bytes.
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	query := make(map[string]string)
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			query[k] = vs[len(vs)-1]
		}
	}

	return &models.RequestContext{
		ID:          uuid.New().String(),
		Method:      r.Method,
		URL:         absoluteURL(r, https),
		Headers:     flattenHeaders(r.Header),
		Body:        body,
		ContentType: r.Header.Get("Content-Type"),
		Query:       query,
		HTTPS:       https,
		Timestamp:   time.Now(),
	}
}

// applyRequestEdit parses the edited blob back into a request, keeping
// the original scheme and authority when the edited path is relative.
func (h *Handler) applyRequestEdit(r *http.Request, reqCtx *models.RequestContext, raw string) (*http.Request, error) {
	blob, err := ParseRequestBlob(raw)
	if err != nil {
		return nil, err
	}

	target := blob.Path
	if strings.HasPrefix(target, "/") {
		target = r.URL.Scheme + "://" + r.URL.Host + target
		if r.URL.Scheme == "" {
			// CONNECT-tunneled requests carry relative URLs; rebuild from
			// the captured absolute form.
			parsed, perr := url.Parse(reqCtx.URL)
			if perr == nil {
				target = parsed.Scheme + "://" + parsed.Host + blob.Path
			}
		}
	}
	parsed, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("parse edited url: %w", err)
	}

	edited, err := http.NewRequestWithContext(r.Context(), blob.Method, parsed.String(), bytes.NewReader(blob.Body))
	if err != nil {
		return nil, err
	}
	for k, v := range blob.Headers {
		edited.Header.Set(k, v)
	}
	edited.ContentLength = int64(len(blob.Body))

	reqCtx.WasEdited = true
	reqCtx.EditedHeaders = blob.Headers
	reqCtx.EditedBody = blob.Body
	return edited, nil
}

// HandleResponse pops the per-clone request id, captures (buffered or
// teed), optionally intercepts, and returns the response to forward.
func (h *Handler) HandleResponse(resp *http.Response) *http.Response {
	requestID, ok := h.takeCurrentRequestID()
	if !ok {
		return resp
	}
	reqCtx, cached := h.cache.take(requestID)
	if !cached {
		h.logger.Warn("response for unknown request", "request_id", requestID)
		return resp
	}

	contentType := resp.Header.Get("Content-Type")
	if isStreamingContentType(contentType) {
		return h.teeStreamingResponse(resp, reqCtx, contentType)
	}
	return h.captureBufferedResponse(resp, reqCtx, contentType)
}

func isStreamingContentType(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, streaming := range streamingContentTypes {
		if strings.Contains(ct, streaming) {
			return true
		}
	}
	return false
}

// teeStreamingResponse relays frames to the client while a collector
// assembles the capture; the response event fires when the stream ends.
func (h *Handler) teeStreamingResponse(resp *http.Response, reqCtx *models.RequestContext, contentType string) *http.Response {
	status := resp.StatusCode
	headers := flattenHeaders(resp.Header)
	requestID := reqCtx.ID

	resp.Body = newTeeBody(resp.Body, h.config.MaxResponseBodySize, func(captured []byte, truncated bool) {
		if truncated {
			h.logger.Warn("streaming capture truncated",
				"request_id", requestID, "limit", h.config.MaxResponseBodySize)
		}
		h.emitResponse(&models.ResponseContext{
			RequestID:   requestID,
			Status:      status,
			Headers:     headers,
			Body:        captured,
			ContentType: contentType,
			Timestamp:   time.Now(),
		})
	})
	return resp
}

// captureBufferedResponse reads, bounds and decompresses the body. The
// client receives the original encoded bytes; history receives the
// decompressed form.
func (h *Handler) captureBufferedResponse(resp *http.Response, reqCtx *models.RequestContext, contentType string) *http.Response {
	limit := h.config.MaxResponseBodySize
	var raw []byte
	if resp.Body != nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, int64(limit)+1))
		resp.Body.Close()
		if err != nil {
			h.logger.Warn("response body read failed", "error", err)
		}
		if len(data) > limit {
			h.logger.Warn("response body truncated", "limit", limit, "request_id", reqCtx.ID)
			data = data[:limit]
		}
		raw = data
	}

	decompressed := decompressBody(raw, resp.Header.Get("Content-Encoding"), h.logger)
	if len(decompressed) > limit {
		decompressed = decompressed[:limit]
	}

	respCtx := &models.ResponseContext{
		RequestID:   reqCtx.ID,
		Status:      resp.StatusCode,
		Headers:     flattenHeaders(resp.Header),
		Body:        decompressed,
		ContentType: contentType,
		Timestamp:   time.Now(),
	}

	forwardBody := raw
	if h.config.InterceptResponses {
		h.publish(bus.EventProxyInterceptPending, map[string]any{
			"request_id": reqCtx.ID,
			"kind":       "response",
			"blob":       SerializeResponseBlob(respCtx.Status, respCtx.Headers, respCtx.Body),
		})
		verdict := h.intercept.Await(context.Background(), reqCtx.ID, responseInterceptTimeout)
		switch verdict.Action {
		case ActionDrop:
			resp.StatusCode = http.StatusNoContent
			resp.Status = "204 No Content"
			forwardBody = nil
			resp.Header.Del("Content-Encoding")
		case ActionForward:
			if verdict.Raw != nil {
				if blob, err := ParseResponseBlob(*verdict.Raw); err == nil {
					respCtx.WasEdited = true
					respCtx.EditedHeaders = blob.Headers
					respCtx.EditedBody = blob.Body
					resp.StatusCode = blob.Status
					resp.Status = fmt.Sprintf("%d %s", blob.Status, http.StatusText(blob.Status))
					for k, v := range blob.Headers {
						resp.Header.Set(k, v)
					}
					// The edit replaces the encoded payload wholesale.
					resp.Header.Del("Content-Encoding")
					forwardBody = blob.Body
				} else {
					h.logger.Warn("discarding malformed response edit", "error", err)
				}
			}
		}
	}

	resp.Body = io.NopCloser(bytes.NewReader(forwardBody))
	resp.ContentLength = int64(len(forwardBody))
	resp.Header.Del("Content-Length")

	h.emitResponse(respCtx)
	return resp
}

func (h *Handler) emitResponse(respCtx *models.ResponseContext) {
	if h.metrics != nil {
		h.metrics.ResponsesCaptured.Inc()
		h.metrics.BytesCaptured.Add(float64(len(respCtx.Body)))
	}
	h.publish(bus.EventProxyResponseCaptured, map[string]any{
		"request_id": respCtx.RequestID,
		"status":     respCtx.Status,
		"size":       len(respCtx.Body),
		"response":   respCtx,
	})
}

// HandleUpstreamError inspects the error chain for TLS/certificate
// failures and emits a failed-connection event. Automatic MITM bypass
// stays disabled; the failure is only recorded.
func (h *Handler) HandleUpstreamError(host string, port int, err error) {
	if err == nil {
		return
	}
	text := err.Error()
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "tls") &&
		!strings.Contains(lower, "certificate") &&
		!strings.Contains(lower, "handshake") {
		return
	}

	h.shared.mu.Lock()
	h.shared.failCounts[host]++
	h.shared.mu.Unlock()

	if h.metrics != nil {
		h.metrics.FailedConnections.Inc()
	}
	h.publish(bus.EventProxyFailedConnection, map[string]any{
		"id":    uuid.New().String(),
		"host":  host,
		"port":  port,
		"error": text,
	})
}

func (h *Handler) publish(name string, payload map[string]any) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(bus.Event{Name: name, Payload: payload})
}

// flattenHeaders collapses multi-value headers last-wins.
func flattenHeaders(header http.Header) map[string]string {
	out := make(map[string]string, len(header))
	for k, vs := range header {
		if len(vs) > 0 {
			out[k] = vs[len(vs)-1]
		}
	}
	return out
}

// absoluteURL reconstructs the full request URL, falling back to the
// Host header for CONNECT-tunneled relative requests.
func absoluteURL(r *http.Request, https bool) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	scheme := "http"
	if https {
		scheme = "https"
	}
	host := r.Host
	if host == "" {
		host = r.Header.Get("Host")
	}
	return scheme + "://" + host + r.URL.RequestURI()
}

func requestPath(r *http.Request) string {
	return r.URL.RequestURI()
}

// base64Decode decodes WS binary edits; used by the ws relay.
func base64Decode(raw string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(raw)
}
