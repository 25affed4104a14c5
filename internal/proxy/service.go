package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sentinel-labs/sentinel/internal/certs"
)

// Service binds the proxy port, wires the handler into the MITM loop and
// owns the server lifecycle.
type Service struct {
	config    Config
	handler   *Handler
	authority certs.Authority
	logger    *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	port     int

	transport *http.Transport
}

// NewService creates a stopped service.
func NewService(cfg Config, handler *Handler, authority certs.Authority, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		config:    cfg,
		handler:   handler,
		authority: authority,
		logger:    logger.With("component", "proxy_service"),
	}
	s.transport = s.buildTransport()
	return s
}

// buildTransport is the upstream connector: it accepts every server
// certificate (deployment toggle, intentionally permissive for research
// traffic) and advertises h2 and http/1.1 via ALPN.
func (s *Service) buildTransport() *http.Transport {
	t := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			NextProtos:         []string{"h2", "http/1.1"},
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if s.config.UpstreamProxy != "" {
		proxyAddr := s.config.UpstreamProxy
		t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUpstreamProxy(ctx, proxyAddr, addr, true)
		}
		t.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialUpstreamProxy(ctx, proxyAddr, addr, false)
		}
	}
	return t
}

// Start ensures CA trust, binds the first free port in the configured
// window and serves. Returns the bound port.
func (s *Service) Start(ctx context.Context) (int, error) {
	if s.authority != nil {
		if err := s.authority.EnsureTrusted(ctx); err != nil {
			s.logger.Warn("root CA trust import failed; clients must trust it manually", "error", err)
		}
	}

	listener, port, err := s.bindPort()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	s.listener = listener
	s.port = port
	s.server = &http.Server{Handler: http.HandlerFunc(s.serveExchange)}
	server := s.server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("proxy server stopped", "error", err)
		}
	}()

	s.logger.Info("proxy listening", "host", s.config.Host, "port", port)
	return port, nil
}

func (s *Service) bindPort() (net.Listener, int, error) {
	host := s.config.Host
	if host == "" {
		host = "127.0.0.1"
	}
	attempts := s.config.MaxPortAttempts
	if attempts <= 0 {
		attempts = 10
	}

	var lastErr error
	for port := s.config.StartPort; port < s.config.StartPort+attempts; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
		if err != nil {
			lastErr = err
			continue
		}
		return listener, port, nil
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d: %w",
		s.config.StartPort, s.config.StartPort+attempts-1, lastErr)
}

// Port returns the bound port, zero before Start.
func (s *Service) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// Stop aborts the server.
func (s *Service) Stop() {
	s.mu.Lock()
	server := s.server
	s.server = nil
	s.mu.Unlock()
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}
}

// serveExchange is the top of the MITM loop: CONNECT tunnels get TLS
// termination (or blind passthrough for bypassed hosts); plain requests
// proxy directly.
func (s *Service) serveExchange(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		s.handleConnect(w, r)
		return
	}
	s.proxyHTTP(w, r, false)
}

// handleConnect hijacks the client connection and either tunnels bytes
// blindly (bypassed hosts) or terminates TLS with a minted leaf.
func (s *Service) handleConnect(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	hostname := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	}
	connKey := r.RemoteAddr + "->" + host
	s.handler.RecordConnectHost(connKey, hostname)

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	if _, err := clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		clientConn.Close()
		return
	}

	if s.handler.ShouldBypass(hostname) || s.authority == nil {
		s.tunnel(clientConn, host)
		return
	}

	leaf, err := s.authority.Leaf(hostname)
	if err != nil {
		s.logger.Warn("leaf certificate unavailable, tunneling", "host", hostname, "error", err)
		s.tunnel(clientConn, host)
		return
	}

	tlsConn := tls.Server(clientConn, &tls.Config{
		Certificates: []tls.Certificate{*leaf},
	})
	if err := tlsConn.Handshake(); err != nil {
		s.logger.Debug("client tls handshake failed", "host", hostname, "error", err)
		tlsConn.Close()
		return
	}
	s.serveTLSConn(tlsConn, host, connKey)
}

// tunnel splices bytes without inspection.
func (s *Service) tunnel(clientConn net.Conn, hostPort string) {
	defer clientConn.Close()

	var upstream net.Conn
	var err error
	if s.config.UpstreamProxy != "" {
		upstream, err = dialUpstreamProxy(context.Background(), s.config.UpstreamProxy, hostPort, false)
	} else {
		upstream, err = net.DialTimeout("tcp", hostPort, 10*time.Second)
	}
	if err != nil {
		return
	}
	defer upstream.Close()

	done := make(chan struct{}, 2)
	splice := func(dst, src net.Conn) {
		io.Copy(dst, src)
		done <- struct{}{}
	}
	go splice(upstream, clientConn)
	go splice(clientConn, upstream)
	<-done
}

// serveTLSConn reads decrypted HTTP/1.1 requests off the terminated
// tunnel and proxies each as an HTTPS exchange.
func (s *Service) serveTLSConn(conn *tls.Conn, hostPort, connKey string) {
	defer conn.Close()
	reader := bufio.NewReader(conn)

	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}
		req.URL.Scheme = "https"
		req.URL.Host = hostPort
		if req.Host == "" {
			req.Host = hostPort
		}

		if isWebSocketUpgrade(req) {
			s.relayWebSocketExchange(conn, req, true, connKey)
			return
		}

		writer := newConnResponseWriter(conn)
		s.proxyHTTP(writer, req, true)
		if writer.hijacked || writer.closeAfter || req.Close {
			return
		}
	}
}

// proxyHTTP runs one captured exchange through the handler pair.
func (s *Service) proxyHTTP(w http.ResponseWriter, r *http.Request, https bool) {
	if !https && isWebSocketUpgrade(r) {
		s.relayPlainWebSocket(w, r)
		return
	}

	// Each exchange gets its own handler clone with a fresh request slot.
	exchange := s.handler.Clone()

	outReq, shortCircuit := exchange.HandleRequest(r, https)
	if shortCircuit != nil {
		writeResponse(w, shortCircuit)
		return
	}

	outReq.RequestURI = ""
	removeHopHeaders(outReq.Header)

	resp, err := s.transport.RoundTrip(outReq)
	if err != nil {
		host := outReq.URL.Hostname()
		port := 443
		if !https {
			port = 80
		}
		exchange.HandleUpstreamError(host, port, err)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}

	resp = exchange.HandleResponse(resp)
	writeResponse(w, resp)
}

// relayWebSocketExchange upgrades a TLS-terminated exchange and relays.
func (s *Service) relayWebSocketExchange(clientConn net.Conn, req *http.Request, https bool, connKey string) {
	upstreamURL := "wss://" + req.Host + req.URL.RequestURI()
	dialer := websocket.Dialer{
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: true},
		HandshakeTimeout: 10 * time.Second,
	}

	upstream, upstreamResp, err := dialer.Dial(upstreamURL, filterWSHeaders(req.Header))
	if err != nil {
		s.handler.HandleUpstreamError(req.Host, 443, err)
		clientConn.Close()
		return
	}
	var respHeaders http.Header
	if upstreamResp != nil {
		respHeaders = upstreamResp.Header
	}
	s.handler.RecordWSConnection(connKey, req, https, respHeaders)

	client, err := wsAcceptRaw(clientConn, req)
	if err != nil {
		upstream.Close()
		return
	}
	s.handler.relayWebSocket(req.Context(), connKey, client, upstream)
}

// relayPlainWebSocket upgrades a cleartext ws:// exchange and relays.
func (s *Service) relayPlainWebSocket(w http.ResponseWriter, r *http.Request) {
	connKey := r.RemoteAddr + "->" + r.Host
	upstreamURL := "ws://" + r.Host + r.URL.RequestURI()

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	upstream, upstreamResp, err := dialer.Dial(upstreamURL, filterWSHeaders(r.Header))
	if err != nil {
		s.handler.HandleUpstreamError(r.Host, 80, err)
		http.Error(w, "upstream websocket failed", http.StatusBadGateway)
		return
	}
	var respHeaders http.Header
	if upstreamResp != nil {
		respHeaders = upstreamResp.Header
	}
	s.handler.RecordWSConnection(connKey, r, false, respHeaders)

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		upstream.Close()
		return
	}
	s.handler.relayWebSocket(r.Context(), connKey, client, upstream)
}

func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// filterWSHeaders strips the handshake headers the dialer regenerates.
func filterWSHeaders(header http.Header) http.Header {
	out := make(http.Header)
	for k, vs := range header {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key", "sec-websocket-version",
			"sec-websocket-extensions", "sec-websocket-protocol":
			continue
		}
		out[k] = vs
	}
	return out
}

var hopHeaders = []string{
	"Connection", "Proxy-Connection", "Keep-Alive", "Proxy-Authenticate",
	"Proxy-Authorization", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer resp.Body.Close()
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	// Flush per read so streaming bodies reach the client frame by frame.
	flusher, canFlush := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		}
		if err != nil {
			return
		}
	}
}

// connResponseWriter adapts a raw TLS connection to http.ResponseWriter
// for exchanges served off a terminated tunnel.
type connResponseWriter struct {
	conn       net.Conn
	header     http.Header
	wrote      bool
	hijacked   bool
	closeAfter bool
}

func newConnResponseWriter(conn net.Conn) *connResponseWriter {
	return &connResponseWriter{conn: conn, header: make(http.Header)}
}

func (w *connResponseWriter) Header() http.Header { return w.header }

func (w *connResponseWriter) WriteHeader(status int) {
	if w.wrote {
		return
	}
	w.wrote = true
	fmt.Fprintf(w.conn, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if w.header.Get("Content-Length") == "" && w.header.Get("Transfer-Encoding") == "" {
		// Without a length the exchange ends by connection close.
		w.header.Set("Connection", "close")
		w.closeAfter = true
	}
	w.header.Write(w.conn)
	io.WriteString(w.conn, "\r\n")
}

func (w *connResponseWriter) Write(p []byte) (int, error) {
	if !w.wrote {
		w.WriteHeader(http.StatusOK)
	}
	return w.conn.Write(p)
}

func (w *connResponseWriter) Flush() {}

// Hijack satisfies websocket upgrades on terminated tunnels.
func (w *connResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	w.hijacked = true
	rw := bufio.NewReadWriter(bufio.NewReader(w.conn), bufio.NewWriter(w.conn))
	return w.conn, rw, nil
}

// wsAcceptRaw completes the server side of a websocket handshake on an
// already-hijacked connection.
func wsAcceptRaw(conn net.Conn, req *http.Request) (*websocket.Conn, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	writer := newConnResponseWriter(conn)
	return upgrader.Upgrade(writer, req, nil)
}

