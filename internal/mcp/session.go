package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"github.com/sentinel-labs/sentinel/internal/recovery"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

const (
	heartbeatInterval    = 30 * time.Second
	healthProbeTimeout   = 5 * time.Second
	heartbeatStaleAfter  = 5 * time.Minute
	reconnectDelayCap    = 10 * time.Second
	defaultConnTimeout   = 30 * time.Second
	installerConnTimeout = 120 * time.Second
)

// packageRunners are commands that may install a package before the
// server starts; they get a widened connect timeout.
var packageRunners = map[string]bool{
	"npx": true, "uvx": true, "pipx": true, "bunx": true,
}

// Session supervises one connection to one tool server: it owns the
// transport, the cached tool list, the heartbeat, and its own error
// classifier for call recovery.
type Session struct {
	config     *models.MCPServerConfig
	logger     *slog.Logger
	classifier *recovery.Classifier
	executor   recovery.RecoveryExecutor

	// newTransport is swapped by tests to inject fakes.
	newTransport func(cfg *models.MCPServerConfig) (Transport, error)

	// skipPrereqs disables prerequisite validation in tests.
	skipPrereqs bool

	mu            sync.Mutex
	state         SessionState
	lastErr       string
	transport     Transport
	tools         []Tool
	serverInfo    ServerInfo
	lastHeartbeat time.Time

	heartbeatStop chan struct{}
}

// NewSession creates a disconnected session for the config.
func NewSession(cfg *models.MCPServerConfig, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		config:       cfg,
		logger:       logger.With("mcp_server", cfg.Name),
		classifier:   recovery.NewClassifier(),
		state:        StateDisconnected,
		newTransport: NewTransport,
	}
}

// State returns the current connection state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status snapshots the session for the manager's status report.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := SessionStatus{
		Name:      s.config.Name,
		State:     s.state,
		LastError: s.lastErr,
		ToolCount: len(s.tools),
		Server:    s.serverInfo,
	}
	if !s.lastHeartbeat.IsZero() {
		status.LastHeartbeat = s.lastHeartbeat.Unix()
	}
	return status
}

func (s *Session) setState(state SessionState, errMsg string) {
	s.mu.Lock()
	s.state = state
	s.lastErr = errMsg
	s.mu.Unlock()
}

// Connect validates prerequisites, opens the transport, runs the MCP
// handshake and refreshes the tool cache.
func (s *Session) Connect(ctx context.Context) error {
	s.setState(StateConnecting, "")

	if !s.skipPrereqs {
		if err := s.validatePrerequisites(ctx); err != nil {
			s.setState(StateError, err.Error())
			return err
		}
	}

	transport, err := s.newTransport(s.config)
	if err != nil {
		s.setState(StateError, err.Error())
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.connectTimeout())
	defer cancel()

	if err := transport.Connect(connectCtx); err != nil {
		s.setState(StateError, err.Error())
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := transport.Call(connectCtx, "initialize", map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "sentinel",
			"version": "1.0.0",
		},
	})
	if err != nil {
		transport.Close()
		s.setState(StateError, err.Error())
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		transport.Close()
		s.setState(StateError, err.Error())
		return fmt.Errorf("parse initialize result: %w", err)
	}

	if err := transport.Notify(connectCtx, "notifications/initialized", nil); err != nil {
		s.logger.Warn("failed to send initialized notification", "error", err)
	}

	s.mu.Lock()
	s.transport = transport
	s.serverInfo = initResult.ServerInfo
	s.state = StateConnected
	s.lastErr = ""
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()

	s.logger.Info("connected to tool server",
		"name", initResult.ServerInfo.Name,
		"version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion)

	if err := s.refreshTools(ctx); err != nil {
		s.logger.Warn("failed to refresh tools", "error", err)
	}

	s.startHeartbeat()
	return nil
}

// validatePrerequisites fails fast on obviously broken configs: missing
// commands for process transports, unreachable hosts for HTTP endpoints.
func (s *Session) validatePrerequisites(ctx context.Context) error {
	kind, err := transportKindFor(s.config.ConnectionType)
	if err != nil {
		return err
	}
	switch kind {
	case KindStdio:
		if s.config.Command == "" {
			return fmt.Errorf("command is required for %s", s.config.ConnectionType)
		}
		if _, err := exec.LookPath(s.config.Command); err != nil {
			return fmt.Errorf("command %q not found: %w", s.config.Command, err)
		}
	case KindHTTP:
		parsed, err := url.Parse(s.config.URL)
		if err != nil || parsed.Host == "" {
			return fmt.Errorf("invalid url %q", s.config.URL)
		}
		host := parsed.Host
		if parsed.Port() == "" {
			if parsed.Scheme == "https" {
				host += ":443"
			} else {
				host += ":80"
			}
		}
		dialer := net.Dialer{Timeout: 3 * time.Second}
		conn, err := dialer.DialContext(ctx, "tcp", host)
		if err != nil {
			return fmt.Errorf("endpoint unreachable: %w", err)
		}
		conn.Close()
	}
	return nil
}

func (s *Session) connectTimeout() time.Duration {
	if s.config.Timeout > 0 {
		return s.config.Timeout
	}
	if packageRunners[s.config.Command] {
		return installerConnTimeout
	}
	return defaultConnTimeout
}

// currentTransport returns the live transport. Callers must re-acquire
// after any operation that may reconnect.
func (s *Session) currentTransport() (Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected || s.transport == nil {
		return nil, fmt.Errorf("%w: session %s is %s", ErrNotConnected, s.config.Name, s.state)
	}
	return s.transport, nil
}

// ListTools returns the cached tool list and kicks off a background
// refresh so the cache converges on server-side changes.
func (s *Session) ListTools(ctx context.Context) []Tool {
	s.mu.Lock()
	cached := make([]Tool, len(s.tools))
	copy(cached, s.tools)
	s.mu.Unlock()

	go func() {
		refreshCtx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		if err := s.refreshTools(refreshCtx); err != nil {
			s.logger.Debug("background tool refresh failed", "error", err)
		}
	}()

	return cached
}

// refreshTools performs real discovery, following pagination cursors.
func (s *Session) refreshTools(ctx context.Context) error {
	transport, err := s.currentTransport()
	if err != nil {
		return err
	}

	var all []Tool
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		result, err := transport.Call(ctx, "tools/list", params)
		if err != nil {
			return err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return fmt.Errorf("parse tools list: %w", err)
		}
		all = append(all, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	s.mu.Lock()
	s.tools = all
	s.mu.Unlock()
	s.logger.Debug("refreshed tools", "count", len(all))
	return nil
}

// HasTool reports whether the cached tool list contains name.
func (s *Session) HasTool(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tools {
		if t.Name == name {
			return true
		}
	}
	return false
}

// CallTool invokes a tool. On failure the session consults its error
// classifier; a reconnect-and-retry verdict closes and restarts the
// session, then retries the call exactly once more.
func (s *Session) CallTool(ctx context.Context, params CallToolParams) (*ToolCallResult, error) {
	result, err := s.callToolOnce(ctx, params)
	if err == nil {
		s.classifier.Reset(s.config.Name)
		return result, nil
	}

	category, strategy := s.classifier.Classify(recovery.ErrorContext{
		Message:        err.Error(),
		ToolName:       params.Name,
		ConnectionName: s.config.Name,
	})
	s.logger.Warn("tool call failed",
		"tool", params.Name,
		"category", string(category),
		"strategy", string(strategy.Kind),
		"error", err)

	if strategy.Kind != recovery.StrategyReconnectAndRetry {
		if delay, ok := s.executor.CalculateDelay(strategy, 0); ok && strategy.Kind == recovery.StrategyDelayAndRetry {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return s.callToolOnce(ctx, params)
		}
		return nil, err
	}

	if rerr := s.Reconnect(ctx); rerr != nil {
		return nil, fmt.Errorf("reconnect after %s: %w", category, rerr)
	}
	return s.callToolOnce(ctx, params)
}

func (s *Session) callToolOnce(ctx context.Context, params CallToolParams) (*ToolCallResult, error) {
	transport, err := s.currentTransport()
	if err != nil {
		return nil, err
	}

	result, err := transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}

// BatchCallTools dispatches requests sequentially, collecting per-call
// results. A failed call yields a synthetic error content entry instead
// of aborting the batch.
func (s *Session) BatchCallTools(ctx context.Context, requests []BatchCallRequest) []*ToolCallResult {
	results := make([]*ToolCallResult, 0, len(requests))
	for _, req := range requests {
		result, err := s.CallTool(ctx, CallToolParams{Name: req.Name, Arguments: req.Arguments})
		if err != nil {
			results = append(results, &ToolCallResult{
				Content: []ToolContent{{Type: "text", Text: err.Error()}},
				IsError: true,
			})
			continue
		}
		results = append(results, result)
	}
	return results
}

// Reconnect drops the transport (waiting for child processes to exit),
// then retries Connect up to the configured attempt count with a linearly
// growing delay capped at 10 s. On success a health check runs before
// returning.
func (s *Session) Reconnect(ctx context.Context) error {
	s.dropTransport()

	attempts := s.config.RetryCount
	if attempts <= 0 {
		attempts = 3
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			delay := time.Duration(attempt) * time.Second
			if delay > reconnectDelayCap {
				delay = reconnectDelayCap
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.Connect(ctx); err != nil {
			lastErr = err
			s.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1,
				"max", attempts,
				"error", err)
			continue
		}

		if err := s.HealthCheck(ctx); err != nil {
			lastErr = err
			s.dropTransport()
			continue
		}
		return nil
	}
	return fmt.Errorf("reconnect failed after %d attempts: %w", attempts, lastErr)
}

// dropTransport closes the transport and resets to Disconnected.
func (s *Session) dropTransport() {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			s.logger.Warn("transport close failed", "error", err)
		}
	}
}

// Shutdown closes the session gracefully and stops the heartbeat.
func (s *Session) Shutdown() {
	s.stopHeartbeat()
	s.dropTransport()
}

// HealthCheck probes liveness. Process transports get a real tools/list
// round trip bounded at 5 s; HTTP transports pass while the heartbeat is
// fresher than the staleness window.
func (s *Session) HealthCheck(ctx context.Context) error {
	transport, err := s.currentTransport()
	if err != nil {
		return err
	}

	if transport.Kind() == KindStdio {
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		if _, err := transport.Call(probeCtx, "tools/list", nil); err != nil {
			return fmt.Errorf("health probe: %w", err)
		}
		s.touchHeartbeat()
		return nil
	}

	s.mu.Lock()
	last := s.lastHeartbeat
	s.mu.Unlock()
	if time.Since(last) > heartbeatStaleAfter {
		return fmt.Errorf("connection stale: no heartbeat for %v", time.Since(last).Round(time.Second))
	}
	return nil
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) startHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if s.State() == StateConnected {
					s.touchHeartbeat()
				}
			}
		}
	}()
}

func (s *Session) stopHeartbeat() {
	s.mu.Lock()
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
	s.mu.Unlock()
}
