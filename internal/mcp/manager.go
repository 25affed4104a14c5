package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sentinel-labs/sentinel/internal/storage"
	"github.com/sentinel-labs/sentinel/pkg/models"
)

const (
	healthMonitorInterval = 60 * time.Second
	shutdownDeadline      = 10 * time.Second
)

// Manager owns the configured set of tool servers: a name→config map, a
// name→session map, and an optional persistence handle for the config
// lifecycle.
type Manager struct {
	logger *slog.Logger
	store  storage.MCPConfigStore

	mu       sync.RWMutex
	configs  map[string]*models.MCPServerConfig
	sessions map[string]*Session

	monitorStop chan struct{}
}

// NewManager creates an empty manager. store may be nil for tests.
func NewManager(store storage.MCPConfigStore, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "mcp"),
		store:    store,
		configs:  make(map[string]*models.MCPServerConfig),
		sessions: make(map[string]*Session),
	}
}

// Start loads configs from persistence, connects every enabled
// auto-connect server concurrently, and starts the health monitor.
func (m *Manager) Start(ctx context.Context) error {
	if m.store != nil {
		configs, err := m.store.ListMCPServers(ctx)
		if err != nil {
			return fmt.Errorf("load mcp configs: %w", err)
		}
		m.mu.Lock()
		for _, cfg := range configs {
			if !cfg.Enabled {
				continue
			}
			if _, err := transportKindFor(cfg.ConnectionType); err != nil {
				m.logger.Warn("skipping server with unknown connection type",
					"server", cfg.Name, "connection_type", cfg.ConnectionType)
				continue
			}
			m.configs[cfg.Name] = cfg
		}
		m.mu.Unlock()
	}

	m.connectAll(ctx)
	m.startHealthMonitor()
	return nil
}

// connectAll connects every auto-connect server in parallel, recording
// per-server elapsed time and the sequential-vs-concurrent speedup.
func (m *Manager) connectAll(ctx context.Context) {
	m.mu.RLock()
	var targets []*models.MCPServerConfig
	for _, cfg := range m.configs {
		if cfg.AutoConnect {
			targets = append(targets, cfg)
		}
	}
	m.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	start := time.Now()
	var wg sync.WaitGroup
	var elapsedMu sync.Mutex
	var sequentialTotal time.Duration

	for _, cfg := range targets {
		wg.Add(1)
		go func(cfg *models.MCPServerConfig) {
			defer wg.Done()
			serverStart := time.Now()
			err := m.ConnectToServer(ctx, cfg.Name)
			elapsed := time.Since(serverStart)

			elapsedMu.Lock()
			sequentialTotal += elapsed
			elapsedMu.Unlock()

			if err != nil {
				m.logger.Error("auto-connect failed",
					"server", cfg.Name, "elapsed", elapsed, "error", err)
				return
			}
			m.logger.Info("auto-connect succeeded", "server", cfg.Name, "elapsed", elapsed)
		}(cfg)
	}
	wg.Wait()

	wall := time.Since(start)
	m.logger.Info("auto-connect complete",
		"servers", len(targets),
		"wall_time", wall,
		"sequential_time", sequentialTotal,
		"speedup", fmt.Sprintf("%.1fx", float64(sequentialTotal)/float64(max(wall, time.Millisecond))))
}

// ConnectToServer connects (or returns the already-connected session for)
// the named server.
func (m *Manager) ConnectToServer(ctx context.Context, name string) error {
	m.mu.Lock()
	cfg, ok := m.configs[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrServerNotFound, name)
	}
	session, exists := m.sessions[name]
	if exists && session.State() == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if !exists {
		session = NewSession(cfg, m.logger)
		m.sessions[name] = session
	}
	m.mu.Unlock()

	return session.Connect(ctx)
}

// Disconnect shuts down the named session and removes it from the pool.
func (m *Manager) Disconnect(name string) error {
	m.mu.Lock()
	session, ok := m.sessions[name]
	delete(m.sessions, name)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	session.Shutdown()
	m.logger.Info("disconnected from tool server", "server", name)
	return nil
}

// Reconnect forces a session reconnect cycle.
func (m *Manager) Reconnect(ctx context.Context, name string) error {
	session, ok := m.GetSession(name)
	if !ok {
		return m.ConnectToServer(ctx, name)
	}
	return session.Reconnect(ctx)
}

// GetSession returns the live session for the named server.
func (m *Manager) GetSession(name string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	session, ok := m.sessions[name]
	return session, ok
}

// FindToolSession locates the session whose cached tool list contains the
// tool name.
func (m *Manager) FindToolSession(toolName string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, session := range m.sessions {
		if session.HasTool(toolName) {
			return session, true
		}
	}
	return nil, false
}

// AllTools returns the cached tools of every connected session.
func (m *Manager) AllTools(ctx context.Context) map[string][]Tool {
	m.mu.RLock()
	sessions := make(map[string]*Session, len(m.sessions))
	for name, session := range m.sessions {
		sessions[name] = session
	}
	m.mu.RUnlock()

	result := make(map[string][]Tool)
	for name, session := range sessions {
		if tools := session.ListTools(ctx); len(tools) > 0 {
			result[name] = tools
		}
	}
	return result
}

// GetAllStatus snapshots every configured server.
func (m *Manager) GetAllStatus() []SessionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var statuses []SessionStatus
	for name := range m.configs {
		if session, ok := m.sessions[name]; ok {
			statuses = append(statuses, session.Status())
			continue
		}
		statuses = append(statuses, SessionStatus{Name: name, State: StateDisconnected})
	}
	return statuses
}

// HealthCheckAll probes every session, triggering recovery for failures.
func (m *Manager) HealthCheckAll(ctx context.Context) {
	m.mu.RLock()
	sessions := make(map[string]*Session, len(m.sessions))
	for name, session := range m.sessions {
		sessions[name] = session
	}
	m.mu.RUnlock()

	for name, session := range sessions {
		if session.State() != StateConnected {
			continue
		}
		if err := session.HealthCheck(ctx); err != nil {
			m.logger.Warn("health check failed, recovering", "server", name, "error", err)
			if rerr := session.Reconnect(ctx); rerr != nil {
				m.logger.Error("session recovery failed", "server", name, "error", rerr)
			}
		}
	}
}

func (m *Manager) startHealthMonitor() {
	m.mu.Lock()
	if m.monitorStop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.monitorStop = stop
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(healthMonitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.HealthCheckAll(context.Background())
			}
		}
	}()
}

// Shutdown joins all session shutdowns in parallel under a hard deadline.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.monitorStop != nil {
		close(m.monitorStop)
		m.monitorStop = nil
	}
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, session := range sessions {
			wg.Add(1)
			go func(s *Session) {
				defer wg.Done()
				s.Shutdown()
			}(session)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(shutdownDeadline):
		m.logger.Warn("manager shutdown deadline exceeded, abandoning sessions")
	}
}

// --- config lifecycle ---

// UpsertServer persists and installs a server config. A live session for
// the name keeps running until explicitly reconnected.
func (m *Manager) UpsertServer(ctx context.Context, cfg *models.MCPServerConfig) error {
	if _, err := transportKindFor(cfg.ConnectionType); err != nil {
		return err
	}
	if m.store != nil {
		if err := m.store.UpsertMCPServer(ctx, cfg); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.configs[cfg.Name] = cfg
	m.mu.Unlock()
	return nil
}

// RemoveServer disconnects and deletes a server config.
func (m *Manager) RemoveServer(ctx context.Context, name string) error {
	m.Disconnect(name)
	m.mu.Lock()
	delete(m.configs, name)
	m.mu.Unlock()
	if m.store != nil {
		return m.store.DeleteMCPServer(ctx, name)
	}
	return nil
}

// SetServerEnabled flips the enabled flag; disabling disconnects.
func (m *Manager) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	if m.store != nil {
		if err := m.store.SetMCPServerEnabled(ctx, name, enabled); err != nil {
			return err
		}
	}
	m.mu.Lock()
	if cfg, ok := m.configs[name]; ok {
		cfg.Enabled = enabled
	}
	m.mu.Unlock()
	if !enabled {
		return m.Disconnect(name)
	}
	return nil
}
