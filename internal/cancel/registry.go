// Package cancel implements the process-wide cancellation registry mapping
// execution ids to multi-observer cancel tokens. Every worker spawned for
// an execution polls its token at safe suspension points.
package cancel

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Token is a multi-observer cancellation flag for one execution.
// Cancellation is monotonic: once cancelled a token never reverts.
type Token struct {
	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

func newToken() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancelled reports whether the token has been cancelled. Non-blocking.
func (t *Token) Cancelled() bool {
	return t.cancelled.Load()
}

// Done returns a channel closed on cancellation, for use in select loops.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token.
func (t *Token) Context() context.Context {
	return t.ctx
}

func (t *Token) fire() {
	t.cancelled.Store(true)
	t.cancel()
}

// Registry maps execution ids to cancel tokens.
type Registry struct {
	mu     sync.Mutex
	tokens map[string]*Token
	logger *slog.Logger

	// OnCancel, when set, is invoked once per effective cancellation,
	// outside the registry lock.
	OnCancel func(executionID string)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tokens: make(map[string]*Token),
		logger: logger.With("component", "cancel"),
	}
}

// Create installs a fresh token for the execution id, cancelling and
// evicting any prior token registered under the same id.
func (r *Registry) Create(executionID string) *Token {
	token := newToken()

	r.mu.Lock()
	prior, had := r.tokens[executionID]
	r.tokens[executionID] = token
	r.mu.Unlock()

	if had {
		r.logger.Warn("replacing live cancellation token", "execution_id", executionID)
		prior.fire()
	}
	return token
}

// Get returns the token for the execution id, if present. The returned
// token shares cancellation state with every other reference.
func (r *Registry) Get(executionID string) (*Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	token, ok := r.tokens[executionID]
	return token, ok
}

// Cancel marks the execution cancelled. Idempotent: cancelling an unknown
// or already-cancelled id is a no-op and fires no callback.
func (r *Registry) Cancel(executionID string) bool {
	r.mu.Lock()
	token, ok := r.tokens[executionID]
	r.mu.Unlock()

	if !ok || token.Cancelled() {
		return false
	}

	token.fire()
	r.logger.Info("execution cancelled", "execution_id", executionID)
	if r.OnCancel != nil {
		r.OnCancel(executionID)
	}
	return true
}

// IsCancelled is a non-blocking check for the execution id. Unknown ids
// report false.
func (r *Registry) IsCancelled(executionID string) bool {
	r.mu.Lock()
	token, ok := r.tokens[executionID]
	r.mu.Unlock()
	return ok && token.Cancelled()
}

// Remove evicts the token for the execution id without cancelling it.
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	delete(r.tokens, executionID)
	r.mu.Unlock()
}

// Len returns the number of live tokens. Used by tests and diagnostics.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tokens)
}

// Guard removes an execution's token when released. Deferring Release at
// the top of every executor task keeps the registry from leaking tokens,
// including when the task panics.
type Guard struct {
	registry    *Registry
	executionID string
	once        sync.Once
}

// Guard returns a release guard for the execution id.
func (r *Registry) Guard(executionID string) *Guard {
	return &Guard{registry: r, executionID: executionID}
}

// Release removes the token. Safe to call more than once.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.registry.Remove(g.executionID)
	})
}

var (
	defaultRegistry   *Registry
	defaultRegistryMu sync.Mutex
)

// Default returns the process-wide registry, creating it on first use.
// Tests inject a fresh registry with SetDefault.
func Default() *Registry {
	defaultRegistryMu.Lock()
	defer defaultRegistryMu.Unlock()
	if defaultRegistry == nil {
		defaultRegistry = NewRegistry(nil)
	}
	return defaultRegistry
}

// SetDefault replaces the process-wide registry.
func SetDefault(r *Registry) {
	defaultRegistryMu.Lock()
	defaultRegistry = r
	defaultRegistryMu.Unlock()
}
