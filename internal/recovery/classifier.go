// Package recovery classifies raw errors from tool servers and transports
// into categories with matching recovery strategies, and computes retry
// delays. The classifier keeps per-connection history so repeated
// failures of the same kind escalate.
package recovery

import (
	"strings"
	"sync"
	"time"
)

// ErrorCategory buckets a raw failure. Categories are tested in order:
// a permission error that also mentions a timeout is still NonRecoverable.
type ErrorCategory string

const (
	// CategoryNonRecoverable covers permission, authorization and
	// malformed-request failures that retrying cannot fix.
	CategoryNonRecoverable ErrorCategory = "non_recoverable"

	// CategoryTransportTransient covers timeouts, resets, refused and
	// closed connections.
	CategoryTransportTransient ErrorCategory = "transport_transient"

	// CategoryProtocolDecoding covers malformed wire payloads, typically
	// a misbehaving stdio server emitting non-JSON.
	CategoryProtocolDecoding ErrorCategory = "protocol_decoding"

	// CategoryRateLimited covers explicit throttling responses.
	CategoryRateLimited ErrorCategory = "rate_limited"

	// CategoryRemoteBusy covers overload/busy signals from the server.
	CategoryRemoteBusy ErrorCategory = "remote_busy"

	// CategoryUnknown is the fallback bucket.
	CategoryUnknown ErrorCategory = "unknown"
)

// StrategyKind is the terminal action of a recovery strategy.
type StrategyKind string

const (
	StrategyReconnectAndRetry StrategyKind = "reconnect_and_retry"
	StrategyDelayAndRetry     StrategyKind = "delay_and_retry"
	StrategyEscalate          StrategyKind = "escalate"
	StrategyGiveUp            StrategyKind = "give_up"
)

// BackoffKind selects the delay schedule.
type BackoffKind string

const (
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RecoveryStrategy is the (delay schedule, max attempts, terminal action)
// triple chosen by the classifier.
type RecoveryStrategy struct {
	Kind        StrategyKind
	Backoff     BackoffKind
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// ErrorContext carries everything known about a failure at classification
// time.
type ErrorContext struct {
	Message        string
	Code           string
	Type           string
	ToolName       string
	ConnectionName string
	RetryCount     int
	Metadata       map[string]string
}

// escalationWindow is how recently the same category must have recurred
// on the same connection for the strategy to escalate.
const escalationWindow = 60 * time.Second

// Classifier maps error contexts to categories and strategies.
type Classifier struct {
	mu      sync.Mutex
	history map[string]historyEntry // connection name → last classification
}

type historyEntry struct {
	category ErrorCategory
	at       time.Time
}

// NewClassifier creates a classifier with empty history.
func NewClassifier() *Classifier {
	return &Classifier{history: make(map[string]historyEntry)}
}

// Classify buckets the failure and picks a strategy. When the same
// category recurred on the same connection within the escalation window,
// retry-flavored strategies escalate one step toward giving up.
func (c *Classifier) Classify(ec ErrorContext) (ErrorCategory, RecoveryStrategy) {
	category := categorize(ec)
	strategy := strategyFor(category)

	if ec.ConnectionName != "" {
		c.mu.Lock()
		prior, had := c.history[ec.ConnectionName]
		c.history[ec.ConnectionName] = historyEntry{category: category, at: time.Now()}
		c.mu.Unlock()

		if had && prior.category == category && time.Since(prior.at) < escalationWindow {
			strategy = escalate(strategy)
		}
	}
	return category, strategy
}

// Reset clears history for a connection, typically after a successful
// call.
func (c *Classifier) Reset(connectionName string) {
	c.mu.Lock()
	delete(c.history, connectionName)
	c.mu.Unlock()
}

func categorize(ec ErrorContext) ErrorCategory {
	msg := strings.ToLower(ec.Message)
	code := strings.ToLower(ec.Code)

	switch {
	case containsAny(msg, "permission", "forbidden", "unauthorized", "access denied", "invalid request", "malformed"):
		return CategoryNonRecoverable
	case code == "401" || code == "403":
		return CategoryNonRecoverable
	case containsAny(msg, "timeout", "deadline exceeded", "connection reset", "connection refused", "connection closed", "broken pipe", "eof"):
		return CategoryTransportTransient
	case containsAny(msg, "serde error", "parse error", "invalid json", "unexpected token", "decode", "unmarshal"):
		return CategoryProtocolDecoding
	case code == "429" || containsAny(msg, "rate limit", "too many requests"):
		return CategoryRateLimited
	case code == "503" || containsAny(msg, "overloaded", "server busy", "unavailable", "try again later"):
		return CategoryRemoteBusy
	default:
		return CategoryUnknown
	}
}

func strategyFor(category ErrorCategory) RecoveryStrategy {
	switch category {
	case CategoryNonRecoverable:
		return RecoveryStrategy{Kind: StrategyGiveUp}
	case CategoryTransportTransient:
		return RecoveryStrategy{
			Kind:        StrategyReconnectAndRetry,
			Backoff:     BackoffLinear,
			BaseDelay:   500 * time.Millisecond,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 3,
		}
	case CategoryProtocolDecoding:
		return RecoveryStrategy{
			Kind:        StrategyReconnectAndRetry,
			Backoff:     BackoffLinear,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 1,
		}
	case CategoryRateLimited:
		return RecoveryStrategy{
			Kind:        StrategyDelayAndRetry,
			Backoff:     BackoffExponential,
			BaseDelay:   2 * time.Second,
			MaxDelay:    60 * time.Second,
			MaxAttempts: 4,
		}
	case CategoryRemoteBusy:
		return RecoveryStrategy{
			Kind:        StrategyDelayAndRetry,
			Backoff:     BackoffExponential,
			BaseDelay:   time.Second,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 3,
		}
	default:
		return RecoveryStrategy{
			Kind:        StrategyDelayAndRetry,
			Backoff:     BackoffLinear,
			BaseDelay:   time.Second,
			MaxDelay:    10 * time.Second,
			MaxAttempts: 2,
		}
	}
}

// escalate moves a strategy one step toward termination.
func escalate(s RecoveryStrategy) RecoveryStrategy {
	switch s.Kind {
	case StrategyDelayAndRetry:
		s.Kind = StrategyReconnectAndRetry
	case StrategyReconnectAndRetry:
		s.Kind = StrategyEscalate
	case StrategyEscalate:
		s.Kind = StrategyGiveUp
	}
	return s
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
