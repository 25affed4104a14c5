package recovery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCategorization(t *testing.T) {
	tests := []struct {
		name     string
		ctx      ErrorContext
		category ErrorCategory
	}{
		{"permission denied", ErrorContext{Message: "permission denied for tool"}, CategoryNonRecoverable},
		{"auth code", ErrorContext{Message: "request failed", Code: "403"}, CategoryNonRecoverable},
		{"timeout", ErrorContext{Message: "request timeout after 30s"}, CategoryTransportTransient},
		{"refused", ErrorContext{Message: "dial tcp: connection refused"}, CategoryTransportTransient},
		{"serde", ErrorContext{Message: "serde error: expected value at line 1"}, CategoryProtocolDecoding},
		{"bad json", ErrorContext{Message: "failed to unmarshal response"}, CategoryProtocolDecoding},
		{"rate limit", ErrorContext{Message: "too many requests", Code: "429"}, CategoryRateLimited},
		{"busy", ErrorContext{Message: "server busy, try again later"}, CategoryRemoteBusy},
		{"unknown", ErrorContext{Message: "something odd happened"}, CategoryUnknown},
		// Order matters: permission wins over timeout.
		{"ordered", ErrorContext{Message: "permission denied: operation timeout"}, CategoryNonRecoverable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier()
			category, _ := c.Classify(tt.ctx)
			assert.Equal(t, tt.category, category)
		})
	}
}

func TestStrategySelection(t *testing.T) {
	c := NewClassifier()

	_, s := c.Classify(ErrorContext{Message: "unauthorized"})
	assert.Equal(t, StrategyGiveUp, s.Kind)

	_, s = c.Classify(ErrorContext{Message: "connection reset by peer"})
	assert.Equal(t, StrategyReconnectAndRetry, s.Kind)
	assert.Equal(t, BackoffLinear, s.Backoff)

	_, s = c.Classify(ErrorContext{Message: "rate limit exceeded"})
	assert.Equal(t, StrategyDelayAndRetry, s.Kind)
	assert.Equal(t, BackoffExponential, s.Backoff)
}

func TestEscalationOnRepeat(t *testing.T) {
	c := NewClassifier()
	ctx := ErrorContext{Message: "connection refused", ConnectionName: "srv"}

	_, first := c.Classify(ctx)
	assert.Equal(t, StrategyReconnectAndRetry, first.Kind)

	_, second := c.Classify(ctx)
	assert.Equal(t, StrategyEscalate, second.Kind, "same category within window escalates")

	// A different connection is unaffected.
	_, other := c.Classify(ErrorContext{Message: "connection refused", ConnectionName: "other"})
	assert.Equal(t, StrategyReconnectAndRetry, other.Kind)
}

func TestEscalationResetAfterSuccess(t *testing.T) {
	c := NewClassifier()
	ctx := ErrorContext{Message: "connection refused", ConnectionName: "srv"}

	c.Classify(ctx)
	c.Reset("srv")
	_, s := c.Classify(ctx)
	assert.Equal(t, StrategyReconnectAndRetry, s.Kind)
}

func TestCalculateDelayLinear(t *testing.T) {
	var ex RecoveryExecutor
	s := RecoveryStrategy{Kind: StrategyDelayAndRetry, Backoff: BackoffLinear, BaseDelay: 500 * time.Millisecond, MaxDelay: 1200 * time.Millisecond}

	d, ok := ex.CalculateDelay(s, 0)
	assert.True(t, ok)
	assert.Equal(t, 500*time.Millisecond, d)

	d, _ = ex.CalculateDelay(s, 1)
	assert.Equal(t, 1000*time.Millisecond, d)

	d, _ = ex.CalculateDelay(s, 5)
	assert.Equal(t, 1200*time.Millisecond, d, "capped at max")
}

func TestCalculateDelayExponential(t *testing.T) {
	var ex RecoveryExecutor
	s := RecoveryStrategy{Kind: StrategyDelayAndRetry, Backoff: BackoffExponential, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	d, _ := ex.CalculateDelay(s, 0)
	assert.Equal(t, time.Second, d)
	d, _ = ex.CalculateDelay(s, 2)
	assert.Equal(t, 4*time.Second, d)
	d, _ = ex.CalculateDelay(s, 10)
	assert.Equal(t, 10*time.Second, d, "capped at max")
}

func TestCalculateDelayGiveUp(t *testing.T) {
	var ex RecoveryExecutor
	_, ok := ex.CalculateDelay(RecoveryStrategy{Kind: StrategyGiveUp}, 0)
	assert.False(t, ok)
}
