package proxy

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestBlobRoundTrip(t *testing.T) {
	headers := map[string]string{"Host": "api.example.com", "X-Edit": "1"}
	blob := SerializeRequestBlob("GET", "/ping", "HTTP/1.1", headers, []byte("payload"))

	parsed, err := ParseRequestBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, "GET", parsed.Method)
	assert.Equal(t, "/ping", parsed.Path)
	assert.Equal(t, "HTTP/1.1", parsed.Proto)
	assert.Equal(t, headers, parsed.Headers)
	assert.Equal(t, []byte("payload"), parsed.Body)
}

func TestParseRequestBlobToleratesBareLF(t *testing.T) {
	raw := "POST /submit HTTP/1.1\nHost: example.com\nContent-Type: text/plain\n\nhello"
	parsed, err := ParseRequestBlob(raw)
	require.NoError(t, err)
	assert.Equal(t, "POST", parsed.Method)
	assert.Equal(t, "example.com", parsed.Headers["Host"])
	assert.Equal(t, []byte("hello"), parsed.Body)
}

func TestParseRequestBlobDefaultsProto(t *testing.T) {
	parsed, err := ParseRequestBlob("GET /x\r\n\r\n")
	require.NoError(t, err)
	assert.Equal(t, "HTTP/1.1", parsed.Proto)
}

func TestParseRequestBlobMalformed(t *testing.T) {
	_, err := ParseRequestBlob("")
	assert.Error(t, err)
	_, err = ParseRequestBlob("JUSTONEWORD\r\n\r\n")
	assert.Error(t, err)
	_, err = ParseRequestBlob("GET / HTTP/1.1\r\nbadheaderline\r\n\r\n")
	assert.Error(t, err)
}

func TestResponseBlobRoundTrip(t *testing.T) {
	blob := SerializeResponseBlob(200, map[string]string{"Content-Type": "text/plain"}, []byte("ok"))
	parsed, err := ParseResponseBlob(blob)
	require.NoError(t, err)
	assert.Equal(t, 200, parsed.Status)
	assert.Equal(t, "text/plain", parsed.Headers["Content-Type"])
	assert.Equal(t, []byte("ok"), parsed.Body)
}

func TestInterceptorResolve(t *testing.T) {
	i := NewInterceptor()

	go func() {
		time.Sleep(20 * time.Millisecond)
		raw := "GET /edited HTTP/1.1\r\n\r\n"
		i.Resolve("req-1", Verdict{Action: ActionForward, Raw: &raw})
	}()

	verdict := i.Await(context.Background(), "req-1", time.Second)
	assert.Equal(t, ActionForward, verdict.Action)
	require.NotNil(t, verdict.Raw)
	assert.Contains(t, *verdict.Raw, "/edited")
}

func TestInterceptorTimeoutForwardsUnchanged(t *testing.T) {
	i := NewInterceptor()
	verdict := i.Await(context.Background(), "req-1", 20*time.Millisecond)
	assert.Equal(t, ActionForward, verdict.Action)
	assert.Nil(t, verdict.Raw)
}

func TestInterceptorContextCancelForwards(t *testing.T) {
	i := NewInterceptor()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	verdict := i.Await(ctx, "req-1", 0)
	assert.Equal(t, ActionForward, verdict.Action)
}

func TestInterceptorResolveUnknownIDIsNoop(t *testing.T) {
	i := NewInterceptor()
	i.Resolve("ghost", Verdict{Action: ActionDrop})
}

func TestRuleSetEvaluation(t *testing.T) {
	headers := map[string]string{"Content-Type": "application/json"}

	empty := RuleSet{}
	assert.True(t, empty.ShouldIntercept("GET", "https://api.example.com/ping", headers))

	matching := RuleSet{Matches: []Rule{{Pattern: "api.example.com"}}}
	assert.True(t, matching.ShouldIntercept("GET", "https://api.example.com/ping", headers))
	assert.False(t, matching.ShouldIntercept("GET", "https://other.com/ping", headers))

	excluding := RuleSet{DoesNotMatch: []Rule{{Pattern: "/health"}}}
	assert.False(t, excluding.ShouldIntercept("GET", "https://api.example.com/health", headers))
	assert.True(t, excluding.ShouldIntercept("GET", "https://api.example.com/ping", headers))

	both := RuleSet{
		Matches:      []Rule{{Pattern: "example.com"}},
		DoesNotMatch: []Rule{{Pattern: "static"}},
	}
	assert.True(t, both.ShouldIntercept("GET", "https://example.com/api", headers))
	assert.False(t, both.ShouldIntercept("GET", "https://example.com/static/app.js", headers))

	// Header text participates in matching.
	headerRule := RuleSet{Matches: []Rule{{Pattern: "application/json"}}}
	assert.True(t, headerRule.ShouldIntercept("POST", "https://x.com/", headers))
	assert.False(t, headerRule.ShouldIntercept("POST", "https://x.com/", map[string]string{}))
}
