package proxy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// VerdictAction is the inspector's decision for a paused exchange.
type VerdictAction string

const (
	// ActionForward passes the exchange through, optionally edited.
	ActionForward VerdictAction = "forward"

	// ActionDrop abandons the exchange.
	ActionDrop VerdictAction = "drop"
)

// Verdict resolves one intercept pause.
type Verdict struct {
	Action VerdictAction

	// Raw is the edited exchange blob; nil forwards unchanged.
	Raw *string

	// Base64 marks Raw as base64-encoded binary (WebSocket frames).
	Base64 bool
}

// Interceptor coordinates pause-for-inspection: the handler registers a
// pending exchange and blocks on its verdict channel; the UI resolves it.
type Interceptor struct {
	mu      sync.Mutex
	pending map[string]chan Verdict
}

// NewInterceptor creates an empty interceptor.
func NewInterceptor() *Interceptor {
	return &Interceptor{pending: make(map[string]chan Verdict)}
}

// Register installs a oneshot verdict channel for the exchange id.
func (i *Interceptor) Register(id string) <-chan Verdict {
	ch := make(chan Verdict, 1)
	i.mu.Lock()
	i.pending[id] = ch
	i.mu.Unlock()
	return ch
}

// Resolve delivers the verdict for a pending exchange. Unknown ids are
// ignored (the wait may already have timed out).
func (i *Interceptor) Resolve(id string, verdict Verdict) {
	i.mu.Lock()
	ch, ok := i.pending[id]
	delete(i.pending, id)
	i.mu.Unlock()
	if ok {
		ch <- verdict
	}
}

// remove evicts a pending entry without resolving it.
func (i *Interceptor) remove(id string) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}

// Await blocks until the verdict arrives, the timeout lapses, or the
// context ends. Timeout and closure fall through as Forward-unchanged.
// A zero timeout waits until context cancellation (WebSocket pauses).
func (i *Interceptor) Await(ctx context.Context, id string, timeout time.Duration) Verdict {
	ch := i.Register(id)
	defer i.remove(id)

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case verdict, ok := <-ch:
		if !ok {
			return Verdict{Action: ActionForward}
		}
		return verdict
	case <-timer:
		return Verdict{Action: ActionForward}
	case <-ctx.Done():
		return Verdict{Action: ActionForward}
	}
}

// Rule is a substring condition over the exchange summary
// ("METHOD url" plus header lines).
type Rule struct {
	Pattern string `json:"pattern"`
}

// RuleSet gates interception: an exchange is paused when it matches
// every Matches rule and no DoesNotMatch rule. An empty set pauses
// everything (when interception is enabled).
type RuleSet struct {
	Matches      []Rule `json:"matches"`
	DoesNotMatch []Rule `json:"does_not_match"`
}

// ShouldIntercept evaluates the rule set against an exchange summary.
func (rs *RuleSet) ShouldIntercept(method, url string, headers map[string]string) bool {
	summary := buildSummary(method, url, headers)
	for _, rule := range rs.DoesNotMatch {
		if rule.Pattern != "" && strings.Contains(summary, strings.ToLower(rule.Pattern)) {
			return false
		}
	}
	for _, rule := range rs.Matches {
		if rule.Pattern != "" && !strings.Contains(summary, strings.ToLower(rule.Pattern)) {
			return false
		}
	}
	return true
}

func buildSummary(method, url string, headers map[string]string) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(method))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(url))
	b.WriteByte('\n')

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(strings.ToLower(k))
		b.WriteString(": ")
		b.WriteString(strings.ToLower(headers[k]))
		b.WriteByte('\n')
	}
	return b.String()
}

// --- intercept blob codec ---

// SerializeRequestBlob renders a request as the editable text blob:
// "METHOD PATH PROTOCOL", header lines, blank line, body.
func SerializeRequestBlob(method, path, proto string, headers map[string]string, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\r\n", method, path, proto)
	writeHeaderBlock(&b, headers)
	b.WriteString("\r\n")
	b.Write(body)
	return b.String()
}

// SerializeResponseBlob renders a response as the editable text blob:
// "HTTP/1.1 STATUS", header lines, blank line, body.
func SerializeResponseBlob(status int, headers map[string]string, body []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "HTTP/1.1 %d\r\n", status)
	writeHeaderBlock(&b, headers)
	b.WriteString("\r\n")
	b.Write(body)
	return b.String()
}

func writeHeaderBlock(b *strings.Builder, headers map[string]string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "%s: %s\r\n", k, headers[k])
	}
}

// RequestBlob is a parsed editable request.
type RequestBlob struct {
	Method  string
	Path    string
	Proto   string
	Headers map[string]string
	Body    []byte
}

// ResponseBlob is a parsed editable response.
type ResponseBlob struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ParseRequestBlob parses a human-edited request blob. The parser
// tolerates bare-LF line endings.
func ParseRequestBlob(raw string) (*RequestBlob, error) {
	first, headers, body, err := splitBlob(raw)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(first, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed request line %q", first)
	}
	blob := &RequestBlob{
		Method:  parts[0],
		Path:    parts[1],
		Proto:   "HTTP/1.1",
		Headers: headers,
		Body:    body,
	}
	if len(parts) == 3 {
		blob.Proto = parts[2]
	}
	return blob, nil
}

// ParseResponseBlob parses a human-edited response blob.
func ParseResponseBlob(raw string) (*ResponseBlob, error) {
	first, headers, body, err := splitBlob(raw)
	if err != nil {
		return nil, err
	}

	parts := strings.SplitN(first, " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("malformed status line %q", first)
	}
	var status int
	if _, err := fmt.Sscanf(parts[1], "%d", &status); err != nil {
		return nil, fmt.Errorf("malformed status %q: %w", parts[1], err)
	}
	return &ResponseBlob{Status: status, Headers: headers, Body: body}, nil
}

// splitBlob separates the first line, header block and body. Works with
// both CRLF and bare LF.
func splitBlob(raw string) (first string, headers map[string]string, body []byte, err error) {
	normalized := strings.ReplaceAll(raw, "\r\n", "\n")

	headerPart := normalized
	if idx := strings.Index(normalized, "\n\n"); idx >= 0 {
		headerPart = normalized[:idx]
		body = []byte(normalized[idx+2:])
	}

	lines := strings.Split(headerPart, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) == "" {
		return "", nil, nil, fmt.Errorf("empty blob")
	}
	first = strings.TrimSpace(lines[0])

	headers = make(map[string]string)
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			return "", nil, nil, fmt.Errorf("malformed header line %q", line)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return first, headers, body, nil
}
