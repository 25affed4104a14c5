// Package observability exposes prometheus metrics for the proxy and the
// agent runtime on an injectable registry so tests stay isolated.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics aggregates every counter the core maintains.
type Metrics struct {
	RequestsCaptured  prometheus.Counter
	ResponsesCaptured prometheus.Counter
	FailedConnections prometheus.Counter
	WSConnections     prometheus.Counter
	WSMessages        prometheus.Counter
	BytesCaptured     prometheus.Counter

	AgentRuns     *prometheus.CounterVec
	ToolCalls     *prometheus.CounterVec
	McpReconnects prometheus.Counter
}

// NewMetrics registers all collectors on the registry. Pass a fresh
// registry in tests; nil uses the default.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sentinel",
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	m := &Metrics{
		RequestsCaptured:  factory("proxy_requests_captured_total", "HTTP requests captured by the proxy."),
		ResponsesCaptured: factory("proxy_responses_captured_total", "HTTP responses captured by the proxy."),
		FailedConnections: factory("proxy_failed_connections_total", "Upstream TLS/handshake failures."),
		WSConnections:     factory("proxy_ws_connections_total", "WebSocket connections relayed."),
		WSMessages:        factory("proxy_ws_messages_total", "WebSocket messages relayed."),
		BytesCaptured:     factory("proxy_bytes_captured_total", "Body bytes captured after truncation."),
		McpReconnects:     factory("mcp_reconnects_total", "MCP session reconnect cycles."),
	}

	m.AgentRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "agent_runs_total",
		Help:      "Agent executions by terminal outcome.",
	}, []string{"outcome"})
	reg.MustRegister(m.AgentRuns)

	m.ToolCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sentinel",
		Name:      "agent_tool_calls_total",
		Help:      "Tool dispatches by status.",
	}, []string{"status"})
	reg.MustRegister(m.ToolCalls)

	return m
}
