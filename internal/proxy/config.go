// Package proxy implements the passive interception proxy: an
// HTTP/HTTPS/WebSocket man-in-the-middle with per-host trust bypass,
// streaming-response tee, and pluggable pause-for-inspection
// interception.
package proxy

import "time"

// Config tunes the proxy service and its per-exchange handlers.
type Config struct {
	// Host is the bind address. The proxy is loopback-only by default.
	Host string `yaml:"host"`

	// StartPort is the first port tried; binding walks upward from here.
	StartPort int `yaml:"start_port"`

	// MaxPortAttempts bounds the auto-increment walk.
	MaxPortAttempts int `yaml:"max_port_attempts"`

	// MaxRequestBodySize caps captured request bodies in bytes.
	MaxRequestBodySize int `yaml:"max_request_body_size"`

	// MaxResponseBodySize caps captured response bodies in bytes.
	MaxResponseBodySize int `yaml:"max_response_body_size"`

	// MitmBypassFailThreshold is preserved for compatibility; automatic
	// bypass on upstream failure is disabled.
	MitmBypassFailThreshold int `yaml:"mitm_bypass_fail_threshold"`

	// InterceptRequests pauses matching requests for inspection.
	InterceptRequests bool `yaml:"intercept_requests"`

	// InterceptResponses pauses responses for inspection.
	InterceptResponses bool `yaml:"intercept_responses"`

	// InterceptWebSockets pauses relayed WebSocket messages.
	InterceptWebSockets bool `yaml:"intercept_websockets"`

	// UpstreamProxy optionally chains through another proxy,
	// "host:port". Basic auth in the URL is reserved.
	UpstreamProxy string `yaml:"upstream_proxy"`
}

// DefaultConfig returns the standard proxy configuration.
func DefaultConfig() Config {
	return Config{
		Host:                    "127.0.0.1",
		StartPort:               4201,
		MaxPortAttempts:         10,
		MaxRequestBodySize:      2 * 1024 * 1024,
		MaxResponseBodySize:     2 * 1024 * 1024,
		MitmBypassFailThreshold: 3,
	}
}

// Intercept wait deadlines.
const (
	requestInterceptTimeout  = 5 * time.Minute
	responseInterceptTimeout = 30 * time.Second
)

// requestCacheLimit bounds the in-flight request cache.
const requestCacheLimit = 1000
