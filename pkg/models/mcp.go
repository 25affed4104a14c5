package models

import (
	"encoding/json"
	"strings"
	"time"
)

// MCPConnectionType selects the transport used to reach a tool server.
type MCPConnectionType string

const (
	MCPConnectionStdio        MCPConnectionType = "stdio"
	MCPConnectionChildProcess MCPConnectionType = "child_process"
	MCPConnectionSSE          MCPConnectionType = "sse"
	MCPConnectionHTTP         MCPConnectionType = "http"
)

// MCPServerConfig is the persisted configuration for one MCP server.
type MCPServerConfig struct {
	Name           string            `json:"name"`
	ConnectionType MCPConnectionType `json:"connection_type"`
	URL            string            `json:"url,omitempty"`
	Command        string            `json:"command,omitempty"`

	// Args is stored either as a JSON array or a whitespace-separated
	// string; ParseArgs accepts both.
	Args string `json:"args,omitempty"`

	Enabled     bool          `json:"enabled"`
	AutoConnect bool          `json:"auto_connect"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	RetryCount  int           `json:"retry_count,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ParseArgs decodes the Args field. A JSON array is preferred; anything
// else is split on whitespace.
func (c *MCPServerConfig) ParseArgs() []string {
	raw := strings.TrimSpace(c.Args)
	if raw == "" {
		return nil
	}
	if strings.HasPrefix(raw, "[") {
		var parsed []string
		if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
			return parsed
		}
	}
	return strings.Fields(raw)
}
