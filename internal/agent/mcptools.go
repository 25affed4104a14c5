package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sentinel-labs/sentinel/internal/mcp"
	"github.com/sentinel-labs/sentinel/internal/provider"
)

// MCPToolDispatcher adapts the MCP client manager to the executor's
// remote-tool surface, locating sessions by cached tool name.
type MCPToolDispatcher struct {
	manager *mcp.Manager
}

// NewMCPToolDispatcher wraps a manager.
func NewMCPToolDispatcher(manager *mcp.Manager) *MCPToolDispatcher {
	return &MCPToolDispatcher{manager: manager}
}

// Has reports whether any session advertises the tool.
func (d *MCPToolDispatcher) Has(name string) bool {
	_, ok := d.manager.FindToolSession(name)
	return ok
}

// Call dispatches to the owning session. The session handle is resolved
// per call: a reconnect inside CallTool must not leave us holding a
// stale reference.
func (d *MCPToolDispatcher) Call(ctx context.Context, name string, arguments json.RawMessage) (string, bool, error) {
	session, ok := d.manager.FindToolSession(name)
	if !ok {
		return "", false, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	result, err := session.CallTool(ctx, mcp.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return "", false, err
	}
	return result.Text(), result.IsError, nil
}

// Definitions renders every cached tool across the pool.
func (d *MCPToolDispatcher) Definitions() []provider.ToolDefinition {
	var defs []provider.ToolDefinition
	for _, tools := range d.manager.AllTools(context.Background()) {
		for _, tool := range tools {
			defs = append(defs, provider.ToolDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}
	return defs
}
