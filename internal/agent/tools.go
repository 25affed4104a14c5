package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sentinel-labs/sentinel/internal/provider"
)

// Tool is an in-process tool callable by the model.
type Tool interface {
	// Name returns the function-calling identifier.
	Name() string

	// Description tells the model when to use the tool.
	Description() string

	// Schema returns the JSON Schema of the tool parameters.
	Schema() json.RawMessage

	// Execute runs the tool. Errors are communicated through the result
	// so the model can recover.
	Execute(ctx context.Context, params json.RawMessage) (string, error)
}

// ToolRegistry holds in-process tools and their compiled schemas.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register installs a tool, compiling its schema for argument
// validation. A tool with an uncompilable schema is registered without
// validation.
func (r *ToolRegistry) Register(tool Tool) error {
	if tool == nil || tool.Name() == "" {
		return fmt.Errorf("tool name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %q already registered", tool.Name())
	}
	r.tools[tool.Name()] = tool

	if raw := tool.Schema(); len(raw) > 0 {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("schema.json", bytes.NewReader(raw)); err == nil {
			if schema, err := compiler.Compile("schema.json"); err == nil {
				r.schemas[tool.Name()] = schema
			}
		}
	}
	return nil
}

// Get returns the registered tool.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Validate checks arguments against the tool's schema. Tools without a
// compiled schema accept anything.
func (r *ToolRegistry) Validate(name string, arguments json.RawMessage) error {
	r.mu.RLock()
	schema := r.schemas[name]
	r.mu.RUnlock()
	if schema == nil {
		return nil
	}

	var value any
	if len(arguments) == 0 {
		value = map[string]any{}
	} else if err := json.Unmarshal(arguments, &value); err != nil {
		return fmt.Errorf("arguments are not valid json: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return fmt.Errorf("arguments failed validation: %w", err)
	}
	return nil
}

// Definitions renders every registered tool for the provider request.
func (r *ToolRegistry) Definitions() []provider.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]provider.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        tool.Name(),
			Description: tool.Description(),
			InputSchema: tool.Schema(),
		})
	}
	return defs
}

// Names lists registered tool names.
func (r *ToolRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}
