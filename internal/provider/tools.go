// ABOUTME: Named tool handler registry shared by all providers
// ABOUTME: Handlers run server-side between tool_call and tool_result events

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// ToolHandler executes one tool invocation. params is the raw JSON argument
// string from the model; the returned string goes back to the model verbatim.
type ToolHandler func(ctx context.Context, params string) (string, error)

// ToolDef describes a registered tool.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage // JSON Schema for the parameters object
	Handler     ToolHandler
}

// ToolRegistry holds the tools available to providers. Registration happens
// at startup; lookups are concurrent.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*ToolDef
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*ToolDef)}
}

// Register adds a tool. A nil schema defaults to an empty object schema.
func (r *ToolRegistry) Register(def *ToolDef) error {
	if def.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %q has no handler", def.Name)
	}
	if len(def.Schema) == 0 {
		def.Schema = json.RawMessage(`{"type":"object","properties":{}}`)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.tools[def.Name] = def
	return nil
}

// Run executes a named tool. Unknown tools and handler panics are reported
// as errors, not crashes; the model gets a failed tool_result either way.
func (r *ToolRegistry) Run(ctx context.Context, name, params string) (result string, err error) {
	r.mu.RLock()
	def, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("tool %q is not registered", name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("tool %q panicked: %v", name, rec)
		}
	}()
	return def.Handler(ctx, params)
}

// List returns all registered tools sorted by name.
func (r *ToolRegistry) List() []*ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]*ToolDef, 0, len(r.tools))
	for _, def := range r.tools {
		defs = append(defs, def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}
