package tools

import (
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the declared tools with their compiled argument schemas.
// Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		schemas: make(map[string]*jsonschema.Schema),
	}
}

// Register adds a tool, compiling its schema. A tool with the same name is
// replaced. An invalid schema is a programming error and fails loudly.
func (r *Registry) Register(tool Tool) error {
	schema, err := jsonschema.CompileString("tool_"+tool.Name(), string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s: invalid schema: %w", tool.Name(), err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemas[tool.Name()] = schema
	return nil
}

// MustRegister is Register that panics, for startup wiring.
func (r *Registry) MustRegister(tool Tool) {
	if err := r.Register(tool); err != nil {
		panic(err)
	}
}

// Get returns a tool and its compiled schema by name.
func (r *Registry) Get(name string) (Tool, *jsonschema.Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	if !ok {
		return nil, nil, false
	}
	return tool, r.schemas[name], true
}

// List returns the tools whose capability is in the grant set, or all
// tools when the set is nil.
func (r *Registry) List(granted map[Capability]bool) []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, tool := range r.tools {
		if granted == nil || granted[tool.Capability()] {
			out = append(out, tool)
		}
	}
	return out
}
