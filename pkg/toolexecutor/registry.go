package toolexecutor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrDuplicateTool is returned when two tools visible to one agent share a name.
var ErrDuplicateTool = errors.New("duplicate tool name")

// Registry is an ordered set of tools with unique names.
type Registry struct {
	tools map[string]*Tool
	order []string
	mu    sync.RWMutex
}

// NewRegistry creates a registry holding tools, rejecting duplicates.
func NewRegistry(tools ...*Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]*Tool)}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a compiled tool.
func (r *Registry) Register(tool *Tool) error {
	if tool == nil {
		return fmt.Errorf("tool cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name())
	}

	r.tools[tool.Name()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// RegisterTool compiles and adds a definition.
func (r *Registry) RegisterTool(def ToolDefinition) error {
	tool, err := NewTool(def)
	if err != nil {
		return err
	}
	return r.Register(tool)
}

// Reserve claims a name without a tool behind it, so later registrations
// collide with it. Handoff declarations use this.
func (r *Registry) Reserve(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, name)
	}
	r.tools[name] = nil
	return nil
}

// Get returns a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.tools[name]
}

// List returns tools in registration order.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return append([]string(nil), r.order...)
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}
