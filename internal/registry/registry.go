// Package registry maps logical tool names to the executable that implements
// them and the backend that runs it.
//
// The registry is populated once at startup and then frozen. After Freeze it
// is read-only, so concurrent lookups from every pipeline branch need no
// locking.
package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/specialistvlad/cohortflow/internal/backend"
)

// ErrUnknownTool is returned by Lookup for a tool that was never registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is one registered tool binding.
type Tool struct {
	Name    string
	Command string
	Backend backend.Backend
}

// Registry holds tool bindings for a single application instance.
type Registry struct {
	tools  map[string]*Tool
	frozen bool
}

// New creates an empty, writable registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

// Register binds a tool to a backend. It fails after Freeze or on a duplicate name.
func (r *Registry) Register(name, command string, b backend.Backend) error {
	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register tool '%s'", name)
	}
	if name == "" || command == "" {
		return fmt.Errorf("tool name and command are required")
	}
	if b == nil {
		return fmt.Errorf("tool '%s' has no backend", name)
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool '%s' already registered", name)
	}
	r.tools[name] = &Tool{Name: name, Command: command, Backend: b}
	return nil
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.frozen = true
}

// Lookup returns the binding for a tool.
func (r *Registry) Lookup(name string) (*Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: '%s'", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
