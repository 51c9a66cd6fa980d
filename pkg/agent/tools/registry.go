package tools

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/entrhq/conductor/pkg/llm"
)

// ErrToolNotFound is returned when a tool name is not registered.
var ErrToolNotFound = errors.New("tool not found")

// ID names a tool inside a Registry.
type ID string

// Profile is a named set of tools made available to a role.
type Profile struct {
	Name  string
	Tools []ID
}

// Registry is a closed set of tools resolved at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[ID]Tool
	order []ID
}

// NewRegistry creates a registry from the given tools. Duplicate names are
// rejected.
func NewRegistry(ts ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[ID]Tool, len(ts))}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool to the registry.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return errors.New("tool cannot be nil")
	}
	id := ID(t.Name())
	if id == "" {
		return errors.New("tool name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[id]; exists {
		return fmt.Errorf("tool %q already registered", id)
	}
	r.tools[id] = t
	r.order = append(r.order, id)
	return nil
}

// Lookup retrieves a tool by name (thread-safe)
func (r *Registry) Lookup(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[ID(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns the registered tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Tool, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.tools[id])
	}
	return out
}

// Names returns the sorted tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.order))
	for _, id := range r.order {
		names = append(names, string(id))
	}
	sort.Strings(names)
	return names
}

// Declarations returns the function declarations advertised to the model.
func (r *Registry) Declarations() []llm.ToolDeclaration {
	list := r.List()
	decls := make([]llm.ToolDeclaration, 0, len(list))
	for _, t := range list {
		decls = append(decls, llm.ToolDeclaration{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return decls
}

// Restrict returns a new registry holding only the tools the profile names.
// An unknown id is an error so misconfigured profiles fail at startup.
func (r *Registry) Restrict(p Profile) (*Registry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := &Registry{tools: make(map[ID]Tool, len(p.Tools))}
	for _, id := range p.Tools {
		t, ok := r.tools[id]
		if !ok {
			return nil, fmt.Errorf("profile %q: %w: %s", p.Name, ErrToolNotFound, id)
		}
		if _, dup := out.tools[id]; dup {
			continue
		}
		out.tools[id] = t
		out.order = append(out.order, id)
	}
	return out, nil
}
