package tool

import (
	"sync"

	"github.com/chatrelay/chatrelay/internal/logging"
)

// Registry manages tool registration and lookup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	logging.Debug().Str("tool", t.Name()).Msg("registering tool")
	r.tools[t.Name()] = t
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns all registered tools.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

// Names returns all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	return names
}

// Subset returns a registry restricted to the given names. Unknown
// names are reported so callers (persona resolution) can fail fast.
func (r *Registry) Subset(names []string) (*Registry, []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sub := NewRegistry()
	var missing []string
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			missing = append(missing, name)
			continue
		}
		sub.tools[name] = t
	}
	return sub, missing
}

// DefaultRegistry creates a registry with the built-in tools.
func DefaultRegistry(workDir string) *Registry {
	r := NewRegistry()
	r.Register(NewClockTool())
	r.Register(NewGlobTool(workDir))
	r.Register(NewConfirmTool())
	return r
}
