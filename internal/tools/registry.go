package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/medulla-ai/medulla/pkg/models"
)

// ExecFunc runs one tool invocation. The context carries the per-call
// deadline; executors must observe it. The returned value may be a string or
// any JSON-marshalable structure.
type ExecFunc func(ctx context.Context, args map[string]any) (any, error)

type entry struct {
	def  Definition
	exec ExecFunc
}

// Registry is the process-wide tool catalogue. Registration happens during
// startup (built-ins, then gateway discovery); after that reads dominate.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// Register adds a tool. The name is the primary key: a duplicate registration
// fails and the first registration wins.
func (r *Registry) Register(def Definition, exec ExecFunc) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("tool %q: executor is required", def.Name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[def.Name]; exists {
		return fmt.Errorf("tool %q already registered", def.Name)
	}
	r.entries[def.Name] = entry{def: def, exec: exec}
	return nil
}

// Get returns the definition and executor for a tool name.
func (r *Registry) Get(name string) (Definition, ExecFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.def, e.exec, ok
}

// List returns definitions sorted by name. With a mode, only tools allowed
// in that mode are included.
func (r *Registry) List(mode *models.Mode) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.entries))
	for _, e := range r.entries {
		if mode != nil && !e.def.AllowedIn(*mode) {
			continue
		}
		out = append(out, e.def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// FilterByCategory returns definitions in one category, sorted by name.
func (r *Registry) FilterByCategory(category string) []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Definition
	for _, e := range r.entries {
		if e.def.Category == category {
			out = append(out, e.def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefinitionsForLLM renders the function-calling descriptors for every tool
// usable in the given mode.
func (r *Registry) DefinitionsForLLM(mode *models.Mode) []LLMFunction {
	defs := r.List(mode)
	out := make([]LLMFunction, 0, len(defs))
	for _, d := range defs {
		out = append(out, d.ToLLMFunction())
	}
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
