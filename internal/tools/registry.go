package tools

import (
	"context"
	"log/slog"
	"sort"
	"sync"
)

// Registry is the per-agent mapping of tool name to tool. External
// references pass names, never object identities.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool)}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool. Names are unique within a registry;
// a replacement logs at debug level.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		slog.Debug("registry: replacing tool", "name", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns registered tool names, sorted for stable catalogs.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Defs returns provider-facing definitions for all tools, in List order.
func (r *Registry) Defs() []ToolDef {
	names := r.List()
	defs := make([]ToolDef, 0, len(names))
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		t := r.tools[name]
		defs = append(defs, ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	return defs
}

// ToolDef is the catalog entry sent to the LLM.
type ToolDef struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// Execute validates and runs a tool by name. Unknown tools and validation
// failures come back as error results so the model can recover; tool
// errors are never propagated as Go errors.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]interface{}) *Result {
	t, ok := r.Get(name)
	if !ok {
		return Errorf("unknown tool: %s", name)
	}
	if err := t.Validate(input); err != nil {
		return ErrorResult(err.Error())
	}
	return t.Execute(ctx, input)
}
