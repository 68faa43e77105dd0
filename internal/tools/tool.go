// Package tools defines the tool surface the model can call and the
// dispatcher that executes calls under the permission gate, hooks, and
// the loop detector.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/whale-sh/whale/internal/providers"
)

// Tool categories.
const (
	CategoryLocal       = "local"
	CategoryServer      = "server"
	CategoryLSP         = "lsp"
	CategoryInteractive = "interactive"
	CategorySubagent    = "subagent"
	CategoryTeam        = "team"
)

// Tool is one callable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// Meta carries registry attributes beyond the Tool interface.
type Meta struct {
	Category string
	// ReadOnly tools never mutate state and skip the write confirmation
	// prompt in default permission mode.
	ReadOnly bool
	// RequiresStoreContext tools need a bound conversation store; calling
	// them without one yields a synthetic error result.
	RequiresStoreContext bool
}

type registration struct {
	tool Tool
	meta Meta
}

// Registry holds the enumerable tool set. Registration order is irrelevant;
// listings sort by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registration
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registration)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool, meta Meta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if meta.Category == "" {
		meta.Category = CategoryLocal
	}
	r.tools[t.Name()] = registration{tool: t, meta: meta}
}

// Clone returns a copy of the registry. Sub-agent schedulers clone the
// parent set and re-register the spawn tools at their own depth.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := NewRegistry()
	for name, reg := range r.tools {
		c.tools[name] = reg
	}
	return c
}

// Get resolves a tool by name.
func (r *Registry) Get(name string) (Tool, Meta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	return reg.tool, reg.meta, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns provider-shaped tool definitions for the allowed set.
// allowed nil means every tool; disallowed always wins.
func (r *Registry) Definitions(allowed, disallowed []string) []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	allowSet := toSet(allowed)
	denySet := toSet(disallowed)

	var defs []providers.ToolDefinition
	for name, reg := range r.tools {
		if _, denied := denySet[name]; denied {
			continue
		}
		if len(allowSet) > 0 {
			if _, ok := allowSet[name]; !ok {
				continue
			}
		}
		defs = append(defs, providers.ToolDefinition{
			Name:        name,
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

func toSet(names []string) map[string]struct{} {
	if len(names) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}
