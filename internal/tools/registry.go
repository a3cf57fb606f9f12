package tools

import (
	"context"
	"sort"

	"github.com/masclabs/masc/internal/auth"
	"github.com/masclabs/masc/internal/ratelimit"
)

// Request is the resolved input to a tool handler. Agent is the
// server-assigned nickname; BaseName is what the caller supplied.
type Request struct {
	Agent    string
	BaseName string
	Role     string
	Args     map[string]any
}

// Handler executes one tool.
type Handler func(ctx context.Context, req *Request) *Result

// Descriptor declares a tool for tools/list and binds its dispatch
// metadata.
type Descriptor struct {
	Name        string
	Description string
	InputSchema map[string]any

	// Handler runs the tool.
	Handler Handler

	// Permission is the auth class checked when auth is enabled.
	Permission auth.Permission

	// Category selects the rate-limit budget.
	Category ratelimit.Category

	// Write marks tools that mutate room state: they auto-join the caller
	// and require the room to be writable.
	Write bool

	// JoinRequired gates tools that only make sense for a joined agent.
	JoinRequired bool

	// Admin tools skip the paused check so a paused room can be resumed.
	Admin bool
}

// table is one subsystem's dispatch table.
type table struct {
	name  string
	tools map[string]Descriptor
}

// Registry is an ordered list of dispatch tables, searched first-match.
type Registry struct {
	tables []table
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddTable appends a subsystem table.
func (r *Registry) AddTable(name string, descs []Descriptor) {
	t := table{name: name, tools: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		t.tools[d.Name] = d
	}
	r.tables = append(r.tables, t)
}

// Lookup returns the first table entry matching the tool name.
func (r *Registry) Lookup(name string) (Descriptor, bool) {
	for _, t := range r.tables {
		if d, ok := t.tools[name]; ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

// List returns every registered descriptor sorted by name.
func (r *Registry) List() []Descriptor {
	var out []Descriptor
	for _, t := range r.tables {
		for _, d := range t.tools {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
