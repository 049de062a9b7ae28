// Package tools defines the tools the model may call during a chat turn.
package tools

import (
	"context"
	"encoding/json"
	"iter"
)

// Update is one output of a running tool. Preliminary updates are progress
// reports; the last update of a successful run is final.
type Update struct {
	Output      any
	Preliminary bool
}

// Tool is a callable exposed to the model.
type Tool interface {
	Name() string
	Description() string
	// Parameters returns the JSON Schema of the tool's input object.
	Parameters() map[string]any
	// Execute runs the tool. It yields zero or more preliminary updates and
	// then either one final update or one error.
	Execute(ctx context.Context, input json.RawMessage) iter.Seq2[Update, error]
}

// Registry holds the tools available to one request, in registration order.
type Registry struct {
	byName map[string]Tool
	order  []Tool
}

// NewRegistry builds a registry from tools. Later tools with a duplicate
// name replace earlier ones.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{byName: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.byName[t.Name()]; !exists {
			r.order = append(r.order, t)
		} else {
			for i, prev := range r.order {
				if prev.Name() == t.Name() {
					r.order[i] = t
				}
			}
		}
		r.byName[t.Name()] = t
	}
	return r
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.byName[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	return append([]Tool(nil), r.order...)
}
