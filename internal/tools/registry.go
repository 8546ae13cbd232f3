package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Registry holds the tools available to an executor and validates every
// call's input against the tool's parameter schema before dispatch. Safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
}

// NewRegistry builds a registry from the given tools. Nil entries are
// ignored; later tools with the same name replace earlier ones.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{
		tools:   map[string]Tool{},
		schemas: map[string]*jsonschema.Schema{},
	}
	for _, t := range ts {
		r.Add(t)
	}
	return r
}

// Add registers a tool and compiles its parameter schema. Tools with an
// uncompilable schema are registered without input validation.
func (r *Registry) Add(t Tool) {
	if t == nil {
		return
	}
	def := t.Definition()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.Name] = t
	if s, err := compileSchema(def.Name, def.Parameters); err == nil {
		r.schemas[def.Name] = s
	} else {
		delete(r.schemas, def.Name)
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns all tool definitions sorted by name.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates the call input and dispatches to the named tool.
// Unknown tools and schema violations are returned as failed results, not
// panics, so the agent loop can report them to the model.
func (r *Registry) Invoke(ctx context.Context, call Call) (Result, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	schema := r.schemas[call.Name]
	r.mu.RUnlock()

	if !ok {
		return Result{ID: call.ID, OK: false, Error: "unknown tool"},
			fmt.Errorf("unknown tool: %s", call.Name)
	}
	if schema != nil {
		if err := validateInput(schema, call.Input); err != nil {
			return Result{ID: call.ID, OK: false, Error: "invalid input"},
				fmt.Errorf("invalid input for %s: %w", call.Name, err)
		}
	}
	return t.Invoke(ctx, call)
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	if params == nil {
		params = emptySchema()
	}
	b, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "inmem://tools/" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(b)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

func validateInput(schema *jsonschema.Schema, input json.RawMessage) error {
	raw := strings.TrimSpace(string(input))
	if raw == "" {
		raw = "{}"
	}
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}
