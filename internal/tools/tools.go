// Package tools defines the capabilities agents can invoke and the leaf
// capabilities wrapping the schema store, the query executor, chart rendering
// and the human handoff.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Capability is anything an agent can call by name: a leaf tool or another
// agent.
type Capability interface {
	// Name is the function name advertised to the model.
	Name() string
	// Description tells the model when to use the capability.
	Description() string
	// Schema is the JSON Schema of the arguments object.
	Schema() json.RawMessage
	// Invoke runs the capability. The returned text is handed back to the
	// model verbatim.
	Invoke(ctx context.Context, args json.RawMessage) (string, error)
}

// ErrStop asks the calling agent loop to end its run, using the text
// returned alongside it as the final answer.
var ErrStop = errors.New("tools: stop agent loop")

// Error is a failed capability invocation. Agent loops report it to the
// model as text rather than aborting.
type Error struct {
	Tool string
	Err  error
}

func (e *Error) Error() string { return e.Err.Error() }

func (e *Error) Unwrap() error { return e.Err }

// Failf returns an *Error for tool with a formatted message.
func Failf(tool, format string, args ...any) error {
	return &Error{Tool: tool, Err: fmt.Errorf(format, args...)}
}

// Func is a Capability backed by a function.
type Func struct {
	name        string
	description string
	schema      json.RawMessage
	fn          func(ctx context.Context, args json.RawMessage) (string, error)
}

// New returns a Func capability.
func New(name, description, schema string, fn func(ctx context.Context, args json.RawMessage) (string, error)) *Func {
	return &Func{name: name, description: description, schema: json.RawMessage(schema), fn: fn}
}

func (f *Func) Name() string            { return f.name }
func (f *Func) Description() string     { return f.description }
func (f *Func) Schema() json.RawMessage { return f.schema }

func (f *Func) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	return f.fn(ctx, args)
}

// Registry indexes capabilities by name, keeping registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Capability
}

// NewRegistry returns a registry holding caps.
func NewRegistry(caps ...Capability) *Registry {
	r := &Registry{tools: make(map[string]Capability, len(caps))}
	for _, c := range caps {
		r.Register(c)
	}
	return r
}

// Register adds c, replacing any capability with the same name.
func (r *Registry) Register(c Capability) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[c.Name()]; !ok {
		r.order = append(r.order, c.Name())
	}
	r.tools[c.Name()] = c
}

// Get returns the capability called name.
func (r *Registry) Get(name string) (Capability, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.tools[name]
	return c, ok
}

// All returns the capabilities in registration order.
func (r *Registry) All() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Capability, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the registered names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

var schemaCache sync.Map

func compileSchema(name string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}
	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Validate checks args against c's schema. Empty args are treated as {}.
func Validate(c Capability, args json.RawMessage) error {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &Error{Tool: c.Name(), Err: fmt.Errorf("arguments are not valid JSON: %w", err)}
	}
	schema := c.Schema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := compileSchema(c.Name(), schema)
	if err != nil {
		return &Error{Tool: c.Name(), Err: fmt.Errorf("compile schema: %w", err)}
	}
	if err := compiled.Validate(decoded); err != nil {
		return &Error{Tool: c.Name(), Err: fmt.Errorf("invalid arguments: %w", err)}
	}
	return nil
}

// decode unmarshals args into v, reporting failures as a tool error.
func decode(tool string, args json.RawMessage, v any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return &Error{Tool: tool, Err: fmt.Errorf("decode arguments: %w", err)}
	}
	return nil
}
