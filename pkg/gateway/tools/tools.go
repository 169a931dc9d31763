// Package tools holds the function tools agents can call and dispatches the
// upstream's function calls to them.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/vango-go/vai-relay/pkg/gateway/live/protocol"
)

var (
	ErrUnknownTool  = errors.New("unknown tool")
	ErrInvalidInput = errors.New("invalid tool arguments")
)

// Direction says where a tool result is delivered.
type Direction int

const (
	// ToServer results are submitted upstream as the function output.
	ToServer Direction = iota + 1
	// ToClient results are shown to the client; the upstream gets an empty output.
	ToClient
)

func (d Direction) String() string {
	switch d {
	case ToServer:
		return "to_server"
	case ToClient:
		return "to_client"
	default:
		return "unknown"
	}
}

type Result struct {
	Text      string
	Direction Direction
	// Transfer, when set, asks the relay to classify this text and hand the
	// conversation to another agent if the intent changed.
	Transfer string
}

func ServerResult(text string) Result { return Result{Text: text, Direction: ToServer} }

func ClientResult(text string) Result { return Result{Text: text, Direction: ToClient} }

// FramesArg is the argument the relay fills with the session's recent camera
// frames for tools that set WantsFrames.
const FramesArg = "base64_encoded_data"

type Invoker func(ctx context.Context, args json.RawMessage) (Result, error)

type Tool struct {
	Name        string
	Description string
	Schema      *jsonschema.Schema
	// WantsFrames asks the dispatcher to inject FramesArg before the call.
	WantsFrames bool

	invoke Invoker
}

// New builds a tool whose parameter schema is inferred from T. Arguments are
// decoded into T before fn runs.
func New[T any](name, description string, fn func(ctx context.Context, args T) (Result, error)) (*Tool, error) {
	schema, err := jsonschema.For[T](&jsonschema.ForOptions{})
	if err != nil {
		return nil, fmt.Errorf("schema for %s: %w", name, err)
	}
	return &Tool{
		Name:        name,
		Description: description,
		Schema:      schema,
		invoke: func(ctx context.Context, raw json.RawMessage) (Result, error) {
			var args T
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &args); err != nil {
					return Result{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
				}
			}
			return fn(ctx, args)
		},
	}, nil
}

// NewRaw builds a tool with an explicit schema and an undecoded argument object.
func NewRaw(name, description string, schema *jsonschema.Schema, fn Invoker) *Tool {
	return &Tool{Name: name, Description: description, Schema: schema, invoke: fn}
}

func MustNew[T any](name, description string, fn func(ctx context.Context, args T) (Result, error)) *Tool {
	t, err := New(name, description, fn)
	if err != nil {
		panic(err)
	}
	return t
}

// Definition is the tool as advertised in session.update.
func (t *Tool) Definition() protocol.ToolSchema {
	var params any = map[string]any{"type": "object", "properties": map[string]any{}}
	if t.Schema != nil {
		params = t.Schema
	}
	return protocol.ToolSchema{Type: "function", Name: t.Name, Description: t.Description, Parameters: params}
}

// validate checks argument names against the schema: no unknown members and
// every required member present.
func (t *Tool) validate(args map[string]json.RawMessage) error {
	if t.Schema == nil {
		return nil
	}
	for name := range args {
		if _, ok := t.Schema.Properties[name]; !ok {
			return fmt.Errorf("%w: unexpected argument %q", ErrInvalidInput, name)
		}
	}
	for _, name := range t.Schema.Required {
		if _, ok := args[name]; !ok {
			return fmt.Errorf("%w: missing required argument %q", ErrInvalidInput, name)
		}
	}
	return nil
}

// Registry maps agent names to the tools they may call. Tools are registered
// once at startup; the registry is read-only afterwards.
type Registry struct {
	tools  map[string]*Tool
	agents map[string][]string
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool), agents: make(map[string][]string)}
}

func (r *Registry) Register(tools ...*Tool) error {
	for _, t := range tools {
		if t == nil {
			continue
		}
		name := strings.TrimSpace(t.Name)
		if name == "" {
			return errors.New("tool name is required")
		}
		if _, dup := r.tools[name]; dup {
			return fmt.Errorf("duplicate tool %q", name)
		}
		r.tools[name] = t
	}
	return nil
}

// Bind gives an agent its tool list. Every name must already be registered.
func (r *Registry) Bind(agent string, names []string) error {
	for _, n := range names {
		if _, ok := r.tools[n]; !ok {
			return fmt.Errorf("agent %s: %w %q", agent, ErrUnknownTool, n)
		}
	}
	r.agents[agent] = append([]string(nil), names...)
	return nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Toolset returns the tools bound to agent. An agent with no bindings gets an
// empty set.
func (r *Registry) Toolset(agent string) *Toolset {
	names := r.agents[agent]
	ts := &Toolset{Agent: agent, byName: make(map[string]*Tool, len(names))}
	for _, n := range names {
		ts.byName[n] = r.tools[n]
		ts.order = append(ts.order, n)
	}
	return ts
}

// Toolset is the tool set attached to one upstream link.
type Toolset struct {
	Agent  string
	byName map[string]*Tool
	order  []string
}

func (ts *Toolset) Lookup(name string) (*Tool, bool) {
	if ts == nil {
		return nil, false
	}
	t, ok := ts.byName[name]
	return t, ok
}

func (ts *Toolset) Len() int {
	if ts == nil {
		return 0
	}
	return len(ts.order)
}

// Schemas lists the tool definitions in binding order.
func (ts *Toolset) Schemas() []protocol.ToolSchema {
	if ts == nil {
		return []protocol.ToolSchema{}
	}
	out := make([]protocol.ToolSchema, 0, len(ts.order))
	for _, n := range ts.order {
		out = append(out, ts.byName[n].Definition())
	}
	return out
}
