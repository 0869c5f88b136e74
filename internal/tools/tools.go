// Package tools holds the tool registry the agent loop executes model
// tool calls against, plus the lifecycle builtins.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/nugget/automaton/internal/llm"
	"github.com/nugget/automaton/internal/state"
)

// Handler runs a tool. A returned error is recorded on the call; it
// does not fail the turn.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is a callable tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	Handler     Handler
}

// Executor runs named tools. Implementations must return within a
// bounded time; the loop does not impose its own timeout.
type Executor interface {
	Execute(ctx context.Context, name string, args map[string]any) state.ToolCallResult
	Specs() []llm.ToolSpec
}

// Registry holds the available tools.
type Registry struct {
	tools  map[string]*Tool
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tools:  make(map[string]*Tool),
		logger: logger,
		now:    time.Now,
	}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t *Tool) {
	r.tools[t.Name] = t
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Tool {
	return r.tools[name]
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs returns tool schemas for the model, sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.tools))
	for _, n := range r.Names() {
		t := r.tools[n]
		specs = append(specs, llm.NewToolSpec(t.Name, t.Description, t.Parameters))
	}
	return specs
}

// Execute runs the named tool and reports the outcome as a record. The
// record always carries either a result or an error, never neither.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) state.ToolCallResult {
	if args == nil {
		args = map[string]any{}
	}
	res := state.ToolCallResult{Name: name, Arguments: args}

	tool := r.tools[name]
	if tool == nil {
		res.Error = (&UnknownToolError{Name: name, Known: r.Names()}).Error()
		return res
	}

	start := r.now()
	out, err := runHandler(ctx, tool.Handler, args)
	res.DurationMs = r.now().Sub(start).Milliseconds()

	if err != nil {
		res.Error = err.Error()
		if res.Error == "" {
			res.Error = "tool failed"
		}
		r.logger.Debug("tool failed", "tool", name, "error", err, "duration_ms", res.DurationMs)
		return res
	}
	if out == "" {
		out = "ok"
	}
	res.Result = out
	r.logger.Debug("tool done", "tool", name, "duration_ms", res.DurationMs)
	return res
}

// runHandler converts a handler panic into an error so one broken tool
// cannot take down the loop.
func runHandler(ctx context.Context, h Handler, args map[string]any) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool panicked: %v", p)
		}
	}()
	return h(ctx, args)
}

// ParsedArgs is the outcome of parsing model-supplied argument text.
// On failure Args is an empty map and Err explains why.
type ParsedArgs struct {
	Args map[string]any
	Err  error
}

// OK reports whether parsing succeeded.
func (p ParsedArgs) OK() bool { return p.Err == nil }

// ErrMalformedArguments wraps argument parse failures.
var ErrMalformedArguments = errors.New("malformed tool arguments")

// ParseArguments decodes tool-call argument text into a map. Empty text
// is an empty map. Invalid JSON or a non-object value yields an empty
// map with a diagnostic.
func ParseArguments(raw string) ParsedArgs {
	if raw == "" {
		return ParsedArgs{Args: map[string]any{}}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return ParsedArgs{Args: map[string]any{}, Err: fmt.Errorf("%w: %v", ErrMalformedArguments, err)}
	}
	if args == nil {
		return ParsedArgs{Args: map[string]any{}, Err: fmt.Errorf("%w: not an object", ErrMalformedArguments)}
	}
	return ParsedArgs{Args: args}
}
