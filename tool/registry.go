package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/hivekit/swarm-go/sendable"
)

// Registry resolves tool calls by name, validates arguments against each
// tool's JSON Schema, and applies the configured circuit breaker and retry
// policy around execution.
//
// The registry is read-only after the scheduler starts; Register during a
// run is undefined behavior.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]Tool
	compiled map[string]*jsonschema.Schema
	breaker  *CircuitBreaker
	retry    *RetryPolicy
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithCircuitBreaker short-circuits repeatedly failing tools.
func WithCircuitBreaker(b *CircuitBreaker) RegistryOption {
	return func(r *Registry) { r.breaker = b }
}

// WithRetryPolicy retries failed executions deterministically.
func WithRetryPolicy(p *RetryPolicy) RegistryOption {
	return func(r *Registry) { r.retry = p }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:    make(map[string]Tool),
		compiled: make(map[string]*jsonschema.Schema),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool, compiling its parameter schema for validation.
// Duplicate names are rejected.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return &Error{Code: CodeInvalidArguments, Message: "tool and tool name are required"}
	}
	name := t.Name()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return &Error{Code: CodeDuplicateTool, Tool: name, Message: "duplicate tool name"}
	}

	if params := t.Schema().Parameters; params != nil {
		compiled, err := compileSchema(name, params)
		if err != nil {
			return &Error{Code: CodeInvalidArguments, Tool: name, Message: fmt.Sprintf("invalid parameter schema: %v", err), Cause: err}
		}
		r.compiled[name] = compiled
	}
	r.tools[name] = t
	return nil
}

func compileSchema(name string, params map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler sees plain decoded values
	// rather than arbitrary Go types.
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytesReader(raw))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := name + ".schema.json"
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names in sorted order.
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

// Schemas returns every registered tool's schema, sorted by name. This is
// what the agent loop hands to the inference provider.
func (r *Registry) Schemas() []Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]Schema, 0, len(r.tools))
	for _, t := range r.tools {
		schemas = append(schemas, t.Schema())
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Name < schemas[j].Name })
	return schemas
}

// Invoke resolves the call by name, parses and validates its JSON
// arguments, and executes the tool under the breaker and retry policy.
// Cancellation errors from inside the tool propagate unchanged.
func (r *Registry) Invoke(ctx context.Context, call Call) (CallResult, error) {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	compiled := r.compiled[call.Name]
	breaker := r.breaker
	retry := r.retry
	r.mu.RUnlock()

	if !ok {
		return CallResult{}, &Error{Code: CodeToolNotFound, Tool: call.Name, Message: "tool not found"}
	}

	raw := call.Arguments
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return CallResult{}, &Error{Code: CodeInvalidArgumentsJSON, Tool: call.Name, Message: fmt.Sprintf("arguments are not valid JSON: %v", err), Cause: err}
	}
	if compiled != nil {
		if err := compiled.Validate(decoded); err != nil {
			return CallResult{}, &Error{Code: CodeInvalidArguments, Tool: call.Name, Message: fmt.Sprintf("arguments do not match schema: %v", err), Cause: err}
		}
	}
	args, err := sendable.FromAny(decoded)
	if err != nil {
		return CallResult{}, &Error{Code: CodeInvalidArgumentsJSON, Tool: call.Name, Message: err.Error(), Cause: err}
	}

	if !breaker.Allow(call.Name) {
		return CallResult{}, &Error{Code: CodeCircuitOpen, Tool: call.Name, Message: "circuit breaker open; tool temporarily disabled"}
	}

	for attempt := 0; ; attempt++ {
		content, execErr := t.Execute(ctx, args)
		if execErr == nil {
			breaker.RecordSuccess(call.Name)
			return CallResult{CallID: call.ID, Content: content}, nil
		}
		if errors.Is(execErr, context.Canceled) || errors.Is(execErr, context.DeadlineExceeded) {
			return CallResult{}, execErr
		}
		if retry.allows(attempt) {
			select {
			case <-ctx.Done():
				return CallResult{}, ctx.Err()
			case <-time.After(retry.Backoff(attempt)):
			}
			continue
		}
		breaker.RecordFailure(call.Name)
		return CallResult{}, &Error{Code: CodeExecutionFailed, Tool: call.Name, Message: execErr.Error(), Cause: execErr}
	}
}
