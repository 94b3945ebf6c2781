// Package tool provides the executable tool subsystem: schemas, the
// registry, argument validation, approval gating, circuit breaking, and
// deterministic retries.
package tool

import (
	"context"
	"encoding/json"

	"github.com/hivekit/swarm-go/sendable"
)

// Schema describes a tool to the model: its name, what it does, and a JSON
// Schema for its arguments.
type Schema struct {
	// Name uniquely identifies the tool. Lowercase with underscores,
	// function-style: "search_web", "get_weather".
	Name string

	// Description tells the model when to call the tool.
	Description string

	// Parameters is the JSON Schema for the tool's arguments. Nil for
	// parameterless tools.
	Parameters map[string]any
}

// Call is a model's request to invoke a tool. The ID correlates the call
// with its result across the transcript.
type Call struct {
	// ID is the provider-assigned call identifier.
	ID string `json:"id"`

	// Name is the tool to invoke.
	Name string `json:"name"`

	// Arguments is the raw JSON argument object.
	Arguments json.RawMessage `json:"arguments"`
}

// CallResult is a completed tool invocation.
type CallResult struct {
	// CallID echoes the originating call's ID.
	CallID string `json:"call_id"`

	// Content is the tool's output.
	Content sendable.Value `json:"content"`
}

// Tool is an executable capability exposed to models.
//
// Implementations must honor context cancellation, validate what the schema
// cannot express, and return structured output. Cancellation errors must
// propagate unchanged so the engine can collapse them into a cancelled run.
type Tool interface {
	// Name returns the unique tool name. Must match Schema().Name.
	Name() string

	// Schema describes the tool for the model.
	Schema() Schema

	// Execute runs the tool with validated arguments.
	Execute(ctx context.Context, args sendable.Value) (sendable.Value, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	Spec Schema
	Fn   func(ctx context.Context, args sendable.Value) (sendable.Value, error)
}

// Name implements Tool.
func (f *Func) Name() string { return f.Spec.Name }

// Schema implements Tool.
func (f *Func) Schema() Schema { return f.Spec }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, args sendable.Value) (sendable.Value, error) {
	return f.Fn(ctx, args)
}
