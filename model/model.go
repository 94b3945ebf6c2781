// Package model abstracts LLM inference providers behind a single
// tool-calling interface, with adapters for Anthropic, OpenAI, and Google
// in subpackages.
package model

import (
	"context"

	"github.com/hivekit/swarm-go/tool"
)

// Message roles, matching the common chat format across providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Tombstone operations carried by messages in the canonical history.
const (
	// OpNone is an ordinary message.
	OpNone = ""

	// OpRemoveAll drops every message up to and including this tombstone
	// when the history reducer runs. Used by compaction.
	OpRemoveAll = "remove_all"
)

// Message is one entry in an agent's canonical conversation history.
//
// IDs are deterministic: replaying the same inputs produces the same IDs,
// which is what makes transcripts hashable. A message whose ID matches an
// earlier one replaces it in the history.
type Message struct {
	// ID is the deterministic message identity.
	ID string `json:"id"`

	// Role is one of the Role* constants.
	Role string `json:"role"`

	// Content is the message text.
	Content string `json:"content"`

	// ToolCallID links a tool-result message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolCalls are the calls an assistant message requests.
	ToolCalls []tool.Call `json:"tool_calls,omitempty"`

	// Op is a tombstone operation (OpRemoveAll) or empty.
	Op string `json:"op,omitempty"`
}

// FinishReason reports why the provider stopped generating.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
	FinishOther     FinishReason = "other"
)

// TokenUsage is the provider-reported token accounting, when available.
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the provider's reply to one generation request.
type Response struct {
	// Content is the generated text; may be empty when the model only
	// requests tool calls.
	Content string

	// ToolCalls are the tools the model wants invoked.
	ToolCalls []tool.Call

	// FinishReason reports why generation stopped.
	FinishReason FinishReason

	// Usage is the token accounting, nil when the provider omits it.
	Usage *TokenUsage
}

// CallOptions tunes one generation request. Zero values defer to provider
// defaults.
type CallOptions struct {
	// Model overrides the provider's default model name.
	Model string

	// MaxTokens caps the generated output length.
	MaxTokens int

	// Temperature adjusts sampling; nil uses the provider default.
	Temperature *float64
}

// Provider is the inference abstraction the agent loop calls.
//
// Implementations must honor context cancellation and be re-entrant:
// parallel branches call one provider concurrently.
type Provider interface {
	// GenerateWithToolCalls sends the prompt and available tool schemas
	// to the model and returns its reply.
	GenerateWithToolCalls(ctx context.Context, prompt []Message, tools []tool.Schema, opts CallOptions) (Response, error)
}

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	// Delta is the text appended by this chunk.
	Delta string

	// Done marks the final chunk.
	Done bool
}

// StreamingProvider is the optional streaming extension of Provider.
type StreamingProvider interface {
	Provider

	// Stream yields token chunks until generation completes or ctx is
	// done. The channel is closed after the final chunk.
	Stream(ctx context.Context, prompt []Message, tools []tool.Schema, opts CallOptions) (<-chan StreamChunk, error)
}

// Tokenizer counts tokens for a message slice. Kept as a single-method
// interface so callers can plug any tokenization scheme; the engine never
// assumes a specific one.
type Tokenizer interface {
	CountTokens(messages []Message) int
}

// TokenizerFunc adapts a function to the Tokenizer interface.
type TokenizerFunc func(messages []Message) int

// CountTokens implements Tokenizer.
func (f TokenizerFunc) CountTokens(messages []Message) int { return f(messages) }
