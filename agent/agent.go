// Package agent implements the inner LLM-call / tool-execution state
// machine that agent nodes run: deterministic message identity, token
// budgeted compaction, tool approval gating, and handoffs.
package agent

import (
	"context"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

// Config tunes an agent's loop behavior. The zero value is valid.
type Config struct {
	// MaxIterations bounds the Model <-> ToolExec loop. Default 10.
	// Exceeding it fails with MAX_ITERATIONS_EXCEEDED.
	MaxIterations int

	// ParallelToolCalls executes a response's tool calls concurrently.
	ParallelToolCalls bool

	// StopOnToolError propagates tool failures instead of feeding them
	// back to the model as tool-result content.
	StopOnToolError bool

	// Approval gates tool execution behind caller approval.
	Approval tool.ApprovalPolicy

	// ModelRetry retries provider calls deterministically. Nil disables.
	ModelRetry *tool.RetryPolicy

	// CallOptions are passed through to the provider.
	CallOptions model.CallOptions

	// Memory configures token-budgeted compaction of the LLM input.
	Memory MemoryConfig
}

func (c Config) normalize() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.Memory.PreserveLastMessages <= 0 {
		c.Memory.PreserveLastMessages = 10
	}
	return c
}

// Session is the opaque per-conversation persistence collaborator. The
// loop writes user and assistant messages through after successful runs.
type Session interface {
	// AppendMessages persists messages in order.
	AppendMessages(ctx context.Context, messages []model.Message) error
}

// Agent is a configured LLM runtime: instructions, a provider, a tool
// registry, and optional handoffs to other agents.
type Agent struct {
	// Name identifies the agent in handoff tool names and metadata.
	Name string

	// Instructions is the system prompt.
	Instructions string

	// Provider is the inference backend. Required.
	Provider model.Provider

	// Tools is the agent's tool registry. Nil means no tools.
	Tools *tool.Registry

	// Handoffs are the configured edges to other agents, surfaced to the
	// model as synthetic handoff_to_<name> tools.
	Handoffs []Handoff

	// Session, when set, receives user/assistant messages after
	// successful runs.
	Session Session

	// Config tunes the loop.
	Config Config
}

// Same reports whether two agent references are the same runtime. Agents
// are reference types; pointer identity is their identity.
func Same(a, b *Agent) bool { return a != nil && a == b }

// Request is one invocation of the agent loop.
type Request struct {
	// Input is the user input for this invocation.
	Input string

	// TaskID seeds deterministic message identity. Replaying the same
	// task ID and inputs reproduces the same message IDs.
	TaskID string

	// Messages is the restored canonical history. Empty starts a fresh
	// conversation seeded with the system and user messages.
	Messages []model.Message

	// Resume carries the typed payload when the loop continues after an
	// interrupt.
	Resume *hive.ResumePayload
}
