package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

// Agent error codes.
const (
	CodeMaxIterationsExceeded = "MAX_ITERATIONS_EXCEEDED"
	CodeProviderMissing       = "PROVIDER_MISSING"
	CodeToolLoopFailed        = "TOOL_LOOP_FAILED"
	CodeInternalError         = "AGENT_INTERNAL_ERROR"
)

// Error is a structured agent loop error.
type Error struct {
	Code    string
	Agent   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Agent != "" {
		return fmt.Sprintf("agent %q: %s", e.Agent, e.Message)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode extracts the code from an agent error, or "".
func ErrorCode(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Interrupted is returned by Run when the loop must pause for caller
// approval. It carries the interrupt request to surface and the canonical
// messages accumulated so far, which the caller must persist so the resumed
// loop can rebuild its state.
type Interrupted struct {
	// Request is the interrupt to surface through the scheduler.
	Request hive.InterruptRequest

	// Messages is the canonical history at the pause point.
	Messages []model.Message

	// Iterations is the loop count at the pause point.
	Iterations int
}

// Error implements the error interface.
func (e *Interrupted) Error() string {
	return fmt.Sprintf("agent interrupted: %s", e.Request.Kind())
}

// Result is a completed agent invocation.
type Result struct {
	// Output is the final assistant text.
	Output string

	// ToolCalls are the calls executed during this invocation, in order.
	ToolCalls []tool.Call

	// ToolResults are the corresponding results, correlated by call ID.
	ToolResults []tool.CallResult

	// IterationCount is the number of model calls made.
	IterationCount int

	// Duration is the wall-clock time of the invocation. Metadata only.
	Duration time.Duration

	// TokensUsed accumulates provider-reported token usage.
	TokensUsed int

	// Messages is the canonical history after the invocation.
	Messages []model.Message

	// Metadata carries agent name, finish reason, and handoff facts.
	Metadata map[string]any
}
