package orchestrate

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes, raised at compile time.
const (
	CodeEmptyGraph        = "EMPTY_GRAPH"
	CodeDuplicateNode     = "DUPLICATE_NODE"
	CodeUnknownDependency = "UNKNOWN_DEPENDENCY"
	CodeCycleDetected     = "CYCLE_DETECTED"
)

// Runtime orchestration error codes.
const (
	CodeRoutingFailed         = "ROUTING_FAILED"
	CodeAllAgentsFailed       = "ALL_AGENTS_FAILED"
	CodeHumanApprovalRejected = "HUMAN_APPROVAL_REJECTED"
	CodeWorkflowInterrupted   = "WORKFLOW_INTERRUPTED"
	CodeUnsupportedStep       = "UNSUPPORTED_STEP"
)

// ValidationError reports an invalid step composition at compile time.
type ValidationError struct {
	// Code is one of the validation codes above.
	Code string

	// Node and Dep identify an unknown-dependency violation.
	Node string
	Dep  string

	// Available lists the known node names for unknown-dependency
	// diagnostics.
	Available []string

	// Nodes lists the nodes involved in a detected cycle.
	Nodes []string

	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	switch e.Code {
	case CodeUnknownDependency:
		return fmt.Sprintf("node %q depends on unknown node %q (available: %s)",
			e.Node, e.Dep, strings.Join(e.Available, ", "))
	case CodeCycleDetected:
		return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.Nodes, ", "))
	default:
		return e.Message
	}
}

// Error reports a runtime orchestration failure.
type Error struct {
	Code    string
	Message string

	// Prompt and Reason carry human-approval rejection details.
	Prompt string
	Reason string

	// Errors lists per-branch failures for ALL_AGENTS_FAILED.
	Errors []string

	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Cause }

// ErrorCode extracts the code from an orchestration error, or "".
func ErrorCode(err error) string {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Code
	}
	var oe *Error
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// IsCode reports whether err carries the given orchestration error code.
func IsCode(err error, code string) bool { return ErrorCode(err) == code }
