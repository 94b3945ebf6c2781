package hive

import (
	"encoding/json"

	"github.com/hivekit/swarm-go/sendable"
)

// Interrupt payload kinds. The payload kind determines which resume payload
// variant a caller must supply.
const (
	InterruptKindHumanApproval = "human_approval_required"
	InterruptKindToolApproval  = "tool_approval_required"
)

// InterruptRequest is a structured pause point requested by a node. The
// scheduler checkpoints state, terminates the run as Interrupted, and
// surfaces the request to the caller, who later resumes with a typed
// payload.
type InterruptRequest struct {
	// ID uniquely identifies this interrupt. Resume must echo it.
	ID string

	// Payload describes what the caller must decide. Its "kind" entry is
	// one of the InterruptKind* constants.
	Payload sendable.Value
}

// Kind returns the payload's kind tag, or "".
func (r *InterruptRequest) Kind() string {
	kind, _ := r.Payload.Get("kind")
	return kind.StringOr("")
}

// HumanApprovalRequired builds the payload for a human gate: the prompt to
// show and the value flowing through the gate.
func HumanApprovalRequired(prompt string, currentOutput sendable.Value) sendable.Value {
	return sendable.Dict(map[string]sendable.Value{
		"kind":           sendable.String(InterruptKindHumanApproval),
		"prompt":         sendable.String(prompt),
		"current_output": currentOutput,
	})
}

// ToolApprovalRequired builds the payload for a tool gate: the calls the
// model wants to execute, each as {id, name, arguments}.
func ToolApprovalRequired(calls []sendable.Value) sendable.Value {
	return sendable.Dict(map[string]sendable.Value{
		"kind":       sendable.String(InterruptKindToolApproval),
		"tool_calls": sendable.Array(calls...),
	})
}

// ResumeKind identifies which interrupt variant a resume payload answers.
type ResumeKind string

const (
	// ResumeToolApproval answers a tool_approval_required interrupt.
	ResumeToolApproval ResumeKind = "tool_approval"

	// ResumeHumanApproval answers a human_approval_required interrupt.
	ResumeHumanApproval ResumeKind = "human_approval"
)

// ApprovalDecision is the caller's verdict on a tool approval gate.
type ApprovalDecision string

const (
	DecisionApproved  ApprovalDecision = "approved"
	DecisionCancelled ApprovalDecision = "cancelled"
)

// HumanResponseKind is the caller's verdict on a human approval gate.
type HumanResponseKind string

const (
	HumanApproved HumanResponseKind = "approved"
	HumanModified HumanResponseKind = "modified"
	HumanRejected HumanResponseKind = "rejected"
)

// HumanResponse carries a human approval verdict. Modified responses carry
// the replacement value; rejected responses carry the reason.
type HumanResponse struct {
	Kind   HumanResponseKind
	Value  sendable.Value
	Reason string
}

// ResumePayload is the typed payload supplied when resuming an interrupted
// thread. Exactly one variant is populated, selected by Kind.
type ResumePayload struct {
	Kind     ResumeKind
	Decision ApprovalDecision
	Response *HumanResponse
}

// ToolApprovalPayload builds a resume payload for a tool approval gate.
func ToolApprovalPayload(decision ApprovalDecision) *ResumePayload {
	return &ResumePayload{Kind: ResumeToolApproval, Decision: decision}
}

// HumanApprovalPayload builds a resume payload for a human approval gate.
func HumanApprovalPayload(response HumanResponse) *ResumePayload {
	r := response
	return &ResumePayload{Kind: ResumeHumanApproval, Response: &r}
}

// matchesInterrupt reports whether the payload variant answers the given
// interrupt payload kind.
func (p *ResumePayload) matchesInterrupt(interruptKind string) bool {
	switch p.Kind {
	case ResumeToolApproval:
		return interruptKind == InterruptKindToolApproval
	case ResumeHumanApproval:
		return interruptKind == InterruptKindHumanApproval
	default:
		return false
	}
}

// runtimeState is the scheduler bookkeeping persisted in the reserved
// runtime channel so a checkpoint is self-contained: the frontier to run
// next, the join parents already fired, and the pending interrupt if any.
type runtimeState struct {
	Frontier  []string          `json:"frontier"`
	Fired     []string          `json:"fired,omitempty"`
	StepIndex int               `json:"step_index"`
	Pending   *pendingInterrupt `json:"pending,omitempty"`
}

// pendingInterrupt records an interrupt awaiting a resume payload.
type pendingInterrupt struct {
	ID      string          `json:"id"`
	Node    string          `json:"node"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (p *pendingInterrupt) request() (*InterruptRequest, error) {
	payload, err := sendable.DecodeCanonical(p.Payload)
	if err != nil {
		return nil, err
	}
	return &InterruptRequest{ID: p.ID, Payload: payload}, nil
}

func pendingFromRequest(node string, req *InterruptRequest) (*pendingInterrupt, error) {
	data, err := req.Payload.EncodeCanonical()
	if err != nil {
		return nil, err
	}
	return &pendingInterrupt{
		ID:      req.ID,
		Node:    node,
		Kind:    req.Kind(),
		Payload: data,
	}, nil
}
