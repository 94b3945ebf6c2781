package agent

import (
	"strings"
	"unicode"

	"github.com/hivekit/swarm-go/tool"
)

// handoffPrefix names the synthetic tools that surface handoffs to the
// model.
const handoffPrefix = "handoff_to_"

// Handoff is a configured edge from this agent to another, selected at
// runtime when the model calls the synthetic handoff_to_<target> tool.
type Handoff struct {
	// Target is the agent to hand off to. Required.
	Target *Agent

	// InputFilter transforms the input before the target runs. Nil
	// passes the current input through.
	InputFilter func(input string) string

	// Enabled gates whether the handoff is offered to the model. Nil
	// means always enabled.
	Enabled func() bool

	// OnHandoff is invoked when the handoff fires.
	OnHandoff func(from, to *Agent)
}

// HandoffToolName returns the synthetic tool name for a target agent:
// "handoff_to_" + snake_case(name).
func HandoffToolName(target string) string {
	return handoffPrefix + snakeCase(target)
}

// snakeCase lowercases and underscores an agent name: "Code Reviewer" and
// "codeReviewer" both become "code_reviewer".
func snakeCase(s string) string {
	var b strings.Builder
	prevUnderscore := true
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			if !prevUnderscore {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			prevUnderscore = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevUnderscore = false
		default:
			if !prevUnderscore {
				b.WriteByte('_')
			}
			prevUnderscore = true
		}
	}
	return strings.Trim(b.String(), "_")
}

// enabledHandoffs returns the handoffs currently offered to the model.
func (a *Agent) enabledHandoffs() []Handoff {
	var out []Handoff
	for _, h := range a.Handoffs {
		if h.Target == nil {
			continue
		}
		if h.Enabled != nil && !h.Enabled() {
			continue
		}
		out = append(out, h)
	}
	return out
}

// handoffSchemas synthesizes one tool schema per enabled handoff, keeping
// the LLM surface uniform: a handoff looks like any other tool call.
func (a *Agent) handoffSchemas() []tool.Schema {
	handoffs := a.enabledHandoffs()
	schemas := make([]tool.Schema, 0, len(handoffs))
	for _, h := range handoffs {
		schemas = append(schemas, tool.Schema{
			Name:        HandoffToolName(h.Target.Name),
			Description: "Hand the conversation off to the " + h.Target.Name + " agent.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"input": map[string]any{
						"type":        "string",
						"description": "Input to pass to the target agent. Defaults to the current input.",
					},
				},
			},
		})
	}
	return schemas
}

// matchHandoff finds the handoff answering a tool call name, if any.
func (a *Agent) matchHandoff(callName string) *Handoff {
	if !strings.HasPrefix(callName, handoffPrefix) {
		return nil
	}
	for i := range a.Handoffs {
		h := &a.Handoffs[i]
		if h.Target == nil {
			continue
		}
		if h.Enabled != nil && !h.Enabled() {
			continue
		}
		if HandoffToolName(h.Target.Name) == callName {
			return h
		}
	}
	return nil
}
