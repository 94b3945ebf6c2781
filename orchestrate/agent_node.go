package orchestrate

import (
	"context"
	"errors"

	"github.com/hivekit/swarm-go/agent"
	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
)

// invokeAgent runs one agent against the node's restored message history.
// An approval pause comes back as a ready-to-return NodeOutput carrying the
// interrupt request plus the message writes that make the pause resumable.
func invokeAgent(ctx context.Context, in hive.NodeInput, ag *agent.Agent, input, nodeID, msgCh string) (agent.Result, *hive.NodeOutput, error) {
	msgs, err := hive.GetTyped[[]model.Message](in.State, msgCh)
	if err != nil {
		return agent.Result{}, nil, err
	}

	result, err := ag.Run(ctx, agent.Request{
		Input:    input,
		TaskID:   in.TaskID,
		Messages: msgs,
		Resume:   in.Resume,
	})
	if err != nil {
		var paused *agent.Interrupted
		if errors.As(err, &paused) {
			out := hive.NodeOutput{
				Writes: []hive.Write{{
					Channel:  msgCh,
					Value:    paused.Messages,
					Producer: nodeID,
				}},
				Interrupt: &paused.Request,
			}
			return agent.Result{}, &out, nil
		}
		return agent.Result{}, nil, err
	}
	return result, nil, nil
}

// agentNodeBody is the compiled body for AgentStep: read the flow value,
// run the agent, publish output, transcript, token telemetry, the derived
// LLM input, and per-agent metadata.
func agentNodeBody(ag *agent.Agent, display, nodeID, msgCh, tokCh, llmCh string) hive.NodeBody {
	return func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		result, interrupted, err := invokeAgent(ctx, in, ag, input, nodeID, msgCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		if interrupted != nil {
			return *interrupted, nil
		}

		writes := []hive.Write{
			{Channel: ChannelCurrent, Value: result.Output, Producer: nodeID},
			{Channel: msgCh, Value: result.Messages, Producer: nodeID},
			{Channel: tokCh, Value: int64(result.TokensUsed), Producer: nodeID},
			{Channel: llmCh, Value: agent.BuildLLMInput(result.Messages, ag.Config.Memory), Producer: nodeID},
			mdWrite(nodeID, map[string]any{
				"agent." + display + ".iterations": result.IterationCount,
				"agent." + display + ".tool_calls": len(result.ToolCalls),
			}),
			telemetryWrite(nodeID, map[string]any{
				"agent." + display + ".duration_ms": result.Duration.Milliseconds(),
			}),
		}
		return hive.NodeOutput{Writes: writes}, nil
	}
}

// ---- Transform lowering ----

func (s *transformStep) compile(c *compiler) (fragment, error) {
	id := c.fragID("transform")
	fn := s.fn
	c.addNode(id, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		output, err := fn(input)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		return hive.NodeOutput{
			Writes: []hive.Write{{Channel: ChannelCurrent, Value: output, Producer: id}},
		}, nil
	})
	return fragment{entry: []string{id}, exit: []string{id}, nodeCount: 1, maxParallelism: 1, budget: 1}, nil
}

// ---- Guard lowering ----

func (s *guardStep) compile(c *compiler) (fragment, error) {
	id := c.fragID("guard_" + string(s.stage))
	stage := s.stage
	validators := s.validators
	c.addNode(id, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		var warnings []string
		for _, v := range validators {
			verdict := v.Validate(input)
			switch verdict.Kind {
			case VerdictTripwire:
				return hive.NodeOutput{}, &Error{
					Code:    CodeWorkflowInterrupted,
					Message: "guardrail " + v.Name + " tripped: " + verdict.Message,
					Reason:  verdict.Message,
				}
			case VerdictWarning:
				warnings = append(warnings, v.Name+": "+verdict.Message)
			}
		}
		out := hive.NodeOutput{}
		if len(warnings) > 0 {
			out.Writes = []hive.Write{mdWrite(id, map[string]any{
				"guard." + string(stage) + ".warnings": warnings,
			})}
		}
		return out, nil
	})
	return fragment{entry: []string{id}, exit: []string{id}, nodeCount: 1, maxParallelism: 1, budget: 1}, nil
}
