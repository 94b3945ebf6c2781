package orchestrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/sendable"
)

func (s *humanApprovalStep) compile(c *compiler) (fragment, error) {
	id := c.fragID("human_approval")
	prompt := s.prompt

	c.addNode(id, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		current, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		// First execution pauses the run; the scheduler snapshots state
		// and surfaces the interrupt.
		if in.Resume == nil || in.Resume.Kind != hive.ResumeHumanApproval {
			return hive.NodeOutput{
				Interrupt: &hive.InterruptRequest{
					ID:      approvalInterruptID(in.TaskID),
					Payload: hive.HumanApprovalRequired(prompt, sendable.String(current)),
				},
			}, nil
		}

		response := in.Resume.Response
		if response == nil {
			return hive.NodeOutput{}, &Error{
				Code:    CodeWorkflowInterrupted,
				Message: "human approval resume carried no response",
			}
		}
		switch response.Kind {
		case hive.HumanApproved:
			return hive.NodeOutput{
				Writes: []hive.Write{{Channel: ChannelCurrent, Value: current, Producer: id}},
			}, nil
		case hive.HumanModified:
			return hive.NodeOutput{
				Writes: []hive.Write{{Channel: ChannelCurrent, Value: valueToString(response.Value), Producer: id}},
			}, nil
		case hive.HumanRejected:
			return hive.NodeOutput{}, &Error{
				Code:    CodeHumanApprovalRejected,
				Message: fmt.Sprintf("human approval %q rejected: %s", prompt, response.Reason),
				Prompt:  prompt,
				Reason:  response.Reason,
			}
		default:
			return hive.NodeOutput{}, &Error{
				Code:    CodeWorkflowInterrupted,
				Message: fmt.Sprintf("unknown human approval response %q", response.Kind),
			}
		}
	})

	return fragment{entry: []string{id}, exit: []string{id}, nodeCount: 1, maxParallelism: 1, budget: 2}, nil
}

// approvalInterruptID derives a deterministic interrupt ID for a human
// gate from its task identity.
func approvalInterruptID(taskID string) string {
	sum := sha256.Sum256([]byte("HGATE1" + taskID))
	return "intr:" + hex.EncodeToString(sum[:])[:32]
}
