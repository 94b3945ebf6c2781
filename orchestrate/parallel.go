package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/tool"
)

// BranchRecord is one parallel branch's result, collected on the
// branch-results channel and merged after all branches complete.
type BranchRecord struct {
	GroupID     string            `json:"group_id"`
	BranchIndex int               `json:"branch_index"`
	BranchName  string            `json:"branch_name"`
	Output      string            `json:"output"`
	ToolCalls   []tool.Call       `json:"tool_calls,omitempty"`
	ToolResults []tool.CallResult `json:"tool_results,omitempty"`
	Iterations  int               `json:"iteration_count"`
	Metadata    map[string]any    `json:"metadata,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func (s *parallelStep) compile(c *compiler) (fragment, error) {
	if len(s.items) == 0 {
		return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: "parallel group has no branches"}
	}
	for _, item := range s.items {
		if item.Agent == nil {
			return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: fmt.Sprintf("parallel branch %q has no agent", item.Name)}
		}
	}

	groupID := c.fragID("parallel")
	dispatchID := groupID + "_dispatch"
	mergeID := groupID + "_merge"

	c.addNode(dispatchID, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		return hive.NodeOutput{}, nil
	})

	branchIDs := make([]string, len(s.items))
	for i, item := range s.items {
		branchID := fmt.Sprintf("%s_branch_%02d_%s", groupID, i, nodeSlug(item.Name))
		branchIDs[i] = branchID
		msgCh, _, _ := c.addAgentChannels(branchID)
		c.addNode(branchID, branchBody(item, groupID, branchID, msgCh, i, s.errorHandling))
		c.addEdge(dispatchID, branchID)
		c.addEdge(branchID, mergeID)
	}

	merge := s.merge
	handling := s.errorHandling
	c.addNode(mergeID, mergeBody(groupID, mergeID, merge, handling))
	c.addJoin(mergeID, branchIDs...)

	maxPar := len(s.items)
	if s.maxConcurrency > 0 && s.maxConcurrency < maxPar {
		maxPar = s.maxConcurrency
	}
	return fragment{
		entry:          []string{dispatchID},
		exit:           []string{mergeID},
		nodeCount:      2 + len(s.items),
		maxParallelism: maxPar,
		budget:         3,
	}, nil
}

// branchBody runs one branch agent and records its outcome. Under FailFast
// a branch failure propagates; otherwise it becomes a record with Error set
// and no output.
func branchBody(item NamedAgent, groupID, branchID, msgCh string, index int, handling ErrorHandling) hive.NodeBody {
	return func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		result, interrupted, err := invokeAgent(ctx, in, item.Agent, input, branchID, msgCh)
		if err != nil {
			if handling == FailFast {
				return hive.NodeOutput{}, err
			}
			record := BranchRecord{
				GroupID:     groupID,
				BranchIndex: index,
				BranchName:  item.Name,
				Error:       err.Error(),
			}
			return hive.NodeOutput{
				Writes: []hive.Write{{Channel: ChannelBranchResults, Value: record, Producer: branchID}},
			}, nil
		}
		if interrupted != nil {
			return *interrupted, nil
		}

		record := BranchRecord{
			GroupID:     groupID,
			BranchIndex: index,
			BranchName:  item.Name,
			Output:      result.Output,
			ToolCalls:   result.ToolCalls,
			ToolResults: result.ToolResults,
			Iterations:  result.IterationCount,
			Metadata:    result.Metadata,
		}
		out := hive.NodeOutput{
			Writes: []hive.Write{
				{Channel: ChannelBranchResults, Value: record, Producer: branchID},
				{Channel: msgCh, Value: result.Messages, Producer: branchID},
				telemetryWrite(branchID, map[string]any{
					"parallel.branch." + item.Name + ".duration_ms": result.Duration.Milliseconds(),
				}),
			},
		}
		return out, nil
	}
}

// mergeBody reads the group's records, sorts by branch index, applies the
// merge strategy, and publishes the merged output plus group metadata.
func mergeBody(groupID, mergeID string, merge MergeStrategy, handling ErrorHandling) hive.NodeBody {
	return func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		all, err := hive.GetTyped[[]BranchRecord](in.State, ChannelBranchResults)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		var records []BranchRecord
		for _, r := range all {
			if r.GroupID == groupID {
				records = append(records, r)
			}
		}
		sort.Slice(records, func(i, j int) bool { return records[i].BranchIndex < records[j].BranchIndex })

		var succeeded []BranchRecord
		var failures []string
		for _, r := range records {
			if r.Error != "" {
				failures = append(failures, fmt.Sprintf("%s: %s", r.BranchName, r.Error))
				continue
			}
			succeeded = append(succeeded, r)
		}
		if len(succeeded) == 0 {
			return hive.NodeOutput{}, &Error{
				Code:    CodeAllAgentsFailed,
				Message: fmt.Sprintf("all %d parallel branches failed", len(records)),
				Errors:  failures,
			}
		}

		merged, err := applyMerge(merge, succeeded)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		facts := map[string]any{
			"parallel.agent_count":   len(records),
			"parallel.success_count": len(succeeded),
			"parallel.failure_count": len(failures),
		}
		if handling == CollectErrors && len(failures) > 0 {
			facts["parallel.errors"] = failures
		}

		return hive.NodeOutput{
			Writes: []hive.Write{
				{Channel: ChannelCurrent, Value: merged, Producer: mergeID},
				mdWrite(mergeID, facts),
			},
		}, nil
	}
}

func applyMerge(merge MergeStrategy, records []BranchRecord) (string, error) {
	switch merge.kind {
	case "first":
		return records[0].Output, nil
	case "longest":
		longest := records[0].Output
		for _, r := range records[1:] {
			if len(r.Output) > len(longest) {
				longest = r.Output
			}
		}
		return longest, nil
	case "structured":
		var b strings.Builder
		for i, r := range records {
			if i > 0 {
				b.WriteString("\n\n")
			}
			fmt.Fprintf(&b, "## %s\n\n%s", r.BranchName, r.Output)
		}
		return b.String(), nil
	case "custom":
		if merge.custom == nil {
			return "", &Error{Code: CodeUnsupportedStep, Message: "custom merge strategy has no function"}
		}
		return merge.custom(records)
	default: // concatenate
		outputs := make([]string, len(records))
		for i, r := range records {
			outputs[i] = r.Output
		}
		return strings.Join(outputs, "\n\n"), nil
	}
}
