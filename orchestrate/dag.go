package orchestrate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hivekit/swarm-go/hive"
)

func (s *dagStep) compile(c *compiler) (fragment, error) {
	order, levels, err := validateDAG(s.nodes)
	if err != nil {
		return fragment{}, err
	}

	fragID := c.fragID("dag")
	nodeID := func(name string) string { return fragID + "_" + nodeSlug(name) }
	outCh := func(name string) string { return "dag:" + fragID + ":" + name }

	byName := make(map[string]DAGNode, len(s.nodes))
	for _, n := range s.nodes {
		byName[n.Name] = n
	}

	var entries []string
	hasDownstream := make(map[string]bool)
	for _, n := range s.nodes {
		for _, dep := range n.DependsOn {
			hasDownstream[dep] = true
		}
	}

	for _, n := range s.nodes {
		id := nodeID(n.Name)
		channel := outCh(n.Name)
		c.addChannel(hive.ChannelSpec{
			ID:    channel,
			Codec: hive.JSONCodec[string]("string"),
		})
		msgCh, _, _ := c.addAgentChannels(id)
		c.addNode(id, dagNodeBody(n, id, channel, msgCh, outCh))

		if len(n.DependsOn) == 0 {
			entries = append(entries, id)
			continue
		}
		deps := make([]string, len(n.DependsOn))
		for i, dep := range n.DependsOn {
			deps[i] = nodeID(dep)
			c.addEdge(nodeID(dep), id)
		}
		c.addJoin(id, deps...)
	}

	// Leaves feed a synthetic finalizer whose output is the last leaf in
	// topological order.
	var leaves []string
	for _, n := range s.nodes {
		if !hasDownstream[n.Name] {
			leaves = append(leaves, n.Name)
		}
	}
	finalLeaf := leaves[0]
	for _, name := range order {
		for _, leaf := range leaves {
			if name == leaf {
				finalLeaf = leaf
			}
		}
	}

	finalizerID := fragID + "_finalizer"
	finalChannel := outCh(finalLeaf)
	c.addNode(finalizerID, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		output, err := hive.GetTyped[string](in.State, finalChannel)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		return hive.NodeOutput{
			Writes: []hive.Write{{Channel: ChannelCurrent, Value: output, Producer: finalizerID}},
		}, nil
	})
	leafIDs := make([]string, len(leaves))
	for i, leaf := range leaves {
		leafIDs[i] = nodeID(leaf)
		c.addEdge(nodeID(leaf), finalizerID)
	}
	c.addJoin(finalizerID, leafIDs...)

	// Maximum antichain width approximated by the widest Kahn level:
	// nodes in one level share no dependency path and can run together.
	maxPar := 1
	for _, level := range levels {
		if len(level) > maxPar {
			maxPar = len(level)
		}
	}

	sort.Strings(entries)
	return fragment{
		entry:          entries,
		exit:           []string{finalizerID},
		nodeCount:      len(s.nodes) + 1,
		maxParallelism: maxPar,
		budget:         len(s.nodes) + 1,
	}, nil
}

// dagNodeBody runs one DAG node's agent. Roots receive the fragment input;
// dependent nodes receive their dependencies' outputs joined by newlines in
// declared order.
func dagNodeBody(n DAGNode, id, channel, msgCh string, outCh func(string) string) hive.NodeBody {
	deps := append([]string{}, n.DependsOn...)
	return func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		var input string
		if len(deps) == 0 {
			current, err := currentOf(in)
			if err != nil {
				return hive.NodeOutput{}, err
			}
			input = current
		} else {
			parts := make([]string, len(deps))
			for i, dep := range deps {
				v, err := hive.GetTyped[string](in.State, outCh(dep))
				if err != nil {
					return hive.NodeOutput{}, err
				}
				parts[i] = v
			}
			input = strings.Join(parts, "\n")
		}

		result, interrupted, err := invokeAgent(ctx, in, n.Agent, input, id, msgCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		if interrupted != nil {
			return *interrupted, nil
		}
		return hive.NodeOutput{
			Writes: []hive.Write{
				{Channel: channel, Value: result.Output, Producer: id},
				{Channel: msgCh, Value: result.Messages, Producer: id},
			},
		}, nil
	}
}

// validateDAG checks the construction rules and returns a topological order
// plus the Kahn frontier levels: non-empty, unique names, known
// dependencies, no cycles.
func validateDAG(nodes []DAGNode) (order []string, levels [][]string, err error) {
	if len(nodes) == 0 {
		return nil, nil, &ValidationError{Code: CodeEmptyGraph, Message: "dag has no nodes"}
	}

	available := make([]string, 0, len(nodes))
	seen := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		if seen[n.Name] {
			return nil, nil, &ValidationError{
				Code:    CodeDuplicateNode,
				Node:    n.Name,
				Message: fmt.Sprintf("duplicate dag node %q", n.Name),
			}
		}
		seen[n.Name] = true
		available = append(available, n.Name)
	}

	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string)
	for _, n := range nodes {
		indegree[n.Name] += 0
		for _, dep := range n.DependsOn {
			if !seen[dep] {
				return nil, nil, &ValidationError{
					Code:      CodeUnknownDependency,
					Node:      n.Name,
					Dep:       dep,
					Available: available,
				}
			}
			indegree[n.Name]++
			dependents[dep] = append(dependents[dep], n.Name)
		}
	}

	// Kahn's algorithm, level by level; leftover nodes are a cycle.
	var frontier []string
	for _, n := range nodes {
		if indegree[n.Name] == 0 {
			frontier = append(frontier, n.Name)
		}
	}
	sort.Strings(frontier)

	processed := 0
	for len(frontier) > 0 {
		levels = append(levels, frontier)
		var next []string
		for _, name := range frontier {
			order = append(order, name)
			processed++
			for _, dependent := range dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	if processed != len(nodes) {
		var cycle []string
		for name, deg := range indegree {
			if deg > 0 {
				cycle = append(cycle, name)
			}
		}
		sort.Strings(cycle)
		return nil, nil, &ValidationError{Code: CodeCycleDetected, Nodes: cycle}
	}
	return order, levels, nil
}
