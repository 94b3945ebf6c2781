package orchestrate

import (
	"context"
	"time"

	"github.com/hivekit/swarm-go/hive"
)

// Loop termination reasons recorded in metadata.
const (
	terminatedByMaxIterations = "max_iterations"
	terminatedByCondition     = "condition"
)

func (s *loopStep) compile(c *compiler) (fragment, error) {
	cond := s.cond
	decide := func(iter int64, input string) (bool, string) {
		switch cond.kind {
		case "until":
			if cond.pred(input) {
				return false, terminatedByCondition
			}
		case "while_true":
			if !cond.pred(input) {
				return false, terminatedByCondition
			}
		}
		if iter >= int64(cond.maxIterations) {
			return false, terminatedByMaxIterations
		}
		return true, ""
	}
	return compileLoop(c, s.body, cond.maxIterations, decide)
}

func (s *repeatWhileStep) compile(c *compiler) (fragment, error) {
	pred := s.pred
	maxIterations := s.maxIterations
	decide := func(iter int64, input string) (bool, string) {
		if iter >= int64(maxIterations) {
			return false, terminatedByMaxIterations
		}
		if pred != nil && !pred(input) {
			return false, terminatedByCondition
		}
		return true, ""
	}
	return compileLoop(c, s.body, maxIterations, decide)
}

// compileLoop lowers a loop: a cond node plus the body fragment, with
// body.exit wired back to cond. The cond node either routes to body.entry
// for another iteration or falls through the loop's static successors with
// termination metadata.
func compileLoop(c *compiler, body Step, maxIterations int, decide func(iter int64, input string) (bool, string)) (fragment, error) {
	if body == nil {
		return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: "loop has no body"}
	}

	fragID := c.fragID("loop")
	condID := fragID + "_cond"
	iterCh := "loop:" + fragID + ":iter"
	startCh := "loop:" + fragID + ":start"

	c.addChannel(hive.ChannelSpec{
		ID:      iterCh,
		Initial: func() any { return int64(0) },
		Codec:   hive.JSONCodec[int64]("int"),
	})
	// The start timestamp is wall-clock; keep it out of checkpointed
	// state so replays hash identically.
	c.addChannel(hive.ChannelSpec{
		ID:          startCh,
		Persistence: hive.PersistEphemeral,
		Initial:     func() any { return int64(0) },
	})

	bodyFrag, err := body.compile(c)
	if err != nil {
		return fragment{}, err
	}
	for _, exit := range bodyFrag.exit {
		c.addEdge(exit, condID)
	}

	bodyEntry := bodyFrag.entry
	c.addNode(condID, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		iter, err := hive.GetTyped[int64](in.State, iterCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		var writes []hive.Write
		if iter == 0 {
			writes = append(writes, hive.Write{Channel: startCh, Value: time.Now().UnixNano(), Producer: condID})
		}

		cont, terminatedBy := decide(iter, input)
		if cont {
			writes = append(writes, hive.Write{Channel: iterCh, Value: iter + 1, Producer: condID})
			return hive.NodeOutput{Writes: writes, Next: hive.Goto(bodyEntry...)}, nil
		}

		started, err := hive.GetTyped[int64](in.State, startCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		durationMS := int64(0)
		if started > 0 {
			durationMS = (time.Now().UnixNano() - started) / int64(time.Millisecond)
		}
		writes = append(writes,
			mdWrite(condID, map[string]any{
				"loop.iterations":    iter,
				"loop.terminated_by": terminatedBy,
			}),
			telemetryWrite(condID, map[string]any{
				"loop.duration_ms": durationMS,
			}))
		return hive.NodeOutput{Writes: writes}, nil
	})

	budget := 2*maxIterations + 1
	return fragment{
		entry:          []string{condID},
		exit:           []string{condID},
		nodeCount:      bodyFrag.nodeCount + 1,
		maxParallelism: bodyFrag.maxParallelism,
		budget:         budget,
	}, nil
}
