package orchestrate

import (
	"context"
	"fmt"
	"time"

	"github.com/hivekit/swarm-go/hive"
)

func (s *routerStep) compile(c *compiler) (fragment, error) {
	if len(s.routes) == 0 && s.fallback == nil {
		return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: "router has no routes"}
	}

	fragID := c.fragID("router")
	evalID := fragID + "_eval"
	convergeID := fragID + "_converge"
	routeCh := "router:" + fragID + ":route"
	startCh := "router:" + fragID + ":start"

	c.addChannel(hive.ChannelSpec{ID: routeCh, Codec: hive.JSONCodec[string]("string")})
	// Start timestamps are wall-clock, so the channel is ephemeral: time
	// is observability, never replayable state.
	c.addChannel(hive.ChannelSpec{
		ID:          startCh,
		Persistence: hive.PersistEphemeral,
		Initial:     func() any { return int64(0) },
	})

	// Compile every route fragment; each one feeds converge.
	type compiledRoute struct {
		name  string
		when  func(input string, metadata map[string]any) bool
		entry []string
	}
	var compiled []compiledRoute
	maxPar := 1
	budget := 2
	nodeCount := 2

	addBranch := func(name string, when func(string, map[string]any) bool, step Step) error {
		frag, err := step.compile(c)
		if err != nil {
			return err
		}
		for _, exit := range frag.exit {
			c.addEdge(exit, convergeID)
		}
		compiled = append(compiled, compiledRoute{name: name, when: when, entry: frag.entry})
		nodeCount += frag.nodeCount
		if frag.maxParallelism > maxPar {
			maxPar = frag.maxParallelism
		}
		if frag.budget+2 > budget {
			budget = frag.budget + 2
		}
		return nil
	}

	for _, route := range s.routes {
		if err := addBranch(route.Name, route.When, route.Step); err != nil {
			return fragment{}, err
		}
	}
	if s.fallback != nil {
		if err := addBranch("fallback", nil, s.fallback); err != nil {
			return fragment{}, err
		}
	}

	c.addNode(evalID, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		input, err := currentOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		md, err := metadataOf(in)
		if err != nil {
			return hive.NodeOutput{}, err
		}

		// First matching condition in declaration order wins; a nil
		// condition is the fallback and always matches.
		for _, route := range compiled {
			if route.when != nil && !route.when(input, md) {
				continue
			}
			return hive.NodeOutput{
				Writes: []hive.Write{
					{Channel: routeCh, Value: route.name, Producer: evalID},
					{Channel: startCh, Value: time.Now().UnixNano(), Producer: evalID},
				},
				Next: hive.Goto(route.entry...),
			}, nil
		}
		return hive.NodeOutput{}, &Error{
			Code:    CodeRoutingFailed,
			Message: fmt.Sprintf("no route matched input %q and no fallback is configured", input),
		}
	})

	c.addNode(convergeID, func(ctx context.Context, in hive.NodeInput) (hive.NodeOutput, error) {
		matched, err := hive.GetTyped[string](in.State, routeCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		started, err := hive.GetTyped[int64](in.State, startCh)
		if err != nil {
			return hive.NodeOutput{}, err
		}
		durationMS := int64(0)
		if started > 0 {
			durationMS = (time.Now().UnixNano() - started) / int64(time.Millisecond)
		}
		return hive.NodeOutput{
			Writes: []hive.Write{
				mdWrite(convergeID, map[string]any{
					"router.matched_route": matched,
				}),
				telemetryWrite(convergeID, map[string]any{
					"router.duration_ms": durationMS,
				}),
			},
		}, nil
	})

	return fragment{
		entry:          []string{evalID},
		exit:           []string{convergeID},
		nodeCount:      nodeCount,
		maxParallelism: maxPar,
		budget:         budget,
	}, nil
}
