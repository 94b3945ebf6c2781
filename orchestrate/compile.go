package orchestrate

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/hivekit/swarm-go/agent"
	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/sendable"
)

// Standard channel IDs shared by every compiled graph.
const (
	// ChannelCurrent carries the flow value between steps.
	ChannelCurrent = "current"

	// ChannelMetadata accumulates per-step facts (multi-writer).
	ChannelMetadata = "metadata"

	// ChannelBranchResults collects parallel branch records
	// (multi-writer).
	ChannelBranchResults = "branch_results"

	// ChannelTelemetry accumulates wall-clock facts (durations, start
	// times). Ephemeral: time is observability, never state, so replayed
	// runs hash identically.
	ChannelTelemetry = "telemetry"
)

// Metrics describes a compiled graph for scheduling decisions.
type Metrics struct {
	// NodeCount is the total number of compiled nodes.
	NodeCount int

	// MaxParallelism is the widest concurrent frontier the graph can
	// produce; use it to size the scheduler's worker budget.
	MaxParallelism int

	// RecommendedMaxSteps is a superstep budget that lets every step
	// complete: loops contribute 2*maxIterations+1, DAGs nodes+1,
	// parallel fragments 3.
	RecommendedMaxSteps int
}

// CompiledGraph pairs an executable graph with its metrics.
type CompiledGraph struct {
	Graph   *hive.Graph
	Metrics Metrics
}

// Compile lowers an orchestration (a step list, run sequentially) into an
// executable graph. Validation failures — empty compositions, duplicate DAG
// nodes, unknown dependencies, cycles — surface here, never at run time.
func Compile(steps []Step) (*CompiledGraph, error) {
	if len(steps) == 0 {
		return nil, &ValidationError{Code: CodeEmptyGraph, Message: "orchestration has no steps"}
	}

	c := newCompiler()
	frag, err := (&sequentialStep{steps: steps}).compile(c)
	if err != nil {
		return nil, err
	}

	schema, err := hive.NewSchema(c.specs...)
	if err != nil {
		return nil, err
	}

	builder := hive.NewGraphBuilder(schema)
	for _, id := range c.order {
		builder.AddNode(id, c.nodes[id])
	}
	for _, edge := range c.edges {
		builder.AddEdge(edge[0], edge[1])
	}
	for node, parents := range c.joins {
		builder.AddJoin(node, parents...)
	}
	builder.SetStart(frag.entry...)
	builder.SetProjection(ChannelCurrent, ChannelMetadata, ChannelTelemetry)
	builder.SetVersion(c.versionTag())
	builder.SetInputWriter(func(input sendable.Value) []hive.Write {
		return []hive.Write{{
			Channel:  ChannelCurrent,
			Value:    valueToString(input),
			Producer: "__input",
		}}
	})

	graph, err := builder.Build()
	if err != nil {
		return nil, err
	}
	return &CompiledGraph{
		Graph: graph,
		Metrics: Metrics{
			NodeCount:           len(c.order),
			MaxParallelism:      frag.maxParallelism,
			RecommendedMaxSteps: frag.budget + 2,
		},
	}, nil
}

// compiler accumulates graph parts while step fragments compile.
type compiler struct {
	nodes   map[string]hive.NodeBody
	order   []string
	edges   [][2]string
	joins   map[string][]string
	specs   []hive.ChannelSpec
	fragSeq int
}

func newCompiler() *compiler {
	c := &compiler{
		nodes: make(map[string]hive.NodeBody),
		joins: make(map[string][]string),
	}
	c.specs = append(c.specs,
		hive.ChannelSpec{
			ID:    ChannelCurrent,
			Codec: hive.JSONCodec[string]("string"),
		},
		hive.ChannelSpec{
			ID:      ChannelMetadata,
			Policy:  hive.UpdateMulti,
			Reducer: hive.MergeDictReducer(),
			Initial: func() any { return map[string]any{} },
			Codec:   hive.JSONCodec[map[string]any]("dict"),
		},
		hive.ChannelSpec{
			ID:      ChannelBranchResults,
			Policy:  hive.UpdateMulti,
			Reducer: hive.AppendReducer[BranchRecord](),
			Initial: func() any { return []BranchRecord(nil) },
			Codec:   hive.JSONCodec[[]BranchRecord]("branch_results"),
		},
		hive.ChannelSpec{
			ID:          ChannelTelemetry,
			Policy:      hive.UpdateMulti,
			Persistence: hive.PersistEphemeral,
			Reducer:     hive.MergeDictReducer(),
			Initial:     func() any { return map[string]any{} },
		},
	)
	return c
}

// fragID allocates a fragment prefix. The zero-padded sequence keeps node
// IDs lexicographically aligned with declaration order, which in turn keeps
// multi-channel reducer ordering intuitive.
func (c *compiler) fragID(kind string) string {
	id := fmt.Sprintf("s%03d_%s", c.fragSeq, kind)
	c.fragSeq++
	return id
}

func (c *compiler) addNode(id string, body hive.NodeBody) {
	c.nodes[id] = body
	c.order = append(c.order, id)
}

func (c *compiler) addEdge(from, to string) {
	c.edges = append(c.edges, [2]string{from, to})
}

func (c *compiler) addJoin(node string, parents ...string) {
	c.joins[node] = append(c.joins[node], parents...)
}

func (c *compiler) addChannel(spec hive.ChannelSpec) {
	c.specs = append(c.specs, spec)
}

// versionTag derives a deterministic graph version from the compiled
// topology, so checkpoints refuse to restore into a different shape.
func (c *compiler) versionTag() string {
	h := sha256.New()
	ids := append([]string{}, c.order...)
	sort.Strings(ids)
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	for _, edge := range c.edges {
		h.Write([]byte(edge[0] + ">" + edge[1]))
		h.Write([]byte{0})
	}
	return "wf-" + hex.EncodeToString(h.Sum(nil))[:12]
}

// addAgentChannels declares one agent node's channels: its canonical
// message history, its token telemetry accumulator, and the ephemeral
// derived LLM input.
func (c *compiler) addAgentChannels(nodeID string) (msgCh, tokCh, llmCh string) {
	msgCh = "messages:" + nodeID
	tokCh = "tokens:" + nodeID
	llmCh = "llm_input:" + nodeID
	c.addChannel(hive.ChannelSpec{
		ID:      msgCh,
		Reducer: historyReducer,
		Initial: func() any { return []model.Message(nil) },
		Codec:   hive.JSONCodec[[]model.Message]("messages"),
	})
	c.addChannel(hive.ChannelSpec{
		ID:      tokCh,
		Reducer: hive.SumReducer(),
		Initial: func() any { return int64(0) },
		Codec:   hive.JSONCodec[int64]("int"),
	})
	c.addChannel(hive.ChannelSpec{
		ID:          llmCh,
		Persistence: hive.PersistEphemeral,
		Initial:     func() any { return []model.Message(nil) },
	})
	return msgCh, tokCh, llmCh
}

// historyReducer adapts agent.ReduceHistory to the channel reducer shape.
func historyReducer(current, update any) (any, error) {
	var cur []model.Message
	if current != nil {
		typed, ok := current.([]model.Message)
		if !ok {
			return nil, fmt.Errorf("messages reducer: current is %T", current)
		}
		cur = typed
	}
	upd, ok := update.([]model.Message)
	if !ok {
		return nil, fmt.Errorf("messages reducer: update is %T", update)
	}
	return agent.ReduceHistory(cur, upd), nil
}

// nodeSlug normalizes a display name into a node ID segment.
func nodeSlug(s string) string {
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
	out := strings.Trim(b.String(), "_")
	if out == "" {
		out = "node"
	}
	return out
}

// mdWrite builds a metadata channel write.
func mdWrite(producer string, facts map[string]any) hive.Write {
	return hive.Write{Channel: ChannelMetadata, Value: facts, Producer: producer}
}

// telemetryWrite builds an ephemeral telemetry channel write.
func telemetryWrite(producer string, facts map[string]any) hive.Write {
	return hive.Write{Channel: ChannelTelemetry, Value: facts, Producer: producer}
}

// currentOf reads the flow value.
func currentOf(in hive.NodeInput) (string, error) {
	return hive.GetTyped[string](in.State, ChannelCurrent)
}

// metadataOf reads the accumulated metadata.
func metadataOf(in hive.NodeInput) (map[string]any, error) {
	return hive.GetTyped[map[string]any](in.State, ChannelMetadata)
}

// ---- Sequential lowering ----

func (s *sequentialStep) compile(c *compiler) (fragment, error) {
	if len(s.steps) == 0 {
		return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: "sequential composition has no steps"}
	}
	var frags []fragment
	for _, step := range s.steps {
		frag, err := step.compile(c)
		if err != nil {
			return fragment{}, err
		}
		frags = append(frags, frag)
	}
	out := fragment{
		entry: frags[0].entry,
		exit:  frags[len(frags)-1].exit,
	}
	for i, frag := range frags {
		out.nodeCount += frag.nodeCount
		out.budget += frag.budget
		if frag.maxParallelism > out.maxParallelism {
			out.maxParallelism = frag.maxParallelism
		}
		if i == 0 {
			continue
		}
		for _, from := range frags[i-1].exit {
			for _, to := range frag.entry {
				c.addEdge(from, to)
			}
		}
	}
	return out, nil
}

// ---- AgentStep lowering ----

func (s *agentStep) compile(c *compiler) (fragment, error) {
	if s.agent == nil {
		return fragment{}, &ValidationError{Code: CodeEmptyGraph, Message: "agent step has no agent"}
	}
	display := s.name
	if display == "" {
		display = s.agent.Name
	}
	if display == "" {
		display = "agent"
	}
	id := c.fragID("agent_" + nodeSlug(display))
	msgCh, tokCh, llmCh := c.addAgentChannels(id)
	c.addNode(id, agentNodeBody(s.agent, display, id, msgCh, tokCh, llmCh))
	return fragment{entry: []string{id}, exit: []string{id}, nodeCount: 1, maxParallelism: 1, budget: 1}, nil
}
