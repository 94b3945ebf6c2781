package hive

import (
	"context"
	"fmt"
	"sort"

	"github.com/hivekit/swarm-go/sendable"
)

// NodeInput is what a node body receives: read access to the state version
// committed at the end of the previous superstep, plus its identity.
type NodeInput struct {
	// ThreadID identifies the orchestration instance.
	ThreadID string

	// RunID identifies the current run.
	RunID string

	// TaskID identifies this scheduled execution of the node. Stable
	// across replays of the same superstep.
	TaskID string

	// Step is the current superstep index.
	Step int

	// State is the consistent snapshot this node reads. Writers within a
	// superstep never observe each other's writes.
	State *State

	// Resume carries the typed payload when this node is re-executed
	// after an interrupt. Nil on ordinary executions.
	Resume *ResumePayload
}

// Next directs the scheduler after a node completes. The zero value follows
// the graph's static edges.
type Next struct {
	nodes    []string
	explicit bool
}

// FollowEdges routes along the graph's static successor edges.
func FollowEdges() Next { return Next{} }

// Goto overrides static edges with an explicit successor list for this
// transition. Goto() with no nodes makes the node terminal.
func Goto(nodes ...string) Next { return Next{nodes: nodes, explicit: true} }

// Explicit reports whether the directive overrides static edges, and if so
// with which successors.
func (n Next) Explicit() ([]string, bool) { return n.nodes, n.explicit }

// NodeOutput is a node body's result: channel writes to commit, a routing
// directive, and optionally an interrupt request.
type NodeOutput struct {
	// Writes are the channel updates to commit at the end of the
	// superstep, in emission order.
	Writes []Write

	// Next routes execution. Zero value follows static edges.
	Next Next

	// Interrupt, when non-nil, pauses the run: state is checkpointed and
	// the run terminates as Interrupted carrying this request. Writes
	// emitted alongside an interrupt are committed before the pause.
	Interrupt *InterruptRequest
}

// NodeBody is the async function a node runs. Bodies must be pure with
// respect to their declared reads: all effects are channel writes or calls
// to collaborator interfaces, and they must honor ctx cancellation.
type NodeBody func(ctx context.Context, in NodeInput) (NodeOutput, error)

// Node is one executable unit in a compiled graph.
type Node struct {
	ID   string
	Body NodeBody
}

// Graph is an immutable compiled graph: node bodies, static edges, join
// edges, the start frontier, and the output projection.
type Graph struct {
	schema      *Schema
	nodes       map[string]*Node
	edges       map[string][]string
	joins       map[string][]string
	start       []string
	projection  []string // nil = full store
	inputWrites func(input sendable.Value) []Write
	version     string
}

// GraphBuilder assembles a Graph. Not safe for concurrent use; call
// Build once and share the resulting Graph freely.
type GraphBuilder struct {
	schema      *Schema
	nodes       map[string]*Node
	edges       map[string][]string
	joins       map[string][]string
	start       []string
	projection  []string
	inputWrites func(input sendable.Value) []Write
	version     string
	err         error
}

// NewGraphBuilder starts building a graph over the given channel schema.
func NewGraphBuilder(schema *Schema) *GraphBuilder {
	return &GraphBuilder{
		schema: schema,
		nodes:  make(map[string]*Node),
		edges:  make(map[string][]string),
		joins:  make(map[string][]string),
	}
}

// AddNode registers a node. Duplicate IDs fail the eventual Build.
func (b *GraphBuilder) AddNode(id string, body NodeBody) *GraphBuilder {
	if b.err != nil {
		return b
	}
	if id == "" || body == nil {
		b.err = &SchedulerError{Code: CodeNodeNotFound, Message: "node ID and body are required"}
		return b
	}
	if _, exists := b.nodes[id]; exists {
		b.err = &SchedulerError{Code: CodeNodeNotFound, Node: id, Message: "duplicate node ID"}
		return b
	}
	b.nodes[id] = &Node{ID: id, Body: body}
	return b
}

// AddEdge adds an unconditional static edge from -> to.
func (b *GraphBuilder) AddEdge(from, to string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.edges[from] = append(b.edges[from], to)
	return b
}

// AddJoin declares that node fires only after all parents have executed in
// the run's history. Join parents are in addition to whatever routing
// points at the node.
func (b *GraphBuilder) AddJoin(node string, parents ...string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.joins[node] = append(b.joins[node], parents...)
	return b
}

// SetStart declares the superstep-0 frontier.
func (b *GraphBuilder) SetStart(nodes ...string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.start = append([]string{}, nodes...)
	return b
}

// SetProjection restricts the run outcome to the named channels. Without a
// projection the outcome carries the full store.
func (b *GraphBuilder) SetProjection(channels ...string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.projection = append([]string{}, channels...)
	return b
}

// SetInputWriter installs the function that seeds the store from the run's
// input value at superstep 0.
func (b *GraphBuilder) SetInputWriter(fn func(input sendable.Value) []Write) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.inputWrites = fn
	return b
}

// SetVersion tags the compiled graph. Checkpoints record the tag and
// restores refuse a mismatched graph.
func (b *GraphBuilder) SetVersion(version string) *GraphBuilder {
	if b.err != nil {
		return b
	}
	b.version = version
	return b
}

// Build validates and freezes the graph.
func (b *GraphBuilder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, b.err
	}
	if len(b.start) == 0 {
		return nil, &SchedulerError{Code: CodeNoStartNodes, Message: "graph has no start nodes"}
	}
	check := func(id string) error {
		if _, ok := b.nodes[id]; !ok {
			return &SchedulerError{Code: CodeNodeNotFound, Node: id, Message: "graph references unknown node"}
		}
		return nil
	}
	for _, id := range b.start {
		if err := check(id); err != nil {
			return nil, err
		}
	}
	for from, tos := range b.edges {
		if err := check(from); err != nil {
			return nil, err
		}
		for _, to := range tos {
			if err := check(to); err != nil {
				return nil, err
			}
		}
	}
	for node, parents := range b.joins {
		if err := check(node); err != nil {
			return nil, err
		}
		for _, p := range parents {
			if err := check(p); err != nil {
				return nil, err
			}
		}
	}
	version := b.version
	if version == "" {
		version = fmt.Sprintf("graph-%d", len(b.nodes))
	}
	return &Graph{
		schema:      b.schema,
		nodes:       b.nodes,
		edges:       b.edges,
		joins:       b.joins,
		start:       b.start,
		projection:  b.projection,
		inputWrites: b.inputWrites,
		version:     version,
	}, nil
}

// Schema returns the channel schema the graph runs against.
func (g *Graph) Schema() *Schema { return g.schema }

// Version returns the graph version tag recorded in checkpoints.
func (g *Graph) Version() string { return g.version }

// NodeIDs returns all node IDs in sorted order.
func (g *Graph) NodeIDs() []string {
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Successors returns the static successors of a node.
func (g *Graph) Successors(id string) []string {
	out := make([]string, len(g.edges[id]))
	copy(out, g.edges[id])
	return out
}

// JoinParents returns the join-edge parents of a node, or nil.
func (g *Graph) JoinParents(id string) []string {
	out := make([]string, len(g.joins[id]))
	copy(out, g.joins[id])
	return out
}

// Start returns the superstep-0 frontier.
func (g *Graph) Start() []string {
	out := make([]string, len(g.start))
	copy(out, g.start)
	return out
}
