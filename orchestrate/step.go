// Package orchestrate compiles a declarative workflow DSL — sequential,
// parallel, DAG, routed, looped, and human-gated steps over agents — into
// executable hive graphs.
package orchestrate

import (
	"github.com/hivekit/swarm-go/agent"
	"github.com/hivekit/swarm-go/sendable"
)

// Step is one node of the orchestration DSL. The set of implementations is
// closed: the compiler enumerates every variant.
type Step interface {
	compile(c *compiler) (fragment, error)
}

// fragment is a compiled step: its entry and exit node IDs plus the
// bookkeeping the graph metrics aggregate.
type fragment struct {
	entry          []string
	exit           []string
	nodeCount      int
	maxParallelism int
	budget         int
}

// ---- AgentStep ----

type agentStep struct {
	agent *agent.Agent
	name  string
}

// AgentStep invokes one agent with the current flow value as input. The
// optional name overrides the agent's own name in node IDs and metadata.
func AgentStep(a *agent.Agent, name ...string) Step {
	s := &agentStep{agent: a}
	if len(name) > 0 {
		s.name = name[0]
	}
	return s
}

// ---- Sequential ----

type sequentialStep struct {
	steps []Step
}

// Sequential runs steps one after another, each receiving the previous
// step's output as input.
func Sequential(steps ...Step) Step {
	return &sequentialStep{steps: steps}
}

// ---- Parallel ----

// NamedAgent pairs a branch name with the agent that runs it.
type NamedAgent struct {
	Name  string
	Agent *agent.Agent
}

// MergeStrategy combines parallel branch outputs into one flow value.
type MergeStrategy struct {
	kind   string
	custom func(records []BranchRecord) (string, error)
}

// Concatenate joins branch outputs with blank lines, in branch order.
func Concatenate() MergeStrategy { return MergeStrategy{kind: "concatenate"} }

// First keeps the first successful branch's output.
func First() MergeStrategy { return MergeStrategy{kind: "first"} }

// Longest keeps the longest successful branch output.
func Longest() MergeStrategy { return MergeStrategy{kind: "longest"} }

// Structured renders each branch under a Markdown heading.
func Structured() MergeStrategy { return MergeStrategy{kind: "structured"} }

// CustomMerge applies fn to the ordered branch records.
func CustomMerge(fn func(records []BranchRecord) (string, error)) MergeStrategy {
	return MergeStrategy{kind: "custom", custom: fn}
}

// ErrorHandling selects how parallel branch failures propagate.
type ErrorHandling int

const (
	// FailFast propagates the first branch error immediately.
	FailFast ErrorHandling = iota

	// ContinueOnPartialFailure records failed branches and merges the
	// survivors.
	ContinueOnPartialFailure

	// CollectErrors records failures and surfaces them in metadata
	// alongside the merged survivors.
	CollectErrors
)

type parallelStep struct {
	items          []NamedAgent
	merge          MergeStrategy
	errorHandling  ErrorHandling
	maxConcurrency int
}

// ParallelOption tunes a Parallel step.
type ParallelOption func(*parallelStep)

// WithMerge sets the merge strategy. Default: Concatenate.
func WithMerge(m MergeStrategy) ParallelOption {
	return func(p *parallelStep) { p.merge = m }
}

// WithErrorHandling sets the branch failure policy. Default: FailFast.
func WithErrorHandling(h ErrorHandling) ParallelOption {
	return func(p *parallelStep) { p.errorHandling = h }
}

// WithMaxConcurrency caps the fragment's parallelism.
func WithMaxConcurrency(n int) ParallelOption {
	return func(p *parallelStep) { p.maxConcurrency = n }
}

// Parallel fans the current input out to every named agent, then merges
// their outputs.
func Parallel(items []NamedAgent, opts ...ParallelOption) Step {
	p := &parallelStep{items: items, merge: Concatenate()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ---- DAG ----

// DAGNode is one named node of a dependency graph.
type DAGNode struct {
	Name      string
	Agent     *agent.Agent
	DependsOn []string
}

// Node builds a DAGNode.
func Node(name string, a *agent.Agent, dependsOn ...string) DAGNode {
	return DAGNode{Name: name, Agent: a, DependsOn: dependsOn}
}

type dagStep struct {
	nodes []DAGNode
}

// DAG runs named agents under explicit dependencies: each node fires only
// after all of its dependencies have produced output, and receives their
// outputs joined by newlines as input.
func DAG(nodes ...DAGNode) Step {
	return &dagStep{nodes: nodes}
}

// ---- Router ----

// Route is one conditional branch of a Router.
type Route struct {
	// Name labels the route in metadata.
	Name string

	// When is evaluated against (input, metadata) in declaration order;
	// the first matching route wins.
	When func(input string, metadata map[string]any) bool

	// Step runs when the route matches.
	Step Step
}

type routerStep struct {
	routes   []Route
	fallback Step
}

// RouterOption tunes a Router step.
type RouterOption func(*routerStep)

// WithFallback runs the given step when no route condition matches.
// Without a fallback, an unmatched input fails with ROUTING_FAILED.
func WithFallback(s Step) RouterOption {
	return func(r *routerStep) { r.fallback = s }
}

// Router dispatches to the first route whose condition matches the current
// input.
func Router(routes []Route, opts ...RouterOption) Step {
	r := &routerStep{routes: routes}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ---- Loop / RepeatWhile ----

// predicateLoopFuse caps predicate-driven loops regardless of the
// predicate, as a safety fuse against conditions that never flip.
const predicateLoopFuse = 1000

// LoopCondition decides whether a loop runs another iteration.
type LoopCondition struct {
	kind          string
	maxIterations int
	pred          func(input string) bool
}

// MaxIterations runs the body exactly n times.
func MaxIterations(n int) LoopCondition {
	return LoopCondition{kind: "max_iterations", maxIterations: n}
}

// Until repeats the body until pred(input) is true, capped at 1000
// iterations.
func Until(pred func(input string) bool) LoopCondition {
	return LoopCondition{kind: "until", maxIterations: predicateLoopFuse, pred: pred}
}

// WhileTrue repeats the body while pred(input) is true, capped at 1000
// iterations.
func WhileTrue(pred func(input string) bool) LoopCondition {
	return LoopCondition{kind: "while_true", maxIterations: predicateLoopFuse, pred: pred}
}

type loopStep struct {
	body Step
	cond LoopCondition
}

// Loop repeats the body under the given condition.
func Loop(body Step, cond LoopCondition) Step {
	return &loopStep{body: body, cond: cond}
}

type repeatWhileStep struct {
	body          Step
	pred          func(input string) bool
	maxIterations int
}

// RepeatWhile repeats the body while pred(input) holds, bounded by
// maxIterations. Termination metadata records which bound fired.
func RepeatWhile(body Step, pred func(input string) bool, maxIterations int) Step {
	return &repeatWhileStep{body: body, pred: pred, maxIterations: maxIterations}
}

// ---- HumanApproval ----

type humanApprovalStep struct {
	prompt string
}

// HumanApproval pauses the run with a human_approval_required interrupt.
// Resuming with approval passes the current value through; a modified
// response replaces it; a rejection fails the run.
func HumanApproval(prompt string) Step {
	return &humanApprovalStep{prompt: prompt}
}

// ---- Transform ----

type transformStep struct {
	fn func(input string) (string, error)
}

// Transform applies a pure function to the flow value.
func Transform(fn func(input string) (string, error)) Step {
	return &transformStep{fn: fn}
}

// ---- Guard ----

// GuardStage labels which boundary a guard protects. Recorded in metadata.
type GuardStage string

const (
	GuardInput      GuardStage = "input"
	GuardOutput     GuardStage = "output"
	GuardToolInput  GuardStage = "tool_input"
	GuardToolOutput GuardStage = "tool_output"
)

// VerdictKind classifies a validator outcome.
type VerdictKind int

const (
	// VerdictPassed lets the value through.
	VerdictPassed VerdictKind = iota

	// VerdictWarning lets the value through but records the message.
	VerdictWarning

	// VerdictTripwire short-circuits the run with a guardrail error.
	VerdictTripwire
)

// Verdict is one validator's outcome.
type Verdict struct {
	Kind    VerdictKind
	Message string
}

// Passed returns a passing verdict.
func Passed() Verdict { return Verdict{Kind: VerdictPassed} }

// Warning returns a passing verdict that records msg in metadata.
func Warning(msg string) Verdict { return Verdict{Kind: VerdictWarning, Message: msg} }

// Tripwire returns a verdict that fails the run with the given reason.
func Tripwire(reason string) Verdict { return Verdict{Kind: VerdictTripwire, Message: reason} }

// Validator checks a flow value at a guard boundary.
type Validator struct {
	Name     string
	Validate func(input string) Verdict
}

type guardStep struct {
	stage      GuardStage
	validators []Validator
}

// Guard runs validators against the flow value. A tripwire fails the run;
// warnings accumulate into metadata.
func Guard(stage GuardStage, validators ...Validator) Step {
	return &guardStep{stage: stage, validators: validators}
}

// valueToString renders a sendable value for the string-typed flow
// channel.
func valueToString(v sendable.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	data, err := v.EncodeCanonical()
	if err != nil {
		return ""
	}
	return string(data)
}
