package orchestrate

import (
	"testing"

	"github.com/hivekit/swarm-go/agent"
	"github.com/hivekit/swarm-go/model"
)

func mockAgent(name string, responses ...model.Response) *agent.Agent {
	return &agent.Agent{
		Name:     name,
		Provider: &model.MockProvider{Responses: responses},
	}
}

func textAgent(name, reply string) *agent.Agent {
	return mockAgent(name, model.Response{Content: reply})
}

func TestCompile_Validation(t *testing.T) {
	t.Run("empty orchestration", func(t *testing.T) {
		_, err := Compile(nil)
		if !IsCode(err, CodeEmptyGraph) {
			t.Errorf("expected EMPTY_GRAPH, got %v", err)
		}
	})

	t.Run("dag duplicate node", func(t *testing.T) {
		_, err := Compile([]Step{DAG(
			Node("fetch", textAgent("a", "x")),
			Node("fetch", textAgent("b", "y")),
		)})
		if !IsCode(err, CodeDuplicateNode) {
			t.Errorf("expected DUPLICATE_NODE, got %v", err)
		}
	})

	t.Run("dag unknown dependency carries diagnostics", func(t *testing.T) {
		_, err := Compile([]Step{DAG(
			Node("fetch", textAgent("f", "F")),
			Node("left", textAgent("l", "L"), "fetch"),
			Node("right", textAgent("r", "R"), "fetch"),
			Node("join", textAgent("j", "J"), "fetch2"),
		)})
		ve, ok := err.(*ValidationError)
		if !ok || ve.Code != CodeUnknownDependency {
			t.Fatalf("expected UNKNOWN_DEPENDENCY, got %v", err)
		}
		if ve.Node != "join" || ve.Dep != "fetch2" {
			t.Errorf("expected node=join dep=fetch2, got node=%s dep=%s", ve.Node, ve.Dep)
		}
		want := []string{"fetch", "left", "right", "join"}
		if len(ve.Available) != len(want) {
			t.Fatalf("expected available %v, got %v", want, ve.Available)
		}
		for i := range want {
			if ve.Available[i] != want[i] {
				t.Errorf("available[%d]: expected %s, got %s", i, want[i], ve.Available[i])
			}
		}
	})

	t.Run("dag cycle detected", func(t *testing.T) {
		_, err := Compile([]Step{DAG(
			Node("a", textAgent("a", "A"), "b"),
			Node("b", textAgent("b", "B"), "a"),
		)})
		ve, ok := err.(*ValidationError)
		if !ok || ve.Code != CodeCycleDetected {
			t.Fatalf("expected CYCLE_DETECTED, got %v", err)
		}
		if len(ve.Nodes) != 2 {
			t.Errorf("expected both cycle nodes reported, got %v", ve.Nodes)
		}
	})

	t.Run("dag empty", func(t *testing.T) {
		_, err := Compile([]Step{DAG()})
		if !IsCode(err, CodeEmptyGraph) {
			t.Errorf("expected EMPTY_GRAPH, got %v", err)
		}
	})
}

func TestCompile_Metrics(t *testing.T) {
	t.Run("node count covers every step", func(t *testing.T) {
		steps := []Step{
			AgentStep(textAgent("a", "1")),
			AgentStep(textAgent("b", "2")),
			AgentStep(textAgent("c", "3")),
		}
		compiled, err := Compile(steps)
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if compiled.Metrics.NodeCount < len(steps) {
			t.Errorf("node count %d must be >= step count %d", compiled.Metrics.NodeCount, len(steps))
		}
		if compiled.Metrics.MaxParallelism != 1 {
			t.Errorf("sequential chain has parallelism 1, got %d", compiled.Metrics.MaxParallelism)
		}
	})

	t.Run("parallel fragment reports branch width", func(t *testing.T) {
		compiled, err := Compile([]Step{Parallel([]NamedAgent{
			{Name: "x", Agent: textAgent("x", "X")},
			{Name: "y", Agent: textAgent("y", "Y")},
			{Name: "z", Agent: textAgent("z", "Z")},
		})})
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if compiled.Metrics.MaxParallelism != 3 {
			t.Errorf("expected parallelism 3, got %d", compiled.Metrics.MaxParallelism)
		}
		if compiled.Metrics.NodeCount != 5 { // dispatch + 3 branches + merge
			t.Errorf("expected 5 nodes, got %d", compiled.Metrics.NodeCount)
		}
	})

	t.Run("max concurrency caps parallelism", func(t *testing.T) {
		compiled, err := Compile([]Step{Parallel([]NamedAgent{
			{Name: "x", Agent: textAgent("x", "X")},
			{Name: "y", Agent: textAgent("y", "Y")},
			{Name: "z", Agent: textAgent("z", "Z")},
		}, WithMaxConcurrency(2))})
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if compiled.Metrics.MaxParallelism != 2 {
			t.Errorf("expected parallelism capped at 2, got %d", compiled.Metrics.MaxParallelism)
		}
	})

	t.Run("loop budget covers iterations", func(t *testing.T) {
		compiled, err := Compile([]Step{Loop(AgentStep(textAgent("body", "x")), MaxIterations(5))})
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if compiled.Metrics.RecommendedMaxSteps < 2*5+1 {
			t.Errorf("loop budget too small: %d", compiled.Metrics.RecommendedMaxSteps)
		}
	})

	t.Run("dag max parallelism is the widest frontier", func(t *testing.T) {
		compiled, err := Compile([]Step{DAG(
			Node("fetch", textAgent("f", "F")),
			Node("left", textAgent("l", "L"), "fetch"),
			Node("right", textAgent("r", "R"), "fetch"),
			Node("join", textAgent("j", "J"), "left", "right"),
		)})
		if err != nil {
			t.Fatalf("Compile failed: %v", err)
		}
		if compiled.Metrics.MaxParallelism != 2 {
			t.Errorf("diamond width is 2, got %d", compiled.Metrics.MaxParallelism)
		}
		if compiled.Metrics.RecommendedMaxSteps < 5 {
			t.Errorf("dag budget too small: %d", compiled.Metrics.RecommendedMaxSteps)
		}
	})

	t.Run("version tag is deterministic", func(t *testing.T) {
		build := func() string {
			compiled, err := Compile([]Step{AgentStep(textAgent("a", "1"))})
			if err != nil {
				t.Fatalf("Compile failed: %v", err)
			}
			return compiled.Graph.Version()
		}
		if build() != build() {
			t.Error("identical orchestrations must compile to identical version tags")
		}
	})
}
