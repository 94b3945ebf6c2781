package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/sendable"
	"github.com/hivekit/swarm-go/tool"
)

func calcRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	r := tool.NewRegistry()
	err := r.Register(&tool.Mock{
		Spec:    tool.Schema{Name: "calc", Description: "calculator"},
		Results: []sendable.Value{sendable.String("42")},
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}
	return r
}

func TestMessageID(t *testing.T) {
	t.Run("deterministic across calls", func(t *testing.T) {
		a := MessageID("task-1", model.RoleAssistant, 2)
		b := MessageID("task-1", model.RoleAssistant, 2)
		if a != b {
			t.Errorf("identical inputs must produce identical IDs: %s vs %s", a, b)
		}
		if !strings.HasPrefix(a, "msg:") {
			t.Errorf("expected msg: prefix, got %s", a)
		}
	})

	t.Run("varies by task, role, and ordinal", func(t *testing.T) {
		base := MessageID("task-1", model.RoleUser, 0)
		if MessageID("task-2", model.RoleUser, 0) == base {
			t.Error("different task IDs must produce different message IDs")
		}
		if MessageID("task-1", model.RoleSystem, 0) == base {
			t.Error("different roles must produce different message IDs")
		}
		if MessageID("task-1", model.RoleUser, 1) == base {
			t.Error("different ordinals must produce different message IDs")
		}
	})
}

func TestAgent_SimpleFinish(t *testing.T) {
	provider := &model.MockProvider{Responses: []model.Response{{Content: "a"}}}
	ag := &Agent{Name: "writer", Instructions: "be brief", Provider: provider}

	result, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Output != "a" || result.IterationCount != 1 {
		t.Errorf("expected output a with 1 iteration, got %+v", result)
	}
	if len(result.Messages) != 3 {
		t.Fatalf("expected system+user+assistant, got %d messages", len(result.Messages))
	}
	if result.Messages[0].Role != model.RoleSystem || result.Messages[0].Content != "be brief" {
		t.Errorf("unexpected system message: %+v", result.Messages[0])
	}
	if result.Messages[1].Role != model.RoleUser || result.Messages[1].Content != "go" {
		t.Errorf("unexpected user message: %+v", result.Messages[1])
	}
	for _, msg := range result.Messages {
		if msg.ID == "" {
			t.Error("every message must carry a deterministic ID")
		}
	}
}

func TestAgent_ToolLoop(t *testing.T) {
	provider := &model.MockProvider{Responses: []model.Response{
		{ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
		{Content: "done"},
	}}
	ag := &Agent{Name: "solver", Provider: provider, Tools: calcRegistry(t)}

	result, err := ag.Run(context.Background(), Request{Input: "what is 6*7", TaskID: "t1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Output != "done" || result.IterationCount != 2 {
		t.Errorf("expected done after 2 iterations, got %+v", result)
	}
	if len(result.ToolCalls) != 1 || result.ToolCalls[0].Name != "calc" {
		t.Errorf("expected one calc call, got %+v", result.ToolCalls)
	}
	if len(result.ToolResults) != 1 || result.ToolResults[0].CallID != "c1" {
		t.Errorf("expected correlated result, got %+v", result.ToolResults)
	}

	var toolMsgs []model.Message
	for _, msg := range result.Messages {
		if msg.Role == model.RoleTool {
			toolMsgs = append(toolMsgs, msg)
		}
	}
	if len(toolMsgs) != 1 || toolMsgs[0].Content != "42" || toolMsgs[0].ToolCallID != "c1" {
		t.Errorf("expected one tool-result message 42 correlated to c1, got %+v", toolMsgs)
	}
}

func TestAgent_MaxIterations(t *testing.T) {
	// The model asks for a tool forever.
	provider := &model.MockProvider{Responses: []model.Response{
		{ToolCalls: []tool.Call{{ID: "c", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
	}}
	ag := &Agent{
		Name:     "spinner",
		Provider: provider,
		Tools:    calcRegistry(t),
		Config:   Config{MaxIterations: 3},
	}
	_, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
	if ErrorCode(err) != CodeMaxIterationsExceeded {
		t.Errorf("expected MAX_ITERATIONS_EXCEEDED, got %v", err)
	}
}

func TestAgent_ToolErrorFeedback(t *testing.T) {
	registry := tool.NewRegistry()
	_ = registry.Register(&tool.Mock{Spec: tool.Schema{Name: "calc"}, Err: errors.New("boom")})

	t.Run("error becomes tool-result content by default", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
			{Content: "recovered"},
		}}
		ag := &Agent{Name: "resilient", Provider: provider, Tools: registry}
		result, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if result.Output != "recovered" {
			t.Errorf("expected the model to observe the failure and recover, got %+v", result)
		}
		found := false
		for _, msg := range result.Messages {
			if msg.Role == model.RoleTool && strings.Contains(msg.Content, "boom") {
				found = true
			}
		}
		if !found {
			t.Error("expected the tool error to appear as tool-result content")
		}
	})

	t.Run("stopOnToolError propagates", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
		}}
		ag := &Agent{
			Name:     "strict",
			Provider: provider,
			Tools:    registry,
			Config:   Config{StopOnToolError: true},
		}
		_, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
		if ErrorCode(err) != CodeToolLoopFailed {
			t.Errorf("expected TOOL_LOOP_FAILED, got %v", err)
		}
	})
}

func TestAgent_ToolApprovalInterrupt(t *testing.T) {
	newAgent := func(provider *model.MockProvider, t *testing.T) *Agent {
		return &Agent{
			Name:     "gated",
			Provider: provider,
			Tools:    calcRegistry(t),
			Config:   Config{Approval: tool.ApproveAlways()},
		}
	}

	t.Run("pause carries the pending calls", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
			{Content: "done"},
		}}
		ag := newAgent(provider, t)

		_, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
		var paused *Interrupted
		if !errors.As(err, &paused) {
			t.Fatalf("expected Interrupted, got %v", err)
		}
		if paused.Request.Kind() != hive.InterruptKindToolApproval {
			t.Errorf("expected tool approval payload, got %s", paused.Request.Kind())
		}
		calls, _ := paused.Request.Payload.Get("tool_calls")
		arr, _ := calls.AsArray()
		if len(arr) != 1 {
			t.Fatalf("expected one pending call in the payload, got %d", len(arr))
		}
		name, _ := arr[0].Get("name")
		if name.StringOr("") != "calc" {
			t.Errorf("expected calc in payload, got %v", name)
		}

		// Resume approved: the tool executes once and the loop finishes.
		result, err := ag.Run(context.Background(), Request{
			Input:    "go",
			TaskID:   "t1",
			Messages: paused.Messages,
			Resume:   hive.ToolApprovalPayload(hive.DecisionApproved),
		})
		if err != nil {
			t.Fatalf("resumed run failed: %v", err)
		}
		if result.Output != "done" {
			t.Errorf("expected done, got %q", result.Output)
		}
		toolMsgs := 0
		for _, msg := range result.Messages {
			if msg.Role == model.RoleTool {
				toolMsgs++
				if msg.Content != "42" || msg.ToolCallID != "c1" {
					t.Errorf("unexpected tool message: %+v", msg)
				}
			}
		}
		if toolMsgs != 1 {
			t.Errorf("expected exactly one tool-result message, got %d", toolMsgs)
		}
	})

	t.Run("cancelled approval feeds synthetic results back", func(t *testing.T) {
		provider := &model.MockProvider{Responses: []model.Response{
			{ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: json.RawMessage(`{}`)}}},
			{Content: "skipped the tool"},
		}}
		ag := newAgent(provider, t)

		_, err := ag.Run(context.Background(), Request{Input: "go", TaskID: "t1"})
		var paused *Interrupted
		if !errors.As(err, &paused) {
			t.Fatalf("expected Interrupted, got %v", err)
		}

		result, err := ag.Run(context.Background(), Request{
			Input:    "go",
			TaskID:   "t1",
			Messages: paused.Messages,
			Resume:   hive.ToolApprovalPayload(hive.DecisionCancelled),
		})
		if err != nil {
			t.Fatalf("resumed run failed: %v", err)
		}
		if result.Output != "skipped the tool" {
			t.Errorf("expected the model to continue without tools, got %q", result.Output)
		}
		cancelled := false
		for _, msg := range result.Messages {
			if msg.Role == model.RoleTool && msg.Content == "cancelled" && msg.ToolCallID == "c1" {
				cancelled = true
			}
		}
		if !cancelled {
			t.Error("expected a synthetic cancelled tool-result message")
		}
	})
}

func TestAgent_Handoff(t *testing.T) {
	specialist := &Agent{
		Name: "Data Analyst",
		Provider: &model.MockProvider{Responses: []model.Response{
			{Content: "analysis complete"},
		}},
	}
	handedOff := false
	provider := &model.MockProvider{Responses: []model.Response{
		{ToolCalls: []tool.Call{{
			ID:        "h1",
			Name:      HandoffToolName("Data Analyst"),
			Arguments: json.RawMessage(`{"input":"the numbers"}`),
		}}},
	}}
	coordinator := &Agent{
		Name:     "coordinator",
		Provider: provider,
		Handoffs: []Handoff{{
			Target:    specialist,
			OnHandoff: func(from, to *Agent) { handedOff = true },
		}},
	}

	result, err := coordinator.Run(context.Background(), Request{Input: "look at this", TaskID: "t1"})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Output != "analysis complete" {
		t.Errorf("expected the specialist's output, got %q", result.Output)
	}
	if !handedOff {
		t.Error("OnHandoff callback must fire")
	}
	if result.Metadata["handoff_from"] != "coordinator" || result.Metadata["handoff_to"] != "Data Analyst" {
		t.Errorf("expected handoff metadata, got %+v", result.Metadata)
	}
	// The specialist saw the handoff input taken from the tool arguments.
	calls := specialist.Provider.(*model.MockProvider).Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one specialist call, got %d", len(calls))
	}
	sawInput := false
	for _, msg := range calls[0].Prompt {
		if msg.Role == model.RoleUser && msg.Content == "the numbers" {
			sawInput = true
		}
	}
	if !sawInput {
		t.Error("expected the specialist to receive the handoff input")
	}
}

func TestAgent_HandoffSchemas(t *testing.T) {
	target := &Agent{Name: "Code Reviewer"}
	ag := &Agent{
		Name:     "main",
		Provider: &model.MockProvider{},
		Handoffs: []Handoff{
			{Target: target},
			{Target: &Agent{Name: "disabled"}, Enabled: func() bool { return false }},
		},
	}
	schemas := ag.handoffSchemas()
	if len(schemas) != 1 {
		t.Fatalf("expected one enabled handoff schema, got %d", len(schemas))
	}
	if schemas[0].Name != "handoff_to_code_reviewer" {
		t.Errorf("expected handoff_to_code_reviewer, got %s", schemas[0].Name)
	}
}

func TestSame(t *testing.T) {
	a := &Agent{Name: "a"}
	b := &Agent{Name: "a"}
	if !Same(a, a) {
		t.Error("an agent must be the same as itself")
	}
	if Same(a, b) {
		t.Error("distinct agents with equal names are not the same runtime")
	}
	if Same(nil, nil) {
		t.Error("nil agents have no identity")
	}
}
