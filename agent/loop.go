package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hivekit/swarm-go/hive"
	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/sendable"
	"github.com/hivekit/swarm-go/tool"
)

// Run executes the agent loop: build the prompt from the canonical history,
// call the provider, execute requested tools, and repeat until the model
// answers without tool calls or the iteration limit trips.
//
// When the approval policy gates a tool call, Run returns *Interrupted; the
// caller persists the carried messages, surfaces the interrupt, and later
// re-invokes Run with the restored messages and a resume payload.
func (a *Agent) Run(ctx context.Context, req Request) (Result, error) {
	if a.Provider == nil {
		return Result{}, &Error{Code: CodeProviderMissing, Agent: a.Name, Message: "inference provider is required"}
	}
	cfg := a.Config.normalize()
	start := time.Now()

	msgs := append([]model.Message{}, req.Messages...)
	if len(msgs) == 0 {
		msgs = append(msgs, model.Message{
			ID:      MessageID(req.TaskID, model.RoleSystem, 0),
			Role:    model.RoleSystem,
			Content: a.Instructions,
		})
		msgs = append(msgs, model.Message{
			ID:      MessageID(req.TaskID, model.RoleUser, 1),
			Role:    model.RoleUser,
			Content: req.Input,
		})
	}

	var (
		executedCalls []tool.Call
		toolResults   []tool.CallResult
		iterations    int
		tokensUsed    int
		pendingCalls  []tool.Call
		finishReason  model.FinishReason
		output        string
	)

	// A resumed loop re-enters at ToolApproval with the calls the model
	// already requested.
	if req.Resume != nil && req.Resume.Kind == hive.ResumeToolApproval {
		pendingCalls = lastRequestedCalls(msgs)
		if req.Resume.Decision == hive.DecisionCancelled {
			for _, call := range pendingCalls {
				msgs = append(msgs, model.Message{
					ID:         MessageID(req.TaskID, model.RoleTool, uint32(len(msgs))),
					Role:       model.RoleTool,
					Content:    "cancelled",
					ToolCallID: call.ID,
				})
			}
			msgs = append(msgs, model.Message{
				ID:      MessageID(req.TaskID, model.RoleSystem, uint32(len(msgs))),
				Role:    model.RoleSystem,
				Content: "The user cancelled the requested tool calls. Continue without them.",
			})
			pendingCalls = nil
		}
	}

	for {
		if pendingCalls == nil {
			// Model state: derive the LLM input and call the provider.
			if iterations >= cfg.MaxIterations {
				return Result{}, &Error{
					Code:    CodeMaxIterationsExceeded,
					Agent:   a.Name,
					Message: fmt.Sprintf("exceeded %d iterations", cfg.MaxIterations),
				}
			}
			iterations++

			prompt := BuildLLMInput(msgs, cfg.Memory)
			resp, err := a.callModel(ctx, prompt)
			if err != nil {
				return Result{}, err
			}
			if resp.Usage != nil {
				tokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens
			}

			msgs = append(msgs, model.Message{
				ID:        MessageID(req.TaskID, model.RoleAssistant, uint32(len(msgs))),
				Role:      model.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})

			if len(resp.ToolCalls) == 0 {
				output = resp.Content
				finishReason = resp.FinishReason
				break
			}

			// Handoff short-circuits before approval and execution.
			for _, call := range resp.ToolCalls {
				if h := a.matchHandoff(call.Name); h != nil {
					return a.runHandoff(ctx, req, h, call, msgs, iterations, start)
				}
			}

			if needsApproval(cfg.Approval, resp.ToolCalls) {
				payload, err := approvalPayload(resp.ToolCalls)
				if err != nil {
					return Result{}, &Error{Code: CodeInternalError, Agent: a.Name, Message: err.Error(), Cause: err}
				}
				return Result{}, &Interrupted{
					Request: hive.InterruptRequest{
						ID:      interruptID(req.TaskID, len(msgs)),
						Payload: payload,
					},
					Messages:   msgs,
					Iterations: iterations,
				}
			}
			pendingCalls = resp.ToolCalls
		}

		// ToolExec state.
		results, err := a.executeCalls(ctx, pendingCalls, cfg)
		if err != nil {
			return Result{}, err
		}
		for i, call := range pendingCalls {
			executedCalls = append(executedCalls, call)
			toolResults = append(toolResults, results[i])
			msgs = append(msgs, model.Message{
				ID:         MessageID(req.TaskID, model.RoleTool, uint32(len(msgs))),
				Role:       model.RoleTool,
				Content:    contentString(results[i].Content),
				ToolCallID: call.ID,
			})
		}
		pendingCalls = nil
	}

	result := Result{
		Output:         output,
		ToolCalls:      executedCalls,
		ToolResults:    toolResults,
		IterationCount: iterations,
		Duration:       time.Since(start),
		TokensUsed:     tokensUsed,
		Messages:       msgs,
		Metadata: map[string]any{
			"agent":         a.Name,
			"finish_reason": string(finishReason),
		},
	}
	if a.Session != nil {
		writeThrough := []model.Message{}
		for _, msg := range msgs {
			if msg.Role == model.RoleUser || msg.Role == model.RoleAssistant {
				writeThrough = append(writeThrough, msg)
			}
		}
		if err := a.Session.AppendMessages(ctx, writeThrough); err != nil {
			result.Metadata["session_error"] = err.Error()
		}
	}
	return result, nil
}

// callModel invokes the provider under the deterministic model retry
// policy.
func (a *Agent) callModel(ctx context.Context, prompt []model.Message) (model.Response, error) {
	schemas := a.toolSchemas()
	policy := a.Config.ModelRetry
	for attempt := 0; ; attempt++ {
		resp, err := a.Provider.GenerateWithToolCalls(ctx, prompt, schemas, a.Config.CallOptions)
		if err == nil {
			return resp, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return model.Response{}, err
		}
		if policy == nil || attempt+1 >= policy.MaxAttempts {
			return model.Response{}, &Error{Code: CodeInternalError, Agent: a.Name, Message: fmt.Sprintf("provider call failed: %v", err), Cause: err}
		}
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-time.After(policy.Backoff(attempt)):
		}
	}
}

// toolSchemas is what the model sees: registered tools plus synthetic
// handoff tools.
func (a *Agent) toolSchemas() []tool.Schema {
	var schemas []tool.Schema
	if a.Tools != nil {
		schemas = a.Tools.Schemas()
	}
	return append(schemas, a.handoffSchemas()...)
}

// executeCalls runs the pending calls, serially or concurrently per
// configuration, converting failures into result content unless
// StopOnToolError is set. Cancellation always propagates.
func (a *Agent) executeCalls(ctx context.Context, calls []tool.Call, cfg Config) ([]tool.CallResult, error) {
	results := make([]tool.CallResult, len(calls))
	errs := make([]error, len(calls))

	invoke := func(i int, call tool.Call) {
		if a.Tools == nil {
			errs[i] = &tool.Error{Code: tool.CodeToolNotFound, Tool: call.Name, Message: "agent has no tool registry"}
			return
		}
		results[i], errs[i] = a.Tools.Invoke(ctx, call)
	}

	if cfg.ParallelToolCalls && len(calls) > 1 {
		var wg sync.WaitGroup
		for i, call := range calls {
			wg.Add(1)
			go func(i int, call tool.Call) {
				defer wg.Done()
				invoke(i, call)
			}(i, call)
		}
		wg.Wait()
	} else {
		for i, call := range calls {
			invoke(i, call)
		}
	}

	for i, err := range errs {
		if err == nil {
			continue
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if cfg.StopOnToolError {
			return nil, &Error{Code: CodeToolLoopFailed, Agent: a.Name, Message: err.Error(), Cause: err}
		}
		// Feed the failure back to the model as tool-result content so
		// it can observe and recover.
		results[i] = tool.CallResult{
			CallID:  calls[i].ID,
			Content: sendable.String("error: " + err.Error()),
		}
	}
	return results, nil
}

// runHandoff short-circuits the loop: the target agent runs with the
// (possibly filtered) input and its result is returned with merged handoff
// metadata.
func (a *Agent) runHandoff(ctx context.Context, req Request, h *Handoff, call tool.Call, msgs []model.Message, iterations int, start time.Time) (Result, error) {
	input := req.Input
	if len(call.Arguments) > 0 {
		var args struct {
			Input string `json:"input"`
		}
		if err := json.Unmarshal(call.Arguments, &args); err == nil && args.Input != "" {
			input = args.Input
		}
	}
	if h.InputFilter != nil {
		input = h.InputFilter(input)
	}
	if h.OnHandoff != nil {
		h.OnHandoff(a, h.Target)
	}

	result, err := h.Target.Run(ctx, Request{
		Input:  input,
		TaskID: req.TaskID + "/" + HandoffToolName(h.Target.Name),
	})
	if err != nil {
		return Result{}, err
	}

	result.IterationCount += iterations
	result.Duration = time.Since(start)
	result.Messages = append(msgs, result.Messages...)
	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.Metadata["handoff_from"] = a.Name
	result.Metadata["handoff_to"] = h.Target.Name
	return result, nil
}

// lastRequestedCalls finds the most recent assistant message's tool calls;
// those are the calls awaiting approval when a loop resumes.
func lastRequestedCalls(msgs []model.Message) []tool.Call {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant && len(msgs[i].ToolCalls) > 0 {
			return msgs[i].ToolCalls
		}
	}
	return nil
}

func needsApproval(policy tool.ApprovalPolicy, calls []tool.Call) bool {
	for _, call := range calls {
		if policy.Requires(call) {
			return true
		}
	}
	return false
}

// approvalPayload renders the pending calls into the interrupt payload.
func approvalPayload(calls []tool.Call) (sendable.Value, error) {
	rendered := make([]sendable.Value, len(calls))
	for i, call := range calls {
		args := sendable.String(string(call.Arguments))
		if len(call.Arguments) > 0 {
			if parsed, err := sendable.DecodeCanonical(call.Arguments); err == nil {
				args = parsed
			}
		}
		rendered[i] = sendable.Dict(map[string]sendable.Value{
			"id":        sendable.String(call.ID),
			"name":      sendable.String(call.Name),
			"arguments": args,
		})
	}
	return hive.ToolApprovalRequired(rendered), nil
}

// contentString renders a tool result for the transcript: plain strings
// stay raw, structured values render as canonical JSON.
func contentString(v sendable.Value) string {
	if s, ok := v.AsString(); ok {
		return s
	}
	data, err := v.EncodeCanonical()
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
