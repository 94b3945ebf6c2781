package model

import (
	"context"
	"sync"

	"github.com/hivekit/swarm-go/tool"
)

// MockProvider is a scripted Provider for tests: configurable responses,
// call capture, and error injection, without real API calls. Thread-safe.
//
// Example:
//
//	mock := &model.MockProvider{
//	    Responses: []model.Response{
//	        {ToolCalls: []tool.Call{{ID: "c1", Name: "calc", Arguments: []byte("{}")}}},
//	        {Content: "done"},
//	    },
//	}
type MockProvider struct {
	// Responses are returned in order; the last repeats once exhausted.
	Responses []Response

	// Err, when set, is returned by every call.
	Err error

	mu     sync.Mutex
	calls  []MockCall
	cursor int
}

// MockCall records one GenerateWithToolCalls invocation.
type MockCall struct {
	Prompt []Message
	Tools  []tool.Schema
	Opts   CallOptions
}

// GenerateWithToolCalls implements Provider.
func (m *MockProvider) GenerateWithToolCalls(ctx context.Context, prompt []Message, tools []tool.Schema, opts CallOptions) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	captured := MockCall{
		Prompt: append([]Message{}, prompt...),
		Tools:  append([]tool.Schema{}, tools...),
		Opts:   opts,
	}
	m.calls = append(m.calls, captured)

	if m.Err != nil {
		return Response{}, m.Err
	}
	if len(m.Responses) == 0 {
		return Response{FinishReason: FinishStop}, nil
	}
	idx := m.cursor
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.cursor++
	}
	resp := m.Responses[idx]
	if resp.FinishReason == "" {
		if len(resp.ToolCalls) > 0 {
			resp.FinishReason = FinishToolCalls
		} else {
			resp.FinishReason = FinishStop
		}
	}
	return resp, nil
}

// Calls returns the captured invocations in order.
func (m *MockProvider) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times the provider was invoked.
func (m *MockProvider) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Reset clears captured calls and the scripted-response cursor.
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.cursor = 0
}
