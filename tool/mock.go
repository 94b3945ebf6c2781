package tool

import (
	"context"
	"sync"

	"github.com/hivekit/swarm-go/sendable"
)

// Mock is a scripted Tool for tests: configurable results, error injection,
// and call capture. Thread-safe.
//
// Example:
//
//	calc := &tool.Mock{
//	    Spec:    tool.Schema{Name: "calc", Description: "calculator"},
//	    Results: []sendable.Value{sendable.String("42")},
//	}
type Mock struct {
	// Spec is the schema reported to models.
	Spec Schema

	// Results are returned in order; the last repeats once exhausted.
	Results []sendable.Value

	// Err, when set, is returned by every Execute call.
	Err error

	mu     sync.Mutex
	calls  []sendable.Value
	cursor int
}

// Name implements Tool.
func (m *Mock) Name() string { return m.Spec.Name }

// Schema implements Tool.
func (m *Mock) Schema() Schema { return m.Spec }

// Execute records the call and returns the next scripted result.
func (m *Mock) Execute(ctx context.Context, args sendable.Value) (sendable.Value, error) {
	if err := ctx.Err(); err != nil {
		return sendable.Null(), err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, args)

	if m.Err != nil {
		return sendable.Null(), m.Err
	}
	if len(m.Results) == 0 {
		return sendable.Null(), nil
	}
	idx := m.cursor
	if idx >= len(m.Results) {
		idx = len(m.Results) - 1
	} else {
		m.cursor++
	}
	return m.Results[idx], nil
}

// Calls returns the captured argument values in call order.
func (m *Mock) Calls() []sendable.Value {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]sendable.Value, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears captured calls and the scripted-result cursor.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.cursor = 0
}
