// Package emit provides event emission and observability for run execution.
package emit

import "context"

// Emitter receives observability events from the scheduler.
//
// Emitters enable pluggable observability backends: logging, distributed
// tracing, metrics pipelines, or in-memory capture for tests.
//
// Implementations must be:
//   - Non-blocking: Emit is called from the scheduler's hot path.
//   - Thread-safe: events arrive concurrently from multiple tasks.
//   - Resilient: a failing backend must not crash or stall the run.
type Emitter interface {
	// Emit delivers one event. Implementations must not block the
	// scheduler; buffer or drop rather than stall. Emit must not panic.
	Emit(event Event)

	// Flush blocks until buffered events have been delivered or the
	// context is done. Call it before shutdown or after a run completes
	// when delivery must be confirmed. Safe to call repeatedly.
	Flush(ctx context.Context) error
}
