package hive

import (
	"context"
	"sync"

	"github.com/hivekit/swarm-go/hive/emit"
	"github.com/hivekit/swarm-go/sendable"
)

// OutcomeKind is a run's terminal classification.
type OutcomeKind int

const (
	// OutcomeFinished: the scheduler reached a step with no ready nodes
	// and no pending interrupts.
	OutcomeFinished OutcomeKind = iota

	// OutcomeInterrupted: a node requested an interrupt; state is
	// checkpointed and the caller must resume with a typed payload.
	OutcomeInterrupted

	// OutcomeCancelled: the caller cancelled; in-flight tasks unwound
	// cooperatively.
	OutcomeCancelled

	// OutcomeOutOfSteps: the superstep budget was exhausted.
	OutcomeOutOfSteps
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeFinished:
		return "finished"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeOutOfSteps:
		return "out_of_steps"
	default:
		return "unknown"
	}
}

// Interrupt surfaces a pending interrupt to the caller.
type Interrupt struct {
	// ID must be echoed by the resume call.
	ID string

	// Payload describes what the caller must decide.
	Payload sendable.Value

	// CheckpointID identifies the checkpoint taken at the pause, when a
	// checkpoint store was configured.
	CheckpointID string
}

// Outcome is a run's terminal result.
type Outcome struct {
	// Kind classifies the outcome.
	Kind OutcomeKind

	// Output holds the projected channels for finished runs (the full
	// store when the graph declares no projection).
	Output map[string]any

	// Interrupt is set for interrupted runs.
	Interrupt *Interrupt

	// MaxSteps is the exhausted budget for out-of-steps runs.
	MaxSteps int
}

// Handle is the caller's view of an in-flight run: an event stream, an
// awaitable outcome, and cooperative cancellation.
type Handle struct {
	events chan emit.Event
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.Mutex
	outcome Outcome
	err     error
}

func newHandle(buffer int, cancel context.CancelFunc) *Handle {
	return &Handle{
		events: make(chan emit.Event, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// Events returns the run's ordered event stream. The channel closes when
// the run terminates. Slow consumers miss events (the emitter still sees
// every event); size the buffer with WithEventBuffer when completeness
// matters.
func (h *Handle) Events() <-chan emit.Event { return h.events }

// Outcome blocks until the run terminates or ctx is done, then returns the
// terminal outcome. Run failures surface as the error.
func (h *Handle) Outcome(ctx context.Context) (Outcome, error) {
	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

// Cancel requests cooperative cancellation. In-flight node executions
// receive a cancellation signal; the outcome becomes Cancelled once they
// have unwound. Safe to call repeatedly.
func (h *Handle) Cancel() { h.cancel() }

// push delivers an event to the handle stream without ever blocking the
// scheduler.
func (h *Handle) push(event emit.Event) {
	select {
	case h.events <- event:
	default:
	}
}

// finish records the terminal outcome and closes the stream.
func (h *Handle) finish(outcome Outcome, err error) {
	h.mu.Lock()
	h.outcome = outcome
	h.err = err
	h.mu.Unlock()
	close(h.events)
	close(h.done)
}

// CancellationClass classifies where a cancellation landed relative to
// checkpoint activity, from a run's event stream.
type CancellationClass string

const (
	// CancelledAfterCheckpointSaved: a checkpoint completed before the
	// cancellation took effect; the thread can resume from it.
	CancelledAfterCheckpointSaved CancellationClass = "cancelled_after_checkpoint_saved"

	// CancelledBeforeCheckpoint: no checkpoint completed first.
	CancelledBeforeCheckpoint CancellationClass = "cancelled_before_checkpoint"

	// NotCancelled: the stream contains no cancellation.
	NotCancelled CancellationClass = "not_cancelled"
)

// ClassifyCancellation inspects an event stream in order and reports
// whether a checkpoint was durably saved before the run was cancelled.
func ClassifyCancellation(events []emit.Event) CancellationClass {
	sawCheckpoint := false
	for _, event := range events {
		switch event.Msg {
		case emit.MsgCheckpointSaved:
			sawCheckpoint = true
		case emit.MsgRunCancelled:
			if sawCheckpoint {
				return CancelledAfterCheckpointSaved
			}
			return CancelledBeforeCheckpoint
		}
	}
	return NotCancelled
}
