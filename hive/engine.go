package hive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/hivekit/swarm-go/hive/emit"
	"github.com/hivekit/swarm-go/hive/store"
	"github.com/hivekit/swarm-go/sendable"
)

// Engine runs compiled graphs against per-thread channel state.
//
// One engine serves many threads; each thread admits one run at a time.
// The engine owns the in-memory thread table and, when configured with a
// checkpoint store, persists and restores snapshots so threads survive
// process restarts.
//
// Example:
//
//	engine := hive.NewEngine(store.NewMemoryStore(), emit.NewLogEmitter(os.Stderr, false))
//	handle, err := engine.Run(ctx, graph, "thread-1", sendable.String("go"))
//	outcome, err := handle.Outcome(ctx)
type Engine struct {
	checkpoints store.Store
	emitter     emit.Emitter
	metrics     *PrometheusMetrics

	mu      sync.Mutex
	threads map[string]*threadState
}

// threadState is the engine's in-memory view of one thread.
type threadState struct {
	id      string
	graph   *Graph
	state   *State
	runtime runtimeState
	active  bool

	// lastExternalDigest makes re-application of an identical external
	// write batch a no-op.
	lastExternalDigest string
}

// EngineOption configures an Engine at construction.
type EngineOption func(*Engine)

// WithMetrics attaches Prometheus metrics collection.
func WithMetrics(m *PrometheusMetrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates an engine. checkpoints may be nil (no durability;
// interrupts resume from memory only). emitter may be nil (events are
// dropped except on run handles).
func NewEngine(checkpoints store.Store, emitter emit.Emitter, opts ...EngineOption) *Engine {
	if emitter == nil {
		emitter = emit.NewNullEmitter()
	}
	e := &Engine{
		checkpoints: checkpoints,
		emitter:     emitter,
		threads:     make(map[string]*threadState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run starts a fresh run of graph g on the given thread. The input value is
// seeded into the store through the graph's input writer, the frontier is
// set to the graph's start nodes, and the scheduler drains until a terminal
// outcome. A thread admits one run at a time; starting a second concurrent
// run fails with RUN_ACTIVE. Starting a fresh run discards any pending
// interrupt on the thread.
func (e *Engine) Run(ctx context.Context, g *Graph, threadID string, input sendable.Value, opts ...RunOption) (*Handle, error) {
	if g == nil {
		return nil, &SchedulerError{Code: CodeNodeNotFound, Message: "graph is required"}
	}
	options := buildOptions(opts)

	e.mu.Lock()
	ts, ok := e.threads[threadID]
	if !ok {
		ts = &threadState{id: threadID}
		e.threads[threadID] = ts
	}
	if ts.active {
		e.mu.Unlock()
		return nil, &SchedulerError{Code: CodeRunActive, Message: fmt.Sprintf("thread %q already has an active run", threadID)}
	}
	ts.active = true
	ts.graph = g
	// A fresh run supersedes whatever the thread was doing, including any
	// pending interrupt.
	ts.runtime = runtimeState{}
	e.mu.Unlock()

	state := NewState(g.Schema())
	if g.inputWrites != nil {
		next, err := state.apply(g.inputWrites(input))
		if err != nil {
			e.release(ts)
			return nil, err
		}
		state = next
	}
	rt := runtimeState{Frontier: g.Start(), StepIndex: 0}

	return e.launch(ctx, g, ts, state, rt, nil, "", options), nil
}

// Resume continues an interrupted thread with a typed payload. The resume
// is rejected when no interrupt is pending, when the interrupt ID does not
// match the pending one, or when the payload variant does not answer the
// pending interrupt. A successful Resume consumes the pending interrupt:
// the token is one-shot and a second Resume fails with
// NO_INTERRUPT_TO_RESUME.
func (e *Engine) Resume(ctx context.Context, g *Graph, threadID, interruptID string, payload *ResumePayload, opts ...RunOption) (*Handle, error) {
	if payload == nil {
		return nil, &ResumeError{Code: CodeInvalidResumePayload, Message: "resume payload is required"}
	}
	options := buildOptions(opts)

	e.mu.Lock()
	ts, ok := e.threads[threadID]
	if !ok || ts.state == nil {
		e.mu.Unlock()
		restored, err := e.restoreThread(ctx, g, threadID)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.threads[threadID] = restored
		ts = restored
	}
	if ts.active {
		e.mu.Unlock()
		return nil, &SchedulerError{Code: CodeRunActive, Message: fmt.Sprintf("thread %q already has an active run", threadID)}
	}
	pending := ts.runtime.Pending
	if pending == nil {
		e.mu.Unlock()
		return nil, &ResumeError{Code: CodeNoInterruptToResume, Message: fmt.Sprintf("thread %q has no pending interrupt", threadID)}
	}
	if pending.ID != interruptID {
		e.mu.Unlock()
		return nil, &ResumeError{
			Code:    CodeResumeInterruptMismatch,
			Message: fmt.Sprintf("pending interrupt is %q, resume supplied %q", pending.ID, interruptID),
		}
	}
	if !payload.matchesInterrupt(pending.Kind) {
		e.mu.Unlock()
		return nil, &ResumeError{
			Code:    CodeInvalidResumePayload,
			Message: fmt.Sprintf("payload %q does not answer interrupt %q", payload.Kind, pending.Kind),
		}
	}

	// Consume the token: the pending interrupt is gone whether or not the
	// resumed run succeeds.
	resumeNode := pending.Node
	ts.runtime.Pending = nil
	ts.active = true
	if g != nil {
		ts.graph = g
	}
	g = ts.graph
	state := ts.state
	rt := ts.runtime
	e.mu.Unlock()

	if g == nil {
		e.release(ts)
		return nil, &SchedulerError{Code: CodeNodeNotFound, Message: "no graph available for resume"}
	}
	return e.launch(ctx, g, ts, state, rt, payload, resumeNode, options), nil
}

// restoreThread rebuilds thread state from the latest checkpoint.
func (e *Engine) restoreThread(ctx context.Context, g *Graph, threadID string) (*threadState, error) {
	if e.checkpoints == nil {
		return nil, &ResumeError{Code: CodeNoInterruptToResume, Message: fmt.Sprintf("thread %q is unknown and no checkpoint store is configured", threadID)}
	}
	if g == nil {
		return nil, &SchedulerError{Code: CodeNodeNotFound, Message: "graph is required to restore a thread"}
	}
	cp, err := e.checkpoints.LoadLatest(ctx, threadID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &ResumeError{Code: CodeNoInterruptToResume, Message: fmt.Sprintf("thread %q has no checkpoints", threadID)}
	}
	if err != nil {
		return nil, &CheckpointError{Code: CodeCheckpointNotFound, Message: err.Error(), Cause: err}
	}
	if cp.GraphVersion != g.Version() {
		return nil, &CheckpointError{
			Code:    CodeGraphVersionMismatch,
			Message: fmt.Sprintf("checkpoint graph version %q != graph %q", cp.GraphVersion, g.Version()),
		}
	}
	state, err := RestoreState(g.Schema(), cp.Channels)
	if err != nil {
		return nil, err
	}
	rt, err := GetTyped[runtimeState](state, runtimeChannelID)
	if err != nil {
		return nil, err
	}
	return &threadState{id: threadID, graph: g, state: state, runtime: rt}, nil
}

// ApplyExternalWrites atomically commits externally supplied channel writes
// to the thread's state. Unknown channel IDs reject the whole batch before
// any commit. Re-applying a byte-identical batch to unchanged state is a
// no-op, so delivery retries are safe. Returns the committed store version.
func (e *Engine) ApplyExternalWrites(ctx context.Context, threadID string, writes []Write) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[threadID]
	if !ok || ts.state == nil {
		return 0, &SchedulerError{Code: CodeNodeNotFound, Message: fmt.Sprintf("unknown thread %q", threadID)}
	}
	if ts.active {
		return 0, &SchedulerError{Code: CodeRunActive, Message: fmt.Sprintf("thread %q has an active run", threadID)}
	}

	digest, err := externalBatchDigest(ts.state.Version(), writes)
	if err != nil {
		return 0, err
	}
	if digest == ts.lastExternalDigest {
		return ts.state.Version(), nil
	}

	next, err := ts.state.Apply(writes)
	if err != nil {
		return 0, err
	}
	ts.state = next
	ts.lastExternalDigest, err = externalBatchDigest(next.Version(), writes)
	if err != nil {
		return 0, err
	}
	return next.Version(), nil
}

// externalBatchDigest fingerprints a write batch against a store version so
// idempotent re-application can be detected.
func externalBatchDigest(version uint64, writes []Write) (string, error) {
	h := sha256.New()
	fmt.Fprintf(h, "v%d\x00", version)
	for _, w := range writes {
		v, err := sendable.FromAny(w.Value)
		if err != nil {
			return "", &ChannelError{Code: CodeChannelTypeMismatch, Channel: w.Channel, Message: fmt.Sprintf("external write value: %v", err), Cause: err}
		}
		data, err := v.EncodeCanonical()
		if err != nil {
			return "", err
		}
		h.Write([]byte(w.Channel))
		h.Write([]byte{0})
		h.Write([]byte(w.Producer))
		h.Write([]byte{0})
		h.Write(data)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// StateSnapshot is a read-only view of a thread's progress.
type StateSnapshot struct {
	ThreadID           string
	Frontier           []string
	StepIndex          int
	ChannelDigest      string
	PendingInterruptID string
	EventSchemaVersion int
}

// GetState returns the thread's current snapshot, or nil for unknown
// threads.
func (e *Engine) GetState(threadID string) (*StateSnapshot, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.threads[threadID]
	if !ok || ts.state == nil {
		return nil, nil
	}
	digest, err := ts.state.Digest()
	if err != nil {
		return nil, err
	}
	snapshot := &StateSnapshot{
		ThreadID:           threadID,
		Frontier:           append([]string{}, ts.runtime.Frontier...),
		StepIndex:          ts.runtime.StepIndex,
		ChannelDigest:      digest,
		EventSchemaVersion: emit.SchemaVersion,
	}
	if ts.runtime.Pending != nil {
		snapshot.PendingInterruptID = ts.runtime.Pending.ID
	}
	return snapshot, nil
}

// CheckpointHistory lists the thread's stored checkpoints, newest first.
// Requires a queryable checkpoint store.
func (e *Engine) CheckpointHistory(ctx context.Context, threadID string, limit int) ([]store.Summary, error) {
	queryable, ok := e.checkpoints.(store.QueryableStore)
	if !ok {
		return nil, &CheckpointError{Code: CodeCheckpointUnsupported, Message: "checkpoint store does not support history queries"}
	}
	return queryable.ListCheckpoints(ctx, threadID, limit)
}

func (e *Engine) release(ts *threadState) {
	e.mu.Lock()
	ts.active = false
	e.mu.Unlock()
}

// commitThread records the run's progress back into the thread table.
func (e *Engine) commitThread(ts *threadState, state *State, rt runtimeState) {
	e.mu.Lock()
	ts.state = state
	ts.runtime = rt
	e.mu.Unlock()
}

func buildOptions(opts []RunOption) RunOptions {
	var options RunOptions
	for _, opt := range opts {
		opt(&options)
	}
	return options.normalize()
}

// launch starts the scheduler goroutine and returns its handle.
func (e *Engine) launch(ctx context.Context, g *Graph, ts *threadState, state *State, rt runtimeState, resume *ResumePayload, resumeNode string, opts RunOptions) *Handle {
	var runCtx context.Context
	var cancel context.CancelFunc
	if opts.RunWallClock > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.RunWallClock)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	h := newHandle(opts.EventBuffer, cancel)

	runID := "run-" + uuid.NewString()
	attemptID := "attempt-" + uuid.NewString()

	r := &run{
		engine:     e,
		graph:      g,
		thread:     ts,
		handle:     h,
		runID:      runID,
		attemptID:  attemptID,
		options:    opts,
		state:      state,
		runtime:    rt,
		resume:     resume,
		resumeNode: resumeNode,
	}
	go r.loop(runCtx)
	return h
}
