package hive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hivekit/swarm-go/hive/emit"
	"github.com/hivekit/swarm-go/hive/store"
)

// run is one scheduler invocation: the superstep loop over a thread.
type run struct {
	engine    *Engine
	graph     *Graph
	thread    *threadState
	handle    *Handle
	runID     string
	attemptID string
	options   RunOptions

	state   *State
	runtime runtimeState

	resume     *ResumePayload
	resumeNode string

	mu  sync.Mutex
	seq int
}

// taskResult pairs a node execution with its outcome.
type taskResult struct {
	node   string
	taskID string
	output NodeOutput
	err    error
}

func (r *run) emit(msg string, step int, node, taskID string, meta map[string]interface{}) {
	r.mu.Lock()
	event := emit.Event{
		RunID:         r.runID,
		AttemptID:     r.attemptID,
		Seq:           r.seq,
		Step:          step,
		Node:          node,
		TaskID:        taskID,
		Msg:           msg,
		Meta:          meta,
		SchemaVersion: emit.SchemaVersion,
	}
	r.seq++
	r.mu.Unlock()

	r.engine.emitter.Emit(event)
	r.handle.push(event)
}

// loop drives supersteps until a terminal outcome.
func (r *run) loop(ctx context.Context) {
	defer r.engine.release(r.thread)

	r.emit(emit.MsgRunStarted, -1, "", "", map[string]interface{}{
		"thread_id": r.thread.id,
	})

	fired := make(map[string]bool, len(r.runtime.Fired))
	for _, id := range r.runtime.Fired {
		fired[id] = true
	}
	frontier := append([]string{}, r.runtime.Frontier...)
	stepIndex := r.runtime.StepIndex
	forkCount := 0

	for {
		if ctx.Err() != nil {
			r.finishCancelled(ctx, frontier, fired, stepIndex)
			return
		}

		if len(frontier) == 0 {
			r.finishCompleted(frontier, fired, stepIndex)
			return
		}

		if stepIndex >= r.options.MaxSteps {
			r.syncThread(frontier, fired, stepIndex)
			r.emit(emit.MsgRunFinished, stepIndex, "", "", map[string]interface{}{
				"outcome": OutcomeOutOfSteps.String(),
			})
			r.handle.finish(Outcome{Kind: OutcomeOutOfSteps, MaxSteps: r.options.MaxSteps}, nil)
			return
		}

		ready, blocked := r.partition(frontier, fired)
		if len(ready) == 0 {
			missing := &SchedulerError{
				Code:    CodeJoinEdgeParentMissing,
				Message: fmt.Sprintf("no runnable nodes: %v wait on join parents that will never fire", blocked),
			}
			r.fail(stepIndex, frontier, fired, missing)
			return
		}

		r.emit(emit.MsgStepStarted, stepIndex, "", "", map[string]interface{}{
			"nodes": ready,
		})
		r.engine.metrics.setFrontierDepth(len(frontier))
		stepStart := time.Now()

		preStepState := r.state
		results := r.executeStep(ctx, ready, stepIndex)

		if ctx.Err() != nil {
			r.finishCancelled(ctx, frontier, fired, stepIndex)
			return
		}

		if firstErr := firstError(results); firstErr != nil {
			if forkCount < r.options.MaxForkRetries {
				// Rewind to the pre-step store version and re-run the
				// whole superstep.
				forkCount++
				r.state = preStepState
				r.emit(emit.MsgTaskRetried, stepIndex, firstErr.node, firstErr.taskID, map[string]interface{}{
					"fork":  true,
					"error": firstErr.err.Error(),
				})
				continue
			}
			r.engine.metrics.observeStep(time.Since(stepStart), "error")
			r.fail(stepIndex, frontier, fired, firstErr.err)
			return
		}

		if interrupter := firstInterrupt(results); interrupter != nil {
			r.finishInterrupted(ctx, results, interrupter, blocked, fired, stepIndex)
			return
		}

		// Commit all writes atomically: group per channel, order updates
		// by producer, reduce, produce the next store version.
		var writes []Write
		for _, res := range results {
			writes = append(writes, res.output.Writes...)
		}
		next, err := r.state.Apply(writes)
		if err != nil {
			r.engine.metrics.observeStep(time.Since(stepStart), "error")
			r.fail(stepIndex, frontier, fired, err)
			return
		}
		r.state = next
		r.consumeResume()

		for _, res := range results {
			fired[res.node] = true
		}
		frontier = r.nextFrontier(results, blocked)

		if r.shouldCheckpoint(stepIndex) {
			if _, err := r.saveCheckpoint(ctx, frontier, fired, stepIndex+1, nil); err != nil {
				r.fail(stepIndex, frontier, fired, err)
				return
			}
		}

		r.engine.metrics.observeStep(time.Since(stepStart), "success")
		r.emit(emit.MsgStepFinished, stepIndex, "", "", nil)
		stepIndex++
		r.syncThread(frontier, fired, stepIndex)
	}
}

// partition splits the frontier into join-ready and blocked nodes. A node
// with join-edge parents is ready only when all parents have executed in
// the run's history.
func (r *run) partition(frontier []string, fired map[string]bool) (ready, blocked []string) {
	seen := make(map[string]bool, len(frontier))
	for _, id := range frontier {
		if seen[id] {
			continue
		}
		seen[id] = true
		parents := r.graph.joins[id]
		ok := true
		for _, p := range parents {
			if !fired[p] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		} else {
			blocked = append(blocked, id)
		}
	}
	sort.Strings(ready)
	sort.Strings(blocked)
	return ready, blocked
}

// executeStep runs the ready nodes concurrently under the worker budget and
// returns their results in node-ID order.
func (r *run) executeStep(ctx context.Context, ready []string, stepIndex int) []taskResult {
	results := make([]taskResult, len(ready))
	sem := make(chan struct{}, r.options.MaxConcurrentTasks)
	var wg sync.WaitGroup

	for i, nodeID := range ready {
		wg.Add(1)
		go func(i int, nodeID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			taskID := fmt.Sprintf("%s.%d.%s", r.thread.id, stepIndex, nodeID)
			r.emit(emit.MsgTaskStarted, stepIndex, nodeID, taskID, nil)
			r.engine.metrics.taskStarted()
			start := time.Now()

			output, err := r.executeNode(ctx, nodeID, taskID, stepIndex)

			r.engine.metrics.taskFinished()
			status := "ok"
			meta := map[string]interface{}{
				"duration_ms": time.Since(start).Milliseconds(),
			}
			if err != nil {
				status = "error"
				meta["error"] = err.Error()
			}
			meta["outcome"] = status
			r.emit(emit.MsgTaskFinished, stepIndex, nodeID, taskID, meta)

			results[i] = taskResult{node: nodeID, taskID: taskID, output: output, err: err}
		}(i, nodeID)
	}
	wg.Wait()
	return results
}

// executeNode runs one node body with timeout wrapping and deterministic
// retries.
func (r *run) executeNode(ctx context.Context, nodeID, taskID string, stepIndex int) (NodeOutput, error) {
	node, ok := r.graph.nodes[nodeID]
	if !ok {
		return NodeOutput{}, &SchedulerError{Code: CodeNodeNotFound, Node: nodeID, Message: "node not found during execution"}
	}

	input := NodeInput{
		ThreadID: r.thread.id,
		RunID:    r.runID,
		TaskID:   taskID,
		Step:     stepIndex,
		State:    r.state,
	}
	if r.resume != nil && nodeID == r.resumeNode {
		input.Resume = r.resume
	}

	policy := r.options.NodeRetry
	for attempt := 0; ; attempt++ {
		output, err := r.invoke(ctx, node, input)
		if err == nil {
			return output, nil
		}
		if ctx.Err() != nil {
			return NodeOutput{}, ctx.Err()
		}
		if !policy.allows(attempt, err) {
			return NodeOutput{}, err
		}
		r.engine.metrics.incRetry(nodeID)
		r.emit(emit.MsgTaskRetried, stepIndex, nodeID, taskID, map[string]interface{}{
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
		delay := policy.Backoff(attempt)
		select {
		case <-ctx.Done():
			return NodeOutput{}, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// invoke runs the node body, applying the per-step timeout when configured.
func (r *run) invoke(ctx context.Context, node *Node, input NodeInput) (NodeOutput, error) {
	if r.options.StepTimeout <= 0 {
		return node.Body(ctx, input)
	}
	stepCtx, cancel := context.WithTimeout(ctx, r.options.StepTimeout)
	defer cancel()
	output, err := node.Body(stepCtx, input)
	if err != nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		return NodeOutput{}, &SchedulerError{
			Code:    CodeStepTimeout,
			Node:    node.ID,
			Message: fmt.Sprintf("node exceeded step timeout of %v", r.options.StepTimeout),
			Cause:   err,
		}
	}
	return output, err
}

// consumeResume drops the resume payload after the superstep in which it
// was delivered; it must not be replayed on later executions.
func (r *run) consumeResume() {
	r.resume = nil
	r.resumeNode = ""
}

// nextFrontier computes the next superstep's frontier: each node's explicit
// next override or its static successors, plus the still-blocked nodes.
// Duplicates are removed and the result is sorted.
func (r *run) nextFrontier(results []taskResult, blocked []string) []string {
	seen := make(map[string]bool)
	var next []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			next = append(next, id)
		}
	}
	for _, res := range results {
		if nodes, explicit := res.output.Next.Explicit(); explicit {
			for _, id := range nodes {
				add(id)
			}
			continue
		}
		for _, id := range r.graph.edges[res.node] {
			add(id)
		}
	}
	for _, id := range blocked {
		add(id)
	}
	sort.Strings(next)
	return next
}

func (r *run) shouldCheckpoint(stepIndex int) bool {
	if r.engine.checkpoints == nil {
		return false
	}
	switch r.options.Checkpoint.Mode {
	case CheckpointEveryStep:
		return true
	case CheckpointEveryN:
		return r.options.Checkpoint.N > 0 && (stepIndex+1)%r.options.Checkpoint.N == 0
	default:
		return false
	}
}

// saveCheckpoint persists the checkpointed channels plus runtime
// bookkeeping. A save that has begun is allowed to complete even if the run
// is cancelled mid-save, so the checkpoint_saved event is truthful.
func (r *run) saveCheckpoint(ctx context.Context, frontier []string, fired map[string]bool, stepIndex int, pending *pendingInterrupt) (string, error) {
	rt := runtimeState{
		Frontier:  frontier,
		Fired:     sortedKeys(fired),
		StepIndex: stepIndex,
		Pending:   pending,
	}
	withRuntime, err := r.state.apply([]Write{{
		Channel:  runtimeChannelID,
		Value:    rt,
		Producer: "__scheduler",
	}})
	if err != nil {
		return "", err
	}
	payloads, err := withRuntime.EncodeCheckpointed()
	if err != nil {
		return "", &CheckpointError{Code: CodeChannelCodecFailure, Message: err.Error(), Cause: err}
	}

	cp := &store.Checkpoint{
		ThreadID:     r.thread.id,
		RunID:        r.runID,
		ID:           "cp-" + uuid.NewString(),
		StepIndex:    stepIndex,
		GraphVersion: r.graph.Version(),
		CreatedAt:    time.Now().UTC(),
		Channels:     payloads,
	}
	if err := r.engine.checkpoints.Save(context.WithoutCancel(ctx), cp); err != nil {
		return "", &CheckpointError{Code: CodeChannelCodecFailure, Message: fmt.Sprintf("checkpoint save failed: %v", err), Cause: err}
	}

	size := 0
	for _, p := range cp.Channels {
		size += len(p.Payload)
	}
	r.engine.metrics.recordCheckpoint(size)
	r.emit(emit.MsgCheckpointSaved, stepIndex, "", "", map[string]interface{}{
		"checkpoint_id": cp.ID,
		"step_index":    stepIndex,
	})
	return cp.ID, nil
}

func (r *run) syncThread(frontier []string, fired map[string]bool, stepIndex int) {
	r.engine.commitThread(r.thread, r.state, runtimeState{
		Frontier:  frontier,
		Fired:     sortedKeys(fired),
		StepIndex: stepIndex,
	})
}

func (r *run) finishCompleted(frontier []string, fired map[string]bool, stepIndex int) {
	output, err := r.state.projected(r.graph.projection)
	if err != nil {
		r.fail(stepIndex, frontier, fired, err)
		return
	}
	r.syncThread(frontier, fired, stepIndex)
	r.emit(emit.MsgRunFinished, stepIndex, "", "", map[string]interface{}{
		"outcome": OutcomeFinished.String(),
	})
	r.handle.finish(Outcome{Kind: OutcomeFinished, Output: output}, nil)
}

func (r *run) finishCancelled(ctx context.Context, frontier []string, fired map[string]bool, stepIndex int) {
	if r.options.Checkpoint.OnCancel && r.engine.checkpoints != nil {
		// Best effort: committed state up to the previous superstep.
		_, _ = r.saveCheckpoint(ctx, frontier, fired, stepIndex, nil)
	}
	r.syncThread(frontier, fired, stepIndex)
	r.emit(emit.MsgRunCancelled, stepIndex, "", "", nil)
	r.emit(emit.MsgRunFinished, stepIndex, "", "", map[string]interface{}{
		"outcome": OutcomeCancelled.String(),
	})
	r.handle.finish(Outcome{Kind: OutcomeCancelled}, nil)
}

func (r *run) finishInterrupted(ctx context.Context, results []taskResult, interrupter *taskResult, blocked []string, fired map[string]bool, stepIndex int) {
	// Commit every completed node's writes, including the interrupter's:
	// an agent that pauses for tool approval needs its transcript so far
	// to survive into the resume.
	var writes []Write
	for _, res := range results {
		writes = append(writes, res.output.Writes...)
	}
	next, err := r.state.Apply(writes)
	if err != nil {
		r.fail(stepIndex, nil, fired, err)
		return
	}
	r.state = next
	r.consumeResume()

	// The interrupter re-executes on resume; everyone else advances.
	var others []taskResult
	for i := range results {
		if results[i].node == interrupter.node {
			continue
		}
		fired[results[i].node] = true
		others = append(others, results[i])
	}
	frontier := r.nextFrontier(others, append(blocked, interrupter.node))

	pending, err := pendingFromRequest(interrupter.node, interrupter.output.Interrupt)
	if err != nil {
		r.fail(stepIndex, frontier, fired, err)
		return
	}

	checkpointID := ""
	if r.options.Checkpoint.OnInterrupt && r.engine.checkpoints != nil {
		checkpointID, err = r.saveCheckpoint(ctx, frontier, fired, stepIndex, pending)
		if err != nil {
			r.fail(stepIndex, frontier, fired, err)
			return
		}
	}

	r.engine.commitThread(r.thread, r.state, runtimeState{
		Frontier:  frontier,
		Fired:     sortedKeys(fired),
		StepIndex: stepIndex,
		Pending:   pending,
	})
	r.emit(emit.MsgRunInterrupted, stepIndex, interrupter.node, interrupter.taskID, map[string]interface{}{
		"interrupt_id": interrupter.output.Interrupt.ID,
	})
	r.emit(emit.MsgRunFinished, stepIndex, "", "", map[string]interface{}{
		"outcome": OutcomeInterrupted.String(),
	})
	r.handle.finish(Outcome{
		Kind: OutcomeInterrupted,
		Interrupt: &Interrupt{
			ID:           interrupter.output.Interrupt.ID,
			Payload:      interrupter.output.Interrupt.Payload,
			CheckpointID: checkpointID,
		},
	}, nil)
}

func (r *run) fail(stepIndex int, frontier []string, fired map[string]bool, err error) {
	r.syncThread(frontier, fired, stepIndex)
	r.emit(emit.MsgRunFinished, stepIndex, "", "", map[string]interface{}{
		"outcome": "failed",
		"error":   err.Error(),
	})
	r.handle.finish(Outcome{}, err)
}

// firstError returns the failed result with the lexicographically smallest
// node ID, keeping failure selection deterministic across replays.
func firstError(results []taskResult) *taskResult {
	var failed *taskResult
	for i := range results {
		if results[i].err == nil {
			continue
		}
		if failed == nil || results[i].node < failed.node {
			failed = &results[i]
		}
	}
	return failed
}

// firstInterrupt returns the interrupting result with the smallest node ID.
func firstInterrupt(results []taskResult) *taskResult {
	var found *taskResult
	for i := range results {
		if results[i].output.Interrupt == nil {
			continue
		}
		if found == nil || results[i].node < found.node {
			found = &results[i]
		}
	}
	return found
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
