package tool

import "sync"

// CircuitBreaker short-circuits calls to tools that keep failing. Each tool
// name gets its own failure counter; when failures reach the threshold the
// breaker opens and the next cooldownSteps invocations are refused without
// running the tool. After the cooldown the next call goes through as a
// trial.
type CircuitBreaker struct {
	mu               sync.Mutex
	failureThreshold int
	cooldownSteps    int
	states           map[string]*breakerState
}

type breakerState struct {
	failures      int
	openRemaining int
}

// NewCircuitBreaker creates a breaker that opens after failureThreshold
// consecutive failures and stays open for cooldownSteps refused calls.
func NewCircuitBreaker(failureThreshold, cooldownSteps int) *CircuitBreaker {
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		cooldownSteps:    cooldownSteps,
		states:           make(map[string]*breakerState),
	}
}

// Allow reports whether a call to the named tool may proceed. Refused calls
// consume one cooldown step.
func (b *CircuitBreaker) Allow(name string) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.states[name]
	if state == nil {
		return true
	}
	if state.openRemaining > 0 {
		state.openRemaining--
		return false
	}
	return true
}

// RecordSuccess resets the tool's failure counter.
func (b *CircuitBreaker) RecordSuccess(name string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, name)
}

// RecordFailure counts a failure, opening the breaker when the threshold is
// reached.
func (b *CircuitBreaker) RecordFailure(name string) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.states[name]
	if state == nil {
		state = &breakerState{}
		b.states[name] = state
	}
	state.failures++
	if state.failures >= b.failureThreshold {
		state.openRemaining = b.cooldownSteps
		state.failures = 0
	}
}
