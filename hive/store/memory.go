package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory QueryableStore.
//
// Designed for tests, development, and single-process runs that do not need
// durability. Thread-safe; writes for a given thread are serialized by the
// store mutex. History grows without bound.
type MemoryStore struct {
	mu          sync.RWMutex
	checkpoints map[string][]*Checkpoint // threadID -> checkpoints in save order
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{checkpoints: make(map[string][]*Checkpoint)}
}

// Save appends the checkpoint to the thread's history.
func (m *MemoryStore) Save(ctx context.Context, cp *Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Round-trip through the binary codec so in-memory behavior matches
	// durable stores: values that cannot serialize fail here, not later.
	data, err := cp.EncodeBinary()
	if err != nil {
		return err
	}
	stored, err := DecodeBinary(data)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints[cp.ThreadID] = append(m.checkpoints[cp.ThreadID], stored)
	return nil
}

// LoadLatest returns the most recently saved checkpoint for the thread.
func (m *MemoryStore) LoadLatest(ctx context.Context, threadID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.checkpoints[threadID]
	if len(history) == 0 {
		return nil, ErrNotFound
	}
	return history[len(history)-1], nil
}

// ListCheckpoints returns summaries newest first.
func (m *MemoryStore) ListCheckpoints(ctx context.Context, threadID string, limit int) ([]Summary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.checkpoints[threadID]
	summaries := make([]Summary, 0, len(history))
	for i := len(history) - 1; i >= 0; i-- {
		cp := history[i]
		size := 0
		for _, ch := range cp.Channels {
			size += len(ch.Payload)
		}
		summaries = append(summaries, Summary{
			ID:           cp.ID,
			RunID:        cp.RunID,
			StepIndex:    cp.StepIndex,
			GraphVersion: cp.GraphVersion,
			CreatedAt:    cp.CreatedAt,
			SizeBytes:    size,
		})
		if limit > 0 && len(summaries) >= limit {
			break
		}
	}
	return summaries, nil
}

// LoadCheckpoint returns a specific checkpoint by ID.
func (m *MemoryStore) LoadCheckpoint(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, cp := range m.checkpoints[threadID] {
		if cp.ID == checkpointID {
			return cp, nil
		}
	}
	return nil, ErrNotFound
}
