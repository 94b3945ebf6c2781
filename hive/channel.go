package hive

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Scope declares how many values a channel holds per thread.
type Scope int

const (
	// ScopeGlobal holds one value per thread.
	ScopeGlobal Scope = iota

	// ScopeTaskLocal holds one value per in-flight task. Task-local values
	// are visible only to the writing task and are dropped when the
	// task's superstep commits. Used by nested subgraph plumbing.
	ScopeTaskLocal
)

// UpdatePolicy declares how many writes a channel accepts per superstep.
type UpdatePolicy int

const (
	// UpdateSingle allows at most one write per superstep; a second write
	// in the same superstep fails the commit.
	UpdateSingle UpdatePolicy = iota

	// UpdateMulti allows concurrent writes; they are reduced in
	// lexicographic producer-node-ID order.
	UpdateMulti
)

// Persistence declares whether a channel survives in checkpoints.
type Persistence int

const (
	// PersistCheckpointed channels are serialized on checkpoint save and
	// restored on resume. They require a codec.
	PersistCheckpointed Persistence = iota

	// PersistEphemeral channels are never checkpointed; they are
	// recomputed after resume.
	PersistEphemeral
)

// Reducer folds one update into the channel's current value. It must be
// pure and associative under the documented update ordering: the scheduler
// calls reduce(current_committed, each_update_in_deterministic_order).
// A nil reducer means last-write-wins.
type Reducer func(current, update any) (any, error)

// Codec converts channel values to and from a deterministic byte form.
// Encode must produce identical bytes for identical values; Decode must be
// the exact inverse.
type Codec interface {
	// ID identifies the codec in checkpoint records.
	ID() string

	// Encode serializes a channel value canonically.
	Encode(v any) ([]byte, error)

	// Decode parses bytes produced by Encode.
	Decode(data []byte) (any, error)
}

// jsonCodec encodes values of type T as JSON. encoding/json sorts map keys,
// so the byte output is canonical for JSON-shaped values.
type jsonCodec[T any] struct {
	name string
}

// JSONCodec returns a codec that round-trips values of type T through JSON.
// The codec ID is "json:" + name; decoders refuse payloads written under a
// different ID.
func JSONCodec[T any](name string) Codec {
	return jsonCodec[T]{name: name}
}

func (c jsonCodec[T]) ID() string { return "json:" + c.name }

func (c jsonCodec[T]) Encode(v any) ([]byte, error) {
	typed, ok := v.(T)
	if !ok {
		return nil, fmt.Errorf("codec %s: cannot encode %T", c.ID(), v)
	}
	return json.Marshal(typed)
}

func (c jsonCodec[T]) Decode(data []byte) (any, error) {
	var typed T
	if err := json.Unmarshal(data, &typed); err != nil {
		return nil, fmt.Errorf("codec %s: %w", c.ID(), err)
	}
	return typed, nil
}

// ChannelSpec declares one typed slot in a thread's state.
type ChannelSpec struct {
	// ID is the unique channel key. IDs starting with "__" are reserved
	// for the runtime.
	ID string

	// Scope is global (default) or task-local.
	Scope Scope

	// Policy is single-write (default) or multi-write per superstep.
	Policy UpdatePolicy

	// Persistence is checkpointed (default) or ephemeral.
	Persistence Persistence

	// Reducer folds updates; nil means last-write-wins.
	Reducer Reducer

	// Initial constructs the value returned by reads before the first
	// write. Evaluated lazily; nil means reads before the first write
	// fail.
	Initial func() any

	// Codec serializes values for checkpoints. Required for checkpointed
	// channels.
	Codec Codec
}

// Schema is the set of channels a graph runs against.
type Schema struct {
	specs map[string]ChannelSpec
	order []string
}

// runtimeChannelID is the reserved channel holding scheduler bookkeeping
// (frontier, fired join parents, pending interrupt) so that a checkpoint is
// self-contained.
const runtimeChannelID = "__runtime"

// NewSchema builds a schema from channel specs, rejecting duplicates and
// checkpointed channels without codecs. The reserved runtime channel is
// added automatically.
func NewSchema(specs ...ChannelSpec) (*Schema, error) {
	s := &Schema{specs: make(map[string]ChannelSpec, len(specs)+1)}
	for _, spec := range specs {
		if spec.ID == "" {
			return nil, &ChannelError{Code: CodeUnknownChannel, Message: "channel ID cannot be empty"}
		}
		if strings.HasPrefix(spec.ID, "__") {
			return nil, &ChannelError{
				Code:    CodeReservedChannelWrite,
				Channel: spec.ID,
				Message: "channel IDs starting with __ are reserved",
			}
		}
		if _, exists := s.specs[spec.ID]; exists {
			return nil, &ChannelError{
				Code:    CodeDuplicateChannel,
				Channel: spec.ID,
				Message: "duplicate channel ID",
			}
		}
		if spec.Persistence == PersistCheckpointed && spec.Codec == nil {
			return nil, &ChannelError{
				Code:    CodeMissingChannelCodec,
				Channel: spec.ID,
				Message: "checkpointed channel requires a codec",
			}
		}
		s.specs[spec.ID] = spec
		s.order = append(s.order, spec.ID)
	}

	s.specs[runtimeChannelID] = ChannelSpec{
		ID:          runtimeChannelID,
		Policy:      UpdateSingle,
		Persistence: PersistCheckpointed,
		Codec:       JSONCodec[runtimeState]("runtime"),
	}
	s.order = append(s.order, runtimeChannelID)
	sort.Strings(s.order)
	return s, nil
}

// Spec returns the declaration for a channel ID.
func (s *Schema) Spec(id string) (ChannelSpec, bool) {
	spec, ok := s.specs[id]
	return spec, ok
}

// ChannelIDs returns all channel IDs in sorted order, including the
// reserved runtime channel.
func (s *Schema) ChannelIDs() []string {
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// LastWriteWins is the implicit reducer for channels without one.
func LastWriteWins(_, update any) (any, error) { return update, nil }

// AppendReducer appends update slices of type T to the current slice.
func AppendReducer[T any]() Reducer {
	return func(current, update any) (any, error) {
		var existing []T
		if current != nil {
			typed, ok := current.([]T)
			if !ok {
				return nil, fmt.Errorf("append reducer: current is %T", current)
			}
			existing = typed
		}
		switch u := update.(type) {
		case []T:
			out := make([]T, 0, len(existing)+len(u))
			out = append(out, existing...)
			return append(out, u...), nil
		case T:
			out := make([]T, 0, len(existing)+1)
			out = append(out, existing...)
			return append(out, u), nil
		default:
			return nil, fmt.Errorf("append reducer: update is %T", update)
		}
	}
}

// SumReducer accumulates int64 updates.
func SumReducer() Reducer {
	return func(current, update any) (any, error) {
		base := int64(0)
		if current != nil {
			typed, ok := current.(int64)
			if !ok {
				return nil, fmt.Errorf("sum reducer: current is %T", current)
			}
			base = typed
		}
		delta, ok := update.(int64)
		if !ok {
			return nil, fmt.Errorf("sum reducer: update is %T", update)
		}
		return base + delta, nil
	}
}

// MergeDictReducer merges map[string]any updates into the current map;
// colliding keys take the update's value. Update ordering is the store's
// deterministic producer order, so the merged result is deterministic.
func MergeDictReducer() Reducer {
	return func(current, update any) (any, error) {
		merged := map[string]any{}
		if current != nil {
			typed, ok := current.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("merge reducer: current is %T", current)
			}
			for k, v := range typed {
				merged[k] = v
			}
		}
		typed, ok := update.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("merge reducer: update is %T", update)
		}
		for k, v := range typed {
			merged[k] = v
		}
		return merged, nil
	}
}
