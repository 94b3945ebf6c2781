package hive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/hivekit/swarm-go/hive/store"
)

// Write is one channel update emitted by a node (or supplied externally).
type Write struct {
	// Channel names the target channel.
	Channel string

	// Value is the update handed to the channel's reducer.
	Value any

	// Producer is the writing node's ID. Multi-write channels reduce
	// updates in lexicographic producer order, so the producer is part of
	// the determinism contract.
	Producer string

	// TaskID scopes the write for task-local channels. Ignored for
	// global channels.
	TaskID string
}

// State is one committed version of a thread's channel values. States are
// immutable: Apply returns a new version and leaves the receiver untouched,
// so every task in a superstep reads one consistent snapshot.
type State struct {
	schema  *Schema
	version uint64
	values  map[string]any
	locals  map[string]map[string]any // taskID -> channelID -> value
}

// NewState creates version 0 of a thread's state. No channels are
// materialized until written; reads fall back to the channel's Initial
// constructor.
func NewState(schema *Schema) *State {
	return &State{
		schema: schema,
		values: make(map[string]any),
		locals: make(map[string]map[string]any),
	}
}

// Version returns the monotonically increasing store version.
func (s *State) Version() uint64 { return s.version }

// Get returns the latest reduced value of a global channel. Channels never
// written return their Initial value; channels without an Initial fail.
func (s *State) Get(id string) (any, error) {
	spec, ok := s.schema.Spec(id)
	if !ok {
		return nil, &ChannelError{Code: CodeUnknownChannel, Channel: id, Message: "unknown channel"}
	}
	if v, written := s.values[id]; written {
		return v, nil
	}
	if spec.Initial == nil {
		return nil, &ChannelError{Code: CodeUnknownChannel, Channel: id, Message: "channel has no value and no initial constructor"}
	}
	return spec.Initial(), nil
}

// GetLocal returns a task-local channel value for the given task.
func (s *State) GetLocal(taskID, id string) (any, error) {
	spec, ok := s.schema.Spec(id)
	if !ok {
		return nil, &ChannelError{Code: CodeUnknownChannel, Channel: id, Message: "unknown channel"}
	}
	if spec.Scope != ScopeTaskLocal {
		return s.Get(id)
	}
	if byTask, ok := s.locals[taskID]; ok {
		if v, written := byTask[id]; written {
			return v, nil
		}
	}
	if spec.Initial == nil {
		return nil, &ChannelError{Code: CodeUnknownChannel, Channel: id, Message: "channel has no value and no initial constructor"}
	}
	return spec.Initial(), nil
}

// GetTyped returns a global channel value asserted to type T, reporting a
// type mismatch as a ChannelError rather than a panic.
func GetTyped[T any](s *State, id string) (T, error) {
	var zero T
	v, err := s.Get(id)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, &ChannelError{
			Code:    CodeChannelTypeMismatch,
			Channel: id,
			Message: fmt.Sprintf("expected %T, channel holds %T", zero, v),
		}
	}
	return typed, nil
}

// Apply commits a batch of writes atomically and returns the next state
// version. For single-policy channels a second write in the batch is an
// error; for multi-policy channels updates are reduced in lexicographic
// producer order. Writes to reserved channels are rejected. On any error
// no new version is produced.
func (s *State) Apply(writes []Write) (*State, error) {
	for _, w := range writes {
		if strings.HasPrefix(w.Channel, "__") {
			return nil, &ChannelError{
				Code:    CodeReservedChannelWrite,
				Channel: w.Channel,
				Message: "cannot write reserved channel",
			}
		}
	}
	return s.apply(writes)
}

// apply is Apply without the reserved-channel guard; the scheduler uses it
// to persist runtime bookkeeping.
func (s *State) apply(writes []Write) (*State, error) {
	grouped := make(map[string][]Write)
	var channelOrder []string
	for _, w := range writes {
		if _, ok := s.schema.Spec(w.Channel); !ok {
			return nil, &ChannelError{Code: CodeUnknownChannel, Channel: w.Channel, Message: "unknown channel"}
		}
		if _, seen := grouped[w.Channel]; !seen {
			channelOrder = append(channelOrder, w.Channel)
		}
		grouped[w.Channel] = append(grouped[w.Channel], w)
	}
	sort.Strings(channelOrder)

	next := &State{
		schema:  s.schema,
		version: s.version + 1,
		values:  make(map[string]any, len(s.values)+len(grouped)),
		locals:  make(map[string]map[string]any),
	}
	for k, v := range s.values {
		next.values[k] = v
	}

	for _, id := range channelOrder {
		spec, _ := s.schema.Spec(id)
		updates := grouped[id]

		if spec.Policy == UpdateSingle && len(updates) > 1 {
			producers := make([]string, len(updates))
			for i, w := range updates {
				producers[i] = w.Producer
			}
			sort.Strings(producers)
			return nil, &ChannelError{
				Code:    CodeMultipleUpdates,
				Channel: id,
				Message: fmt.Sprintf("%d writes in one superstep (producers: %s)", len(updates), strings.Join(producers, ", ")),
			}
		}

		// Deterministic order: lexicographic producer node ID (UTF-8
		// byte order, which is what sort.Slice on the string gives us).
		sort.SliceStable(updates, func(i, j int) bool {
			return updates[i].Producer < updates[j].Producer
		})

		reduce := spec.Reducer
		if reduce == nil {
			reduce = LastWriteWins
		}

		if spec.Scope == ScopeTaskLocal {
			for _, w := range updates {
				byTask := next.locals[w.TaskID]
				if byTask == nil {
					byTask = make(map[string]any)
					next.locals[w.TaskID] = byTask
				}
				current, written := byTask[id]
				if !written {
					if prev, ok := s.locals[w.TaskID]; ok {
						current, written = prev[id]
					}
				}
				if !written && spec.Initial != nil {
					current = spec.Initial()
				}
				reduced, err := reduce(current, w.Value)
				if err != nil {
					return nil, &ChannelError{Code: CodeChannelTypeMismatch, Channel: id, Message: err.Error(), Cause: err}
				}
				byTask[id] = reduced
			}
			continue
		}

		current, written := next.values[id]
		if !written && spec.Initial != nil {
			current = spec.Initial()
		}
		for _, w := range updates {
			reduced, err := reduce(current, w.Value)
			if err != nil {
				return nil, &ChannelError{Code: CodeChannelTypeMismatch, Channel: id, Message: err.Error(), Cause: err}
			}
			current = reduced
		}
		next.values[id] = current
	}
	return next, nil
}

// EncodeCheckpointed serializes every written checkpointed channel via its
// declared codec. Ephemeral and task-local channels are skipped: they are
// recomputed, not restored, after resume.
func (s *State) EncodeCheckpointed() ([]store.ChannelPayload, error) {
	var payloads []store.ChannelPayload
	ids := make([]string, 0, len(s.values))
	for id := range s.values {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec, _ := s.schema.Spec(id)
		if spec.Persistence != PersistCheckpointed || spec.Scope == ScopeTaskLocal {
			continue
		}
		data, err := spec.Codec.Encode(s.values[id])
		if err != nil {
			return nil, &ChannelError{
				Code:    CodeChannelCodecFailure,
				Channel: id,
				Message: fmt.Sprintf("encode failed: %v", err),
				Cause:   err,
			}
		}
		payloads = append(payloads, store.ChannelPayload{
			ChannelID: id,
			CodecID:   spec.Codec.ID(),
			Payload:   data,
		})
	}
	return payloads, nil
}

// RestoreState rebuilds a state version from checkpoint payloads. Unknown
// channel IDs and codec mismatches fail the restore; ephemeral channels are
// absent by construction and revert to their Initial value on first read.
func RestoreState(schema *Schema, payloads []store.ChannelPayload) (*State, error) {
	s := NewState(schema)
	for _, p := range payloads {
		spec, ok := schema.Spec(p.ChannelID)
		if !ok {
			return nil, &ChannelError{Code: CodeUnknownChannel, Channel: p.ChannelID, Message: "checkpoint references unknown channel"}
		}
		if spec.Codec == nil || spec.Codec.ID() != p.CodecID {
			return nil, &ChannelError{
				Code:    CodeChannelCodecFailure,
				Channel: p.ChannelID,
				Message: fmt.Sprintf("codec mismatch: checkpoint has %q", p.CodecID),
			}
		}
		v, err := spec.Codec.Decode(p.Payload)
		if err != nil {
			return nil, &ChannelError{
				Code:    CodeChannelCodecFailure,
				Channel: p.ChannelID,
				Message: fmt.Sprintf("decode failed: %v", err),
				Cause:   err,
			}
		}
		s.values[p.ChannelID] = v
	}
	return s, nil
}

// Digest returns "sha256:" + hex digest over the canonical encodings of all
// checkpointed channels. Two states with identical checkpointed contents
// produce identical digests regardless of how they were reached.
func (s *State) Digest() (string, error) {
	payloads, err := s.EncodeCheckpointed()
	if err != nil {
		return "", err
	}
	h := sha256.New()
	for _, p := range payloads {
		h.Write([]byte(p.ChannelID))
		h.Write([]byte{0})
		h.Write(p.Payload)
		h.Write([]byte{0})
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// projected builds the run outcome's output view: the named channels, or
// every written non-reserved global channel when channels is nil.
func (s *State) projected(channels []string) (map[string]any, error) {
	out := make(map[string]any)
	if channels == nil {
		for id, v := range s.values {
			if strings.HasPrefix(id, "__") {
				continue
			}
			out[id] = v
		}
		return out, nil
	}
	for _, id := range channels {
		v, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out[id] = v
	}
	return out, nil
}
