package emit

import "context"

// NullEmitter discards all events. Use it when observability is not wanted;
// it is safe for concurrent use and has zero overhead.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops every event.
func NewNullEmitter() *NullEmitter { return &NullEmitter{} }

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// Flush does nothing.
func (n *NullEmitter) Flush(context.Context) error { return nil }
