package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// LogEmitter implements Emitter by writing structured output to a writer.
//
// Two output modes:
//   - Text (default): human-readable "[msg] key=value" lines.
//   - JSON: one JSON object per line, suitable for log shippers.
//
// Example text output:
//
//	[step_started] run=run-001 attempt=a-1 seq=1 step=0 meta={"nodes":["fetch"]}
//
// Example JSON output:
//
//	{"runID":"run-001","attemptID":"a-1","seq":3,"step":0,"node":"fetch","msg":"task_started","schemaVersion":1}
type LogEmitter struct {
	mu       sync.Mutex
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to w (os.Stdout when nil).
// When jsonMode is true, events are emitted as JSON lines.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{writer: w, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.jsonMode {
		l.emitJSON(event)
		return
	}
	l.emitText(event)
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID         string                 `json:"runID"`
		AttemptID     string                 `json:"attemptID"`
		Seq           int                    `json:"seq"`
		Step          int                    `json:"step"`
		Node          string                 `json:"node,omitempty"`
		TaskID        string                 `json:"taskID,omitempty"`
		Msg           string                 `json:"msg"`
		Meta          map[string]interface{} `json:"meta,omitempty"`
		SchemaVersion int                    `json:"schemaVersion"`
	}{
		RunID:         event.RunID,
		AttemptID:     event.AttemptID,
		Seq:           event.Seq,
		Step:          event.Step,
		Node:          event.Node,
		TaskID:        event.TaskID,
		Msg:           event.Msg,
		Meta:          event.Meta,
		SchemaVersion: event.SchemaVersion,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = l.writer.Write(append(data, '\n'))
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run=%s attempt=%s seq=%d step=%d",
		event.Msg, event.RunID, event.AttemptID, event.Seq, event.Step)
	if event.Node != "" {
		_, _ = fmt.Fprintf(l.writer, " node=%s", event.Node)
	}
	if event.TaskID != "" {
		_, _ = fmt.Fprintf(l.writer, " task=%s", event.TaskID)
	}
	if len(event.Meta) > 0 {
		if data, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", data)
		}
	}
	_, _ = fmt.Fprintln(l.writer)
}

// Flush is a no-op: LogEmitter writes synchronously.
func (l *LogEmitter) Flush(ctx context.Context) error { return ctx.Err() }
