package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/hivekit/swarm-go/model"
)

// captureSession records appended messages.
type captureSession struct {
	messages []model.Message
	err      error
}

func (s *captureSession) AppendMessages(ctx context.Context, messages []model.Message) error {
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, messages...)
	return nil
}

func TestAgent_SessionWriteThrough(t *testing.T) {
	t.Run("user and assistant messages are written through", func(t *testing.T) {
		session := &captureSession{}
		ag := &Agent{
			Name:     "writer",
			Provider: &model.MockProvider{Responses: []model.Response{{Content: "reply"}}},
			Session:  session,
		}
		if _, err := ag.Run(context.Background(), Request{Input: "hi", TaskID: "t1"}); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(session.messages) != 2 {
			t.Fatalf("expected user+assistant written through, got %d messages", len(session.messages))
		}
		if session.messages[0].Role != model.RoleUser || session.messages[1].Role != model.RoleAssistant {
			t.Errorf("unexpected roles: %+v", session.messages)
		}
	})

	t.Run("session failure does not fail the run", func(t *testing.T) {
		session := &captureSession{err: errors.New("disk full")}
		ag := &Agent{
			Name:     "writer",
			Provider: &model.MockProvider{Responses: []model.Response{{Content: "reply"}}},
			Session:  session,
		}
		result, err := ag.Run(context.Background(), Request{Input: "hi", TaskID: "t1"})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if result.Metadata["session_error"] == nil {
			t.Error("expected the session failure surfaced in metadata")
		}
	})
}
