package openai

import (
	"errors"
	"testing"

	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limit", errors.New("HTTP 429 Too Many Requests"), true},
		{"server error", errors.New("503 service unavailable"), true},
		{"network", errors.New("network unreachable"), true},
		{"auth failure", errors.New("401 invalid api key"), false},
		{"bad request", errors.New("400 invalid parameter"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTransient(tt.err); got != tt.want {
				t.Errorf("isTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestConvertMessages(t *testing.T) {
	msgs := convertMessages([]model.Message{
		{Role: model.RoleSystem, Content: "rules"},
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleAssistant, Content: "answer"},
		{Role: model.RoleTool, Content: "42", ToolCallID: "c1"},
	})
	if len(msgs) != 4 {
		t.Fatalf("expected 4 converted messages, got %d", len(msgs))
	}
}

func TestConvertTools(t *testing.T) {
	converted := convertTools([]tool.Schema{{
		Name:        "calc",
		Description: "calculator",
		Parameters:  map[string]any{"type": "object"},
	}})
	if len(converted) != 1 {
		t.Fatalf("expected 1 converted tool, got %d", len(converted))
	}
	if converted[0].Function.Name != "calc" {
		t.Errorf("unexpected function name: %+v", converted[0].Function)
	}
}

func TestNewDefaults(t *testing.T) {
	p := New("key", "")
	if p.modelName != "gpt-4o" {
		t.Errorf("expected gpt-4o default, got %s", p.modelName)
	}
	if p.maxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", p.maxRetries)
	}
}
