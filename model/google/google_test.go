package google

import (
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

func TestConvertSchema(t *testing.T) {
	t.Run("nil schema", func(t *testing.T) {
		if convertSchema(nil) != nil {
			t.Error("expected nil for nil schema")
		}
	})

	t.Run("object with typed properties", func(t *testing.T) {
		schema := convertSchema(map[string]any{
			"type": "object",
			"properties": map[string]any{
				"location": map[string]any{"type": "string", "description": "city name"},
				"count":    map[string]any{"type": "integer"},
			},
			"required": []any{"location"},
		})
		if schema.Type != genai.TypeObject {
			t.Errorf("expected object type, got %v", schema.Type)
		}
		if schema.Properties["location"].Type != genai.TypeString {
			t.Errorf("expected string property, got %v", schema.Properties["location"].Type)
		}
		if schema.Properties["location"].Description != "city name" {
			t.Errorf("expected description to convert")
		}
		if len(schema.Required) != 1 || schema.Required[0] != "location" {
			t.Errorf("expected required [location], got %v", schema.Required)
		}
	})
}

func TestConvertType(t *testing.T) {
	tests := []struct {
		in   string
		want genai.Type
	}{
		{"string", genai.TypeString},
		{"number", genai.TypeNumber},
		{"integer", genai.TypeInteger},
		{"boolean", genai.TypeBoolean},
		{"array", genai.TypeArray},
		{"object", genai.TypeObject},
		{"mystery", genai.TypeUnspecified},
	}
	for _, tt := range tests {
		if got := convertType(tt.in); got != tt.want {
			t.Errorf("convertType(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestConvertMessages(t *testing.T) {
	parts := convertMessages([]model.Message{
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleTool, Content: "42", ToolCallID: "c1"},
		{Role: model.RoleAssistant, Content: ""},
	})
	// Empty-content messages are dropped.
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
}

func TestConvertTools(t *testing.T) {
	converted := convertTools([]tool.Schema{{Name: "calc", Description: "calculator"}})
	if len(converted) != 1 || len(converted[0].FunctionDeclarations) != 1 {
		t.Fatalf("unexpected tool conversion: %+v", converted)
	}
	if converted[0].FunctionDeclarations[0].Name != "calc" {
		t.Errorf("expected calc declaration, got %+v", converted[0].FunctionDeclarations[0])
	}
	if convertTools(nil) != nil {
		t.Error("expected nil for no tools")
	}
}
