// Package google adapts Google's Gemini API to the model.Provider
// interface.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

// Provider implements model.Provider against Google's Gemini API.
//
// Gemini has no separate tool-result role; tool results are folded into the
// text stream, and function calls are surfaced from response parts with
// synthesized call IDs (Gemini does not assign them).
//
// Example:
//
//	p := google.New(os.Getenv("GOOGLE_API_KEY"), "gemini-2.5-flash")
type Provider struct {
	apiKey    string
	modelName string
	client    generateClient
}

// generateClient is the SDK seam for tests.
type generateClient interface {
	generateContent(ctx context.Context, modelName string, tools []*genai.Tool, opts model.CallOptions, parts []genai.Part) (*genai.GenerateContentResponse, error)
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) generateContent(ctx context.Context, modelName string, tools []*genai.Tool, opts model.CallOptions, parts []genai.Part) (*genai.GenerateContentResponse, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(modelName)
	if len(tools) > 0 {
		genModel.Tools = tools
	}
	if opts.MaxTokens > 0 {
		genModel.SetMaxOutputTokens(int32(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		genModel.SetTemperature(float32(*opts.Temperature))
	}
	return genModel.GenerateContent(ctx, parts...)
}

// New creates a Gemini-backed provider. An empty modelName selects
// gemini-2.5-flash.
func New(apiKey, modelName string) *Provider {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &Provider{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &defaultClient{apiKey: apiKey},
	}
}

// GenerateWithToolCalls implements model.Provider.
func (p *Provider) GenerateWithToolCalls(ctx context.Context, prompt []model.Message, tools []tool.Schema, opts model.CallOptions) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	if p.apiKey == "" {
		return model.Response{}, errors.New("google API key is required")
	}

	modelName := p.modelName
	if opts.Model != "" {
		modelName = opts.Model
	}

	resp, err := p.client.generateContent(ctx, modelName, convertTools(tools), opts, convertMessages(prompt))
	if err != nil {
		return model.Response{}, fmt.Errorf("google API error: %w", err)
	}
	return convertResponse(resp), nil
}

// convertMessages flattens the conversation into Gemini parts. Gemini sets
// system behavior via SystemInstruction, but folding roles into prefixed
// text keeps multi-turn transcripts intact across the single-call API.
func convertMessages(messages []model.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content == "" {
			continue
		}
		switch msg.Role {
		case model.RoleTool:
			parts = append(parts, genai.Text("tool result ("+msg.ToolCallID+"): "+msg.Content))
		default:
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []tool.Schema) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  convertSchema(t.Parameters),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// convertSchema maps the common object-with-properties schema shape onto
// genai.Schema. Nested objects convert one level deep, which covers the
// tool schemas generated by this framework.
func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}

	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema, len(props))
		for key, val := range props {
			propMap, ok := val.(map[string]any)
			if !ok {
				continue
			}
			prop := &genai.Schema{}
			if typeStr, ok := propMap["type"].(string); ok {
				prop.Type = convertType(typeStr)
			}
			if desc, ok := propMap["description"].(string); ok {
				prop.Description = desc
			}
			properties[key] = prop
		}
		result.Properties = properties
	}

	switch required := schema["required"].(type) {
	case []string:
		result.Required = required
	case []any:
		for _, v := range required {
			if s, ok := v.(string); ok {
				result.Required = append(result.Required, s)
			}
		}
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) model.Response {
	out := model.Response{FinishReason: model.FinishStop}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return out
	}

	callIndex := 0
	for _, part := range resp.Candidates[0].Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += string(p)
		case genai.FunctionCall:
			args, err := json.Marshal(p.Args)
			if err != nil {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, tool.Call{
				ID:        fmt.Sprintf("call_%d", callIndex),
				Name:      p.Name,
				Arguments: args,
			})
			callIndex++
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = model.FinishToolCalls
	}
	if resp.UsageMetadata != nil {
		out.Usage = &model.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out
}
