// Package anthropic adapts Anthropic's Claude API to the model.Provider
// interface.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

// Provider implements model.Provider against Anthropic's Messages API.
//
// Handles the Anthropic-specific message shape: system prompts travel as a
// separate parameter, tool results as tool_result content blocks, and tool
// requests as tool_use blocks.
//
// Example:
//
//	p := anthropic.New(os.Getenv("ANTHROPIC_API_KEY"), "")
//	resp, err := p.GenerateWithToolCalls(ctx, prompt, schemas, model.CallOptions{})
type Provider struct {
	apiKey    string
	modelName string
	client    messagesClient
}

// messagesClient is the SDK seam, split out so tests can fake the API.
type messagesClient interface {
	createMessage(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error)
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) createMessage(ctx context.Context, params anthropicsdk.MessageNewParams) (*anthropicsdk.Message, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))
	return client.Messages.New(ctx, params)
}

// New creates a Claude-backed provider. An empty modelName selects a
// current Sonnet model.
func New(apiKey, modelName string) *Provider {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
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
		return model.Response{}, errors.New("anthropic API key is required")
	}

	system, conversation := splitSystemPrompt(prompt)

	modelName := p.modelName
	if opts.Model != "" {
		modelName = opts.Model
	}
	maxTokens := int64(4096)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: maxTokens,
	}
	if system != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropicsdk.Float(*opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := p.client.createMessage(ctx, params)
	if err != nil {
		return model.Response{}, fmt.Errorf("anthropic API error: %w", err)
	}
	return convertResponse(resp), nil
}

// splitSystemPrompt pulls system messages out of the prompt; Anthropic
// takes them as a separate parameter, not in the messages array.
func splitSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system string
	var conversation []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content
			continue
		}
		conversation = append(conversation, msg)
	}
	return system, conversation
}

func convertMessages(messages []model.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleAssistant:
			blocks := []anthropicsdk.ContentBlockParamUnion{}
			if msg.Content != "" {
				blocks = append(blocks, anthropicsdk.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				blocks = append(blocks, anthropicsdk.NewToolUseBlock(call.ID, json.RawMessage(call.Arguments), call.Name))
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicsdk.NewTextBlock(""))
			}
			result = append(result, anthropicsdk.NewAssistantMessage(blocks...))
		case model.RoleTool:
			result = append(result, anthropicsdk.NewUserMessage(
				anthropicsdk.NewToolResultBlock(msg.ToolCallID, msg.Content, false)))
		default:
			result = append(result, anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content)))
		}
	}
	return result
}

func convertTools(tools []tool.Schema) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		var properties any
		var required []string
		if t.Parameters != nil {
			properties = t.Parameters["properties"]
			required = stringSlice(t.Parameters["required"])
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{
					Properties: properties,
					Required:   required,
				},
			},
		}
	}
	return result
}

func stringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func convertResponse(resp *anthropicsdk.Message) model.Response {
	out := model.Response{FinishReason: model.FinishStop}
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Content != "" {
				out.Content += "\n"
			}
			out.Content += b.Text
		case anthropicsdk.ToolUseBlock:
			args, err := json.Marshal(b.Input)
			if err != nil {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, tool.Call{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = model.FinishToolCalls
	}
	if resp.Usage.InputTokens > 0 || resp.Usage.OutputTokens > 0 {
		out.Usage = &model.TokenUsage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		}
	}
	return out
}
