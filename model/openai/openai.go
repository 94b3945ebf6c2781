// Package openai adapts OpenAI's chat completions API to the
// model.Provider interface.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/hivekit/swarm-go/model"
	"github.com/hivekit/swarm-go/tool"
)

// Provider implements model.Provider against OpenAI's chat completions API.
//
// Transient failures (rate limits, 5xx, network) are retried with a fixed,
// jitter-free schedule so behavior stays reproducible.
//
// Example:
//
//	p := openai.New(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
type Provider struct {
	apiKey     string
	modelName  string
	client     completionsClient
	maxRetries int
	retryDelay time.Duration
}

// completionsClient is the SDK seam for tests.
type completionsClient interface {
	createChatCompletion(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error)
}

type defaultClient struct {
	apiKey string
}

func (c *defaultClient) createChatCompletion(ctx context.Context, params openaisdk.ChatCompletionNewParams) (*openaisdk.ChatCompletion, error) {
	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))
	return client.Chat.Completions.New(ctx, params)
}

// New creates an OpenAI-backed provider. An empty modelName selects gpt-4o.
func New(apiKey, modelName string) *Provider {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &Provider{
		apiKey:     apiKey,
		modelName:  modelName,
		client:     &defaultClient{apiKey: apiKey},
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

// GenerateWithToolCalls implements model.Provider.
func (p *Provider) GenerateWithToolCalls(ctx context.Context, prompt []model.Message, tools []tool.Schema, opts model.CallOptions) (model.Response, error) {
	if err := ctx.Err(); err != nil {
		return model.Response{}, err
	}
	if p.apiKey == "" {
		return model.Response{}, errors.New("openai API key is required")
	}

	modelName := p.modelName
	if opts.Model != "" {
		modelName = opts.Model
	}
	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(modelName),
		Messages: convertMessages(prompt),
	}
	if opts.MaxTokens > 0 {
		params.MaxCompletionTokens = openaisdk.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openaisdk.Float(*opts.Temperature)
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	var lastErr error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		resp, err := p.client.createChatCompletion(ctx, params)
		if err == nil {
			return convertResponse(resp), nil
		}
		lastErr = err
		if !isTransient(err) || attempt >= p.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return model.Response{}, ctx.Err()
		case <-time.After(p.retryDelay * time.Duration(attempt+1)):
		}
	}
	return model.Response{}, fmt.Errorf("openai API error: %w", lastErr)
}

// isTransient classifies errors worth retrying: rate limits, 5xx, and
// network-level failures.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "429", "500", "502", "503"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func convertMessages(messages []model.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			result = append(result, openaisdk.SystemMessage(msg.Content))
		case model.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				assistant := openaisdk.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					assistant.Content.OfString = openaisdk.String(msg.Content)
				}
				for _, call := range msg.ToolCalls {
					assistant.ToolCalls = append(assistant.ToolCalls, openaisdk.ChatCompletionMessageToolCallParam{
						ID: call.ID,
						Function: openaisdk.ChatCompletionMessageToolCallFunctionParam{
							Name:      call.Name,
							Arguments: string(call.Arguments),
						},
					})
				}
				result = append(result, openaisdk.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
				continue
			}
			result = append(result, openaisdk.AssistantMessage(msg.Content))
		case model.RoleTool:
			result = append(result, openaisdk.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			result = append(result, openaisdk.UserMessage(msg.Content))
		}
	}
	return result
}

func convertTools(tools []tool.Schema) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaisdk.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Parameters),
			},
		}
	}
	return result
}

func convertResponse(resp *openaisdk.ChatCompletion) model.Response {
	out := model.Response{FinishReason: model.FinishStop}
	if len(resp.Choices) == 0 {
		return out
	}
	choice := resp.Choices[0]
	out.Content = choice.Message.Content

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, tool.Call{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	switch {
	case len(out.ToolCalls) > 0:
		out.FinishReason = model.FinishToolCalls
	case choice.FinishReason == "length":
		out.FinishReason = model.FinishLength
	}
	if resp.Usage.PromptTokens > 0 || resp.Usage.CompletionTokens > 0 {
		out.Usage = &model.TokenUsage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		}
	}
	return out
}
