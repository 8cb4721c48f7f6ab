package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIProvider is a second reference LLMProvider implementation,
// exercising the OpenAI-compatible chat completions surface (also used by
// OpenRouter and other OpenAI-compatible endpoints via a custom base URL).
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider against the default OpenAI endpoint.
func NewOpenAIProvider(apiKey, defaultModel string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey))
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: &client, defaultModel: defaultModel}
}

// NewOpenAIProviderWithBaseURL creates a provider against a custom
// OpenAI-compatible endpoint (e.g. OpenRouter).
func NewOpenAIProviderWithBaseURL(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	client := openai.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: &client, defaultModel: defaultModel}
}

func (p *OpenAIProvider) GetDefaultModel() string {
	return p.defaultModel
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error) {
	params, err := buildOpenAIParams(messages, tools, model, options)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai API call: %w", err)
	}
	return parseOpenAIResponse(resp), nil
}

func buildOpenAIParams(messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (openai.ChatCompletionNewParams, error) {
	var oaMessages []openai.ChatCompletionMessageParamUnion

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			oaMessages = append(oaMessages, openai.SystemMessage(msg.Content))
		case "user":
			oaMessages = append(oaMessages, openai.UserMessage(msg.Content))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				assistantMsg := openai.ChatCompletionAssistantMessageParam{}
				if msg.Content != "" {
					assistantMsg.Content.OfString = openai.String(msg.Content)
				}
				for _, tc := range msg.ToolCalls {
					name := tc.Name
					argsStr := ""
					if tc.Function != nil {
						if name == "" {
							name = tc.Function.Name
						}
						argsStr = tc.Function.Arguments
					}
					if argsStr == "" && tc.Arguments != nil {
						if b, err := json.Marshal(tc.Arguments); err == nil {
							argsStr = string(b)
						}
					}
					assistantMsg.ToolCalls = append(assistantMsg.ToolCalls, openai.ChatCompletionMessageToolCallParam{
						ID:   tc.ID,
						Type: "function",
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      name,
							Arguments: argsStr,
						},
					})
				}
				oaMessages = append(oaMessages, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistantMsg})
			} else {
				oaMessages = append(oaMessages, openai.AssistantMessage(msg.Content))
			}
		case "tool":
			oaMessages = append(oaMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: oaMessages,
	}

	if maxTokens, ok := options["max_tokens"].(int); ok {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if temp, ok := options["temperature"].(float64); ok {
		params.Temperature = openai.Float(temp)
	}

	if len(tools) > 0 {
		params.Tools = translateToolsForOpenAI(tools)
	}

	return params, nil
}

func translateToolsForOpenAI(tools []ToolDefinition) []openai.ChatCompletionToolUnionParam {
	result := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, t := range tools {
		fn := shared.FunctionDefinitionParam{
			Name:       t.Function.Name,
			Parameters: shared.FunctionParameters(t.Function.Parameters),
		}
		if t.Function.Description != "" {
			fn.Description = openai.String(t.Function.Description)
		}
		result = append(result, openai.ChatCompletionFunctionTool(fn))
	}
	return result
}

func parseOpenAIResponse(resp *openai.ChatCompletion) *LLMResponse {
	if resp == nil || len(resp.Choices) == 0 {
		return &LLMResponse{Content: "", FinishReason: "error"}
	}

	choice := resp.Choices[0]
	var toolCalls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]interface{}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]interface{}{"raw": tc.Function.Arguments}
		}
		toolCalls = append(toolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
			Function: &FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}

	finishReason := string(choice.FinishReason)
	if finishReason == "" {
		finishReason = "stop"
	}

	return &LLMResponse{
		Content:      choice.Message.Content,
		ToolCalls:    toolCalls,
		FinishReason: finishReason,
		Usage: &UsageInfo{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
}
