// Package providers defines the narrow collaborator boundary to LLM vendors
// (spec.md §1 "Out of scope: LLM provider HTTP transport") plus two
// reference implementations that exercise it.
package providers

import (
	"context"

	"github.com/sipeed/oxibot/pkg/media"
)

// Message is one conversation turn (spec.md §3 "Message"). Unlike the
// reference Rust implementation's tagged-union encoding, Go idiom prefers a
// flat struct with a Role discriminator; empty fields (e.g. the Content of
// an assistant message that only carries tool calls) are left out of the
// JSON encoding by their omitempty struct tags.
type Message struct {
	Role         string              `json:"role"`
	Content      string              `json:"content,omitempty"`
	ContentParts []media.ContentPart `json:"content_parts,omitempty"`
	ToolCallID   string              `json:"tool_call_id,omitempty"`
	ToolCalls    []ToolCall          `json:"tool_calls,omitempty"`
}

// ToolCall is one LLM-requested tool invocation (spec.md §3 "ToolCall").
type ToolCall struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
	Function  *FunctionCall          `json:"function,omitempty"`
}

// FunctionCall carries the wire-format (string-encoded JSON arguments) view
// of a tool call, mirroring what OpenAI/Anthropic-style APIs actually send.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition is a registered tool's LLM-facing schema (spec.md §3
// "ToolDefinition").
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition is the {name, description, parameters} triple presented
// to the LLM for one tool.
type FunctionDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// UsageInfo reports token accounting for one LLM call.
type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LLMResponse is what a provider returns for one chat call.
type LLMResponse struct {
	Content      string     `json:"content"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason,omitempty"`
	Usage        *UsageInfo `json:"usage,omitempty"`
}

// HasToolCalls reports whether the response requested at least one tool.
func (r *LLMResponse) HasToolCalls() bool {
	return r != nil && len(r.ToolCalls) > 0
}

// LLMProvider is the narrow collaborator boundary spec.md §1 names:
// chat(messages, tools, model, config) -> LlmResponse.
type LLMProvider interface {
	Chat(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}) (*LLMResponse, error)
	GetDefaultModel() string
}

// StreamCallback receives incremental text deltas during a streaming call.
type StreamCallback func(delta string)

// StreamingProvider is an optional capability a provider may additionally
// implement (SPEC_FULL.md §13.5).
type StreamingProvider interface {
	ChatStream(ctx context.Context, messages []Message, tools []ToolDefinition, model string, options map[string]interface{}, onContent StreamCallback) (*LLMResponse, error)
}
