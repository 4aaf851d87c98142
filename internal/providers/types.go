package providers

import "context"

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Chat sends messages to the LLM and returns a response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams response deltas via callback.
	// Returns the final aggregated response after streaming ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string

	// SupportsThinking reports whether extended thinking can be requested.
	SupportsThinking() bool
}

// Request option keys.
const (
	OptMaxTokens      = "max_tokens"
	OptTemperature    = "temperature"
	OptThinkingBudget = "thinking_budget"
)

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	Messages []Message              `json:"messages"`
	Tools    []ToolDefinition       `json:"tools,omitempty"`
	Model    string                 `json:"model,omitempty"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content        string          `json:"content"`
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
	FinishReason   string          `json:"finish_reason"` // "stop", "tool_calls", "length"
	Usage          *Usage          `json:"usage,omitempty"`
}

// Stream delta kinds delivered to the ChatStream callback, in order.
const (
	DeltaText         = "text_delta"
	DeltaThinking     = "thinking_delta"
	DeltaToolUseStart = "tool_use_start"
	DeltaToolUse      = "tool_use_delta"
	DeltaDone         = "done"
)

// StreamChunk is one delta of a streaming response.
type StreamChunk struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`      // DeltaText / DeltaThinking / DeltaToolUse payload
	ToolID   string `json:"tool_id,omitempty"`   // DeltaToolUseStart
	ToolName string `json:"tool_name,omitempty"` // DeltaToolUseStart

	// Final carries the aggregated response on DeltaDone.
	Final *ChatResponse `json:"final,omitempty"`
}

// ContentBlock is one element of a structured message body. Text blocks
// carry Text; image blocks carry base64 Data plus MediaType.
type ContentBlock struct {
	Type      string `json:"type"` // "text" or "image"
	Text      string `json:"text,omitempty"`
	Data      string `json:"data,omitempty"`
	MediaType string `json:"media_type,omitempty"`
}

// ThinkingBlock is an extended-thinking payload that must be echoed back on
// subsequent turns for providers that require it.
type ThinkingBlock struct {
	Type      string `json:"type"` // "thinking"
	Thinking  string `json:"thinking"`
	Signature string `json:"signature,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role           string          `json:"role"` // "system", "user", "assistant", "tool"
	Content        string          `json:"content"`
	Blocks         []ContentBlock  `json:"blocks,omitempty"` // structured content (images)
	ToolCalls      []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID     string          `json:"tool_call_id,omitempty"` // for role="tool"
	ThinkingBlocks []ThinkingBlock `json:"thinking_blocks,omitempty"`
	Timestamp      string          `json:"timestamp,omitempty"` // ISO 8601 UTC, set on persistence
	Channel        string          `json:"channel,omitempty"`
}

// ToolCall represents a tool invocation requested by the LLM.
type ToolCall struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Type     string             `json:"type"` // "function"
	Function ToolFunctionSchema `json:"function"`
}

// ToolFunctionSchema is the schema for a function tool.
type ToolFunctionSchema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates usage from another call.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}
