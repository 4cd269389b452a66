// Package providers abstracts LLM backends behind a streaming interface and
// resolves which backend and credentials serve a given model.
package providers

import (
	"context"
	"encoding/json"
)

// Credentials is one set of API credentials, passed per call so the
// resolver can rotate auth profiles without rebuilding providers.
type Credentials struct {
	APIKey  string
	BaseURL string
}

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult answers a prior tool call.
type ToolResult struct {
	CallID  string `json:"call_id"`
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// Message is one turn of provider-neutral conversation history.
type Message struct {
	Role        string       `json:"role"` // "user" or "assistant"
	Content     string       `json:"content,omitempty"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// ToolDef describes a callable tool for the model.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// CompletionRequest is a full request to an LLM backend.
type CompletionRequest struct {
	Model    string
	System   string
	Messages []Message
	Tools    []ToolDef
	// MaxTokens caps the response length; 0 uses the provider default.
	MaxTokens int
	// ThinkingBudget enables extended thinking with the given token budget
	// on providers that support it.
	ThinkingBudget int
}

// Chunk is one element of a streaming completion. Exactly one of the
// content fields is set per chunk; Done carries the final usage and stop
// reason.
type Chunk struct {
	Text     string
	Thinking string
	ToolCall *ToolCall

	Done         bool
	StopReason   string
	InputTokens  int
	OutputTokens int

	Err error
}

// ModelInfo describes a servable model.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	ContextSize int    `json:"context_size"`
}

// Provider is one LLM backend. Implementations must be safe for concurrent
// use; the returned channel is closed after the terminal chunk.
type Provider interface {
	Name() string
	Models() []ModelInfo
	Complete(ctx context.Context, creds Credentials, req *CompletionRequest) (<-chan *Chunk, error)
}
