package models

import "encoding/json"

// AgentEventType tags an event streamed by the agent runtime.
type AgentEventType string

const (
	EventPartialReply AgentEventType = "partial_reply"
	EventBlockReply   AgentEventType = "block_reply"
	EventReasoning    AgentEventType = "reasoning"
	EventToolCall     AgentEventType = "tool_call"
	EventToolResult   AgentEventType = "tool_result"
	EventUsage        AgentEventType = "usage"
	EventAudioDelta   AgentEventType = "audio_delta"
	EventError        AgentEventType = "error"
)

// AgentEvent is one element of the typed stream an agent run emits. Within a
// single run, events are strictly producer-serial.
type AgentEvent struct {
	Type AgentEventType `json:"type"`

	// Session identifies the run's session by hash for fan-out consumers.
	Session string `json:"session,omitempty"`
	RunID   string `json:"run_id,omitempty"`

	// partial_reply
	Delta string `json:"delta,omitempty"`

	// block_reply
	Text    string `json:"text,omitempty"`
	IsFinal bool   `json:"is_final,omitempty"`

	// reasoning
	Reasoning string `json:"reasoning,omitempty"`

	// tool_call / tool_result
	Tool    string          `json:"tool,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Content string          `json:"content,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// usage
	Model        string `json:"model,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`

	// audio_delta
	Audio []byte `json:"audio,omitempty"`
	Mime  string `json:"mime,omitempty"`

	// error
	ErrKind string `json:"err_kind,omitempty"`
	Message string `json:"message,omitempty"`
}

// Error kinds used on EventError.
const (
	ErrKindCancelled       = "cancelled"
	ErrKindPersist         = "persist"
	ErrKindContextOverflow = "context_overflow"
	ErrKindProvider        = "provider"
	ErrKindInternal        = "internal"
)

// RunStatus is the terminal status of an agent run.
type RunStatus string

const (
	RunOK        RunStatus = "ok"
	RunCancelled RunStatus = "cancelled"
	RunFailed    RunStatus = "failed"
)
