package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntryKind tags a transcript entry.
type EntryKind string

const (
	EntryUser       EntryKind = "user"
	EntryAssistant  EntryKind = "assistant"
	EntryToolCall   EntryKind = "tool_call"
	EntryToolResult EntryKind = "tool_result"
	EntrySystem     EntryKind = "system"
)

// ContentBlock is one piece of message content: text or a typed blob
// reference for media.
type ContentBlock struct {
	Type     string `json:"type"` // "text" or "media"
	Text     string `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: "text", Text: text}
}

// Usage records token consumption for one completed LLM call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// StopReason values reported by providers. A turn ends at the first
// assistant entry whose stop reason is terminal (anything but tool_use).
const (
	StopEndTurn = "end_turn"
	StopToolUse = "tool_use"
)

// TranscriptEntry is one line of a session's append-only transcript. The
// Kind field selects which of the remaining fields are meaningful; unused
// fields are omitted on the wire.
type TranscriptEntry struct {
	Kind      EntryKind `json:"kind"`
	Timestamp time.Time `json:"ts"`

	// user / assistant
	Content    []ContentBlock `json:"content,omitempty"`
	Thinking   string         `json:"thinking,omitempty"`
	Usage      *Usage         `json:"usage,omitempty"`
	StopReason string         `json:"stop_reason,omitempty"`

	// tool_call / tool_result
	Tool    string          `json:"tool,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	CallID  string          `json:"call_id,omitempty"`
	Output  string          `json:"output,omitempty"`
	IsError bool            `json:"is_error,omitempty"`

	// system
	SystemKind string          `json:"system_kind,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// Text concatenates the text blocks of a user/assistant entry.
func (e *TranscriptEntry) Text() string {
	var out string
	for _, b := range e.Content {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

// UserEntry builds a user transcript entry from plain text.
func UserEntry(text string, at time.Time) TranscriptEntry {
	return TranscriptEntry{Kind: EntryUser, Timestamp: at, Content: []ContentBlock{TextBlock(text)}}
}

// SystemEntry builds a system event entry.
func SystemEntry(kind string, data json.RawMessage, at time.Time) TranscriptEntry {
	return TranscriptEntry{Kind: EntrySystem, Timestamp: at, SystemKind: kind, Data: data}
}

// ValidateTranscript checks structural invariants over a full entry
// sequence: call_id uniqueness, every tool_result matched by an earlier
// tool_call, and open tool calls answered in order before the next user
// entry.
func ValidateTranscript(entries []TranscriptEntry) error {
	calls := map[string]bool{}    // call_id -> seen
	answered := map[string]bool{} // call_id -> result seen

	var pending []string // open call_ids, in emission order

	for i, e := range entries {
		switch e.Kind {
		case EntryToolCall:
			if e.CallID == "" {
				return fmt.Errorf("entry %d: tool_call missing call_id", i)
			}
			if calls[e.CallID] {
				return fmt.Errorf("entry %d: duplicate call_id %q", i, e.CallID)
			}
			calls[e.CallID] = true
			pending = append(pending, e.CallID)
		case EntryToolResult:
			if !calls[e.CallID] {
				return fmt.Errorf("entry %d: tool_result %q without matching tool_call", i, e.CallID)
			}
			if answered[e.CallID] {
				return fmt.Errorf("entry %d: duplicate tool_result for %q", i, e.CallID)
			}
			if len(pending) == 0 || pending[0] != e.CallID {
				return fmt.Errorf("entry %d: tool_result %q out of order", i, e.CallID)
			}
			answered[e.CallID] = true
			pending = pending[1:]
		case EntryUser:
			if len(pending) > 0 {
				return fmt.Errorf("entry %d: user entry with %d unanswered tool calls", i, len(pending))
			}
		}
	}
	return nil
}

// ValidateAppend checks that appending batch to prior keeps the transcript
// valid, without revalidating the (already trusted) prior entries from
// scratch for call ordering beyond what the batch touches.
func ValidateAppend(prior, batch []TranscriptEntry) error {
	combined := make([]TranscriptEntry, 0, len(prior)+len(batch))
	combined = append(combined, prior...)
	combined = append(combined, batch...)
	return ValidateTranscript(combined)
}
