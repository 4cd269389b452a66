package models

import "encoding/json"

// FrameType discriminates the gateway wire union.
const (
	FrameReq   = "req"
	FrameRes   = "res"
	FrameEvent = "event"
)

// GatewayFrame is the versioned WebSocket wire frame. Exactly one of the
// req/res/event field groups is populated according to Type.
type GatewayFrame struct {
	Type string `json:"type"`

	// req
	ID     string          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`

	// res
	OK      *bool           `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *Error          `json:"error,omitempty"`

	// event
	Event string  `json:"event,omitempty"`
	Seq   *uint64 `json:"seq,omitempty"`
}

// Error is the wire error shape. Codes are stable identifiers; the message
// is advisory and never localized.
type Error struct {
	Code      string          `json:"code"`
	Message   string          `json:"message,omitempty"`
	Retryable bool            `json:"retryable,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// Defined wire error codes.
const (
	CodeAuth             = "auth"
	CodeNotConnected     = "not_connected"
	CodeTimeout          = "timeout"
	CodeRateLimited      = "rate_limited"
	CodeMethodNotFound   = "method_not_found"
	CodeBadFrame         = "bad_frame"
	CodeInternal         = "internal"
	CodeBusy             = "busy"
	CodeContextOverflow  = "context_overflow"
	CodeNoModelAvailable = "no_model_available"
)

// NewError builds a wire error.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Event family names emitted by the gateway. Families with a seq column are
// state-version families: a newer seq supersedes any older payload.
const (
	EventFamilyChallenge = "connect.challenge"
	EventFamilyAgent     = "agent.event"
	EventFamilySession   = "session.updated"
	EventFamilyChannels  = "channels.status"
	EventFamilyConfig    = "config.changed"
	EventFamilyReload    = "config.reload_required"
	EventFamilyPresence  = "presence"
	EventFamilyHealth    = "health"
	EventFamilyTick      = "tick"
	EventFamilyError     = "error"
)
