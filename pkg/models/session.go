// Package models defines the shared domain types for Claw: session keys and
// metadata, transcript entries, normalized channel messages, agent events,
// and the gateway wire frames. Everything here is transport-agnostic; the
// gateway, channels, and agent packages all speak these types.
package models

import (
	"fmt"
	"hash/fnv"
	"strings"
	"time"
)

// ChatType classifies the conversation shape on the originating platform.
type ChatType string

const (
	ChatDirect  ChatType = "direct"
	ChatGroup   ChatType = "group"
	ChatChannel ChatType = "channel"
)

// Scope determines how multiple senders in the same chat map to sessions.
type Scope string

const (
	// ScopePerSender gives each sender in a chat its own session.
	ScopePerSender Scope = "per_sender"
	// ScopeGlobal routes everything on the account to one session.
	ScopeGlobal Scope = "global"
	// ScopePerPeer gives each chat (peer) one shared session.
	ScopePerPeer Scope = "per_peer"
)

// ParseScope normalizes a configured scope string, defaulting to per_peer.
func ParseScope(value string) Scope {
	switch Scope(strings.ToLower(strings.TrimSpace(value))) {
	case ScopePerSender:
		return ScopePerSender
	case ScopeGlobal:
		return ScopeGlobal
	default:
		return ScopePerPeer
	}
}

// SessionKey is the composite identifier that routes an inbound message to a
// session. The canonical tuple is stable across restarts; its hash names the
// transcript file on disk.
type SessionKey struct {
	Channel  string   `json:"channel"`
	Account  string   `json:"account"`
	ChatType ChatType `json:"chat_type"`
	Peer     string   `json:"peer"`
	Scope    Scope    `json:"scope"`
}

// String returns the canonical tuple form, used for hashing and logging.
func (k SessionKey) String() string {
	return strings.Join([]string{k.Channel, k.Account, string(k.ChatType), k.Peer, string(k.Scope)}, "|")
}

// Hash returns the stable on-disk name for this key: a short domain tag plus
// the FNV-64a of the canonical tuple.
func (k SessionKey) Hash() string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k.String()))
	return fmt.Sprintf("s_%016x", h.Sum64())
}

// IsZero reports whether the key is empty.
func (k SessionKey) IsZero() bool {
	return k.Channel == "" && k.Account == "" && k.Peer == ""
}

// ThinkingLevel controls extended-thinking budget for a session.
type ThinkingLevel string

const (
	ThinkingOff    ThinkingLevel = "off"
	ThinkingLow    ThinkingLevel = "low"
	ThinkingMedium ThinkingLevel = "medium"
	ThinkingHigh   ThinkingLevel = "high"
)

// SessionMeta is the per-session metadata kept in the store index.
type SessionMeta struct {
	Key           SessionKey    `json:"key"`
	Label         string        `json:"label,omitempty"`
	ModelOverride string        `json:"model_override,omitempty"`
	ThinkingLevel ThinkingLevel `json:"thinking_level,omitempty"`
	LastChannel   string        `json:"last_channel,omitempty"`
	LastUpdatedAt time.Time     `json:"last_updated_at"`
	LastResetAt   *time.Time    `json:"last_reset_at,omitempty"`

	// SpawnedBy is the hash of the parent session when this session was
	// created by the spawn tool; SpawnDepth bounds recursion.
	SpawnedBy  string `json:"spawned_by,omitempty"`
	SpawnDepth int    `json:"spawn_depth,omitempty"`
}

// MetaPatch is a partial update to SessionMeta. Nil fields are left alone.
type MetaPatch struct {
	Label         *string        `json:"label,omitempty"`
	ModelOverride *string        `json:"model_override,omitempty"`
	ThinkingLevel *ThinkingLevel `json:"thinking_level,omitempty"`
	SpawnedBy     *string        `json:"spawned_by,omitempty"`
	SpawnDepth    *int           `json:"spawn_depth,omitempty"`
}
