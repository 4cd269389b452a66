package models

import (
	"encoding/json"
	"time"
)

// Attachment is a typed blob reference carried by inbound and outbound
// messages. Data is inline only for small payloads; larger media travels by
// URL.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"` // image, audio, video, file
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// InboundMessage is the normalized envelope a channel adapter produces for
// every platform event that should reach the agent. Raw retains the
// platform payload for provenance and is never round-tripped blindly.
type InboundMessage struct {
	Channel    string       `json:"channel"`
	Account    string       `json:"account"`
	ChatType   ChatType     `json:"chat_type"`
	PeerID     string       `json:"peer_id"`
	SenderID   string       `json:"sender_id,omitempty"`
	SenderName string       `json:"sender_name,omitempty"`
	Text       string       `json:"text,omitempty"`
	Media      []Attachment `json:"media,omitempty"`
	ReplyTo    string       `json:"reply_to,omitempty"`
	ThreadID   string       `json:"thread_id,omitempty"`

	Raw        json.RawMessage `json:"raw,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}

// SessionKeyFor derives the routing key for this message under the given
// scope. Under per_sender the sender joins the peer component so each sender
// in a group maps to its own session; under global the peer collapses.
func (m *InboundMessage) SessionKeyFor(scope Scope) SessionKey {
	key := SessionKey{
		Channel:  m.Channel,
		Account:  m.Account,
		ChatType: m.ChatType,
		Peer:     m.PeerID,
		Scope:    scope,
	}
	switch scope {
	case ScopePerSender:
		key.Peer = m.PeerID + "/" + m.SenderID
	case ScopeGlobal:
		key.Peer = ""
	}
	return key
}

// OutboundMessage is the normalized envelope handed to a channel's send
// side. Audio is set only for voice-capable deliveries.
type OutboundMessage struct {
	Text        string       `json:"text,omitempty"`
	Audio       []byte       `json:"audio,omitempty"`
	AudioMime   string       `json:"audio_mime,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReplyTo     string       `json:"reply_to,omitempty"`
	ThreadID    string       `json:"thread_id,omitempty"`
}

// SendResult reports a completed delivery: the platform message id on
// success.
type SendResult struct {
	MessageID string `json:"message_id,omitempty"`
}
