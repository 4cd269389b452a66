// Package channels contains the adapters that bridge messaging platforms to
// the agent, plus the hub that routes normalized messages between them and
// the session runtime.
package channels

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/claw/pkg/models"
)

// Capabilities describes what a channel's transport can carry.
type Capabilities struct {
	// MaxMessageLength is the platform's text limit; 0 means unlimited.
	MaxMessageLength int
	// Audio reports whether the channel can deliver voice payloads.
	Audio bool
}

// Status is a channel's current connection state, surfaced over
// channels.status and the health endpoint.
type Status struct {
	Connected   bool      `json:"connected"`
	Error       string    `json:"error,omitempty"`
	LastEventAt time.Time `json:"last_event_at,omitempty"`
}

// Channel is one platform adapter. Start begins receiving; the Messages
// channel closes when the adapter stops.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, peerID string, msg *models.OutboundMessage) (*models.SendResult, error)
	Messages() <-chan *models.InboundMessage
	Status() Status
	Capabilities() Capabilities
}

// statusTracker gives adapters thread-safe status bookkeeping; embed it and
// the Status method comes along.
type statusTracker struct {
	mu sync.RWMutex
	st Status
}

func (t *statusTracker) setStatus(connected bool, errMsg string) {
	t.mu.Lock()
	t.st.Connected = connected
	t.st.Error = errMsg
	t.mu.Unlock()
}

func (t *statusTracker) touch() {
	t.mu.Lock()
	t.st.LastEventAt = time.Now().UTC()
	t.mu.Unlock()
}

func (t *statusTracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.st
}

// Registry tracks the configured channel adapters by name.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{channels: make(map[string]Channel)}
}

// Register adds or replaces an adapter.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	r.channels[ch.Name()] = ch
	r.mu.Unlock()
}

// Get returns the adapter with the given name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// All returns the adapters sorted by name.
func (r *Registry) All() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// StartAll starts every adapter, stopping the already-started ones when a
// later Start fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Channel, 0)
	for _, ch := range r.All() {
		if err := ch.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return err
		}
		started = append(started, ch)
	}
	return nil
}

// StopAll stops every adapter, returning the last error.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, ch := range r.All() {
		if err := ch.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// Statuses snapshots each adapter's status keyed by name.
func (r *Registry) Statuses() map[string]Status {
	out := make(map[string]Status)
	for _, ch := range r.All() {
		out[ch.Name()] = ch.Status()
	}
	return out
}
