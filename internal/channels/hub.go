package channels

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/claw/internal/agent"
	"github.com/haasonsaas/claw/internal/observability"
	"github.com/haasonsaas/claw/internal/sessions"
	"github.com/haasonsaas/claw/pkg/models"
)

// Submitter is the slice of the agent runtime the hub needs.
type Submitter interface {
	Submit(ctx context.Context, key models.SessionKey, text, channel string, sink agent.EventSink) (*agent.Run, error)
}

// ChannelOptions is the per-channel routing policy.
type ChannelOptions struct {
	// Scope overrides the default sender-to-session mapping when set.
	Scope models.Scope
	// AudioPolicy picks the downgrade for voice replies on channels that
	// cannot carry audio: "caption" delivers the transcript text, "drop"
	// discards the payload.
	AudioPolicy string
}

// HubOptions is the hub's routing snapshot, re-read per message so config
// reloads apply immediately.
type HubOptions struct {
	DefaultScope models.Scope
	Channels     map[string]ChannelOptions
}

// Hub fans inbound messages from every adapter into the agent runtime and
// routes the resulting events back to the originating peer.
type Hub struct {
	registry *Registry
	agentd   Submitter
	store    *sessions.Store
	optsFn   func() HubOptions
	metrics  *observability.Metrics
	log      *slog.Logger

	mu         sync.Mutex
	tap        agent.EventSink
	onSendFail func(channel, session string, err error)
}

// NewHub wires the hub. metrics may be nil in tests.
func NewHub(registry *Registry, agentd Submitter, store *sessions.Store, optsFn func() HubOptions, metrics *observability.Metrics) *Hub {
	if optsFn == nil {
		optsFn = func() HubOptions { return HubOptions{DefaultScope: models.ScopePerPeer} }
	}
	return &Hub{
		registry: registry,
		agentd:   agentd,
		store:    store,
		optsFn:   optsFn,
		metrics:  metrics,
		log:      slog.With("component", "hub"),
	}
}

// SetEventTap installs a sink that observes every agent event the hub
// produces, used by the gateway to broadcast agent.event frames.
func (h *Hub) SetEventTap(sink agent.EventSink) {
	h.mu.Lock()
	h.tap = sink
	h.mu.Unlock()
}

func (h *Hub) eventTap() agent.EventSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tap
}

// OnDeliveryError registers a callback fired when an outbound send fails,
// used by the gateway to broadcast a channel-scoped error event.
func (h *Hub) OnDeliveryError(fn func(channel, session string, err error)) {
	h.mu.Lock()
	h.onSendFail = fn
	h.mu.Unlock()
}

func (h *Hub) deliveryErrorHook() func(channel, session string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onSendFail
}

// Login starts (or restarts) the named adapter, typically after its token
// was installed over the control plane.
func (h *Hub) Login(ctx context.Context, name string) (Status, error) {
	ch, ok := h.registry.Get(name)
	if !ok {
		return Status{}, fmt.Errorf("unknown channel %q", name)
	}
	if err := ch.Start(ctx); err != nil {
		return ch.Status(), err
	}
	h.log.Info("channel logged in", "channel", name)
	return ch.Status(), nil
}

// Logout stops the named adapter. Its configuration survives, so a later
// Login brings it back.
func (h *Hub) Logout(ctx context.Context, name string) (Status, error) {
	ch, ok := h.registry.Get(name)
	if !ok {
		return Status{}, fmt.Errorf("unknown channel %q", name)
	}
	if err := ch.Stop(ctx); err != nil {
		return ch.Status(), err
	}
	h.log.Info("channel logged out", "channel", name)
	return ch.Status(), nil
}

// Statuses snapshots adapter connection states.
func (h *Hub) Statuses() map[string]Status { return h.registry.Statuses() }

// Inject routes a synthetic inbound message, used by cron jobs and the
// gateway's wake method.
func (h *Hub) Inject(ctx context.Context, msg *models.InboundMessage) error {
	ch, ok := h.registry.Get(msg.Channel)
	if !ok && msg.Channel != "" {
		h.log.Warn("inject for unknown channel, events will not be delivered", "channel", msg.Channel)
	}
	return h.handleInbound(ctx, ch, msg)
}

// Run consumes every registered adapter's message stream until ctx ends or
// all streams close.
func (h *Hub) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, ch := range h.registry.All() {
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			for msg := range ch.Messages() {
				if err := h.handleInbound(ctx, ch, msg); err != nil {
					h.log.Error("inbound message failed",
						"channel", ch.Name(), "peer", msg.PeerID, "err", err)
				}
			}
		}(ch)
	}
	wg.Wait()
}

// handleInbound maps one normalized message to its session and starts a
// run. ch may be nil for injected messages with no registered adapter.
func (h *Hub) handleInbound(ctx context.Context, ch Channel, msg *models.InboundMessage) error {
	if msg.Text == "" {
		return nil
	}
	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues(msg.Channel, "inbound").Inc()
	}

	opts := h.optsFn()
	scope := opts.DefaultScope
	chOpts := opts.Channels[msg.Channel]
	if chOpts.Scope != "" {
		scope = chOpts.Scope
	}
	key := msg.SessionKeyFor(scope)

	sink := agent.EventSink(agent.NewCallbackSink(h.router(ch, msg, chOpts)))
	if tap := h.eventTap(); tap != nil {
		sink = agent.NewMultiSink(sink, tap)
	}

	_, err := h.agentd.Submit(ctx, key, msg.Text, msg.Channel, sink)
	if errors.Is(err, agent.ErrBusy) {
		h.log.Debug("session busy", "session", key.Hash(), "channel", msg.Channel)
		h.deliver(ctx, ch, msg.PeerID, key.Hash(),
			&models.OutboundMessage{Text: "Still working on the previous message, one moment.", ReplyTo: msg.ReplyTo})
		return nil
	}
	return err
}

// router builds the per-run event handler that turns terminal events into
// outbound deliveries.
func (h *Hub) router(ch Channel, msg *models.InboundMessage, chOpts ChannelOptions) func(ctx context.Context, e models.AgentEvent) {
	peer := msg.PeerID
	return func(ctx context.Context, e models.AgentEvent) {
		switch e.Type {
		case models.EventBlockReply:
			// Non-final blocks carry the assistant's commentary before a
			// tool call; they are delivered too, not just the closing text.
			if e.Text == "" {
				return
			}
			if e.IsFinal && h.metrics != nil {
				h.metrics.RunsTotal.WithLabelValues(string(models.RunOK)).Inc()
			}
			h.deliverText(ctx, ch, peer, e.Session, e.Text, msg.ThreadID)
		case models.EventAudioDelta:
			h.deliverAudio(ctx, ch, peer, chOpts, e)
		case models.EventUsage:
			if h.metrics != nil && e.Model != "" {
				h.metrics.TokensTotal.WithLabelValues(e.Model, "input").Add(float64(e.InputTokens))
				h.metrics.TokensTotal.WithLabelValues(e.Model, "output").Add(float64(e.OutputTokens))
			}
		case models.EventError:
			status := models.RunFailed
			if e.ErrKind == models.ErrKindCancelled {
				status = models.RunCancelled
			}
			if h.metrics != nil {
				h.metrics.RunsTotal.WithLabelValues(string(status)).Inc()
			}
			if e.ErrKind != models.ErrKindCancelled {
				h.deliver(ctx, ch, peer, e.Session,
					&models.OutboundMessage{Text: "Something went wrong: " + e.Message})
			}
		}
	}
}

func (h *Hub) deliverText(ctx context.Context, ch Channel, peer, sessionHash, text, threadID string) {
	if ch == nil {
		return
	}
	chunker := ChunkerFor(ch.Capabilities())
	for _, part := range chunker.Split(text) {
		h.deliver(ctx, ch, peer, sessionHash, &models.OutboundMessage{Text: part, ThreadID: threadID})
	}
}

func (h *Hub) deliverAudio(ctx context.Context, ch Channel, peer string, chOpts ChannelOptions, e models.AgentEvent) {
	if ch == nil {
		return
	}
	if ch.Capabilities().Audio {
		h.deliver(ctx, ch, peer, e.Session,
			&models.OutboundMessage{Audio: e.Audio, AudioMime: e.Mime})
		return
	}
	switch chOpts.AudioPolicy {
	case "drop":
	default: // caption
		if e.Text != "" {
			h.deliverText(ctx, ch, peer, e.Session, e.Text, "")
		}
	}
}

// deliver sends one outbound message. A failed delivery never aborts the
// run; it is recorded on the transcript so the conversation explains the
// gap.
func (h *Hub) deliver(ctx context.Context, ch Channel, peer, sessionHash string, out *models.OutboundMessage) {
	if ch == nil {
		return
	}
	if _, err := ch.Send(ctx, peer, out); err != nil {
		h.log.Error("delivery failed", "channel", ch.Name(), "peer", peer, "err", err)
		if h.metrics != nil {
			h.metrics.DeliveryFailures.WithLabelValues(ch.Name()).Inc()
		}
		h.recordDeliveryFailure(ch.Name(), sessionHash, err)
		if hook := h.deliveryErrorHook(); hook != nil {
			hook(ch.Name(), sessionHash, err)
		}
		return
	}
	if h.metrics != nil {
		h.metrics.MessagesTotal.WithLabelValues(ch.Name(), "outbound").Inc()
	}
}

func (h *Hub) recordDeliveryFailure(channel, sessionHash string, sendErr error) {
	if h.store == nil || sessionHash == "" {
		return
	}
	data, _ := json.Marshal(map[string]string{"channel": channel, "error": sendErr.Error()})
	entry := models.SystemEntry("delivery_failed", data, time.Now().UTC())
	if err := h.store.Append(sessionHash, []models.TranscriptEntry{entry}, channel); err != nil {
		h.log.Error("recording delivery failure failed", "session", sessionHash, "err", err)
	}
}
