package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/haasonsaas/claw/pkg/models"
)

// SlackConfig configures the Slack adapter. Socket Mode needs both a bot
// token (xoxb-) and an app-level token (xapp-).
type SlackConfig struct {
	Token    string
	AppToken string
	Account  string
}

// SlackChannel bridges Slack over Socket Mode. DMs, mentions, and thread
// replies reach the agent; other channel chatter is ignored.
type SlackChannel struct {
	statusTracker

	cfg      SlackConfig
	api      *slack.Client
	socket   *socketmode.Client
	messages chan *models.InboundMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger

	botMu     sync.RWMutex
	botUserID string
}

// NewSlackChannel builds the adapter; the socket connects on Start.
func NewSlackChannel(cfg SlackConfig) (*SlackChannel, error) {
	if cfg.Token == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: token and app_token are required")
	}
	return &SlackChannel{
		cfg:      cfg,
		messages: make(chan *models.InboundMessage, 100),
		log:      slog.With("component", "channel", "channel", "slack"),
	}, nil
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Capabilities() Capabilities {
	return Capabilities{MaxMessageLength: 4000, Audio: false}
}

func (c *SlackChannel) Messages() <-chan *models.InboundMessage { return c.messages }

func (c *SlackChannel) Start(ctx context.Context) error {
	c.api = slack.New(c.cfg.Token, slack.OptionAppLevelToken(c.cfg.AppToken))
	c.socket = socketmode.New(c.api)

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		c.setStatus(false, err.Error())
		return fmt.Errorf("slack: auth test: %w", err)
	}
	c.botMu.Lock()
	c.botUserID = auth.UserID
	c.botMu.Unlock()

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		if err := c.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			c.setStatus(false, err.Error())
			c.log.Error("socket mode stopped", "err", err)
		}
	}()
	go func() {
		defer c.wg.Done()
		defer close(c.messages)
		c.consumeEvents(ctx)
	}()
	return nil
}

func (c *SlackChannel) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.setStatus(false, "")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slack: stop: %w", ctx.Err())
	}
}

func (c *SlackChannel) consumeEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-c.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeConnected:
				c.setStatus(true, "")
				c.log.Info("socket connected")
			case socketmode.EventTypeConnectionError:
				c.setStatus(false, "connection error")
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := event.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				if event.Request != nil {
					c.socket.Ack(*event.Request)
				}
				c.handleEventsAPI(apiEvent)
			case socketmode.EventTypeSlashCommand, socketmode.EventTypeInteractive:
				if event.Request != nil {
					c.socket.Ack(*event.Request)
				}
			}
		}
	}
}

func (c *SlackChannel) handleEventsAPI(apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.AppMentionEvent:
		c.enqueue(ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp)
	case *slackevents.MessageEvent:
		if ev.BotID != "" || (ev.SubType != "" && ev.SubType != "file_share") {
			return
		}
		c.botMu.RLock()
		botID := c.botUserID
		c.botMu.RUnlock()

		isDM := strings.HasPrefix(ev.Channel, "D")
		isMention := strings.Contains(ev.Text, "<@"+botID+">")
		if !isDM && !isMention && ev.ThreadTimeStamp == "" {
			return
		}
		c.enqueue(ev.Channel, ev.User, ev.Text, ev.ThreadTimeStamp)
	}
}

func (c *SlackChannel) enqueue(channel, user, text, threadTS string) {
	text = c.stripSelfMention(text)
	if text == "" {
		return
	}
	c.touch()

	chatType := models.ChatChannel
	if strings.HasPrefix(channel, "D") {
		chatType = models.ChatDirect
	}
	inbound := &models.InboundMessage{
		Channel:    "slack",
		Account:    c.cfg.Account,
		ChatType:   chatType,
		PeerID:     channel,
		SenderID:   user,
		Text:       text,
		ThreadID:   threadTS,
		ReceivedAt: time.Now().UTC(),
	}
	select {
	case c.messages <- inbound:
	default:
		c.log.Warn("inbound queue full, dropping message", "channel_id", channel)
	}
}

func (c *SlackChannel) stripSelfMention(text string) string {
	c.botMu.RLock()
	botID := c.botUserID
	c.botMu.RUnlock()
	return strings.TrimSpace(strings.ReplaceAll(text, "<@"+botID+">", ""))
}

func (c *SlackChannel) Send(ctx context.Context, peerID string, msg *models.OutboundMessage) (*models.SendResult, error) {
	if c.api == nil {
		return nil, fmt.Errorf("slack: not started")
	}
	options := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(msg.ThreadID))
	}
	_, ts, err := c.api.PostMessageContext(ctx, peerID, options...)
	if err != nil {
		return nil, fmt.Errorf("slack: post message: %w", err)
	}
	return &models.SendResult{MessageID: ts}, nil
}
