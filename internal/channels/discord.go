package channels

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/haasonsaas/claw/pkg/models"
)

// DiscordConfig configures the Discord adapter.
type DiscordConfig struct {
	Token   string
	Account string
}

// DiscordChannel bridges the Discord gateway. Guild messages only reach the
// agent when the bot is mentioned; DMs always do.
type DiscordChannel struct {
	statusTracker

	cfg      DiscordConfig
	session  *discordgo.Session
	messages chan *models.InboundMessage
	stopOnce sync.Once
	log      *slog.Logger
}

// NewDiscordChannel builds the adapter; the gateway connects on Start.
func NewDiscordChannel(cfg DiscordConfig) (*DiscordChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	return &DiscordChannel{
		cfg:      cfg,
		messages: make(chan *models.InboundMessage, 100),
		log:      slog.With("component", "channel", "channel", "discord"),
	}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Capabilities() Capabilities {
	return Capabilities{MaxMessageLength: 2000, Audio: true}
}

func (c *DiscordChannel) Messages() <-chan *models.InboundMessage { return c.messages }

func (c *DiscordChannel) Start(ctx context.Context) error {
	dg, err := discordgo.New("Bot " + c.cfg.Token)
	if err != nil {
		return fmt.Errorf("discord: create session: %w", err)
	}
	dg.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	dg.AddHandler(c.handleMessageCreate)
	dg.AddHandler(func(s *discordgo.Session, r *discordgo.Ready) {
		c.setStatus(true, "")
		c.log.Info("connected", "user", r.User.Username)
	})
	dg.AddHandler(func(s *discordgo.Session, d *discordgo.Disconnect) {
		c.setStatus(false, "gateway disconnected")
		c.log.Warn("disconnected")
	})

	if err := dg.Open(); err != nil {
		c.setStatus(false, err.Error())
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	c.session = dg
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		if c.session != nil {
			err = c.session.Close()
		}
		close(c.messages)
		c.setStatus(false, "")
	})
	if err != nil {
		return fmt.Errorf("discord: close: %w", err)
	}
	return nil
}

func (c *DiscordChannel) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	isDM := m.GuildID == ""
	if !isDM && !mentionsUser(m.Mentions, s.State.User.ID) {
		return
	}
	c.touch()

	chatType := models.ChatGroup
	if isDM {
		chatType = models.ChatDirect
	}
	inbound := &models.InboundMessage{
		Channel:    "discord",
		Account:    c.cfg.Account,
		ChatType:   chatType,
		PeerID:     m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: m.Author.Username,
		Text:       m.ContentWithMentionsReplaced(),
		ReceivedAt: time.Now().UTC(),
	}
	if m.MessageReference != nil {
		inbound.ReplyTo = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		inbound.Media = append(inbound.Media, models.Attachment{
			ID: att.ID, URL: att.URL, Filename: att.Filename,
			MimeType: att.ContentType, Size: int64(att.Size),
		})
	}

	select {
	case c.messages <- inbound:
	default:
		c.log.Warn("inbound queue full, dropping message", "channel_id", m.ChannelID)
	}
}

func (c *DiscordChannel) Send(ctx context.Context, peerID string, msg *models.OutboundMessage) (*models.SendResult, error) {
	if c.session == nil {
		return nil, fmt.Errorf("discord: not started")
	}

	if len(msg.Audio) > 0 {
		sent, err := c.session.ChannelMessageSendComplex(peerID, &discordgo.MessageSend{
			Files: []*discordgo.File{{
				Name:        "voice.ogg",
				ContentType: msg.AudioMime,
				Reader:      bytes.NewReader(msg.Audio),
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("discord: send voice: %w", err)
		}
		return &models.SendResult{MessageID: sent.ID}, nil
	}

	sent, err := c.session.ChannelMessageSend(peerID, msg.Text)
	if err != nil {
		return nil, fmt.Errorf("discord: send: %w", err)
	}
	return &models.SendResult{MessageID: sent.ID}, nil
}

func mentionsUser(mentions []*discordgo.User, userID string) bool {
	for _, u := range mentions {
		if u.ID == userID {
			return true
		}
	}
	return false
}
