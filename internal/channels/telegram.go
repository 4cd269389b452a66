package channels

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/claw/pkg/models"
)

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Token   string
	Account string
}

// TelegramChannel receives updates over long polling and sends through the
// Bot API.
type TelegramChannel struct {
	statusTracker

	cfg      TelegramConfig
	bot      *bot.Bot
	messages chan *models.InboundMessage
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger
}

// NewTelegramChannel builds the adapter; the bot connects on Start.
func NewTelegramChannel(cfg TelegramConfig) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	return &TelegramChannel{
		cfg:      cfg,
		messages: make(chan *models.InboundMessage, 100),
		log:      slog.With("component", "channel", "channel", "telegram"),
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Capabilities() Capabilities {
	return Capabilities{MaxMessageLength: 4096, Audio: true}
}

func (c *TelegramChannel) Messages() <-chan *models.InboundMessage { return c.messages }

func (c *TelegramChannel) Start(ctx context.Context) error {
	b, err := bot.New(c.cfg.Token, bot.WithDefaultHandler(c.handleUpdate))
	if err != nil {
		c.setStatus(false, err.Error())
		return fmt.Errorf("telegram: create bot: %w", err)
	}
	c.bot = b

	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(c.messages)
		c.setStatus(true, "")
		c.log.Info("long polling started")
		b.Start(ctx)
		c.setStatus(false, "")
	}()
	return nil
}

func (c *TelegramChannel) Stop(ctx context.Context) error {
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
		return nil
	case <-ctx.Done():
		return fmt.Errorf("telegram: stop: %w", ctx.Err())
	}
}

func (c *TelegramChannel) handleUpdate(ctx context.Context, b *bot.Bot, update *tgmodels.Update) {
	msg := update.Message
	if msg == nil || msg.Text == "" || msg.From == nil {
		return
	}
	c.touch()

	inbound := &models.InboundMessage{
		Channel:    "telegram",
		Account:    c.cfg.Account,
		ChatType:   telegramChatType(msg.Chat.Type),
		PeerID:     strconv.FormatInt(msg.Chat.ID, 10),
		SenderID:   strconv.FormatInt(msg.From.ID, 10),
		SenderName: msg.From.Username,
		Text:       msg.Text,
		ReceivedAt: time.Now().UTC(),
	}
	if msg.ReplyToMessage != nil {
		inbound.ReplyTo = strconv.Itoa(msg.ReplyToMessage.ID)
	}

	select {
	case c.messages <- inbound:
	case <-ctx.Done():
	default:
		c.log.Warn("inbound queue full, dropping message", "chat_id", msg.Chat.ID)
	}
}

func (c *TelegramChannel) Send(ctx context.Context, peerID string, msg *models.OutboundMessage) (*models.SendResult, error) {
	if c.bot == nil {
		return nil, fmt.Errorf("telegram: not started")
	}
	chatID, err := strconv.ParseInt(peerID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("telegram: peer %q is not a chat id: %w", peerID, err)
	}

	if len(msg.Audio) > 0 {
		sent, err := c.bot.SendVoice(ctx, &bot.SendVoiceParams{
			ChatID: chatID,
			Voice:  &tgmodels.InputFileUpload{Filename: "voice.ogg", Data: bytes.NewReader(msg.Audio)},
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: send voice: %w", err)
		}
		return &models.SendResult{MessageID: strconv.Itoa(sent.ID)}, nil
	}

	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Text}
	if msg.ReplyTo != "" {
		if id, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &tgmodels.ReplyParameters{MessageID: id}
		}
	}
	sent, err := c.bot.SendMessage(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("telegram: send: %w", err)
	}
	return &models.SendResult{MessageID: strconv.Itoa(sent.ID)}, nil
}

func telegramChatType(t tgmodels.ChatType) models.ChatType {
	switch t {
	case tgmodels.ChatTypeGroup, tgmodels.ChatTypeSupergroup:
		return models.ChatGroup
	case tgmodels.ChatTypeChannel:
		return models.ChatChannel
	default:
		return models.ChatDirect
	}
}
