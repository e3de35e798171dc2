// Package telegram is the Telegram adapter, long-polling the Bot API.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"log/slog"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/channels"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/sessions"
)

// telegramMaxLen is Telegram's message size cap.
const telegramMaxLen = 4096

// Channel connects to Telegram via long polling.
type Channel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	router  bus.MessageRouter
	running atomic.Bool

	// ownerChat is the owner's most recent DM chat ID, the target for
	// proactive pushes.
	ownerChat atomic.Int64

	mu         sync.Mutex
	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New creates the adapter; the token must already be resolved from env.
func New(cfg config.TelegramConfig, router bus.MessageRouter) (*Channel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Channel{bot: bot, cfg: cfg, router: router}, nil
}

func (c *Channel) Name() string  { return "telegram" }
func (c *Channel) Running() bool { return c.running.Load() }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})
	done := c.pollDone
	c.mu.Unlock()

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	c.running.Store(true)
	slog.Info("telegram connected", "username", c.bot.Username())

	go func() {
		defer close(done)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				c.handleUpdate(update)
			}
		}
	}()
	return nil
}

// Stop halts polling and waits for the update loop to drain.
func (c *Channel) Stop(ctx context.Context) error {
	c.running.Store(false)
	c.mu.Lock()
	cancel, done := c.pollCancel, c.pollDone
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
	return nil
}

func (c *Channel) handleUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return // service messages and bare media
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !channels.AllowedSender(c.cfg.OwnerIDs, senderID) {
		slog.Debug("telegram message rejected by allowlist", "sender", senderID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	isGroup := msg.Chat.Type == "group" || msg.Chat.Type == "supergroup"
	if !isGroup {
		c.ownerChat.Store(msg.Chat.ID)
	}

	c.router.PublishInbound(bus.InboundMessage{
		Channel:    "telegram",
		SenderID:   senderID,
		ChatID:     chatID,
		Content:    text,
		SessionKey: sessions.BuildKey("telegram", sessions.PeerKindFromGroup(isGroup), chatID),
	})
}

// Send delivers an outbound message, chunked to Telegram's size cap.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.running.Load() {
		return fmt.Errorf("telegram adapter not running")
	}
	if msg.Content == "" {
		return nil // suppressed reply
	}
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad telegram chat id %q: %w", msg.ChatID, err)
	}
	for _, chunk := range channels.SplitMessage(msg.Content, telegramMaxLen) {
		if _, err := c.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), chunk)); err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
	}
	return nil
}

// SendToOwner pushes a proactive message to the owner's latest DM.
func (c *Channel) SendToOwner(ctx context.Context, content string) bool {
	chatID := c.ownerChat.Load()
	if chatID == 0 {
		return false
	}
	err := c.Send(ctx, bus.OutboundMessage{
		Channel: "telegram",
		ChatID:  strconv.FormatInt(chatID, 10),
		Content: content,
	})
	if err != nil {
		slog.Warn("telegram proactive send failed", "error", err)
		return false
	}
	return true
}
