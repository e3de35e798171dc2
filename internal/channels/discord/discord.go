// Package discord is the Discord adapter over the discordgo gateway.
package discord

import (
	"context"
	"fmt"
	"sync/atomic"

	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/channels"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/sessions"
)

// discordMaxLen is Discord's message size cap.
const discordMaxLen = 2000

// Channel connects to Discord's gateway.
type Channel struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	router  bus.MessageRouter
	running atomic.Bool

	botUserID string
	ownerChat atomic.Value // string: the owner's latest DM channel ID
}

// New creates the adapter; the token must already be resolved from env.
func New(cfg config.DiscordConfig, router bus.MessageRouter) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent
	return &Channel{session: session, cfg: cfg, router: router}, nil
}

func (c *Channel) Name() string  { return "discord" }
func (c *Channel) Running() bool { return c.running.Load() }

// Start opens the gateway connection.
func (c *Channel) Start(_ context.Context) error {
	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.running.Store(true)
	slog.Info("discord connected", "username", user.Username)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	c.running.Store(false)
	return c.session.Close()
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}
	if m.Content == "" {
		return
	}
	if !channels.AllowedSender(c.cfg.OwnerIDs, m.Author.ID) {
		slog.Debug("discord message rejected by allowlist", "sender", m.Author.ID)
		return
	}

	isDM := m.GuildID == ""
	if isDM {
		c.ownerChat.Store(m.ChannelID)
	}

	c.router.PublishInbound(bus.InboundMessage{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		ChatID:     m.ChannelID,
		Content:    m.Content,
		SessionKey: sessions.BuildKey("discord", sessions.PeerKindFromGroup(!isDM), m.ChannelID),
	})
}

// Send delivers an outbound message, chunked to Discord's size cap.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if !c.running.Load() {
		return fmt.Errorf("discord adapter not running")
	}
	if msg.Content == "" {
		return nil // suppressed reply
	}
	for _, chunk := range channels.SplitMessage(msg.Content, discordMaxLen) {
		if _, err := c.session.ChannelMessageSend(msg.ChatID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendToOwner pushes a proactive message to the owner's latest DM.
func (c *Channel) SendToOwner(ctx context.Context, content string) bool {
	chatID, _ := c.ownerChat.Load().(string)
	if chatID == "" {
		return false
	}
	if err := c.Send(ctx, bus.OutboundMessage{Channel: "discord", ChatID: chatID, Content: content}); err != nil {
		slog.Warn("discord proactive send failed", "error", err)
		return false
	}
	return true
}
