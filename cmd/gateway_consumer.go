package cmd

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/haven/internal/agent"
	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/channels"
	"github.com/nextlevelbuilder/haven/internal/router"
	"github.com/nextlevelbuilder/haven/internal/scheduler"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// triggerPrompt frames a fired scheduled item so the agent writes a
// natural proactive message instead of echoing the stored note.
const triggerPrompt = "A scheduled follow-up just fired. The message below is your own note about " +
	"what to bring up. Write a short, natural message to the user about it. " +
	"If it is no longer relevant, reply with exactly NO_REPLY."

// announcePrompt frames a finished background task result re-entering
// the parent conversation.
const announcePrompt = "A background task you started has finished; its result is below. " +
	"Summarize the outcome for the user in your own words. " +
	"If nothing is worth telling them, reply with exactly NO_REPLY."

// consumeInbound drains the inbound side of the bus: channel adapter
// messages, fired scheduler triggers, and sub-agent announcements. Each
// message becomes one agent turn on the session's lane; the reply goes
// back out on the bus.
func consumeInbound(ctx context.Context, msgBus *bus.MessageBus, engine *agent.Engine, st *store.Store, lanes *scheduler.Scheduler) {
	slog.Info("inbound message consumer started")

	for {
		msg, ok := msgBus.ConsumeInbound(ctx)
		if !ok {
			slog.Info("inbound message consumer stopped")
			return
		}

		sessionKey := msg.SessionKey
		if sessionKey == "" {
			sessionKey = sessions.BuildKey(msg.Channel, sessions.PeerDirect, msg.ChatID)
		}

		userID := msg.UserID
		if userID == "" {
			owner, err := st.FirstUser(ctx)
			if err != nil {
				slog.Warn("inbound: no registered user, dropping message", "channel", msg.Channel)
				continue
			}
			userID = owner.ID
		}

		req := agent.TurnRequest{
			SessionKey: sessionKey,
			UserID:     userID,
			Channel:    msg.Channel,
			ChatID:     msg.ChatID,
			Message:    msg.Content,
			Media:      msg.Media,
		}

		// Replies to triggers and announces leave on the channel the
		// conversation lives on, not the synthetic inbound channel.
		outChannel := msg.Channel
		switch msg.Channel {
		case "trigger", "proactive":
			req.ExtraSystem = triggerPrompt
			outChannel = "proactive"
		case "subagent":
			req.ExtraSystem = announcePrompt
			outChannel = originChannel(sessionKey)
		}

		outChatID := msg.ChatID
		accepted := lanes.Submit(sessionKey, func(laneCtx context.Context) {
			result, err := engine.Run(laneCtx, req)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				slog.Error("inbound: turn failed", "channel", req.Channel, "session", req.SessionKey, "error", err)
				if router.IsBudgetExceeded(err) {
					deliver(msgBus, outChannel, outChatID, "I've hit my spending limit, so I'm pausing paid requests until it resets.")
				}
				return
			}
			if result.Silent || result.Content == "" {
				slog.Debug("inbound: suppressed silent reply", "session", req.SessionKey)
				return
			}
			deliver(msgBus, outChannel, outChatID, result.Content)
		})
		if !accepted {
			slog.Warn("inbound: lane rejected message", "session", sessionKey)
		}
	}
}

// deliver routes a reply to its surface. External adapters read the
// outbound queue; web clients get a broadcast event because the
// dispatcher skips internal channels. Proactive traffic takes both
// paths so every surface hears it.
func deliver(msgBus *bus.MessageBus, channel, chatID, content string) {
	internal := channels.IsInternal(channel)
	if internal || channel == "proactive" || channel == "trigger" {
		msgBus.Broadcast(bus.Event{Name: agent.EventProactive, Payload: map[string]any{
			"content": content,
			"chat_id": chatID,
			"channel": channel,
		}})
	}
	if !internal {
		msgBus.PublishOutbound(bus.OutboundMessage{
			Channel: channel,
			ChatID:  chatID,
			Content: content,
		})
	}
}

// originChannel extracts the channel a session belongs to from its key
// ("telegram:direct:42" yields "telegram"). Synthetic keys fall back to
// proactive fan-out.
func originChannel(sessionKey string) string {
	name, _, ok := strings.Cut(sessionKey, ":")
	if !ok || name == "" || name == "subagent" || name == "trigger" {
		return "proactive"
	}
	return name
}
