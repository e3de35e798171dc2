package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/haven/internal/agent"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/store"
)

const (
	writeTimeout   = 10 * time.Second
	pongTimeout    = 90 * time.Second
	pingInterval   = 45 * time.Second
	maxFrameBytes  = 1 << 20
	sendQueueDepth = 64
)

// clientFrame is one message from the web client.
type clientFrame struct {
	Type        string   `json:"type"` // chat, stop, ping
	Message     string   `json:"message,omitempty"`
	ChatID      string   `json:"chat_id,omitempty"`
	Attachments []string `json:"attachments,omitempty"`
}

// Client is one WebSocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	user   *store.User

	send      chan []byte
	closeOnce sync.Once

	turnActive atomic.Bool
	stopped    atomic.Bool // stop requested for the in-flight turn
}

func newClient(conn *websocket.Conn, s *Server, user *store.User) *Client {
	return &Client{
		id:     store.NewID(),
		conn:   conn,
		server: s,
		user:   user,
		send:   make(chan []byte, sendQueueDepth),
	}
}

// Run pumps the connection until it closes.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.writePump(ctx)
	c.readLoop(ctx)
}

// Close tears the connection down.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

func (c *Client) readLoop(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "id", c.id, "error", err)
			}
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendError("malformed frame")
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *Client) handleFrame(ctx context.Context, frame clientFrame) {
	switch frame.Type {
	case "ping":
		c.sendEvent(agent.Event{Type: agent.EventPong})
	case "stop":
		c.stopped.Store(true)
	case "chat":
		c.startTurn(ctx, frame)
	default:
		c.sendError("unknown frame type " + frame.Type)
	}
}

func (c *Client) startTurn(ctx context.Context, frame clientFrame) {
	gw := c.server.cfg.Snapshot().Gateway
	if gw.MaxMessageChars > 0 && len(frame.Message) > gw.MaxMessageChars {
		c.sendError("message too long")
		return
	}
	if !c.turnActive.CompareAndSwap(false, true) {
		c.sendError("a turn is already in progress; stop it first")
		return
	}
	c.stopped.Store(false)

	chatID := frame.ChatID
	if chatID == "" {
		chatID = "main"
	}

	go func() {
		defer c.turnActive.Store(false)
		_, err := c.server.engine.Run(ctx, agent.TurnRequest{
			SessionKey: sessions.BuildKey("web", sessions.PeerDirect, chatID),
			UserID:     c.user.ID,
			Channel:    "web",
			ChatID:     chatID,
			Message:    frame.Message,
			Media:      frame.Attachments,
			Stream:     true,
			OnProgress: c.sendEvent,
			Cancelled:  c.stopped.Load,
		})
		if err != nil {
			// The engine already emitted an error event; just log here.
			slog.Warn("turn failed", "id", c.id, "error", err)
		}
	}()
}

// sendEvent queues an event frame; a full queue drops the frame rather
// than blocking the agent loop.
func (c *Client) sendEvent(ev agent.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	defer func() {
		// Sending on a closed channel loses a race with Close; drop it.
		recover()
	}()
	select {
	case c.send <- data:
	default:
		slog.Warn("client send queue full, dropping event", "id", c.id, "type", ev.Type)
	}
}

func (c *Client) sendError(msg string) {
	c.sendEvent(agent.Event{Type: agent.EventError, Payload: map[string]any{"error": msg}})
}

func (c *Client) writePump(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
