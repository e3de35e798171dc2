package channels

import (
	"context"
	"sync"

	"log/slog"

	"github.com/nextlevelbuilder/haven/internal/bus"
)

// Manager owns the adapter lifecycle and the outbound dispatch loop.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]Channel
	router   bus.MessageRouter

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a manager; adapters register before StartAll.
func NewManager(router bus.MessageRouter) *Manager {
	return &Manager{channels: make(map[string]Channel), router: router}
}

// Register adds an adapter.
func (m *Manager) Register(c Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[c.Name()] = c
}

// StartAll starts the dispatcher and every registered adapter. Adapter
// start failures are logged, not fatal; the rest keep running.
func (m *Manager) StartAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.dispatchOutbound(dispatchCtx)

	for name, c := range m.channels {
		if err := c.Start(ctx); err != nil {
			slog.Error("channel start failed", "channel", name, "error", err)
			continue
		}
		slog.Info("channel started", "channel", name)
	}
}

// StopAll stops the dispatcher and every adapter.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
		<-m.done
		m.cancel = nil
	}
	for name, c := range m.channels {
		if err := c.Stop(ctx); err != nil {
			slog.Warn("channel stop failed", "channel", name, "error", err)
		}
	}
}

// dispatchOutbound routes outbound bus messages: named channels get
// direct delivery, proactive traffic fans out, internal traffic stays
// put.
func (m *Manager) dispatchOutbound(ctx context.Context) {
	defer close(m.done)
	for {
		msg, ok := m.router.ConsumeOutbound(ctx)
		if !ok {
			return
		}
		switch {
		case IsInternal(msg.Channel):
			// Delivered by the gateway's event push.
		case proactiveChannels[msg.Channel]:
			m.fanOut(ctx, msg.Content)
		default:
			m.deliver(ctx, msg)
		}
	}
}

func (m *Manager) deliver(ctx context.Context, msg bus.OutboundMessage) {
	m.mu.RLock()
	c, ok := m.channels[msg.Channel]
	m.mu.RUnlock()
	if !ok {
		slog.Warn("outbound message for unknown channel", "channel", msg.Channel)
		return
	}
	if err := c.Send(ctx, msg); err != nil {
		slog.Error("channel send failed", "channel", msg.Channel, "error", err)
	}
}

// fanOut pushes an assistant-initiated message to every live adapter
// that knows where the owner lives.
func (m *Manager) fanOut(ctx context.Context, content string) {
	if content == "" {
		return
	}
	m.mu.RLock()
	adapters := make([]Channel, 0, len(m.channels))
	for _, c := range m.channels {
		adapters = append(adapters, c)
	}
	m.mu.RUnlock()

	delivered := 0
	for _, c := range adapters {
		if !c.Running() {
			continue
		}
		if c.SendToOwner(ctx, content) {
			delivered++
		}
	}
	if delivered == 0 {
		slog.Debug("proactive message had no reachable adapter")
	}
}
