package sessions

import (
	"context"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// Manager serializes session access: all reads and writes for one
// session key go through a per-key lock, so two concurrent turns cannot
// interleave their history appends.
type Manager struct {
	store *store.Store

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewManager creates a manager over the store.
func NewManager(st *store.Store) *Manager {
	return &Manager{store: st, locks: make(map[string]*sync.Mutex)}
}

func (m *Manager) lockFor(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	return l
}

// GetOrCreate returns the session at key, creating it when absent.
func (m *Manager) GetOrCreate(ctx context.Context, key, userID, channel string) (*store.Session, error) {
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()
	return m.store.GetOrCreateSession(ctx, key, userID, channel)
}

// Append stores messages at the end of a session atomically with respect
// to other appends on the same key.
func (m *Manager) Append(ctx context.Context, key string, msgs ...providers.Message) error {
	l := m.lockFor(key)
	l.Lock()
	defer l.Unlock()
	for _, msg := range msgs {
		if err := m.store.AppendMessage(ctx, key, msg); err != nil {
			return fmt.Errorf("append to %s: %w", key, err)
		}
	}
	return nil
}

// History returns the session's messages in order.
func (m *Manager) History(ctx context.Context, key string) ([]providers.Message, error) {
	return m.store.History(ctx, key)
}

// Get returns session metadata.
func (m *Manager) Get(ctx context.Context, key string) (*store.Session, error) {
	return m.store.GetSession(ctx, key)
}

// RecordUsage accumulates token usage onto the session.
func (m *Manager) RecordUsage(ctx context.Context, key string, usage providers.Usage) error {
	return m.store.AccumulateTokens(ctx, key, int64(usage.InputTokens), int64(usage.OutputTokens))
}

// SetSpawnedBy marks key as a child of parentKey.
func (m *Manager) SetSpawnedBy(ctx context.Context, key, parentKey string) error {
	return m.store.SetSpawnedBy(ctx, key, parentKey)
}

// Delete removes a session and releases its lock.
func (m *Manager) Delete(ctx context.Context, key string) error {
	l := m.lockFor(key)
	l.Lock()
	err := m.store.DeleteSession(ctx, key)
	l.Unlock()

	m.mu.Lock()
	delete(m.locks, key)
	m.mu.Unlock()
	return err
}
