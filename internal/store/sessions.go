package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// Session holds conversation metadata for one (user, channel) scope.
// Messages live in session_messages and are fetched separately.
type Session struct {
	Key          string     `json:"key"`
	UserID       string     `json:"userId"`
	Channel      string     `json:"channel"`
	Label        string     `json:"label,omitempty"`
	Summary      string     `json:"summary,omitempty"`
	SummarizedAt *time.Time `json:"summarizedAt,omitempty"`
	SpawnedBy    string     `json:"spawnedBy,omitempty"`
	InputTokens  int64      `json:"inputTokens"`
	OutputTokens int64      `json:"outputTokens"`
	Created      time.Time  `json:"created"`
	Updated      time.Time  `json:"updated"`
	MessageCount int        `json:"messageCount"`
}

// ErrSessionNotFound is returned when a session key does not exist.
var ErrSessionNotFound = errors.New("session not found")

// GetOrCreateSession returns the session at key, creating it when absent.
func (s *Store) GetOrCreateSession(ctx context.Context, key, userID, channel string) (*Session, error) {
	sess, err := s.GetSession(ctx, key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (key, user_id, channel, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		key, userID, channel, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &Session{Key: key, UserID: userID, Channel: channel, Created: now, Updated: now}, nil
}

// GetSession fetches session metadata.
func (s *Store) GetSession(ctx context.Context, key string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT s.key, s.user_id, s.channel, s.label, s.summary,
		s.summarized_at, s.spawned_by, s.input_tokens, s.output_tokens, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.key)
		FROM sessions s WHERE s.key=?`, key)

	var sess Session
	var summarizedAt sql.NullInt64
	var created, updated int64
	err := row.Scan(&sess.Key, &sess.UserID, &sess.Channel, &sess.Label, &sess.Summary,
		&summarizedAt, &sess.SpawnedBy, &sess.InputTokens, &sess.OutputTokens,
		&created, &updated, &sess.MessageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.SummarizedAt = timePtr(summarizedAt)
	sess.Created = time.UnixMilli(created).UTC()
	sess.Updated = time.UnixMilli(updated).UTC()
	return &sess, nil
}

// AppendMessage stores one message at the end of a session.
func (s *Store) AppendMessage(ctx context.Context, key string, msg providers.Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	now := time.Now().UTC().UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_messages (session_key, role, payload, created_at) VALUES (?, ?, ?, ?)`,
		key, msg.Role, string(payload), now); err != nil {
		logRollback(tx)
		return fmt.Errorf("append message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sessions SET updated_at=? WHERE key=?`, now, key); err != nil {
		logRollback(tx)
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// History returns the session's messages in append order.
func (s *Store) History(ctx context.Context, key string) ([]providers.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM session_messages WHERE session_key=? ORDER BY id`, key)
	if err != nil {
		return nil, fmt.Errorf("session history: %w", err)
	}
	defer rows.Close()

	var out []providers.Message
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var msg providers.Message
		if err := json.Unmarshal([]byte(payload), &msg); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

// SetSessionLabel updates the display label.
func (s *Store) SetSessionLabel(ctx context.Context, key, label string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET label=? WHERE key=?`, label, key)
	return err
}

// SetSpawnedBy marks a session as a sub-agent child of parentKey.
func (s *Store) SetSpawnedBy(ctx context.Context, key, parentKey string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET spawned_by=? WHERE key=?`, parentKey, key)
	return err
}

// SetSummary stores a conversation summary and its timestamp.
func (s *Store) SetSummary(ctx context.Context, key, summary string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET summary=?, summarized_at=? WHERE key=?`,
		summary, time.Now().UTC().UnixMilli(), key)
	return err
}

// AccumulateTokens adds usage from a completed run.
func (s *Store) AccumulateTokens(ctx context.Context, key string, input, output int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET input_tokens = input_tokens + ?, output_tokens = output_tokens + ? WHERE key=?`,
		input, output, key)
	return err
}

// DeleteSession removes a session and its messages.
func (s *Store) DeleteSession(ctx context.Context, key string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_messages WHERE session_key=?`, key); err != nil {
		logRollback(tx)
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE key=?`, key); err != nil {
		logRollback(tx)
		return err
	}
	return tx.Commit()
}

// ListSessions returns session metadata for a user (all users when empty),
// most recently updated first.
func (s *Store) ListSessions(ctx context.Context, userID string, limit int) ([]*Session, error) {
	query := `SELECT s.key, s.user_id, s.channel, s.label, s.summary, s.summarized_at, s.spawned_by,
		s.input_tokens, s.output_tokens, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.key)
		FROM sessions s`
	var args []any
	if userID != "" {
		query += ` WHERE s.user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY s.updated_at DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var summarizedAt sql.NullInt64
		var created, updated int64
		if err := rows.Scan(&sess.Key, &sess.UserID, &sess.Channel, &sess.Label, &sess.Summary,
			&summarizedAt, &sess.SpawnedBy, &sess.InputTokens, &sess.OutputTokens,
			&created, &updated, &sess.MessageCount); err != nil {
			return nil, err
		}
		sess.SummarizedAt = timePtr(summarizedAt)
		sess.Created = time.UnixMilli(created).UTC()
		sess.Updated = time.UnixMilli(updated).UTC()
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// SummarizeCandidates returns sessions older than threshold with more
// messages than minMessages that have never been summarized (or have new
// messages since the last summary).
func (s *Store) SummarizeCandidates(ctx context.Context, olderThan time.Time, minMessages, limit int) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT s.key, s.user_id, s.channel, s.label, s.summary,
		s.summarized_at, s.spawned_by, s.input_tokens, s.output_tokens, s.created_at, s.updated_at,
		(SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.key)
		FROM sessions s
		WHERE s.updated_at < ?
		AND (s.summarized_at IS NULL OR s.summarized_at < s.updated_at)
		AND (SELECT COUNT(*) FROM session_messages m WHERE m.session_key = s.key) >= ?
		ORDER BY s.updated_at LIMIT ?`,
		olderThan.UnixMilli(), minMessages, limit)
	if err != nil {
		return nil, fmt.Errorf("summarize candidates: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var summarizedAt sql.NullInt64
		var created, updated int64
		if err := rows.Scan(&sess.Key, &sess.UserID, &sess.Channel, &sess.Label, &sess.Summary,
			&summarizedAt, &sess.SpawnedBy, &sess.InputTokens, &sess.OutputTokens,
			&created, &updated, &sess.MessageCount); err != nil {
			return nil, err
		}
		sess.SummarizedAt = timePtr(summarizedAt)
		sess.Created = time.UnixMilli(created).UTC()
		sess.Updated = time.UnixMilli(updated).UTC()
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// RecentSummaries returns non-empty summaries updated since `since`,
// newest first. Used by behavioral inference and self-reflection.
func (s *Store) RecentSummaries(ctx context.Context, userID string, since time.Time, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM sessions
		WHERE user_id=? AND summary != '' AND summarized_at >= ?
		ORDER BY summarized_at DESC LIMIT ?`,
		userID, since.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("recent summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var summary string
		if err := rows.Scan(&summary); err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, rows.Err()
}
