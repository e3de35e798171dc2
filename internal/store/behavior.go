package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BehaviorPattern is the gardener's rolling read of a user's mood and
// cadence, updated on deep ticks and folded into the system prompt.
type BehaviorPattern struct {
	UserID     string    `json:"userId"`
	Valence    float64   `json:"valence"` // -1 negative .. +1 positive
	Arousal    float64   `json:"arousal"` // 0 calm .. 1 activated
	Emotion    string    `json:"emotion"`
	GoalSignal string    `json:"goalSignal"`
	MsgCount7d int       `json:"msgCount7d"`
	MsgsPerDay float64   `json:"msgsPerDay"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// UpsertBehaviorPattern replaces the user's pattern row.
func (s *Store) UpsertBehaviorPattern(ctx context.Context, p *BehaviorPattern) error {
	p.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `INSERT INTO behavior_patterns
		(user_id, valence, arousal, emotion, goal_signal, msg_count_7d, msgs_per_day, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			valence=excluded.valence, arousal=excluded.arousal, emotion=excluded.emotion,
			goal_signal=excluded.goal_signal, msg_count_7d=excluded.msg_count_7d,
			msgs_per_day=excluded.msgs_per_day, updated_at=excluded.updated_at`,
		p.UserID, p.Valence, p.Arousal, p.Emotion, p.GoalSignal,
		p.MsgCount7d, p.MsgsPerDay, p.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert behavior pattern: %w", err)
	}
	return nil
}

// GetBehaviorPattern returns the user's pattern, or nil when none exists.
func (s *Store) GetBehaviorPattern(ctx context.Context, userID string) (*BehaviorPattern, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, valence, arousal, emotion, goal_signal,
		msg_count_7d, msgs_per_day, updated_at FROM behavior_patterns WHERE user_id=?`, userID)

	var p BehaviorPattern
	var updated int64
	err := row.Scan(&p.UserID, &p.Valence, &p.Arousal, &p.Emotion, &p.GoalSignal,
		&p.MsgCount7d, &p.MsgsPerDay, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get behavior pattern: %w", err)
	}
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	return &p, nil
}

// MessageCountSince counts a user's messages across sessions since `since`.
// Feeds the cadence fields of the behavior pattern.
func (s *Store) MessageCountSince(ctx context.Context, userID string, since time.Time) (int, error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM session_messages m
		JOIN sessions s ON s.key = m.session_key
		WHERE s.user_id=? AND m.role='user' AND m.created_at >= ?`,
		userID, since.UnixMilli())
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("message count: %w", err)
	}
	return n, nil
}
