package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Scheduled item statuses.
const (
	ScheduleStatusPending   = "pending"
	ScheduleStatusFired     = "fired"
	ScheduleStatusExpired   = "expired"
	ScheduleStatusCancelled = "cancelled"
)

// Scheduled item sources and types.
const (
	ScheduleSourceAgent = "agent"
	ScheduleSourceUser  = "user"

	ScheduleTypeFollowUp = "follow_up"
	ScheduleTypeReminder = "reminder"
)

// ScheduledItem is a time-bearing intention: a reminder or follow-up the
// assistant should deliver when the trigger time arrives. Items with a
// cron expression re-arm instead of terminating on fire.
type ScheduledItem struct {
	ID        string     `json:"id"`
	UserID    string     `json:"userId"`
	Source    string     `json:"source"`
	Type      string     `json:"type"`
	Message   string     `json:"message"`
	Context   string     `json:"context,omitempty"` // JSON blob
	CronExpr  string     `json:"cronExpr,omitempty"`
	TriggerAt time.Time  `json:"triggerAt"`
	Status    string     `json:"status"`
	FiredAt   *time.Time `json:"firedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

// ErrScheduledNotFound is returned for unknown scheduled item IDs.
var ErrScheduledNotFound = errors.New("scheduled item not found")

// InsertScheduled stores a new scheduled item in pending state.
func (s *Store) InsertScheduled(ctx context.Context, item *ScheduledItem) error {
	now := time.Now().UTC()
	if item.ID == "" {
		item.ID = NewID()
	}
	if item.Status == "" {
		item.Status = ScheduleStatusPending
	}
	item.CreatedAt = now
	item.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_items
		(id, user_id, source, item_type, message, context, cron_expr, trigger_at, status, fired_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, item.UserID, item.Source, item.Type, item.Message, nullStr(item.Context),
		item.CronExpr, item.TriggerAt.UnixMilli(), item.Status, nullTime(item.FiredAt),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert scheduled item: %w", err)
	}
	return nil
}

// GetScheduled fetches one item.
func (s *Store) GetScheduled(ctx context.Context, id string) (*ScheduledItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, user_id, source, item_type, message, context,
		cron_expr, trigger_at, status, fired_at, created_at, updated_at
		FROM scheduled_items WHERE id=?`, id)
	item, err := scanScheduled(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrScheduledNotFound
	}
	return item, err
}

// DueScheduled returns pending items whose trigger time is at or before now.
func (s *Store) DueScheduled(ctx context.Context, now time.Time, limit int) ([]*ScheduledItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, source, item_type, message, context,
		cron_expr, trigger_at, status, fired_at, created_at, updated_at
		FROM scheduled_items WHERE status=? AND trigger_at <= ?
		ORDER BY trigger_at LIMIT ?`,
		ScheduleStatusPending, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due scheduled items: %w", err)
	}
	defer rows.Close()
	return scanScheduledRows(rows)
}

// PendingScheduled lists a user's pending items soonest-first.
func (s *Store) PendingScheduled(ctx context.Context, userID string, limit int) ([]*ScheduledItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, user_id, source, item_type, message, context,
		cron_expr, trigger_at, status, fired_at, created_at, updated_at
		FROM scheduled_items WHERE user_id=? AND status=?
		ORDER BY trigger_at LIMIT ?`,
		userID, ScheduleStatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("pending scheduled items: %w", err)
	}
	defer rows.Close()
	return scanScheduledRows(rows)
}

// MarkFired transitions an item to fired and stamps fired_at.
func (s *Store) MarkFired(ctx context.Context, id string, at time.Time) error {
	return s.setScheduledStatus(ctx, id, ScheduleStatusFired, &at)
}

// Rearm resets a recurring item to pending with a new trigger time.
func (s *Store) Rearm(ctx context.Context, id string, next time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET status=?, trigger_at=?, fired_at=NULL, updated_at=? WHERE id=?`,
		ScheduleStatusPending, next.UnixMilli(), time.Now().UTC().UnixMilli(), id)
	return err
}

// CancelScheduled marks a pending item cancelled; returns false when the
// item was not pending.
func (s *Store) CancelScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET status=?, updated_at=? WHERE id=? AND status=?`,
		ScheduleStatusCancelled, time.Now().UTC().UnixMilli(), id, ScheduleStatusPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireScheduled marks pending items expired whose trigger time is past
// the grace horizon. Returns the number expired.
func (s *Store) ExpireScheduled(ctx context.Context, horizon time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET status=?, updated_at=? WHERE status=? AND trigger_at < ?`,
		ScheduleStatusExpired, time.Now().UTC().UnixMilli(), ScheduleStatusPending, horizon.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("expire scheduled items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) setScheduledStatus(ctx context.Context, id, status string, firedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_items SET status=?, fired_at=?, updated_at=? WHERE id=?`,
		status, nullTime(firedAt), time.Now().UTC().UnixMilli(), id)
	return err
}

func scanScheduled(row rowScanner) (*ScheduledItem, error) {
	var item ScheduledItem
	var contextJSON sql.NullString
	var triggerAt, createdAt, updatedAt int64
	var firedAt sql.NullInt64

	err := row.Scan(&item.ID, &item.UserID, &item.Source, &item.Type, &item.Message,
		&contextJSON, &item.CronExpr, &triggerAt, &item.Status, &firedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	item.Context = contextJSON.String
	item.TriggerAt = time.UnixMilli(triggerAt).UTC()
	item.FiredAt = timePtr(firedAt)
	item.CreatedAt = time.UnixMilli(createdAt).UTC()
	item.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &item, nil
}

func scanScheduledRows(rows *sql.Rows) ([]*ScheduledItem, error) {
	var out []*ScheduledItem
	for rows.Next() {
		item, err := scanScheduled(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
