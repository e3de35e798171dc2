package store

import (
	"context"
	"fmt"
	"time"
)

// CostEntry is one LLM call's spend, recorded by the cost tracker after
// every provider response that carried usage.
type CostEntry struct {
	ID           int64     `json:"id"`
	SessionKey   string    `json:"sessionKey,omitempty"`
	Model        string    `json:"model"`
	InputTokens  int64     `json:"inputTokens"`
	OutputTokens int64     `json:"outputTokens"`
	Cost         float64   `json:"cost"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ModelSpend aggregates a model's share of the ledger.
type ModelSpend struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	InputTokens  int64   `json:"inputTokens"`
	OutputTokens int64   `json:"outputTokens"`
	Cost         float64 `json:"cost"`
}

// CostSummary is the raw spend aggregate; the gateway folds it together
// with the configured budgets into the /api/costs response.
type CostSummary struct {
	Today     float64      `json:"today"`
	Month     float64      `json:"month"`
	AllTime   float64      `json:"allTime"`
	Requests  int64        `json:"requests"`
	TopModels []ModelSpend `json:"topModels"`
}

// RecordCost appends one entry to the ledger.
func (s *Store) RecordCost(ctx context.Context, e *CostEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `INSERT INTO cost_entries
		(session_key, model, input_tokens, output_tokens, cost, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionKey, e.Model, e.InputTokens, e.OutputTokens, e.Cost, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record cost: %w", err)
	}
	e.ID, _ = res.LastInsertId()
	return nil
}

// SpendSince sums cost over entries at or after `since`.
func (s *Store) SpendSince(ctx context.Context, since time.Time) (float64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM cost_entries WHERE created_at >= ?`, since.UnixMilli())
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("spend since: %w", err)
	}
	return total, nil
}

// DailySpend is today's total in UTC.
func (s *Store) DailySpend(ctx context.Context, now time.Time) (float64, error) {
	day := now.UTC().Truncate(24 * time.Hour)
	return s.SpendSince(ctx, day)
}

// MonthlySpend is the calendar month's total in UTC.
func (s *Store) MonthlySpend(ctx context.Context, now time.Time) (float64, error) {
	y, m, _ := now.UTC().Date()
	return s.SpendSince(ctx, time.Date(y, m, 1, 0, 0, 0, 0, time.UTC))
}

// CostReport builds the summary served at /api/costs.
func (s *Store) CostReport(ctx context.Context, now time.Time, topN int) (*CostSummary, error) {
	today, err := s.DailySpend(ctx, now)
	if err != nil {
		return nil, err
	}
	month, err := s.MonthlySpend(ctx, now)
	if err != nil {
		return nil, err
	}

	var summary CostSummary
	summary.Today = today
	summary.Month = month

	row := s.db.QueryRowContext(ctx, `SELECT COALESCE(SUM(cost), 0), COUNT(*) FROM cost_entries`)
	if err := row.Scan(&summary.AllTime, &summary.Requests); err != nil {
		return nil, fmt.Errorf("cost totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT model, COUNT(*), SUM(input_tokens),
		SUM(output_tokens), SUM(cost)
		FROM cost_entries GROUP BY model ORDER BY SUM(cost) DESC LIMIT ?`, topN)
	if err != nil {
		return nil, fmt.Errorf("top models: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ms ModelSpend
		if err := rows.Scan(&ms.Model, &ms.Requests, &ms.InputTokens, &ms.OutputTokens, &ms.Cost); err != nil {
			return nil, err
		}
		summary.TopModels = append(summary.TopModels, ms)
	}
	return &summary, rows.Err()
}
