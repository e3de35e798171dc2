package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/haven/internal/memory"
)

var _ memory.Store = (*Store)(nil)

const memoryColumns = `id, user_id, content, category, memory_type, importance, confidence,
	is_latest, document_date, event_date, prominence, last_accessed, access_count,
	source_chunk_id, embedding, metadata, created_at, updated_at`

// Insert stores a new memory entry. ID, timestamps, and prominence are
// filled in when unset.
func (s *Store) Insert(ctx context.Context, e *memory.Entry) error {
	now := time.Now().UTC()
	if e.ID == "" {
		e.ID = NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.DocumentDate.IsZero() {
		e.DocumentDate = now
	}
	e.UpdatedAt = now
	if e.MemoryType == "" {
		e.MemoryType = memory.TypeRegular
	}
	if e.MemoryType == memory.TypeStaticProfile {
		e.Prominence = 1.0
	} else if e.Prominence == 0 {
		e.Prominence = 1.0
	}

	embJSON := serializeEmbedding(e.Embedding)
	metaJSON := serializeMetadata(e.Metadata)

	_, err := s.db.ExecContext(ctx, `INSERT INTO memories (`+memoryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Content, e.Category, e.MemoryType, e.Importance, e.Confidence,
		boolInt(e.IsLatest), e.DocumentDate.UnixMilli(), nullTime(e.EventDate), e.Prominence,
		nullTime(e.LastAccessed), e.AccessCount, nullStr(e.SourceChunkID), embJSON, metaJSON,
		e.CreatedAt.UnixMilli(), e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert memory: %w", err)
	}
	return nil
}

// Update rewrites a memory entry in full.
func (s *Store) Update(ctx context.Context, e *memory.Entry) error {
	e.UpdatedAt = time.Now().UTC()
	if e.MemoryType == memory.TypeStaticProfile {
		e.Prominence = 1.0
	}
	_, err := s.db.ExecContext(ctx, `UPDATE memories SET
		content=?, category=?, memory_type=?, importance=?, confidence=?, is_latest=?,
		document_date=?, event_date=?, prominence=?, last_accessed=?, access_count=?,
		source_chunk_id=?, embedding=?, metadata=?, updated_at=?
		WHERE id=?`,
		e.Content, e.Category, e.MemoryType, e.Importance, e.Confidence, boolInt(e.IsLatest),
		e.DocumentDate.UnixMilli(), nullTime(e.EventDate), e.Prominence, nullTime(e.LastAccessed),
		e.AccessCount, nullStr(e.SourceChunkID), serializeEmbedding(e.Embedding),
		serializeMetadata(e.Metadata), e.UpdatedAt.UnixMilli(), e.ID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// Get fetches one entry by id; returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*memory.Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id=?`, id)
	return scanMemory(row)
}

// List returns the user's entries matching the filter, highest prominence first.
func (s *Store) List(ctx context.Context, userID string, f memory.ListFilter) ([]*memory.Entry, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id=?`
	args := []any{userID}

	if f.LatestOnly {
		query += ` AND is_latest=1`
	}
	if f.MinProminence > 0 {
		query += ` AND prominence >= ?`
		args = append(args, f.MinProminence)
	}
	if f.MaxProminence > 0 {
		query += ` AND prominence < ?`
		args = append(args, f.MaxProminence)
	}
	if len(f.Categories) > 0 {
		query += ` AND category IN (` + placeholders(len(f.Categories)) + `)`
		for _, c := range f.Categories {
			args = append(args, c)
		}
	}
	if len(f.Types) > 0 {
		query += ` AND memory_type IN (` + placeholders(len(f.Types)) + `)`
		for _, t := range f.Types {
			args = append(args, t)
		}
	}
	for _, t := range f.ExcludeTypes {
		query += ` AND memory_type != ?`
		args = append(args, t)
	}
	query += ` ORDER BY prominence DESC, updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// DecayCandidates selects memories for an incremental decay pass: touched
// since `since`, or older than one day with prominence above `floor`.
func (s *Store) DecayCandidates(ctx context.Context, userID string, since time.Time, floor float64, limit int) ([]*memory.Entry, error) {
	dayAgo := time.Now().UTC().Add(-24 * time.Hour).UnixMilli()
	rows, err := s.db.QueryContext(ctx, `SELECT `+memoryColumns+` FROM memories
		WHERE user_id=? AND memory_type != 'static_profile'
		AND (updated_at >= ? OR last_accessed >= ? OR (document_date < ? AND prominence > ?))
		ORDER BY prominence DESC LIMIT ?`,
		userID, since.UnixMilli(), since.UnixMilli(), dayAgo, floor, limit)
	if err != nil {
		return nil, fmt.Errorf("decay candidates: %w", err)
	}
	defer rows.Close()
	return scanMemories(rows)
}

// SetProminence writes back a recomputed prominence.
func (s *Store) SetProminence(ctx context.Context, id string, prominence float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET prominence=?, updated_at=? WHERE id=? AND memory_type != 'static_profile'`,
		prominence, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("set prominence: %w", err)
	}
	return nil
}

// TouchAccess bumps the access counter and last-access timestamp.
func (s *Store) TouchAccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET access_count = access_count + 1, last_accessed=? WHERE id=?`,
		at.UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("touch access: %w", err)
	}
	return nil
}

// MarkSuperseded retires an entry: memory_type=superseded, is_latest=0.
func (s *Store) MarkSuperseded(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE memories SET memory_type=?, is_latest=0, updated_at=? WHERE id=?`,
		memory.TypeSuperseded, time.Now().UTC().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

// Delete removes an entry and any relations referencing it.
func (s *Store) Delete(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memory_relations WHERE source_id=? OR target_id=?`, id, id); err != nil {
		logRollback(tx)
		return fmt.Errorf("delete relations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id=?`, id); err != nil {
		logRollback(tx)
		return fmt.Errorf("delete memory: %w", err)
	}
	return tx.Commit()
}

// PruneArchived removes archived-band entries not updated since olderThan,
// along with their relations. Static profiles are never pruned.
func (s *Store) PruneArchived(ctx context.Context, userID string, olderThan time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM memories WHERE user_id=? AND prominence < ? AND updated_at < ? AND memory_type != 'static_profile'`,
		userID, memory.DormantThreshold, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune scan: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err == nil {
			ids = append(ids, id)
		}
	}
	rows.Close()

	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			return len(ids), err
		}
	}
	return len(ids), nil
}

// InsertRelation stores a directed typed edge. Duplicate edges are ignored.
func (s *Store) InsertRelation(ctx context.Context, r *memory.Relation) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO memory_relations (source_id, target_id, rel_type, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		r.SourceID, r.TargetID, r.Type, r.Confidence, r.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert relation: %w", err)
	}
	return nil
}

// Relations returns every edge whose endpoints belong to the user.
func (s *Store) Relations(ctx context.Context, userID string) ([]*memory.Relation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT r.source_id, r.target_id, r.rel_type, r.confidence, r.created_at
		FROM memory_relations r
		JOIN memories m ON m.id = r.source_id
		WHERE m.user_id=?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list relations: %w", err)
	}
	defer rows.Close()

	var out []*memory.Relation
	for rows.Next() {
		var r memory.Relation
		var created int64
		if err := rows.Scan(&r.SourceID, &r.TargetID, &r.Type, &r.Confidence, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, &r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemory(row rowScanner) (*memory.Entry, error) {
	var e memory.Entry
	var isLatest int
	var docDate, createdAt, updatedAt int64
	var eventDate, lastAccessed sql.NullInt64
	var sourceChunk, embJSON, metaJSON sql.NullString

	err := row.Scan(&e.ID, &e.UserID, &e.Content, &e.Category, &e.MemoryType, &e.Importance,
		&e.Confidence, &isLatest, &docDate, &eventDate, &e.Prominence, &lastAccessed,
		&e.AccessCount, &sourceChunk, &embJSON, &metaJSON, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	e.IsLatest = isLatest != 0
	e.DocumentDate = time.UnixMilli(docDate).UTC()
	e.EventDate = timePtr(eventDate)
	e.LastAccessed = timePtr(lastAccessed)
	e.SourceChunkID = sourceChunk.String
	e.Embedding = deserializeEmbedding(embJSON.String)
	e.Metadata = deserializeMetadata(metaJSON.String)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return &e, nil
}

func scanMemories(rows *sql.Rows) ([]*memory.Entry, error) {
	var out []*memory.Entry
	for rows.Next() {
		e, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Embeddings are stored as JSON text; similarity search runs in-process.
func serializeEmbedding(v []float32) sql.NullString {
	if len(v) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(v)
	return sql.NullString{String: string(data), Valid: true}
}

func deserializeEmbedding(s string) []float32 {
	if s == "" {
		return nil
	}
	var v []float32
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil
	}
	return v
}

func serializeMetadata(m map[string]string) sql.NullString {
	if len(m) == 0 {
		return sql.NullString{}
	}
	data, _ := json.Marshal(m)
	return sql.NullString{String: string(data), Valid: true}
}

func deserializeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
