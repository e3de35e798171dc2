package memory

import (
	"context"
	"time"
)

// ReadOnly wraps a Store so every write is a harmless no-op. Sub-agent
// runs get this view when they are not trusted to mutate the graph.
type ReadOnly struct {
	inner Store
}

var _ Store = (*ReadOnly)(nil)

func NewReadOnly(inner Store) *ReadOnly { return &ReadOnly{inner: inner} }

func (r *ReadOnly) Get(ctx context.Context, id string) (*Entry, error) { return r.inner.Get(ctx, id) }

func (r *ReadOnly) List(ctx context.Context, userID string, f ListFilter) ([]*Entry, error) {
	return r.inner.List(ctx, userID, f)
}

func (r *ReadOnly) DecayCandidates(ctx context.Context, userID string, since time.Time, floor float64, limit int) ([]*Entry, error) {
	return r.inner.DecayCandidates(ctx, userID, since, floor, limit)
}

func (r *ReadOnly) Relations(ctx context.Context, userID string) ([]*Relation, error) {
	return r.inner.Relations(ctx, userID)
}

func (r *ReadOnly) Insert(ctx context.Context, e *Entry) error                     { return nil }
func (r *ReadOnly) Update(ctx context.Context, e *Entry) error                     { return nil }
func (r *ReadOnly) SetProminence(ctx context.Context, id string, p float64) error  { return nil }
func (r *ReadOnly) TouchAccess(ctx context.Context, id string, at time.Time) error { return nil }
func (r *ReadOnly) MarkSuperseded(ctx context.Context, id string) error            { return nil }
func (r *ReadOnly) Delete(ctx context.Context, id string) error                    { return nil }
func (r *ReadOnly) InsertRelation(ctx context.Context, rel *Relation) error        { return nil }

func (r *ReadOnly) PruneArchived(ctx context.Context, userID string, olderThan time.Time) (int, error) {
	return 0, nil
}
