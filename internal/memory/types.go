// Package memory defines the persistent memory graph model and the pure
// engines that operate over it: prominence decay, hybrid retrieval, and
// spreading activation. Persistence lives in internal/store; everything
// here is storage-agnostic.
package memory

import (
	"context"
	"time"
)

// Category classifies what a memory is about.
const (
	CategoryPreference   = "preference"
	CategoryFact         = "fact"
	CategoryEvent        = "event"
	CategoryRelationship = "relationship"
	CategoryInsight      = "insight"
)

// Memory types. static_profile entries are pinned (prominence 1.0);
// derived entries are produced by fusion; superseded entries are the
// retired sources of a fusion or update.
const (
	TypeStaticProfile  = "static_profile"
	TypeDynamicProfile = "dynamic_profile"
	TypeRegular        = "regular"
	TypeDerived        = "derived"
	TypeSuperseded     = "superseded"
)

// Relation types between memories.
const (
	RelUpdates = "UPDATES"
	RelExtends = "EXTENDS"
	RelDerives = "DERIVES"
)

// Prominence thresholds. Entries at or above Active are retrievable by
// default; the dormant band [Dormant, Active) is the fusion candidate
// pool; below Dormant an entry is archived.
const (
	ActiveThreshold  = 0.5
	DormantThreshold = 0.1
)

// Entry is one memory in the graph.
type Entry struct {
	ID         string  `json:"id"`
	UserID     string  `json:"userId"`
	Content    string  `json:"content"`
	Category   string  `json:"category"`
	MemoryType string  `json:"memoryType"`
	Importance int     `json:"importance"` // 0-10
	Confidence float64 `json:"confidence"` // [0,1]
	IsLatest   bool    `json:"isLatest"`

	// DocumentDate is when the memory was created; EventDate is when the
	// remembered event occurred (nil when not time-bound).
	DocumentDate time.Time  `json:"documentDate"`
	EventDate    *time.Time `json:"eventDate,omitempty"`

	Prominence   float64    `json:"prominence"` // [0,1]
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	AccessCount  int        `json:"accessCount"`

	SourceChunkID string            `json:"sourceChunkId,omitempty"`
	Embedding     []float32         `json:"embedding,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Status buckets an entry by its current prominence.
func (e *Entry) Status() string {
	switch {
	case e.Prominence >= ActiveThreshold:
		return "active"
	case e.Prominence >= DormantThreshold:
		return "dormant"
	default:
		return "archived"
	}
}

// Relation is a directed typed edge between two memories. Relations are
// immutable once created; they disappear only when an endpoint is pruned.
type Relation struct {
	SourceID   string    `json:"sourceId"`
	TargetID   string    `json:"targetId"`
	Type       string    `json:"type"`
	Confidence float64   `json:"confidence"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ListFilter narrows Store.List results.
type ListFilter struct {
	MinProminence float64
	MaxProminence float64 // 0 = no upper bound
	Categories    []string
	Types         []string
	ExcludeTypes  []string
	LatestOnly    bool
	Limit         int
}

// Store is the narrow command surface every consumer of the memory graph
// speaks through. internal/store implements it over SQLite.
type Store interface {
	Insert(ctx context.Context, e *Entry) error
	Update(ctx context.Context, e *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, userID string, f ListFilter) ([]*Entry, error)

	// DecayCandidates returns entries touched since `since` or older than a
	// day with prominence above `floor`, ordered by prominence descending.
	DecayCandidates(ctx context.Context, userID string, since time.Time, floor float64, limit int) ([]*Entry, error)

	// SetProminence writes back a recomputed prominence.
	SetProminence(ctx context.Context, id string, prominence float64) error

	// TouchAccess bumps the access counter and last-access timestamp.
	TouchAccess(ctx context.Context, id string, at time.Time) error

	// MarkSuperseded flips an entry to superseded and clears isLatest.
	MarkSuperseded(ctx context.Context, id string) error

	Delete(ctx context.Context, id string) error
	PruneArchived(ctx context.Context, userID string, olderThan time.Time) (int, error)

	InsertRelation(ctx context.Context, r *Relation) error
	Relations(ctx context.Context, userID string) ([]*Relation, error)
}
