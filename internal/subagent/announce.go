package subagent

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// Announcement is one finished (or failed) run waiting to be surfaced
// in its parent session.
type Announcement struct {
	RunID     string          `json:"run_id"`
	ParentKey string          `json:"parent_key"`
	Label     string          `json:"label"`
	Status    string          `json:"status"`
	Result    string          `json:"result"`
	Usage     providers.Usage `json:"usage"`
	Timestamp time.Time       `json:"timestamp"`
}

// AnnounceQueue holds per-parent FIFO queues of announcements.
type AnnounceQueue struct {
	mu     sync.Mutex
	queues map[string][]Announcement
}

func NewAnnounceQueue() *AnnounceQueue {
	return &AnnounceQueue{queues: make(map[string][]Announcement)}
}

// Push appends an announcement to its parent's queue.
func (q *AnnounceQueue) Push(a Announcement) {
	q.mu.Lock()
	q.queues[a.ParentKey] = append(q.queues[a.ParentKey], a)
	q.mu.Unlock()
}

// Drain removes and returns all pending announcements for a parent, in
// arrival order.
func (q *AnnounceQueue) Drain(parentKey string) []Announcement {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.queues[parentKey]
	delete(q.queues, parentKey)
	return out
}

// Pending reports the number of queued announcements for a parent.
func (q *AnnounceQueue) Pending(parentKey string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[parentKey])
}
