// Package scheduler serializes work per session: turns for the same
// session run one at a time in arrival order, while different sessions
// proceed concurrently under a global cap.
package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

const laneDepth = 32

// Scheduler runs commands on per-key lanes.
type Scheduler struct {
	global *semaphore.Weighted

	mu    sync.Mutex
	lanes map[string]chan func()
	wg    sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler allowing maxConcurrent commands across all
// lanes.
func New(maxConcurrent int) *Scheduler {
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		global: semaphore.NewWeighted(int64(maxConcurrent)),
		lanes:  make(map[string]chan func()),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit queues fn on key's lane. Returns false when the lane is full
// or the scheduler is shut down.
func (s *Scheduler) Submit(key string, fn func(ctx context.Context)) bool {
	if s.ctx.Err() != nil {
		return false
	}
	lane := s.laneFor(key)
	wrapped := func() {
		if err := s.global.Acquire(s.ctx, 1); err != nil {
			return
		}
		defer s.global.Release(1)
		fn(s.ctx)
	}
	select {
	case lane <- wrapped:
		return true
	default:
		slog.Warn("scheduler: lane full, rejecting", "key", key)
		return false
	}
}

func (s *Scheduler) laneFor(key string) chan func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	lane, ok := s.lanes[key]
	if !ok {
		lane = make(chan func(), laneDepth)
		s.lanes[key] = lane
		s.wg.Add(1)
		go s.drain(lane)
	}
	return lane
}

func (s *Scheduler) drain(lane chan func()) {
	defer s.wg.Done()
	for {
		select {
		case fn := <-lane:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// Shutdown stops accepting work, cancels in-flight contexts, and waits
// for lane goroutines to exit.
func (s *Scheduler) Shutdown() {
	s.cancel()
	s.wg.Wait()
}
