package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSameLaneRunsInOrder(t *testing.T) {
	s := New(4)
	defer s.Shutdown()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})

	for i := 0; i < 5; i++ {
		i := i
		ok := s.Submit("web:direct:alice", func(ctx context.Context) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		})
		if !ok {
			t.Fatalf("submit %d rejected", i)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order: %v", order)
		}
	}
}

func TestDifferentLanesRunConcurrently(t *testing.T) {
	s := New(4)
	defer s.Shutdown()

	gateA := make(chan struct{})
	ranB := make(chan struct{})

	s.Submit("lane-a", func(ctx context.Context) { <-gateA })
	s.Submit("lane-b", func(ctx context.Context) { close(ranB) })

	select {
	case <-ranB:
		// B ran while A was still blocked.
	case <-time.After(2 * time.Second):
		t.Fatal("lane-b blocked behind lane-a")
	}
	close(gateA)
}

func TestShutdownStopsAccepting(t *testing.T) {
	s := New(2)
	var ran atomic.Bool
	s.Shutdown()
	if s.Submit("k", func(ctx context.Context) { ran.Store(true) }) {
		t.Fatal("submit should fail after shutdown")
	}
	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatal("fn should not run after shutdown")
	}
}
