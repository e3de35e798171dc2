// Package gardener is the background consolidation loop: a light tick
// every few minutes for incremental decay and scheduled-item firing, a
// deep tick every ~6 hours for full decay, fusion, summarization and
// behavioral inference, and a sleep tick once a day, inside the user's
// quiet hours, for the dream cycle, self-reflection and the gap
// scanner.
package gardener

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
	"github.com/nextlevelbuilder/haven/internal/tracing"
)

const (
	decayBatchLimit   = 500  // entries per light tick
	decayWriteDelta   = 0.01 // skip write-back below this change
	fireBatchLimit    = 50   // scheduled items per light tick
	expiryGraceHours  = 24   // overdue pending items expire after this
	retentionFallback = 30   // days before archived memories are pruned
)

// Gardener drives the three maintenance tiers.
type Gardener struct {
	cfg      config.GardenerConfig
	store    *store.Store
	mems     memory.Store
	provider providers.Provider // LLM for fusion, summaries, reflection
	model    string
	router   bus.MessageRouter  // trigger delivery; may be nil
	events   bus.EventPublisher // may be nil
	decay    *memory.DecayEngine
	now      func() time.Time

	ticks   atomic.Int64
	running atomic.Bool // re-entrancy guard: slow ticks skip the next beat

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a gardener. provider may be a degraded router; LLM-backed
// passes skip their work when calls fail.
func New(cfg config.GardenerConfig, st *store.Store, provider providers.Provider, model string, router bus.MessageRouter, events bus.EventPublisher) *Gardener {
	if cfg.LightTickSec <= 0 {
		cfg.LightTickSec = 300
	}
	if cfg.DeepEvery <= 0 {
		cfg.DeepEvery = 72
	}
	if cfg.SleepEvery <= 0 {
		cfg.SleepEvery = 288
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = retentionFallback
	}
	return &Gardener{
		cfg:      cfg,
		store:    st,
		mems:     st,
		provider: provider,
		model:    model,
		router:   router,
		events:   events,
		decay:    memory.NewDecayEngine(memory.DefaultDecayConfig()),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start runs the tick loop until ctx is cancelled or Stop is called.
func (g *Gardener) Start(ctx context.Context) {
	go g.loop(ctx)
}

func (g *Gardener) loop(ctx context.Context) {
	defer close(g.done)
	ticker := time.NewTicker(time.Duration(g.cfg.LightTickSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stop:
			return
		case <-ticker.C:
			g.Tick(ctx)
		}
	}
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (g *Gardener) Stop() {
	g.stopOnce.Do(func() { close(g.stop) })
	<-g.done
}

// Tick runs one beat: always the light pass, plus the deep and sleep
// passes on their multiples. A beat that arrives while the previous one
// is still working is skipped rather than queued.
func (g *Gardener) Tick(ctx context.Context) {
	if !g.running.CompareAndSwap(false, true) {
		slog.Warn("gardener: previous tick still running, skipping")
		return
	}
	defer g.running.Store(false)

	n := g.ticks.Add(1)
	ctx, span := tracing.Start(ctx, "gardener.tick", tracing.Int("n", int(n)))
	defer span.End()

	g.lightTick(ctx)
	if n%int64(g.cfg.DeepEvery) == 0 {
		g.deepTick(ctx)
	}
	if n%int64(g.cfg.SleepEvery) == 0 {
		g.sleepTick(ctx)
	}
}

// TickCount reports how many beats have run; used by status surfaces.
func (g *Gardener) TickCount() int64 { return g.ticks.Load() }

func (g *Gardener) broadcast(name string, payload any) {
	if g.events != nil {
		g.events.Broadcast(bus.Event{Name: name, Payload: payload})
	}
}

// withUser runs fn for the instance's user. Haven is a single-user
// deployment; without an onboarded user the per-user passes are no-ops.
func (g *Gardener) withUser(ctx context.Context, fn func(*store.User)) {
	user, err := g.store.FirstUser(ctx)
	if err != nil {
		if err != store.ErrNoUsers {
			slog.Warn("gardener: user lookup failed", "error", err)
		}
		return
	}
	fn(user)
}
