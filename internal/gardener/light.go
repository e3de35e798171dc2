package gardener

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// lightTick does the cheap, frequent work: incremental decay over
// recently touched memories, firing and expiring scheduled items, and
// a database health ping.
func (g *Gardener) lightTick(ctx context.Context) {
	start := g.now()

	g.withUser(ctx, func(user *store.User) {
		decayed := g.incrementalDecay(ctx, user.ID)
		fired := g.fireScheduled(ctx, user)
		if decayed > 0 || fired > 0 {
			slog.Debug("gardener.light", "decayed", decayed, "fired", fired)
		}
	})

	horizon := g.now().Add(-expiryGraceHours * time.Hour)
	if n, err := g.store.ExpireScheduled(ctx, horizon); err != nil {
		slog.Warn("gardener: expiry failed", "error", err)
	} else if n > 0 {
		slog.Info("gardener: expired overdue items", "count", n)
	}

	if err := g.store.Ping(ctx); err != nil {
		slog.Error("gardener: database ping failed", "error", err)
	}

	slog.Debug("gardener.light done", "elapsed", g.now().Sub(start).Round(time.Millisecond))
}

// incrementalDecay recomputes prominence for memories touched since the
// last tick or drifting with age, capped per tick, writing back only
// meaningful changes.
func (g *Gardener) incrementalDecay(ctx context.Context, userID string) int {
	since := g.now().Add(-time.Duration(g.cfg.LightTickSec) * time.Second)
	candidates, err := g.mems.DecayCandidates(ctx, userID, since, 0.01, decayBatchLimit)
	if err != nil {
		slog.Warn("gardener: decay candidates failed", "error", err)
		return 0
	}

	now := g.now()
	written := 0
	for _, e := range candidates {
		p := g.decay.ComputeProminence(e, now)
		if math.Abs(p-e.Prominence) <= decayWriteDelta {
			continue
		}
		if err := g.mems.SetProminence(ctx, e.ID, p); err != nil {
			slog.Warn("gardener: prominence write failed", "id", e.ID, "error", err)
			continue
		}
		written++
	}
	return written
}

// fireScheduled delivers due items. Recurring items re-arm to the next
// cron occurrence; one-shot items go terminal. Agent-initiated
// follow-ups wait out the user's quiet hours; explicit reminders fire
// regardless.
func (g *Gardener) fireScheduled(ctx context.Context, user *store.User) int {
	due, err := g.store.DueScheduled(ctx, g.now(), fireBatchLimit)
	if err != nil {
		slog.Warn("gardener: due scheduled failed", "error", err)
		return 0
	}

	fired := 0
	for _, item := range due {
		if item.Type == store.ScheduleTypeFollowUp && inQuietHours(g.now(), user) {
			continue
		}
		if err := g.fireOne(ctx, item); err != nil {
			slog.Warn("gardener: fire failed", "item", item.ID, "error", err)
			continue
		}
		fired++
	}
	return fired
}

func (g *Gardener) fireOne(ctx context.Context, item *store.ScheduledItem) error {
	now := g.now()

	if item.CronExpr != "" {
		next, err := gronx.NextTick(item.CronExpr, false)
		if err != nil {
			// A cron expression that stopped parsing fires once and ends.
			slog.Warn("gardener: cron re-arm failed, firing once", "item", item.ID, "error", err)
			if err := g.store.MarkFired(ctx, item.ID, now); err != nil {
				return err
			}
		} else if err := g.store.Rearm(ctx, item.ID, next); err != nil {
			return fmt.Errorf("rearm: %w", err)
		}
	} else if err := g.store.MarkFired(ctx, item.ID, now); err != nil {
		return fmt.Errorf("mark fired: %w", err)
	}

	slog.Info("gardener: trigger fired", "item", item.ID, "type", item.Type)
	g.broadcast("trigger", map[string]any{
		"id": item.ID, "kind": item.Type, "content": item.Message,
	})
	if g.router != nil {
		g.router.PublishInbound(bus.InboundMessage{
			Channel:    "trigger",
			ChatID:     item.ID,
			UserID:     item.UserID,
			SessionKey: sessions.BuildTriggerKey(item.ID),
			Content:    item.Message,
			Metadata:   map[string]string{"source": "trigger", "type": item.Type, "context": item.Context},
		})
	}
	return nil
}

// inQuietHours reports whether the user's local clock is inside their
// quiet window. The window may wrap around midnight (default 02-05).
func inQuietHours(now time.Time, user *store.User) bool {
	if user.QuietStart == user.QuietEnd {
		return false
	}
	local := now.UTC().Add(time.Duration(user.UTCOffsetMin) * time.Minute)
	h := local.Hour()
	if user.QuietStart < user.QuietEnd {
		return h >= user.QuietStart && h < user.QuietEnd
	}
	return h >= user.QuietStart || h < user.QuietEnd
}
