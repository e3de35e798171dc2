package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/nextlevelbuilder/haven/internal/fusion"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// summarizeIdle is how long a session must sit untouched before the
// deep tick summarizes it.
const summarizeIdle = time.Hour

// deepTick runs the expensive passes: full decay, fusion, session
// summarization, forgetting, behavioral inference, trust-score drift,
// the goal-deadline check, and inner thoughts.
func (g *Gardener) deepTick(ctx context.Context) {
	start := g.now()
	slog.Info("gardener.deep start")

	g.withUser(ctx, func(user *store.User) {
		g.fullDecay(ctx, user.ID)

		fuser := fusion.New(g.mems, g.provider, fusion.Config{
			MinProminence:  memory.DormantThreshold,
			MaxProminence:  memory.ActiveThreshold,
			MinClusterSize: g.cfg.MinClusterSize,
			MaxClusters:    g.cfg.MaxClusters,
			Model:          g.model,
		})
		if _, err := fuser.Run(ctx, user.ID); err != nil {
			slog.Warn("gardener: fusion pass failed", "error", err)
		}

		g.summarizeSessions(ctx)
		g.pruneForgotten(ctx, user.ID)
		g.inferBehavior(ctx, user.ID)
		g.trustScores(ctx, user.ID)
		g.goalDeadlines(ctx, user)
		g.innerThoughts(ctx, user)
	})

	if n, err := g.store.PruneExpiredAuthSessions(ctx, g.now()); err != nil {
		slog.Warn("gardener: auth prune failed", "error", err)
	} else if n > 0 {
		slog.Debug("gardener: pruned auth sessions", "count", n)
	}

	slog.Info("gardener.deep done", "elapsed", g.now().Sub(start).Round(time.Millisecond))
}

// fullDecay recomputes prominence for every non-static memory.
func (g *Gardener) fullDecay(ctx context.Context, userID string) {
	entries, err := g.mems.List(ctx, userID, memory.ListFilter{
		ExcludeTypes: []string{memory.TypeStaticProfile},
	})
	if err != nil {
		slog.Warn("gardener: full decay list failed", "error", err)
		return
	}
	now := g.now()
	written := 0
	for _, e := range entries {
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
	slog.Debug("gardener: full decay", "scanned", len(entries), "written", written)
}

// summarizeSessions condenses long, idle, unsummarized sessions.
func (g *Gardener) summarizeSessions(ctx context.Context) {
	minMsgs := g.cfg.SummarizeAfterMsgs
	if minMsgs <= 0 {
		minMsgs = 30
	}
	candidates, err := g.store.SummarizeCandidates(ctx, g.now().Add(-summarizeIdle), minMsgs, 10)
	if err != nil {
		slog.Warn("gardener: summarize candidates failed", "error", err)
		return
	}
	for _, sess := range candidates {
		if err := g.summarizeOne(ctx, sess); err != nil {
			slog.Warn("gardener: summarize failed", "session", sess.Key, "error", err)
		}
	}
}

func (g *Gardener) summarizeOne(ctx context.Context, sess *store.Session) error {
	history, err := g.store.History(ctx, sess.Key)
	if err != nil {
		return err
	}
	var b strings.Builder
	b.WriteString("Summarize this conversation in at most five sentences. Keep names, decisions, and open questions.\n\n")
	for _, msg := range history {
		text := msg.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", msg.Role, text)
	}

	resp, err := g.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", b.String())},
		Model:     g.model,
		MaxTokens: 512,
	})
	if err != nil {
		return err
	}
	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return fmt.Errorf("empty summary")
	}
	return g.store.SetSummary(ctx, sess.Key, summary)
}

// pruneForgotten deletes archived memories past retention.
func (g *Gardener) pruneForgotten(ctx context.Context, userID string) {
	cutoff := g.now().Add(-time.Duration(g.cfg.RetentionDays) * 24 * time.Hour)
	n, err := g.mems.PruneArchived(ctx, userID, cutoff)
	if err != nil {
		slog.Warn("gardener: prune failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("gardener: forgot archived memories", "count", n)
	}
}

// Trust drift: retrieval reinforces confidence, long idleness erodes
// it. static_profile entries keep the confidence they were written with.
const (
	trustReinforce = 0.05
	trustErosion   = 0.02
	trustFloor     = 0.1
	trustIdleDays  = 30
)

// deepWindow is the wall-clock span between deep ticks.
func (g *Gardener) deepWindow() time.Duration {
	return time.Duration(g.cfg.LightTickSec) * time.Second * time.Duration(g.cfg.DeepEvery)
}

// trustScores nudges memory confidence from usage: entries the
// retriever touched since the last deep pass gain a little trust,
// entries idle for a month lose some, never below the floor.
func (g *Gardener) trustScores(ctx context.Context, userID string) {
	entries, err := g.mems.List(ctx, userID, memory.ListFilter{
		LatestOnly:   true,
		ExcludeTypes: []string{memory.TypeStaticProfile, memory.TypeSuperseded},
	})
	if err != nil {
		slog.Warn("gardener: trust list failed", "error", err)
		return
	}

	now := g.now()
	window := now.Add(-g.deepWindow())
	idle := now.Add(-trustIdleDays * 24 * time.Hour)
	updated := 0
	for _, e := range entries {
		c := e.Confidence
		switch {
		case e.LastAccessed != nil && e.LastAccessed.After(window):
			c = math.Min(1, c+trustReinforce)
		case lastTouched(e).Before(idle):
			c = math.Max(trustFloor, c-trustErosion)
		}
		if c == e.Confidence {
			continue
		}
		e.Confidence = c
		if err := g.mems.Update(ctx, e); err != nil {
			slog.Warn("gardener: trust write failed", "id", e.ID, "error", err)
			continue
		}
		updated++
	}
	if updated > 0 {
		slog.Debug("gardener: trust scores updated", "count", updated)
	}
}

func lastTouched(e *memory.Entry) time.Time {
	if e.LastAccessed != nil {
		return *e.LastAccessed
	}
	return e.DocumentDate
}

// Goal-deadline look-ahead: how far out the deep tick watches for
// time-bound memories, and how long before the moment the reminder
// should land.
const (
	goalHorizon  = 24 * time.Hour
	goalLeadTime = time.Hour
)

// goalDeadlines scans time-bound event memories and schedules a
// reminder for any whose moment falls inside the look-ahead horizon.
// Each memory gets at most one reminder, recorded in its metadata; the
// pass is skipped when the proactiveness dial is off.
func (g *Gardener) goalDeadlines(ctx context.Context, user *store.User) {
	if pendingFollowUpCap(user.Proactiveness) == 0 {
		return
	}
	entries, err := g.mems.List(ctx, user.ID, memory.ListFilter{
		MinProminence: memory.DormantThreshold,
		Categories:    []string{memory.CategoryEvent},
		LatestOnly:    true,
		ExcludeTypes:  []string{memory.TypeSuperseded},
	})
	if err != nil {
		slog.Warn("gardener: goal list failed", "error", err)
		return
	}

	now := g.now()
	horizon := now.Add(goalHorizon)
	for _, e := range entries {
		if e.EventDate == nil || e.EventDate.Before(now) || e.EventDate.After(horizon) {
			continue
		}
		if e.Metadata["goal_reminder"] != "" {
			continue
		}
		trigger := e.EventDate.Add(-goalLeadTime)
		if trigger.Before(now) {
			trigger = now
		}
		item := &store.ScheduledItem{
			ID:        store.NewID(),
			UserID:    user.ID,
			Source:    store.ScheduleSourceAgent,
			Type:      store.ScheduleTypeReminder,
			Message:   "Coming up: " + e.Content,
			Context:   fmt.Sprintf(`{"memory_id":%q}`, e.ID),
			TriggerAt: trigger,
		}
		if err := g.store.InsertScheduled(ctx, item); err != nil {
			slog.Warn("gardener: deadline reminder insert failed", "memory", e.ID, "error", err)
			continue
		}
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		e.Metadata["goal_reminder"] = item.ID
		if err := g.mems.Update(ctx, e); err != nil {
			slog.Warn("gardener: deadline marker write failed", "id", e.ID, "error", err)
		}
		slog.Info("gardener: deadline reminder scheduled", "memory", e.ID, "at", trigger)
	}
}

// behaviorReply is the JSON shape of the affect-inference answer.
type behaviorReply struct {
	Valence    float64 `json:"valence"`
	Arousal    float64 `json:"arousal"`
	Emotion    string  `json:"emotion"`
	GoalSignal string  `json:"goal_signal"`
}

// inferBehavior updates the user's behavioral pattern from message
// volume and recent session summaries.
func (g *Gardener) inferBehavior(ctx context.Context, userID string) {
	week := g.now().Add(-7 * 24 * time.Hour)
	count, err := g.store.MessageCountSince(ctx, userID, week)
	if err != nil {
		slog.Warn("gardener: message count failed", "error", err)
		return
	}

	pattern := &store.BehaviorPattern{
		UserID:     userID,
		MsgCount7d: count,
		MsgsPerDay: float64(count) / 7,
		UpdatedAt:  g.now().UTC(),
	}

	summaries, err := g.store.RecentSummaries(ctx, userID, week, 10)
	if err != nil {
		slog.Warn("gardener: summaries load failed", "error", err)
	}
	if len(summaries) > 0 {
		prompt := "From these conversation summaries, estimate the user's state. Reply with only " +
			`{"valence": -1..1, "arousal": 0..1, "emotion": string, "goal_signal": string}.` +
			"\n\n- " + strings.Join(summaries, "\n- ")
		resp, err := g.provider.Chat(ctx, providers.ChatRequest{
			Messages:  []providers.Message{providers.TextMessage("user", prompt)},
			Model:     g.model,
			MaxTokens: 256,
		})
		if err != nil {
			slog.Warn("gardener: affect inference failed", "error", err)
		} else if reply, err := parseBehaviorReply(resp.Content); err != nil {
			slog.Warn("gardener: affect reply rejected", "error", err)
		} else {
			pattern.Valence = clampRange(reply.Valence, -1, 1)
			pattern.Arousal = clampRange(reply.Arousal, 0, 1)
			pattern.Emotion = reply.Emotion
			pattern.GoalSignal = reply.GoalSignal
		}
	}

	if err := g.store.UpsertBehaviorPattern(ctx, pattern); err != nil {
		slog.Warn("gardener: behavior upsert failed", "error", err)
	}
}

func parseBehaviorReply(content string) (*behaviorReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var reply behaviorReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("invalid behavior JSON: %w", err)
	}
	return &reply, nil
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pendingFollowUpCap maps the proactiveness dial to how many
// agent-initiated follow-ups may sit pending at once.
func pendingFollowUpCap(proactiveness string) int {
	switch proactiveness {
	case store.ProactivenessLow:
		return 1
	case store.ProactivenessModerate:
		return 3
	case store.ProactivenessHigh:
		return 6
	default: // off or unknown
		return 0
	}
}

// thoughtReply is the JSON shape of the inner-thoughts answer.
type thoughtReply struct {
	ShouldFollowUp bool    `json:"should_follow_up"`
	Message        string  `json:"message"`
	HoursFromNow   float64 `json:"hours_from_now"`
}

// innerThoughts lets the assistant decide whether something is worth
// bringing up later, creating a follow_up scheduled item. The
// proactiveness dial caps how much of this may be outstanding.
func (g *Gardener) innerThoughts(ctx context.Context, user *store.User) {
	cap := pendingFollowUpCap(user.Proactiveness)
	if cap == 0 {
		return
	}

	pending, err := g.store.PendingScheduled(ctx, user.ID, cap+1)
	if err != nil {
		slog.Warn("gardener: pending lookup failed", "error", err)
		return
	}
	agentPending := 0
	for _, item := range pending {
		if item.Source == store.ScheduleSourceAgent {
			agentPending++
		}
	}
	if agentPending >= cap {
		return
	}

	summaries, err := g.store.RecentSummaries(ctx, user.ID, g.now().Add(-7*24*time.Hour), 5)
	if err != nil || len(summaries) == 0 {
		return
	}

	prompt := "You are reviewing recent conversations with your user. Decide whether anything deserves " +
		"an unprompted follow-up later (a promised check-in, an unresolved thread, an upcoming event). " +
		`Reply with only {"should_follow_up": bool, "message": string, "hours_from_now": number}. ` +
		"Be conservative; most reviews need no follow-up.\n\nSummaries:\n- " + strings.Join(summaries, "\n- ")

	resp, err := g.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", prompt)},
		Model:     g.model,
		MaxTokens: 256,
	})
	if err != nil {
		slog.Warn("gardener: inner thoughts call failed", "error", err)
		return
	}

	var reply thoughtReply
	start := strings.Index(resp.Content, "{")
	end := strings.LastIndex(resp.Content, "}")
	if start < 0 || end <= start {
		return
	}
	if err := json.Unmarshal([]byte(resp.Content[start:end+1]), &reply); err != nil {
		slog.Warn("gardener: inner thoughts reply rejected", "error", err)
		return
	}
	if !reply.ShouldFollowUp || strings.TrimSpace(reply.Message) == "" {
		return
	}
	if reply.HoursFromNow < 0.25 {
		reply.HoursFromNow = 0.25
	}

	item := &store.ScheduledItem{
		ID:        store.NewID(),
		UserID:    user.ID,
		Source:    store.ScheduleSourceAgent,
		Type:      store.ScheduleTypeFollowUp,
		Message:   reply.Message,
		TriggerAt: g.now().Add(time.Duration(reply.HoursFromNow * float64(time.Hour))),
	}
	if err := g.store.InsertScheduled(ctx, item); err != nil {
		slog.Warn("gardener: follow-up insert failed", "error", err)
		return
	}
	slog.Info("gardener: inner thought scheduled", "item", item.ID, "in_hours", reply.HoursFromNow)
}
