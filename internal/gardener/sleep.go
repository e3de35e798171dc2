package gardener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/haven/internal/fusion"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// gapOverlapThreshold marks a candidate question as a duplicate of a
// pending item when their word overlap reaches this fraction.
const gapOverlapThreshold = 0.8

// sleepTick runs the nightly passes: the dream cycle, self-reflection,
// and the gap scanner. It only works inside the user's quiet hours;
// outside them it is a no-op and the pass waits for the next beat.
func (g *Gardener) sleepTick(ctx context.Context) {
	g.withUser(ctx, func(user *store.User) {
		if !inQuietHours(g.now(), user) {
			slog.Debug("gardener.sleep skipped, outside quiet hours")
			return
		}
		start := g.now()
		slog.Info("gardener.sleep start")

		g.dreamCycle(ctx, user.ID)
		g.selfReflect(ctx, user.ID)
		g.scanGaps(ctx, user)

		slog.Info("gardener.sleep done", "elapsed", g.now().Sub(start).Round(time.Millisecond))
	})
}

// dreamCycle replays the memory graph the way sleep consolidates:
// NREM widens the fusion band and lets clusters cross categories; REM,
// when enabled, free-associates distant memories into a new insight.
func (g *Gardener) dreamCycle(ctx context.Context, userID string) {
	nrem := fusion.New(g.mems, g.provider, fusion.Config{
		MinProminence:  memory.DormantThreshold,
		MaxProminence:  0.7,
		MinClusterSize: g.cfg.MinClusterSize,
		MaxClusters:    g.cfg.MaxClusters,
		CrossCategory:  true,
		Model:          g.model,
	})
	if fused, err := nrem.Run(ctx, userID); err != nil {
		slog.Warn("gardener: NREM pass failed", "error", err)
	} else if fused > 0 {
		slog.Info("gardener: NREM fused clusters", "count", fused)
	}

	if g.cfg.DreamEnabled {
		g.remAssociate(ctx, userID)
	}
}

// remAssociate picks unrelated active memories and asks the model for a
// non-obvious connection, saving it as a low-confidence insight.
func (g *Gardener) remAssociate(ctx context.Context, userID string) {
	entries, err := g.mems.List(ctx, userID, memory.ListFilter{
		MinProminence: memory.ActiveThreshold,
		ExcludeTypes:  []string{memory.TypeSuperseded, memory.TypeStaticProfile},
		LatestOnly:    true,
		Limit:         12,
	})
	if err != nil || len(entries) < 4 {
		return
	}

	var b strings.Builder
	b.WriteString("Here are things you know about your user:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s\n", e.Category, e.Content)
	}
	b.WriteString("\nName one non-obvious connection between two or more of them that could matter to the user. " +
		`Reply with only {"insight": string, "importance": 0-10} or {"insight": ""} if nothing stands out.`)

	resp, err := g.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", b.String())},
		Model:     g.model,
		MaxTokens: 256,
	})
	if err != nil {
		slog.Warn("gardener: REM association failed", "error", err)
		return
	}

	var reply struct {
		Insight    string `json:"insight"`
		Importance int    `json:"importance"`
	}
	s, e := strings.Index(resp.Content, "{"), strings.LastIndex(resp.Content, "}")
	if s < 0 || e <= s || json.Unmarshal([]byte(resp.Content[s:e+1]), &reply) != nil {
		return
	}
	if strings.TrimSpace(reply.Insight) == "" {
		return
	}
	g.saveInsight(ctx, userID, reply.Insight, clampImportance(reply.Importance), 0.4, "rem")
}

// selfReflect distills the week's conversations into one insight about
// how the user is doing or what they keep returning to.
func (g *Gardener) selfReflect(ctx context.Context, userID string) {
	summaries, err := g.store.RecentSummaries(ctx, userID, g.now().Add(-7*24*time.Hour), 10)
	if err != nil || len(summaries) == 0 {
		return
	}

	prompt := "Reflect on these recent conversations with your user. What single observation about them, " +
		"their situation, or how you could help better is worth remembering? " +
		`Reply with only {"insight": string, "importance": 0-10} or {"insight": ""} if nothing is.` +
		"\n\n- " + strings.Join(summaries, "\n- ")

	resp, err := g.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", prompt)},
		Model:     g.model,
		MaxTokens: 256,
	})
	if err != nil {
		slog.Warn("gardener: reflection failed", "error", err)
		return
	}

	var reply struct {
		Insight    string `json:"insight"`
		Importance int    `json:"importance"`
	}
	s, e := strings.Index(resp.Content, "{"), strings.LastIndex(resp.Content, "}")
	if s < 0 || e <= s || json.Unmarshal([]byte(resp.Content[s:e+1]), &reply) != nil {
		return
	}
	if strings.TrimSpace(reply.Insight) == "" {
		return
	}
	g.saveInsight(ctx, userID, reply.Insight, clampImportance(reply.Importance), 0.6, "reflection")
}

func (g *Gardener) saveInsight(ctx context.Context, userID, content string, importance int, confidence float64, origin string) {
	now := g.now().UTC()
	entry := &memory.Entry{
		ID:           store.NewID(),
		UserID:       userID,
		Content:      content,
		Category:     memory.CategoryInsight,
		MemoryType:   memory.TypeRegular,
		Importance:   importance,
		Confidence:   confidence,
		IsLatest:     true,
		DocumentDate: now,
		Prominence:   memory.ActiveThreshold,
		Metadata:     map[string]string{"origin": origin},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := g.mems.Insert(ctx, entry); err != nil {
		slog.Warn("gardener: insight save failed", "origin", origin, "error", err)
		return
	}
	slog.Info("gardener: insight saved", "origin", origin, "id", entry.ID)
	g.broadcast("insight", map[string]any{"id": entry.ID, "origin": origin, "content": content})
}

// gap is one candidate question the assistant could ask to fill a hole
// in what it knows.
type gap struct {
	SourceID string `json:"source_id"`
	Question string `json:"question"`
}

// scanGaps looks for things the assistant should know but does not, and
// schedules the best candidates as follow-up questions. Candidates
// duplicating a pending item, by source memory or by near-identical
// wording, are dropped; the proactiveness dial caps how many survive.
func (g *Gardener) scanGaps(ctx context.Context, user *store.User) {
	keep := gapKeepCount(user.Proactiveness)
	if keep == 0 {
		return
	}

	entries, err := g.mems.List(ctx, user.ID, memory.ListFilter{
		MinProminence: memory.ActiveThreshold,
		ExcludeTypes:  []string{memory.TypeSuperseded},
		LatestOnly:    true,
		Limit:         20,
	})
	if err != nil || len(entries) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("These are memories about your user, each with an id:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- id=%s [%s] %s\n", e.ID, e.Category, e.Content)
	}
	b.WriteString("\nList up to 5 gaps: things these memories imply you should know but do not " +
		"(a missing date, an unresolved outcome, an unnamed person). " +
		`Reply with only a JSON array of {"source_id": string, "question": string}. Reply [] if there are none.`)

	resp, err := g.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", b.String())},
		Model:     g.model,
		MaxTokens: 512,
	})
	if err != nil {
		slog.Warn("gardener: gap scan failed", "error", err)
		return
	}

	gaps, err := parseGaps(resp.Content)
	if err != nil {
		slog.Warn("gardener: gap reply rejected", "error", err)
		return
	}

	pending, err := g.store.PendingScheduled(ctx, user.ID, 100)
	if err != nil {
		slog.Warn("gardener: pending lookup failed", "error", err)
		return
	}

	scheduled := 0
	for _, gp := range gaps {
		if scheduled >= keep {
			break
		}
		if strings.TrimSpace(gp.Question) == "" || isDuplicateGap(gp, pending) {
			continue
		}
		item := &store.ScheduledItem{
			ID:        store.NewID(),
			UserID:    user.ID,
			Source:    store.ScheduleSourceAgent,
			Type:      store.ScheduleTypeFollowUp,
			Message:   gp.Question,
			Context:   gp.SourceID,
			TriggerAt: g.now().Add(time.Duration(8+4*scheduled) * time.Hour),
		}
		if err := g.store.InsertScheduled(ctx, item); err != nil {
			slog.Warn("gardener: gap schedule failed", "error", err)
			continue
		}
		pending = append(pending, item)
		scheduled++
	}
	if scheduled > 0 {
		slog.Info("gardener: gaps scheduled", "count", scheduled)
	}
}

func parseGaps(content string) ([]gap, error) {
	s := strings.Index(content, "[")
	e := strings.LastIndex(content, "]")
	if s < 0 || e <= s {
		return nil, fmt.Errorf("no JSON array in reply")
	}
	var gaps []gap
	if err := json.Unmarshal([]byte(content[s:e+1]), &gaps); err != nil {
		return nil, fmt.Errorf("invalid gap JSON: %w", err)
	}
	return gaps, nil
}

// isDuplicateGap drops a candidate that targets the same source memory
// as a pending item, or whose wording overlaps a pending question
// almost completely.
func isDuplicateGap(gp gap, pending []*store.ScheduledItem) bool {
	for _, item := range pending {
		if gp.SourceID != "" && item.Context == gp.SourceID {
			return true
		}
		if wordOverlap(gp.Question, item.Message) >= gapOverlapThreshold {
			return true
		}
	}
	return false
}

// wordOverlap is the fraction of the smaller question's words present
// in the other.
func wordOverlap(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	if len(wb) < len(wa) {
		wa, wb = wb, wa
	}
	shared := 0
	for w := range wa {
		if wb[w] {
			shared++
		}
	}
	return float64(shared) / float64(len(wa))
}

func wordSet(s string) map[string]bool {
	out := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(s)) {
		w = strings.Trim(w, ".,!?;:\"'")
		if w != "" {
			out[w] = true
		}
	}
	return out
}

// gapKeepCount maps the proactiveness dial to how many gap questions
// one sleep pass may schedule.
func gapKeepCount(proactiveness string) int {
	switch proactiveness {
	case store.ProactivenessLow:
		return 1
	case store.ProactivenessModerate:
		return 3
	case store.ProactivenessHigh:
		return 5
	default:
		return 0
	}
}

func clampImportance(v int) int {
	if v < 0 {
		return 0
	}
	if v > 10 {
		return 10
	}
	return v
}
