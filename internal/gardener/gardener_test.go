package gardener

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

type captureRouter struct {
	mu      sync.Mutex
	inbound []bus.InboundMessage
}

func (r *captureRouter) PublishInbound(msg bus.InboundMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbound = append(r.inbound, msg)
}

func (r *captureRouter) ConsumeInbound(ctx context.Context) (bus.InboundMessage, bool) {
	return bus.InboundMessage{}, false
}
func (r *captureRouter) PublishOutbound(msg bus.OutboundMessage) {}
func (r *captureRouter) ConsumeOutbound(ctx context.Context) (bus.OutboundMessage, bool) {
	return bus.OutboundMessage{}, false
}

func (r *captureRouter) messages() []bus.InboundMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bus.InboundMessage(nil), r.inbound...)
}

func newTestGardener(t *testing.T, p providers.Provider, cfg config.GardenerConfig) (*Gardener, *store.Store, *store.User, *captureRouter) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	user, err := st.CreateUser(context.Background(), "ada", "hash")
	if err != nil {
		t.Fatal(err)
	}
	router := &captureRouter{}
	g := New(cfg, st, p, "test-model", router, nil)
	return g, st, user, router
}

func insertMemory(t *testing.T, st *store.Store, e *memory.Entry) {
	t.Helper()
	if err := st.Insert(context.Background(), e); err != nil {
		t.Fatal(err)
	}
}

func agedMemory(userID, content string, age time.Duration, prominence float64) *memory.Entry {
	then := time.Now().UTC().Add(-age)
	return &memory.Entry{
		ID: store.NewID(), UserID: userID, Content: content,
		Category: memory.CategoryFact, MemoryType: memory.TypeRegular,
		Importance: 5, Confidence: 0.9, IsLatest: true,
		DocumentDate: then, Prominence: prominence,
		CreatedAt: then, UpdatedAt: then,
	}
}

func TestLightTickDecaysWithoutLLM(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})

	e := agedMemory(user.ID, "learned Go two months ago", 60*24*time.Hour, 0.9)
	insertMemory(t, st, e)

	g.Tick(context.Background())

	got, err := st.Get(context.Background(), e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Prominence >= 0.9 {
		t.Fatalf("prominence = %v, want decayed below 0.9", got.Prominence)
	}
	if p.Calls() != 0 {
		t.Fatalf("light tick made %d LLM calls, want 0", p.Calls())
	}
	if g.TickCount() != 1 {
		t.Fatalf("tick count = %d", g.TickCount())
	}
}

func TestFireScheduledDeliversAndRearms(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, router := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	oneShot := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceUser, Type: store.ScheduleTypeReminder,
		Message: "Take the bread out of the oven", TriggerAt: time.Now().Add(-time.Minute),
	}
	recurring := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceUser, Type: store.ScheduleTypeReminder,
		Message: "Stand up and stretch", CronExpr: "*/5 * * * *",
		TriggerAt: time.Now().Add(-time.Minute),
	}
	for _, item := range []*store.ScheduledItem{oneShot, recurring} {
		if err := st.InsertScheduled(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	g.Tick(ctx)

	got, err := st.GetScheduled(ctx, oneShot.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ScheduleStatusFired {
		t.Fatalf("one-shot status = %q", got.Status)
	}

	got, err = st.GetScheduled(ctx, recurring.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ScheduleStatusPending {
		t.Fatalf("recurring status = %q, want pending after re-arm", got.Status)
	}
	if !got.TriggerAt.After(time.Now()) {
		t.Fatalf("recurring trigger_at = %v, want in the future", got.TriggerAt)
	}

	msgs := router.messages()
	if len(msgs) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(msgs))
	}
	for _, msg := range msgs {
		if msg.Channel != "trigger" || msg.Metadata["source"] != "trigger" {
			t.Fatalf("unexpected delivery %+v", msg)
		}
	}
	if msgs[0].SessionKey != "trigger:"+oneShot.ID && msgs[1].SessionKey != "trigger:"+oneShot.ID {
		t.Fatal("one-shot item never delivered")
	}
}

func TestQuietHoursDeferFollowUpsOnly(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, router := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	// Default quiet hours are 02:00-05:00 local with zero offset.
	night := time.Date(2026, 8, 25, 3, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return night }

	followUp := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceAgent, Type: store.ScheduleTypeFollowUp,
		Message: "How did the interview go?", TriggerAt: night.Add(-time.Hour),
	}
	reminder := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceUser, Type: store.ScheduleTypeReminder,
		Message: "Catch the red-eye flight", TriggerAt: night.Add(-time.Minute),
	}
	for _, item := range []*store.ScheduledItem{followUp, reminder} {
		if err := st.InsertScheduled(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	g.lightTick(ctx)

	got, err := st.GetScheduled(ctx, followUp.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ScheduleStatusPending {
		t.Fatalf("follow-up status = %q, want still pending during quiet hours", got.Status)
	}
	got, err = st.GetScheduled(ctx, reminder.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != store.ScheduleStatusFired {
		t.Fatalf("reminder status = %q, want fired regardless of quiet hours", got.Status)
	}
	if len(router.messages()) != 1 {
		t.Fatalf("delivered %d messages, want only the reminder", len(router.messages()))
	}
}

func TestInQuietHours(t *testing.T) {
	at := func(hour int) time.Time {
		return time.Date(2026, 8, 25, hour, 30, 0, 0, time.UTC)
	}
	tests := []struct {
		name               string
		start, end, offset int
		now                time.Time
		want               bool
	}{
		{"inside default window", 2, 5, 0, at(3), true},
		{"start inclusive", 2, 5, 0, at(2), true},
		{"end exclusive", 2, 5, 0, at(5), false},
		{"daytime", 2, 5, 0, at(14), false},
		{"wraps midnight, before", 22, 6, 0, at(23), true},
		{"wraps midnight, after", 22, 6, 0, at(4), true},
		{"wraps midnight, outside", 22, 6, 0, at(12), false},
		{"offset shifts local clock", 2, 5, 330, at(21), true}, // 21:30 UTC is 03:00 at +05:30
		{"zero-width window disabled", 3, 3, 0, at(3), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user := &store.User{QuietStart: tt.start, QuietEnd: tt.end, UTCOffsetMin: tt.offset}
			if got := inQuietHours(tt.now, user); got != tt.want {
				t.Fatalf("inQuietHours = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeepTickInfersBehaviorAndInnerThoughts(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.TextResponse(`{"valence": 0.5, "arousal": 0.6, "emotion": "motivated", "goal_signal": "marathon training"}`),
		providers.TextResponse(`{"should_follow_up": true, "message": "Ask how the long run went", "hours_from_now": 4}`),
	)
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	key := "web:direct:" + user.ID
	if _, err := st.GetOrCreateSession(ctx, key, user.ID, "web"); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		if err := st.AppendMessage(ctx, key, providers.TextMessage("user", fmt.Sprintf("message %d", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.SetSummary(ctx, key, "Training for a marathon in October; long runs on Sundays."); err != nil {
		t.Fatal(err)
	}

	g.deepTick(ctx)

	pattern, err := st.GetBehaviorPattern(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if pattern.Emotion != "motivated" || pattern.Valence != 0.5 {
		t.Fatalf("pattern = %+v", pattern)
	}
	if pattern.MsgCount7d == 0 || pattern.MsgsPerDay <= 0 {
		t.Fatalf("message volume not recorded: %+v", pattern)
	}

	pending, err := st.PendingScheduled(ctx, user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want the one follow-up", len(pending))
	}
	item := pending[0]
	if item.Source != store.ScheduleSourceAgent || item.Type != store.ScheduleTypeFollowUp {
		t.Fatalf("item = %+v", item)
	}
	if item.Message != "Ask how the long run went" {
		t.Fatalf("message = %q", item.Message)
	}
	if p.Calls() != 2 {
		t.Fatalf("LLM calls = %d, want 2", p.Calls())
	}
}

func TestTrustScoresDriftWithUsage(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	// Retrieved an hour ago: trust goes up.
	recent := agedMemory(user.ID, "started a pottery class", 2*24*time.Hour, 0.8)
	touched := time.Now().UTC().Add(-time.Hour)
	recent.LastAccessed = &touched
	insertMemory(t, st, recent)

	// Untouched for three months: trust erodes.
	stale := agedMemory(user.ID, "used to commute by bus", 90*24*time.Hour, 0.6)
	insertMemory(t, st, stale)

	g.trustScores(ctx, user.ID)

	got, err := st.Get(ctx, recent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence <= 0.9 {
		t.Fatalf("recently retrieved confidence = %v, want reinforced above 0.9", got.Confidence)
	}
	got, err = st.Get(ctx, stale.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence >= 0.9 {
		t.Fatalf("idle confidence = %v, want eroded below 0.9", got.Confidence)
	}
	if p.Calls() != 0 {
		t.Fatalf("trust pass made %d LLM calls, want 0", p.Calls())
	}
}

func TestTrustScoresNeverDropBelowFloor(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	e := agedMemory(user.ID, "once mentioned liking jazz", 365*24*time.Hour, 0.4)
	e.Confidence = 0.11
	insertMemory(t, st, e)

	g.trustScores(ctx, user.ID)
	got, err := st.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Confidence != trustFloor {
		t.Fatalf("confidence = %v, want clamped to the floor %v", got.Confidence, trustFloor)
	}
}

func TestGoalDeadlineSchedulesReminderOnce(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DeepEvery: 1000, SleepEvery: 1000})
	ctx := context.Background()

	eventAt := time.Now().UTC().Add(6 * time.Hour)
	e := agedMemory(user.ID, "dentist appointment", 24*time.Hour, 0.8)
	e.Category = memory.CategoryEvent
	e.EventDate = &eventAt
	insertMemory(t, st, e)

	// A far-future event stays out of the horizon.
	farOut := time.Now().UTC().Add(10 * 24 * time.Hour)
	later := agedMemory(user.ID, "cousin's wedding", 24*time.Hour, 0.8)
	later.Category = memory.CategoryEvent
	later.EventDate = &farOut
	insertMemory(t, st, later)

	g.goalDeadlines(ctx, user)

	pending, err := st.PendingScheduled(ctx, user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want one reminder", len(pending))
	}
	item := pending[0]
	if item.Type != store.ScheduleTypeReminder || item.Source != store.ScheduleSourceAgent {
		t.Fatalf("item = %+v", item)
	}
	if !strings.Contains(item.Message, "dentist appointment") {
		t.Fatalf("message = %q", item.Message)
	}
	if item.TriggerAt.After(eventAt) {
		t.Fatalf("reminder at %v lands after the event %v", item.TriggerAt, eventAt)
	}

	// A second pass must not double-book the same memory.
	g.goalDeadlines(ctx, user)
	pending, err = st.PendingScheduled(ctx, user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending after second pass = %d, want still one", len(pending))
	}
}

func TestGoalDeadlineRespectsOffDial(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{})
	ctx := context.Background()

	eventAt := time.Now().UTC().Add(3 * time.Hour)
	e := agedMemory(user.ID, "phone call with the landlord", time.Hour, 0.8)
	e.Category = memory.CategoryEvent
	e.EventDate = &eventAt
	insertMemory(t, st, e)

	user.Proactiveness = store.ProactivenessOff
	g.goalDeadlines(ctx, user)

	pending, err := st.PendingScheduled(ctx, user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 {
		t.Fatalf("pending = %d, want none with the dial off", len(pending))
	}
}

func TestInnerThoughtsRespectProactivenessOff(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{})
	ctx := context.Background()

	user.Proactiveness = store.ProactivenessOff
	g.innerThoughts(ctx, user)

	pending, err := st.PendingScheduled(ctx, user.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 0 || p.Calls() != 0 {
		t.Fatalf("pending=%d calls=%d, want 0/0 when proactiveness is off", len(pending), p.Calls())
	}
}

func TestSleepTickSkipsOutsideQuietHours(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("unused"))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DreamEnabled: true})

	insertMemory(t, st, agedMemory(user.ID, "likes hiking", time.Hour, 0.8))
	g.now = func() time.Time { return time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC) }

	g.sleepTick(context.Background())

	if p.Calls() != 0 {
		t.Fatalf("sleep tick ran %d LLM calls outside quiet hours, want 0", p.Calls())
	}
}

func TestRemAssociationSavesInsight(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.TextResponse(`{"insight": "The Lisbon trip overlaps the marathon taper week", "importance": 7}`))
	g, st, user, _ := newTestGardener(t, p, config.GardenerConfig{DreamEnabled: true})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		insertMemory(t, st, agedMemory(user.ID, fmt.Sprintf("active fact %d", i), time.Hour, 0.8))
	}

	g.dreamCycle(ctx, user.ID)

	insights, err := st.List(ctx, user.ID, memory.ListFilter{Categories: []string{memory.CategoryInsight}})
	if err != nil {
		t.Fatal(err)
	}
	if len(insights) != 1 {
		t.Fatalf("insights = %d, want 1", len(insights))
	}
	got := insights[0]
	if got.Metadata["origin"] != "rem" || got.Confidence != 0.4 || got.Importance != 7 {
		t.Fatalf("insight = %+v", got)
	}
}

func TestGapScannerDeduplicates(t *testing.T) {
	g, st, user, _ := newTestGardener(t, providers.NewScripted("scripted"), config.GardenerConfig{})
	ctx := context.Background()

	m1 := agedMemory(user.ID, "applying for a visa", time.Hour, 0.8)
	m2 := agedMemory(user.ID, "has a dentist appointment soon", time.Hour, 0.8)
	insertMemory(t, st, m1)
	insertMemory(t, st, m2)

	// Pending items that should absorb two of the three candidates.
	byWording := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceAgent, Type: store.ScheduleTypeFollowUp,
		Message: "Do you still need the visa paperwork?", TriggerAt: time.Now().Add(time.Hour),
	}
	bySource := &store.ScheduledItem{
		ID: store.NewID(), UserID: user.ID,
		Source: store.ScheduleSourceAgent, Type: store.ScheduleTypeFollowUp,
		Message: "Anything to prepare before the dentist?", Context: m2.ID,
		TriggerAt: time.Now().Add(time.Hour),
	}
	for _, item := range []*store.ScheduledItem{byWording, bySource} {
		if err := st.InsertScheduled(ctx, item); err != nil {
			t.Fatal(err)
		}
	}

	p := providers.NewScripted("scripted", providers.TextResponse(fmt.Sprintf(
		`[{"source_id": %q, "question": "Do you still need the visa paperwork?"},
		  {"source_id": %q, "question": "When is the appointment scheduled?"},
		  {"source_id": %q, "question": "Which country is the visa for?"}]`,
		m1.ID, m2.ID, m1.ID)))
	g.provider = p

	user.Proactiveness = store.ProactivenessHigh
	g.scanGaps(ctx, user)

	pending, err := st.PendingScheduled(ctx, user.ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want 2 seeded + 1 new", len(pending))
	}
	found := false
	for _, item := range pending {
		if item.Message == "Which country is the visa for?" {
			found = true
			if item.Context != m1.ID {
				t.Fatalf("gap item context = %q, want source memory id", item.Context)
			}
		}
	}
	if !found {
		t.Fatal("the non-duplicate gap question was not scheduled")
	}
}

func TestGapScannerRespectsLowDial(t *testing.T) {
	g, st, user, _ := newTestGardener(t, nil, config.GardenerConfig{})
	ctx := context.Background()

	insertMemory(t, st, agedMemory(user.ID, "planning three trips", time.Hour, 0.8))
	p := providers.NewScripted("scripted", providers.TextResponse(
		`[{"source_id": "", "question": "Where is trip one?"},
		  {"source_id": "", "question": "Where is trip two?"},
		  {"source_id": "", "question": "Where is trip three?"}]`))
	g.provider = p

	user.Proactiveness = store.ProactivenessLow
	g.scanGaps(ctx, user)

	pending, err := st.PendingScheduled(ctx, user.ID, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want low dial to keep 1", len(pending))
	}
}

func TestWordOverlap(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"when is the marathon", "when is the marathon", 1.0},
		{"when is the marathon", "when exactly is the marathon", 1.0},
		{"apples and oranges", "bicycles or trains", 0.0},
		{"", "anything", 0.0},
	}
	for _, tt := range tests {
		if got := wordOverlap(tt.a, tt.b); got != tt.want {
			t.Fatalf("wordOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}
