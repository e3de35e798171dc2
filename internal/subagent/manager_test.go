package subagent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/scheduler"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
)

type noteSkill struct{ name string }

func (s noteSkill) Name() string               { return s.name }
func (s noteSkill) Description() string        { return "test skill" }
func (s noteSkill) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s noteSkill) Execute(context.Context, map[string]any) *skills.Result {
	return skills.NewResult("ok")
}

func testRegistry(names ...string) *skills.Registry {
	reg := skills.NewRegistry()
	for _, n := range names {
		reg.Register(noteSkill{name: n})
	}
	return reg
}

func newTestManager(t *testing.T, provider providers.Provider, reg *skills.Registry) *Manager {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	lanes := scheduler.New(4)
	t.Cleanup(lanes.Shutdown)

	return NewManager(Config{
		Subagents: config.SubagentsConfig{MaxIterations: 5, MaxInputTokens: 10000, TimeoutSec: 5},
		Provider:  provider,
		Registry:  reg,
		Sessions:  sessions.NewManager(st),
		Lanes:     lanes,
	})
}

func TestSpawnAndWaitStripsSentinel(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("All done here. [DONE]"))
	m := newTestManager(t, p, testRegistry("read_file", "web_search"))

	run, err := m.SpawnAndWait(context.Background(), "web:direct:alice", SpawnInput{
		Task:   "summarize the notes file",
		UserID: "u1",
	})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", run.Status, run.Error)
	}
	if run.Result != "All done here." {
		t.Fatalf("result = %q, sentinel not stripped", run.Result)
	}
	if m.Announcements().Pending("web:direct:alice") != 1 {
		t.Fatal("announcement not queued for the parent")
	}
	a := m.Announcements().Drain("web:direct:alice")[0]
	if a.RunID != run.ID || a.Status != StatusCompleted {
		t.Fatalf("announcement = %+v", a)
	}
}

func TestSpawnFailureAnnounced(t *testing.T) {
	p := providers.NewScripted("scripted", errors.New("provider down"))
	m := newTestManager(t, p, testRegistry("read_file"))

	run, err := m.SpawnAndWait(context.Background(), "web:direct:alice", SpawnInput{Task: "do a thing", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusFailed {
		t.Fatalf("status = %s", run.Status)
	}
	queued := m.Announcements().Drain("web:direct:alice")
	if len(queued) != 1 || queued[0].Status != StatusFailed {
		t.Fatalf("failure announce missing: %+v", queued)
	}
	if !strings.HasPrefix(queued[0].Result, "Error:") {
		t.Fatalf("failure announce = %q, want an Error: prefix", queued[0].Result)
	}
}

func TestTimeoutAnnouncePrefixed(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	lanes := scheduler.New(4)
	t.Cleanup(lanes.Shutdown)

	// The provider never answers; the run dies on its deadline.
	slow := &slowProvider{gate: make(chan struct{}), started: make(chan struct{})}
	m := NewManager(Config{
		Subagents: config.SubagentsConfig{MaxIterations: 5, MaxInputTokens: 10000, TimeoutSec: 1},
		Provider:  slow,
		Registry:  testRegistry("read_file"),
		Sessions:  sessions.NewManager(st),
		Lanes:     lanes,
	})

	run, err := m.SpawnAndWait(context.Background(), "web:direct:alice", SpawnInput{Task: "stall forever", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != StatusTimedOut {
		t.Fatalf("status = %s, want timed_out", run.Status)
	}
	queued := m.Announcements().Drain("web:direct:alice")
	if len(queued) != 1 {
		t.Fatalf("announces = %+v", queued)
	}
	if !strings.HasPrefix(queued[0].Result, "Error:") {
		t.Fatalf("timeout announce = %q, want an Error: prefix", queued[0].Result)
	}
}

func TestCancelForParent(t *testing.T) {
	gate := make(chan struct{})
	slow := &slowProvider{gate: gate, started: make(chan struct{})}
	m := newTestManager(t, slow, testRegistry("read_file"))

	run, err := m.Spawn("web:direct:alice", SpawnInput{Task: "long task", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	// Wait for the run to reach the provider before cancelling.
	select {
	case <-slow.started:
	case <-time.After(2 * time.Second):
		t.Fatal("run never started")
	}

	if n := m.CancelForParent("web:direct:alice"); n != 1 {
		t.Fatalf("cancelled %d, want 1", n)
	}
	close(gate)

	select {
	case <-run.done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not terminate")
	}
	if run.Status != StatusCancelled {
		t.Fatalf("status = %s", run.Status)
	}
	if m.Cancel(run.ID) {
		t.Fatal("cancel on a terminal run should report false")
	}
}

// slowProvider blocks in Chat until its gate closes, then honours the
// (by then cancelled) context.
type slowProvider struct {
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (s *slowProvider) Name() string         { return "slow" }
func (s *slowProvider) DefaultModel() string { return "slow-1" }

func (s *slowProvider) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	s.once.Do(func() { close(s.started) })
	select {
	case <-s.gate:
	case <-ctx.Done():
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return providers.TextResponse("late"), nil
}

func (s *slowProvider) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return s.Chat(ctx, req)
}

func TestDeriveCapabilities(t *testing.T) {
	reg := skills.NewRegistry()
	for _, s := range []skills.Skill{
		&skills.WebSearchSkill{},
		&skills.WebFetchSkill{},
	} {
		reg.Register(s)
	}
	reg.Register(noteSkill{name: "spawn_task"})
	reg.Register(noteSkill{name: "read_file"})

	cases := []struct {
		name     string
		task     string
		explicit []string
		want     []string
	}{
		{"keyword pulls web tools", "research hotel prices in Lisbon", nil,
			[]string{"read_file", "web_fetch", "web_search"}},
		{"explicit allowlist respected", "anything", []string{"read_file"},
			[]string{"read_file"}},
		{"deny list wins over explicit", "anything", []string{"spawn_task", "read_file"},
			[]string{"read_file"}},
		{"intersects with registry", "anything", []string{"read_file", "not_registered"},
			[]string{"read_file"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DeriveCapabilities(tc.task, tc.explicit, reg)
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("got %v, want %v", got, tc.want)
				}
			}
		})
	}
}

func TestTokenGateTrips(t *testing.T) {
	p := providers.NewScripted("scripted",
		&providers.ChatResponse{Content: "a", StopReason: providers.StopEndTurn, Usage: &providers.Usage{InputTokens: 60}},
		providers.TextResponse("b"))
	gate := newTokenGate(p, 50)

	if _, err := gate.Chat(context.Background(), providers.ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if _, err := gate.Chat(context.Background(), providers.ChatRequest{}); !errors.Is(err, ErrTokenBudget) {
		t.Fatalf("expected budget error, got %v", err)
	}
}

func TestLabelFromTask(t *testing.T) {
	if got := labelFromTask("Research the best hotels in Lisbon"); got != "research-the-best-hotels" {
		t.Fatalf("label = %q", got)
	}
	if got := labelFromTask("!!!"); got != "task" {
		t.Fatalf("label = %q", got)
	}
	if !strings.HasPrefix(sessions.BuildSubagentKey("x"), "subagent:") {
		t.Fatal("child keys must live in the subagent namespace")
	}
}
