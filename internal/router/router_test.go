package router

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

func TestPrimaryServes(t *testing.T) {
	r := New("anthropic", []string{"openai"}, NewHealthTracker(DefaultHealthConfig()), nil)
	primary := providers.NewScripted("anthropic", providers.TextResponse("from primary"))
	fallback := providers.NewScripted("openai", providers.TextResponse("from fallback"))
	r.Register(primary)
	r.Register(fallback)

	resp, err := r.Chat(context.Background(), providers.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from primary" {
		t.Fatalf("got %q", resp.Content)
	}
	if r.State() != StateHealthy || r.Degraded() {
		t.Fatalf("state = %s", r.State())
	}
	if fallback.Calls() != 0 {
		t.Fatal("fallback should not be called")
	}
}

func TestFallbackOnPrimaryFailure(t *testing.T) {
	r := New("anthropic", []string{"openai"}, NewHealthTracker(DefaultHealthConfig()), nil)
	r.Register(providers.NewScripted("anthropic", errors.New("boom")))
	r.Register(providers.NewScripted("openai", providers.TextResponse("from fallback")))

	resp, err := r.Chat(context.Background(), providers.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "from fallback" {
		t.Fatalf("got %q", resp.Content)
	}
	if r.State() != StateDegraded {
		t.Fatalf("state = %s, want degraded", r.State())
	}
}

func TestOfflineWhenAllFail(t *testing.T) {
	r := New("anthropic", []string{"openai"}, NewHealthTracker(DefaultHealthConfig()), nil)
	r.Register(providers.NewScripted("anthropic", errors.New("down")))
	r.Register(providers.NewScripted("openai", errors.New("down too")))

	resp, err := r.Chat(context.Background(), providers.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if !IsOffline(resp) {
		t.Fatalf("expected offline response, got model %q", resp.Model)
	}
	if !strings.Contains(resp.Content, "offline mode") {
		t.Fatalf("offline notice missing: %q", resp.Content)
	}
	if r.State() != StateOffline {
		t.Fatalf("state = %s, want offline", r.State())
	}
}

func TestRecoveryAfterOffline(t *testing.T) {
	r := New("anthropic", nil, NewHealthTracker(DefaultHealthConfig()), nil)
	r.Register(providers.NewScripted("anthropic",
		errors.New("down"),
		providers.TextResponse("back up")))

	if resp, _ := r.Chat(context.Background(), providers.ChatRequest{}); !IsOffline(resp) {
		t.Fatal("first call should go offline")
	}
	resp, err := r.Chat(context.Background(), providers.ChatRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "back up" {
		t.Fatalf("got %q", resp.Content)
	}
	if r.State() != StateHealthy {
		t.Fatalf("state = %s, want healthy after recovery", r.State())
	}
}

func TestHealthTrackerWindow(t *testing.T) {
	h := NewHealthTracker(HealthConfig{Window: time.Minute, FailureLimit: 3})
	base := time.Now()

	h.RecordFailure("p", base)
	h.RecordFailure("p", base.Add(time.Second))
	if !h.Healthy("p", base.Add(2*time.Second)) {
		t.Fatal("2 failures should still be healthy")
	}
	h.RecordFailure("p", base.Add(2*time.Second))
	if h.Healthy("p", base.Add(3*time.Second)) {
		t.Fatal("3 failures inside the window should be unhealthy")
	}
	// Failures age out of the window.
	if !h.Healthy("p", base.Add(2*time.Minute)) {
		t.Fatal("failures should expire")
	}
	// One success clears the slate.
	h.RecordFailure("p", base)
	h.RecordSuccess("p")
	if h.FailureCount("p", base.Add(time.Second)) != 0 {
		t.Fatal("success should reset failures")
	}
}

func TestBudgetExceededBlocksCalls(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	warned := false
	guard := NewBudgetGuard(st, 1.0, 0, 0.75, func(spend, limit float64) { warned = true })

	if v, _ := guard.Check(ctx, time.Now()); v.State != BudgetOK {
		t.Fatalf("fresh guard state = %s", v.State)
	}

	// Cross the warning threshold.
	if err := guard.Record(ctx, &store.CostEntry{Model: "claude-sonnet-4-5", Cost: 0.8}); err != nil {
		t.Fatal(err)
	}
	if v, _ := guard.Check(ctx, time.Now()); v.State != BudgetWarning {
		t.Fatalf("state = %s, want warning", v.State)
	}
	if !warned {
		t.Fatal("warn callback should fire at the threshold")
	}

	// Cross the limit.
	if err := guard.Record(ctx, &store.CostEntry{Model: "claude-sonnet-4-5", Cost: 0.3}); err != nil {
		t.Fatal(err)
	}
	v, _ := guard.Check(ctx, time.Now())
	if v.State != BudgetExceeded || v.Period != "daily" {
		t.Fatalf("verdict = %+v, want daily exceeded", v)
	}

	r := New("anthropic", nil, NewHealthTracker(DefaultHealthConfig()), guard)
	r.Register(providers.NewScripted("anthropic", providers.TextResponse("should not run")))
	_, err = r.Chat(ctx, providers.ChatRequest{})
	if !IsBudgetExceeded(err) {
		t.Fatalf("expected budget refusal, got %v", err)
	}
	if !strings.Contains(err.Error(), "daily") {
		t.Fatalf("refusal must name the daily limit: %v", err)
	}
}

func TestMonthlyBudgetNamedInRefusal(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	ctx := context.Background()

	// Daily headroom left, monthly limit already burned.
	guard := NewBudgetGuard(st, 50, 2.0, 0.75, nil)
	if err := guard.Record(ctx, &store.CostEntry{Model: "claude-sonnet-4-5", Cost: 2.5}); err != nil {
		t.Fatal(err)
	}

	v, err := guard.Check(ctx, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if v.State != BudgetExceeded || v.Period != "monthly" {
		t.Fatalf("verdict = %+v, want monthly exceeded", v)
	}

	r := New("anthropic", nil, NewHealthTracker(DefaultHealthConfig()), guard)
	r.Register(providers.NewScripted("anthropic", providers.TextResponse("should not run")))
	_, err = r.Chat(ctx, providers.ChatRequest{})
	if !IsBudgetExceeded(err) || !strings.Contains(err.Error(), "monthly") {
		t.Fatalf("refusal must name the monthly limit: %v", err)
	}
}

func TestDegradedSinceTracksTransitions(t *testing.T) {
	r := New("anthropic", []string{"openai"}, NewHealthTracker(DefaultHealthConfig()), nil)
	r.Register(providers.NewScripted("anthropic",
		errors.New("down"),
		providers.TextResponse("recovered")))
	r.Register(providers.NewScripted("openai", providers.TextResponse("from fallback")))

	base := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	if since := r.DegradedSince(); !since.IsZero() {
		t.Fatalf("healthy router reports degradedSince = %v", since)
	}

	if _, err := r.Chat(context.Background(), providers.ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateDegraded {
		t.Fatalf("state = %s, want degraded", r.State())
	}
	if since := r.DegradedSince(); !since.Equal(base) {
		t.Fatalf("degradedSince = %v, want %v", since, base)
	}

	// Recovery clears the timestamp.
	if _, err := r.Chat(context.Background(), providers.ChatRequest{}); err != nil {
		t.Fatal(err)
	}
	if r.State() != StateHealthy {
		t.Fatalf("state = %s, want healthy", r.State())
	}
	if since := r.DegradedSince(); !since.IsZero() {
		t.Fatalf("degradedSince after recovery = %v, want zero", since)
	}
}

func TestEstimateCost(t *testing.T) {
	cases := []struct {
		model   string
		in, out int
		want    float64
	}{
		{"claude-sonnet-4-5", 1_000_000, 0, 3},
		{"claude-haiku-4-5", 0, 1_000_000, 4},
		{"gpt-4o-mini-2024", 1_000_000, 1_000_000, 0.75},
		{"mystery-model", 1_000_000, 0, 3}, // default price
	}
	for _, tc := range cases {
		got := EstimateCost(tc.model, tc.in, tc.out)
		if got < tc.want-1e-9 || got > tc.want+1e-9 {
			t.Errorf("EstimateCost(%s) = %v, want %v", tc.model, got, tc.want)
		}
	}
}
