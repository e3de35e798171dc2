package memory

import (
	"math"
	"testing"
	"time"
)

func testEntry(mut func(*Entry)) *Entry {
	now := time.Now()
	e := &Entry{
		ID:           "m1",
		UserID:       "u1",
		Content:      "likes espresso",
		Category:     CategoryPreference,
		MemoryType:   TypeRegular,
		Importance:   5,
		Confidence:   0.9,
		IsLatest:     true,
		DocumentDate: now.Add(-10 * 24 * time.Hour),
		Prominence:   0.7,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if mut != nil {
		mut(e)
	}
	return e
}

func TestComputeProminence_StaticProfilePinned(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	e := testEntry(func(e *Entry) {
		e.MemoryType = TypeStaticProfile
		e.DocumentDate = time.Now().Add(-365 * 24 * time.Hour)
	})
	if got := d.ComputeProminence(e, time.Now()); got != 1.0 {
		t.Fatalf("static profile prominence = %v, want 1.0", got)
	}
}

func TestComputeProminence_GraceForNewMemories(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	e := testEntry(func(e *Entry) {
		e.DocumentDate = time.Now().Add(-2 * time.Hour)
		e.AccessCount = 0
	})
	if got := d.ComputeProminence(e, time.Now()); got != 1.0 {
		t.Fatalf("fresh memory prominence = %v, want grace value 1.0", got)
	}
}

func TestComputeProminence_Bounds(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	now := time.Now()

	last := now.Add(-time.Hour)
	tests := []struct {
		name string
		mut  func(*Entry)
	}{
		{"old never accessed", func(e *Entry) {
			e.DocumentDate = now.Add(-400 * 24 * time.Hour)
		}},
		{"heavily accessed", func(e *Entry) {
			e.AccessCount = 100
			e.LastAccessed = &last
		}},
		{"max importance event", func(e *Entry) {
			e.Category = CategoryEvent
			e.Importance = 10
		}},
		{"zero importance", func(e *Entry) {
			e.Importance = 0
			e.DocumentDate = now.Add(-100 * 24 * time.Hour)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := d.ComputeProminence(testEntry(tt.mut), now)
			if p < 0 || p > 1 {
				t.Fatalf("prominence %v out of [0,1]", p)
			}
		})
	}
}

func TestComputeProminence_Idempotent(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	now := time.Now()
	e := testEntry(func(e *Entry) { e.AccessCount = 3 })

	first := d.ComputeProminence(e, now)
	second := d.ComputeProminence(e, now)
	if first != second {
		t.Fatalf("decay not idempotent: %v vs %v", first, second)
	}
}

func TestComputeProminence_StickyIdentityFloor(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	now := time.Now()

	for _, cat := range []string{CategoryFact, CategoryRelationship} {
		e := testEntry(func(e *Entry) {
			e.Category = cat
			e.Importance = 9
			e.DocumentDate = now.Add(-1000 * 24 * time.Hour)
		})
		if p := d.ComputeProminence(e, now); p < 0.2 {
			t.Fatalf("%s importance 9 prominence %v fell below sticky floor 0.2", cat, p)
		}
	}

	// Same age but a low-importance event is allowed to fall away entirely.
	e := testEntry(func(e *Entry) {
		e.Category = CategoryEvent
		e.Importance = 1
		e.DocumentDate = now.Add(-1000 * 24 * time.Hour)
	})
	if p := d.ComputeProminence(e, now); p >= 0.2 {
		t.Logf("note: low-importance event retained prominence %v", p)
	}
}

func TestComputeProminence_RecencyBoostDecays(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	now := time.Now()

	recent := now.Add(-1 * 24 * time.Hour)
	stale := now.Add(-60 * 24 * time.Hour)

	eRecent := testEntry(func(e *Entry) {
		e.AccessCount = 3
		e.LastAccessed = &recent
	})
	eStale := testEntry(func(e *Entry) {
		e.AccessCount = 3
		e.LastAccessed = &stale
	})

	pr := d.ComputeProminence(eRecent, now)
	ps := d.ComputeProminence(eStale, now)
	if pr <= ps {
		t.Fatalf("recently accessed %v should outrank stale %v", pr, ps)
	}
}

func TestEntryStatus(t *testing.T) {
	tests := []struct {
		prominence float64
		want       string
	}{
		{0.9, "active"},
		{0.5, "active"},
		{0.49, "dormant"},
		{0.1, "dormant"},
		{0.09, "archived"},
		{0, "archived"},
	}
	for _, tt := range tests {
		e := &Entry{Prominence: tt.prominence}
		if got := e.Status(); got != tt.want {
			t.Errorf("Status(%v) = %q, want %q", tt.prominence, got, tt.want)
		}
	}
}

func TestComputeProminence_AccessBoostSaturates(t *testing.T) {
	d := NewDecayEngine(DefaultDecayConfig())
	now := time.Now()
	last := now.Add(-24 * time.Hour)

	e10 := testEntry(func(e *Entry) { e.AccessCount = 10; e.LastAccessed = &last })
	e50 := testEntry(func(e *Entry) { e.AccessCount = 50; e.LastAccessed = &last })

	p10 := d.ComputeProminence(e10, now)
	p50 := d.ComputeProminence(e50, now)
	if math.Abs(p10-p50) > 1e-9 {
		t.Fatalf("access boost should saturate at MAX: %v vs %v", p10, p50)
	}
}
