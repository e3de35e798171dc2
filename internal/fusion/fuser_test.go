package fusion

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/store"
)

func dormantEntry(id, userID, category, content string, importance int, confidence float64) *memory.Entry {
	now := time.Now().UTC()
	return &memory.Entry{
		ID: id, UserID: userID, Content: content, Category: category,
		MemoryType: memory.TypeRegular, Importance: importance, Confidence: confidence,
		IsLatest: true, DocumentDate: now.Add(-30 * 24 * time.Hour),
		Prominence: 0.3, CreatedAt: now, UpdatedAt: now,
	}
}

func relate(src, dst string) *memory.Relation {
	return &memory.Relation{SourceID: src, TargetID: dst, Type: memory.RelExtends, Confidence: 0.9, CreatedAt: time.Now()}
}

func TestFindClusters(t *testing.T) {
	a := dormantEntry("a", "u", memory.CategoryFact, "a", 5, 0.9)
	b := dormantEntry("b", "u", memory.CategoryFact, "b", 5, 0.9)
	c := dormantEntry("c", "u", memory.CategoryFact, "c", 5, 0.9)
	d := dormantEntry("d", "u", memory.CategoryEvent, "d", 5, 0.9)
	lone := dormantEntry("e", "u", memory.CategoryFact, "e", 5, 0.9)
	entries := []*memory.Entry{a, b, c, d, lone}
	rels := []*memory.Relation{relate("a", "b"), relate("b", "c"), relate("c", "d")}

	// Category split: {a,b,c} survives, {d} and {e} are too small.
	clusters := FindClusters(entries, rels, 3, 5, false)
	if len(clusters) != 1 || len(clusters[0]) != 3 {
		t.Fatalf("clusters = %v", clusterIDs(clusters))
	}

	// Cross-category keeps the mixed component of 4.
	clusters = FindClusters(entries, rels, 3, 5, true)
	if len(clusters) != 1 || len(clusters[0]) != 4 {
		t.Fatalf("cross-category clusters = %v", clusterIDs(clusters))
	}

	// maxClusters keeps the largest.
	f := dormantEntry("f", "u", memory.CategoryFact, "f", 5, 0.9)
	g := dormantEntry("g", "u", memory.CategoryFact, "g", 5, 0.9)
	h := dormantEntry("h", "u", memory.CategoryFact, "h", 5, 0.9)
	i := dormantEntry("i", "u", memory.CategoryFact, "i", 5, 0.9)
	entries = append(entries, f, g, h, i)
	rels = append(rels, relate("f", "g"), relate("g", "h"), relate("h", "i"))
	clusters = FindClusters(entries, rels, 3, 1, false)
	if len(clusters) != 1 || len(clusters[0]) != 4 {
		t.Fatalf("maxClusters kept %v", clusterIDs(clusters))
	}
}

func clusterIDs(clusters [][]*memory.Entry) [][]string {
	out := make([][]string, len(clusters))
	for i, c := range clusters {
		for _, e := range c {
			out[i] = append(out[i], e.ID)
		}
	}
	return out
}

func openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func seedCluster(t *testing.T, st *store.Store, userID string) []*memory.Entry {
	t.Helper()
	ctx := context.Background()
	entries := []*memory.Entry{
		dormantEntry(store.NewID(), userID, memory.CategoryFact, "Prefers window seats on flights", 4, 0.9),
		dormantEntry(store.NewID(), userID, memory.CategoryFact, "Always books aisle-free rows", 6, 0.8),
		dormantEntry(store.NewID(), userID, memory.CategoryFact, "Asked for window seat to Lisbon", 3, 0.7),
	}
	for _, e := range entries {
		if err := st.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	for _, r := range []*memory.Relation{
		relate(entries[0].ID, entries[1].ID),
		relate(entries[1].ID, entries[2].ID),
	} {
		if err := st.InsertRelation(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	return entries
}

func TestFusePassCreatesDerivedMemory(t *testing.T) {
	st := openStore(t)
	sources := seedCluster(t, st, "u1")

	p := providers.NewScripted("scripted",
		providers.TextResponse(`{"summary": "Prefers window seats", "importance": 5, "category": "preference"}`))
	f := New(st, p, DefaultConfig())

	fused, err := f.Run(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if fused != 1 {
		t.Fatalf("fused = %d, want 1", fused)
	}

	ctx := context.Background()
	derived, err := st.List(ctx, "u1", memory.ListFilter{Types: []string{memory.TypeDerived}})
	if err != nil {
		t.Fatal(err)
	}
	if len(derived) != 1 {
		t.Fatalf("derived count = %d", len(derived))
	}
	d := derived[0]
	if d.Content != "Prefers window seats" || d.Category != memory.CategoryPreference {
		t.Fatalf("derived = %+v", d)
	}
	if d.Importance != 6 {
		t.Fatalf("importance = %d, want max of sources (6)", d.Importance)
	}
	if d.Confidence != 0.7 {
		t.Fatalf("confidence = %v, want min of sources (0.7)", d.Confidence)
	}

	// Sources superseded, DERIVES edges added.
	for _, src := range sources {
		got, err := st.Get(ctx, src.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.MemoryType != memory.TypeSuperseded || got.IsLatest {
			t.Fatalf("source %s not superseded: %+v", src.ID, got)
		}
	}
	rels, err := st.Relations(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	derivesCount := 0
	for _, r := range rels {
		if r.Type == memory.RelDerives && r.SourceID == d.ID {
			derivesCount++
		}
	}
	if derivesCount != 3 {
		t.Fatalf("DERIVES edges = %d, want 3", derivesCount)
	}
}

func TestFuseRejectsInvalidJSON(t *testing.T) {
	st := openStore(t)
	seedCluster(t, st, "u1")

	p := providers.NewScripted("scripted", providers.TextResponse("sorry, I cannot do that"))
	f := New(st, p, DefaultConfig())

	fused, err := f.Run(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if fused != 0 {
		t.Fatalf("fused = %d, want 0", fused)
	}
	derived, _ := st.List(context.Background(), "u1", memory.ListFilter{Types: []string{memory.TypeDerived}})
	if len(derived) != 0 {
		t.Fatal("rejected cluster must not produce a derived memory")
	}
}

func TestFuseRejectsOversizedSummary(t *testing.T) {
	st := openStore(t)
	seedCluster(t, st, "u1")

	long := strings.Repeat("window seats forever ", 50)
	p := providers.NewScripted("scripted",
		providers.TextResponse(`{"summary": "`+long+`", "importance": 5, "category": "preference"}`))
	f := New(st, p, DefaultConfig())

	fused, err := f.Run(context.Background(), "u1")
	if err != nil {
		t.Fatal(err)
	}
	if fused != 0 {
		t.Fatalf("fused = %d, want 0", fused)
	}
}

func TestSmallClustersAreNotFused(t *testing.T) {
	st := openStore(t)
	ctx := context.Background()
	a := dormantEntry(store.NewID(), "u1", memory.CategoryFact, "one", 5, 0.9)
	b := dormantEntry(store.NewID(), "u1", memory.CategoryFact, "two", 5, 0.9)
	for _, e := range []*memory.Entry{a, b} {
		if err := st.Insert(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	if err := st.InsertRelation(ctx, relate(a.ID, b.ID)); err != nil {
		t.Fatal(err)
	}

	p := providers.NewScripted("scripted",
		providers.TextResponse(`{"summary": "both", "importance": 5, "category": "fact"}`))
	f := New(st, p, DefaultConfig())

	fused, err := f.Run(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if fused != 0 || p.Calls() != 0 {
		t.Fatalf("fused=%d calls=%d, want 0/0", fused, p.Calls())
	}
}
