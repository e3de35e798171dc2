package fusion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
)

// Config tunes one fusion pass.
type Config struct {
	MinProminence  float64 // lower bound of the candidate band
	MaxProminence  float64 // upper bound (exclusive)
	MinClusterSize int
	MaxClusters    int
	CrossCategory  bool
	Model          string
}

// DefaultConfig covers the dormant band, the deep-tick default.
func DefaultConfig() Config {
	return Config{
		MinProminence:  memory.DormantThreshold,
		MaxProminence:  memory.ActiveThreshold,
		MinClusterSize: 3,
		MaxClusters:    5,
	}
}

// Fuser runs fusion passes over one user's memory graph.
type Fuser struct {
	store    memory.Store
	provider providers.Provider
	cfg      Config
	now      func() time.Time
}

func New(st memory.Store, provider providers.Provider, cfg Config) *Fuser {
	if cfg.MinClusterSize <= 0 {
		cfg.MinClusterSize = 3
	}
	if cfg.MaxClusters <= 0 {
		cfg.MaxClusters = 5
	}
	return &Fuser{store: st, provider: provider, cfg: cfg, now: time.Now}
}

// Run executes one pass and returns how many derived memories were
// created. Per-cluster failures are logged and skipped; only listing
// failures abort the pass.
func (f *Fuser) Run(ctx context.Context, userID string) (int, error) {
	candidates, err := f.store.List(ctx, userID, memory.ListFilter{
		MinProminence: f.cfg.MinProminence,
		MaxProminence: f.cfg.MaxProminence,
		ExcludeTypes:  []string{memory.TypeDerived, memory.TypeSuperseded},
		LatestOnly:    true,
	})
	if err != nil {
		return 0, fmt.Errorf("fusion candidates: %w", err)
	}
	if len(candidates) < f.cfg.MinClusterSize {
		return 0, nil
	}
	relations, err := f.store.Relations(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("fusion relations: %w", err)
	}

	clusters := FindClusters(candidates, relations, f.cfg.MinClusterSize, f.cfg.MaxClusters, f.cfg.CrossCategory)
	fused := 0
	for _, cluster := range clusters {
		if err := f.fuseCluster(ctx, userID, cluster); err != nil {
			slog.Warn("fusion: cluster skipped", "user", userID, "size", len(cluster), "error", err)
			continue
		}
		fused++
	}
	if fused > 0 {
		slog.Info("fusion: pass complete", "user", userID, "clusters", len(clusters), "fused", fused)
	}
	return fused, nil
}

// fusedReply is the JSON shape the model must answer with.
type fusedReply struct {
	Summary    string `json:"summary"`
	Importance int    `json:"importance"`
	Category   string `json:"category"`
}

func (f *Fuser) fuseCluster(ctx context.Context, userID string, cluster []*memory.Entry) error {
	var b strings.Builder
	b.WriteString("Fuse these related memories into one concise summary. Reply with only a JSON object " +
		`{"summary": string, "importance": 1-10, "category": string}. The summary must be shorter ` +
		"than the combined sources.\n\nMemories:\n")
	sourceLen := 0
	for _, e := range cluster {
		fmt.Fprintf(&b, "- [%s/%s, importance %d] %s\n", e.Category, e.MemoryType, e.Importance, e.Content)
		sourceLen += utf8.RuneCountInString(e.Content)
	}

	resp, err := f.provider.Chat(ctx, providers.ChatRequest{
		Messages:  []providers.Message{providers.TextMessage("user", b.String())},
		Model:     f.cfg.Model,
		MaxTokens: 1024,
	})
	if err != nil {
		return fmt.Errorf("fusion llm call: %w", err)
	}

	reply, err := parseFusedReply(resp.Content)
	if err != nil {
		return err
	}
	if utf8.RuneCountInString(reply.Summary) > sourceLen {
		return fmt.Errorf("summary longer than sources (%d > %d)", utf8.RuneCountInString(reply.Summary), sourceLen)
	}

	importance := 0
	confidence := 1.0
	for _, e := range cluster {
		if e.Importance > importance {
			importance = e.Importance
		}
		if e.Confidence < confidence {
			confidence = e.Confidence
		}
	}

	now := f.now().UTC()
	derived := &memory.Entry{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      reply.Summary,
		Category:     normalizeCategory(reply.Category, cluster),
		MemoryType:   memory.TypeDerived,
		Importance:   importance,
		Confidence:   confidence,
		IsLatest:     true,
		DocumentDate: now,
		Prominence:   memory.ActiveThreshold,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := f.store.Insert(ctx, derived); err != nil {
		return fmt.Errorf("insert derived: %w", err)
	}

	for _, e := range cluster {
		if err := f.store.InsertRelation(ctx, &memory.Relation{
			SourceID:   derived.ID,
			TargetID:   e.ID,
			Type:       memory.RelDerives,
			Confidence: confidence,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("derives relation: %w", err)
		}
		if err := f.store.MarkSuperseded(ctx, e.ID); err != nil {
			return fmt.Errorf("supersede %s: %w", e.ID, err)
		}
	}
	return nil
}

// parseFusedReply extracts and validates the JSON object, tolerating
// code fences and surrounding prose.
func parseFusedReply(content string) (*fusedReply, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reply")
	}
	var reply fusedReply
	if err := json.Unmarshal([]byte(content[start:end+1]), &reply); err != nil {
		return nil, fmt.Errorf("invalid fusion JSON: %w", err)
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return nil, fmt.Errorf("empty summary")
	}
	return &reply, nil
}

var knownCategories = map[string]bool{
	memory.CategoryPreference:   true,
	memory.CategoryFact:         true,
	memory.CategoryEvent:        true,
	memory.CategoryRelationship: true,
	memory.CategoryInsight:      true,
}

// normalizeCategory keeps the model's category when valid, otherwise
// falls back to the majority category of the sources.
func normalizeCategory(cat string, cluster []*memory.Entry) string {
	cat = strings.ToLower(strings.TrimSpace(cat))
	if knownCategories[cat] {
		return cat
	}
	counts := make(map[string]int)
	best := cluster[0].Category
	for _, e := range cluster {
		counts[e.Category]++
		if counts[e.Category] > counts[best] {
			best = e.Category
		}
	}
	return best
}
