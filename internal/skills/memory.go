package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/haven/internal/memory"
)

// MemorySearchSkill lets the agent query the memory graph directly, on
// top of the automatic retrieval the loop already does per turn.
type MemorySearchSkill struct {
	store     memory.Store
	retriever *memory.Retriever
}

func NewMemorySearchSkill(store memory.Store, retriever *memory.Retriever) *MemorySearchSkill {
	return &MemorySearchSkill{store: store, retriever: retriever}
}

func (s *MemorySearchSkill) Name() string { return "memory_search" }
func (s *MemorySearchSkill) Description() string {
	return "Search long-term memory for facts, preferences, and past events about the user"
}
func (s *MemorySearchSkill) Tags() []string { return []string{"memory", "search", "recall"} }

func (s *MemorySearchSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "What to look for",
			},
			"limit": map[string]any{
				"type":        "number",
				"description": "Max results (default 5)",
			},
		},
		"required": []string{"query"},
	}
}

func (s *MemorySearchSkill) Execute(ctx context.Context, args map[string]any) *Result {
	query, _ := args["query"].(string)
	if query == "" {
		return ErrorResult("query is required")
	}
	userID := UserIDFromCtx(ctx)
	if userID == "" {
		return ErrorResult("no user in scope")
	}
	limit := 5
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	candidates, err := s.store.List(ctx, userID, memory.ListFilter{
		MinProminence: memory.DormantThreshold,
		LatestOnly:    true,
		ExcludeTypes:  []string{memory.TypeSuperseded},
	})
	if err != nil {
		return ErrorResult(fmt.Sprintf("memory search: %v", err)).WithError(err)
	}

	scored := s.retriever.Search(ctx, candidates, query, time.Now().UTC())
	if len(scored) > limit {
		scored = scored[:limit]
	}
	if len(scored) == 0 {
		return SilentResult("No memories matched: " + query)
	}

	now := time.Now().UTC()
	var b strings.Builder
	for i, sc := range scored {
		fmt.Fprintf(&b, "%d. [%s/%s] %s\n", i+1, sc.Entry.Category, sc.Entry.Status(), sc.Entry.Content)
		// Recall counts as access; it feeds the decay model.
		_ = s.store.TouchAccess(ctx, sc.Entry.ID, now)
	}
	return SilentResult(b.String())
}

// MemorySaveSkill stores an explicit memory on the user's request.
type MemorySaveSkill struct {
	store memory.Store
}

func NewMemorySaveSkill(store memory.Store) *MemorySaveSkill {
	return &MemorySaveSkill{store: store}
}

func (s *MemorySaveSkill) Name() string { return "memory_save" }
func (s *MemorySaveSkill) Description() string {
	return "Save an important fact, preference, or event to long-term memory"
}
func (s *MemorySaveSkill) Tags() []string { return []string{"memory", "save", "remember"} }

func (s *MemorySaveSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"content": map[string]any{
				"type":        "string",
				"description": "The memory content, one self-contained statement",
			},
			"category": map[string]any{
				"type":        "string",
				"description": "Memory category",
				"enum":        []string{"fact", "preference", "event", "relationship", "insight"},
			},
			"importance": map[string]any{
				"type":        "number",
				"description": "Importance 0-10 (default 5)",
			},
		},
		"required": []string{"content", "category"},
	}
}

func (s *MemorySaveSkill) Execute(ctx context.Context, args map[string]any) *Result {
	content, _ := args["content"].(string)
	category, _ := args["category"].(string)
	if content == "" || category == "" {
		return ErrorResult("content and category are required")
	}
	userID := UserIDFromCtx(ctx)
	if userID == "" {
		return ErrorResult("no user in scope")
	}
	importance := 5
	if v, ok := args["importance"].(float64); ok && v >= 0 && v <= 10 {
		importance = int(v)
	}

	now := time.Now().UTC()
	entry := &memory.Entry{
		UserID:       userID,
		Content:      content,
		Category:     category,
		MemoryType:   memory.TypeRegular,
		Importance:   importance,
		Confidence:   1.0,
		IsLatest:     true,
		DocumentDate: now,
		Prominence:   1.0,
	}
	if err := s.store.Insert(ctx, entry); err != nil {
		return ErrorResult(fmt.Sprintf("save memory: %v", err)).WithError(err)
	}
	return SilentResult("Saved to memory: " + content)
}
