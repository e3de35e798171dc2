package agent

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
)

type echoSkill struct{}

func (echoSkill) Name() string        { return "echo" }
func (echoSkill) Description() string { return "echoes back the given text" }
func (echoSkill) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{
		"text": map[string]any{"type": "string"},
	}}
}
func (echoSkill) Execute(ctx context.Context, args map[string]any) *skills.Result {
	text, _ := args["text"].(string)
	return skills.NewResult("echo: " + text)
}

type panicSkill struct{}

func (panicSkill) Name() string               { return "boom" }
func (panicSkill) Description() string        { return "always panics" }
func (panicSkill) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (panicSkill) Execute(context.Context, map[string]any) *skills.Result {
	panic("kaboom")
}

func newTestEngine(t *testing.T, provider providers.Provider, maxIter int) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	reg := skills.NewRegistry()
	reg.Register(echoSkill{})
	reg.Register(panicSkill{})

	return New(Config{
		Provider:      provider,
		Model:         "scripted-1",
		MaxIterations: maxIter,
		Registry:      reg,
		Sessions:      sessions.NewManager(st),
	}), st
}

func collectEvents(events *[]Event) ProgressFunc {
	return func(ev Event) { *events = append(*events, ev) }
}

func eventTypes(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func hasEvent(events []Event, typ string) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

func TestSingleSkillTurn(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(providers.ToolUse{ID: "t1", Name: "echo", Input: map[string]any{"text": "hi"}}),
		providers.TextResponse("done"))
	e, st := newTestEngine(t, p, 10)

	var events []Event
	res, err := e.Run(context.Background(), TurnRequest{
		SessionKey: "web:direct:u1",
		UserID:     "u1",
		Channel:    "web",
		Message:    "say hi",
		OnProgress: collectEvents(&events),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "done" {
		t.Fatalf("content = %q", res.Content)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
	if !hasEvent(events, EventSkillStart) || !hasEvent(events, EventSkillComplete) {
		t.Fatalf("missing skill events: %v", eventTypes(events))
	}
	if hasEvent(events, EventSkillError) {
		t.Fatalf("unexpected skill_error: %v", eventTypes(events))
	}

	// The second request must carry the echo result back to the model.
	var found bool
	for _, msg := range p.LastRequest.Messages {
		for _, b := range msg.Blocks {
			if b.Type == providers.BlockToolResult && b.Content == "echo: hi" && !b.IsError {
				found = true
			}
		}
	}
	if !found {
		t.Fatal("tool_result not fed back to the model")
	}

	// Full exchange persisted: user, assistant tool_use, tool results, final.
	hist, err := st.History(context.Background(), "web:direct:u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 4 {
		t.Fatalf("history length = %d, want 4", len(hist))
	}
}

func TestUnknownSkillRecovers(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(providers.ToolUse{ID: "t1", Name: "bogus", Input: nil}),
		providers.TextResponse("recovered"))
	e, _ := newTestEngine(t, p, 10)

	var events []Event
	res, err := e.Run(context.Background(), TurnRequest{
		SessionKey: "web:direct:u1",
		UserID:     "u1",
		Message:    "try something",
		OnProgress: collectEvents(&events),
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "recovered" {
		t.Fatalf("content = %q", res.Content)
	}
	if !hasEvent(events, EventSkillError) {
		t.Fatalf("missing skill_error: %v", eventTypes(events))
	}

	var block *providers.Block
	for _, msg := range p.LastRequest.Messages {
		for i, b := range msg.Blocks {
			if b.Type == providers.BlockToolResult {
				block = &msg.Blocks[i]
			}
		}
	}
	if block == nil {
		t.Fatal("no tool_result in follow-up request")
	}
	if !block.IsError || !strings.HasPrefix(block.Content, "Unknown skill") {
		t.Fatalf("tool_result = %+v", block)
	}
}

func TestSkillPanicBecomesErrorResult(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(providers.ToolUse{ID: "t1", Name: "boom"}),
		providers.TextResponse("survived"))
	e, _ := newTestEngine(t, p, 10)

	res, err := e.Run(context.Background(), TurnRequest{SessionKey: "web:direct:u1", UserID: "u1", Message: "go"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "survived" {
		t.Fatalf("content = %q", res.Content)
	}
	var errContent string
	for _, msg := range p.LastRequest.Messages {
		for _, b := range msg.Blocks {
			if b.Type == providers.BlockToolResult && b.IsError {
				errContent = b.Content
			}
		}
	}
	if !strings.Contains(errContent, "panicked") {
		t.Fatalf("panic not surfaced: %q", errContent)
	}
}

func TestIterationCap(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(providers.ToolUse{ID: "t1", Name: "echo", Input: map[string]any{"text": "x"}}))
	e, _ := newTestEngine(t, p, 2)

	res, err := e.Run(context.Background(), TurnRequest{SessionKey: "web:direct:u1", UserID: "u1", Message: "loop"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
	if !strings.Contains(res.Content, "maximum iterations") {
		t.Fatalf("cap message missing: %q", res.Content)
	}
}

func TestCancellationStopsLoop(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(providers.ToolUse{ID: "t1", Name: "echo", Input: map[string]any{"text": "x"}}),
		providers.TextResponse("should not reach"))
	e, st := newTestEngine(t, p, 10)

	res, err := e.Run(context.Background(), TurnRequest{
		SessionKey: "web:direct:u1",
		UserID:     "u1",
		Message:    "long task",
		Cancelled:  func() bool { return true },
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d, want 1", res.Iterations)
	}
	if p.Calls() != 1 {
		t.Fatalf("provider calls = %d, want 1", p.Calls())
	}

	// The pending tool call was closed with a stop notice.
	hist, err := st.History(context.Background(), "web:direct:u1")
	if err != nil {
		t.Fatal(err)
	}
	var stopped bool
	for _, msg := range hist {
		for _, b := range msg.Blocks {
			if b.Type == providers.BlockToolResult && strings.Contains(b.Content, "stopped") {
				stopped = true
			}
		}
	}
	if !stopped {
		t.Fatal("stop notice tool_result not persisted")
	}
}

func TestMemoryRetrievalFeedsPrompt(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("ok"))
	st, err := store.Open(filepath.Join(t.TempDir(), "haven.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	ctx := context.Background()
	entry := &memory.Entry{
		ID: store.NewID(), UserID: "u1", Content: "The user's dog is called Biscuit",
		Category: memory.CategoryFact, MemoryType: memory.TypeRegular,
		Importance: 6, Confidence: 0.9, IsLatest: true,
		DocumentDate: time.Now(), Prominence: 0.8,
	}
	if err := st.Insert(ctx, entry); err != nil {
		t.Fatal(err)
	}

	e := New(Config{
		Provider:  p,
		Registry:  skills.NewRegistry(),
		Sessions:  sessions.NewManager(st),
		Memories:  st,
		Retriever: memory.NewRetriever(memory.DefaultRetrievalConfig(), nil),
	})

	var events []Event
	if _, err := e.Run(ctx, TurnRequest{
		SessionKey: "web:direct:u1",
		UserID:     "u1",
		Message:    "what is my dog called",
		OnProgress: collectEvents(&events),
	}); err != nil {
		t.Fatal(err)
	}
	if !hasEvent(events, EventMemory) {
		t.Fatalf("no memory event: %v", eventTypes(events))
	}
	if !strings.Contains(p.LastRequest.System, "Biscuit") {
		t.Fatal("retrieved memory missing from system prompt")
	}

	got, err := st.Get(ctx, entry.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessCount != 1 {
		t.Fatalf("access count = %d, want 1", got.AccessCount)
	}
}

func TestParallelSkillResultsKeepOrder(t *testing.T) {
	p := providers.NewScripted("scripted",
		providers.ToolUseResponse(
			providers.ToolUse{ID: "a", Name: "echo", Input: map[string]any{"text": "first"}},
			providers.ToolUse{ID: "b", Name: "echo", Input: map[string]any{"text": "second"}},
		),
		providers.TextResponse("ok"))
	e, _ := newTestEngine(t, p, 10)

	if _, err := e.Run(context.Background(), TurnRequest{SessionKey: "web:direct:u1", UserID: "u1", Message: "both"}); err != nil {
		t.Fatal(err)
	}

	var results []providers.Block
	for _, msg := range p.LastRequest.Messages {
		for _, b := range msg.Blocks {
			if b.Type == providers.BlockToolResult {
				results = append(results, b)
			}
		}
	}
	if len(results) != 2 {
		t.Fatalf("got %d tool_results, want 2", len(results))
	}
	if results[0].ToolUseID != "a" || results[1].ToolUseID != "b" {
		t.Fatalf("results out of order: %s, %s", results[0].ToolUseID, results[1].ToolUseID)
	}
}

func TestSilentReplySuppressed(t *testing.T) {
	p := providers.NewScripted("scripted", providers.TextResponse("NO_REPLY"))
	e, _ := newTestEngine(t, p, 10)

	res, err := e.Run(context.Background(), TurnRequest{SessionKey: "web:direct:u1", UserID: "u1", Message: "ok thanks bye"})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Silent || res.Content != "" {
		t.Fatalf("silent=%v content=%q", res.Silent, res.Content)
	}
}

func TestSanitizeAssistantText(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"plain answer", "plain answer"},
		{"<thinking>secret</thinking>visible", "visible"},
		{"same\n\nsame\n\nother", "same\n\nother"},
		{"before <tool_call>x</tool_call> after", "before x after"},
	}
	for _, tc := range cases {
		if got := SanitizeAssistantText(tc.in); got != tc.want {
			t.Errorf("SanitizeAssistantText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestIsSilentReply(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"NO_REPLY", true},
		{"NO_REPLY.", true},
		{"ok NO_REPLY", true},
		{"NO_REPLYING to that", false},
		{"hello", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsSilentReply(tc.in); got != tc.want {
			t.Errorf("IsSilentReply(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
