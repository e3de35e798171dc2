package skills

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeSkill struct {
	name string
	tags []string
}

func (f *fakeSkill) Name() string               { return f.name }
func (f *fakeSkill) Description() string        { return "fake " + f.name }
func (f *fakeSkill) Tags() []string             { return f.tags }
func (f *fakeSkill) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (f *fakeSkill) Execute(ctx context.Context, args map[string]any) *Result {
	return NewResult("ok")
}

func TestRegistryRegisterAndList(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSkill{name: "beta"})
	r.Register(&fakeSkill{name: "alpha"})

	names := r.List()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Fatalf("expected sorted names, got %v", names)
	}

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "alpha" {
		t.Fatalf("unexpected definitions: %v", defs)
	}

	r.Unregister("alpha")
	if _, ok := r.Get("alpha"); ok {
		t.Fatal("alpha should be gone")
	}
}

func TestRegistryView(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSkill{name: "exec"})
	r.Register(&fakeSkill{name: "web_search"})
	r.Register(&fakeSkill{name: "read_file"})

	view := r.View(func(name string) bool { return name != "exec" })
	if _, ok := view.Get("exec"); ok {
		t.Fatal("view should exclude exec")
	}
	if _, ok := view.Get("web_search"); !ok {
		t.Fatal("view should include web_search")
	}
	// The parent registry is untouched.
	if _, ok := r.Get("exec"); !ok {
		t.Fatal("parent registry lost exec")
	}
}

func TestRegistryTags(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSkill{name: "web_search", tags: []string{"web", "search"}})

	tags := r.Tags("web_search")
	if len(tags) != 2 || tags[0] != "web" {
		t.Fatalf("unexpected tags: %v", tags)
	}
	if r.Tags("missing") != nil {
		t.Fatal("missing skill should have nil tags")
	}
}

func TestFilesystemSkillsStayInWorkspace(t *testing.T) {
	ws := t.TempDir()
	ctx := context.Background()

	write := NewWriteFileSkill(ws)
	res := write.Execute(ctx, map[string]any{"path": "notes/hello.txt", "content": "hi"})
	if res.IsError {
		t.Fatalf("write failed: %s", res.ForLLM)
	}

	read := NewReadFileSkill(ws)
	res = read.Execute(ctx, map[string]any{"path": "notes/hello.txt"})
	if res.IsError || res.ForLLM != "hi" {
		t.Fatalf("read got %q (err=%v)", res.ForLLM, res.IsError)
	}

	// Escapes are rejected.
	res = read.Execute(ctx, map[string]any{"path": "../../etc/passwd"})
	if !res.IsError {
		t.Fatal("expected workspace escape to be rejected")
	}

	list := NewListFilesSkill(ws)
	res = list.Execute(ctx, map[string]any{"path": "notes"})
	if res.IsError || !strings.Contains(res.ForLLM, "hello.txt") {
		t.Fatalf("list got %q", res.ForLLM)
	}

	if _, err := os.Stat(filepath.Join(ws, "notes", "hello.txt")); err != nil {
		t.Fatalf("file not on disk: %v", err)
	}
}

func TestExecSkillDenyList(t *testing.T) {
	s := NewExecSkill(t.TempDir())
	ctx := context.Background()

	res := s.Execute(ctx, map[string]any{"command": "rm -rf /"})
	if !res.IsError || !strings.Contains(res.ForLLM, "blocked") {
		t.Fatalf("expected policy block, got %q", res.ForLLM)
	}

	res = s.Execute(ctx, map[string]any{"command": "echo hello"})
	if res.IsError || !strings.Contains(res.ForLLM, "hello") {
		t.Fatalf("echo failed: %q", res.ForLLM)
	}
}

func TestExtractSearchResults(t *testing.T) {
	html := `<a class="result__a" href="https://duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.com%2Fpage&rut=x">Example <b>Page</b></a>
	<a class="result__snippet">A snippet about the page</a>`

	results := extractSearchResults(html, 5)
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].url != "https://example.com/page" {
		t.Errorf("redirect not unwrapped: %q", results[0].url)
	}
	if results[0].title != "Example Page" {
		t.Errorf("title = %q", results[0].title)
	}
	if results[0].snippet != "A snippet about the page" {
		t.Errorf("snippet = %q", results[0].snippet)
	}
}

func TestStripHTML(t *testing.T) {
	in := `<html><head><script>var x=1;</script><style>p{}</style></head><body><p>Hello <b>world</b></p></body></html>`
	got := stripHTML(in)
	if got != "Hello world" {
		t.Errorf("stripHTML = %q", got)
	}
}
