package channels

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/haven/internal/bus"
)

type fakeChannel struct {
	name    string
	running bool
	ownerOK bool

	mu        sync.Mutex
	sent      []bus.OutboundMessage
	proactive []string
}

func (f *fakeChannel) Name() string                    { return f.name }
func (f *fakeChannel) Start(ctx context.Context) error { return nil }
func (f *fakeChannel) Stop(ctx context.Context) error  { return nil }
func (f *fakeChannel) Running() bool                   { return f.running }

func (f *fakeChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendToOwner(ctx context.Context, content string) bool {
	if !f.ownerOK {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.proactive = append(f.proactive, content)
	return true
}

func (f *fakeChannel) sentMessages() []bus.OutboundMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bus.OutboundMessage(nil), f.sent...)
}

func (f *fakeChannel) proactiveMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.proactive...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDispatchRoutesByChannelName(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := &fakeChannel{name: "telegram", running: true, ownerOK: true}
	dc := &fakeChannel{name: "discord", running: true, ownerOK: true}
	m.Register(tg)
	m.Register(dc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "42", Content: "hello"})
	waitFor(t, func() bool { return len(tg.sentMessages()) == 1 })

	if got := tg.sentMessages()[0]; got.ChatID != "42" || got.Content != "hello" {
		t.Fatalf("delivered = %+v", got)
	}
	if len(dc.sentMessages()) != 0 {
		t.Fatal("message leaked to the wrong adapter")
	}
}

func TestDispatchSkipsInternalChannels(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := &fakeChannel{name: "telegram", running: true, ownerOK: true}
	m.Register(tg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "web", ChatID: "main", Content: "internal"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "telegram", ChatID: "1", Content: "external"})
	waitFor(t, func() bool { return len(tg.sentMessages()) == 1 })

	if got := tg.sentMessages()[0].Content; got != "external" {
		t.Fatalf("delivered %q; the internal message must be skipped", got)
	}
}

func TestProactiveFanOut(t *testing.T) {
	b := bus.New()
	m := NewManager(b)
	tg := &fakeChannel{name: "telegram", running: true, ownerOK: true}
	dc := &fakeChannel{name: "discord", running: true, ownerOK: false} // owner never seen
	idle := &fakeChannel{name: "slack", running: false, ownerOK: true}
	m.Register(tg)
	m.Register(dc)
	m.Register(idle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartAll(ctx)
	defer m.StopAll(context.Background())

	b.PublishOutbound(bus.OutboundMessage{Channel: "trigger", Content: "time for your run"})
	waitFor(t, func() bool { return len(tg.proactiveMessages()) == 1 })

	if tg.proactiveMessages()[0] != "time for your run" {
		t.Fatalf("proactive = %v", tg.proactiveMessages())
	}
	if len(idle.proactiveMessages()) != 0 {
		t.Fatal("stopped adapter must not receive proactive pushes")
	}
}

func TestAllowedSender(t *testing.T) {
	tests := []struct {
		allowlist []string
		sender    string
		want      bool
	}{
		{nil, "anyone", true},
		{[]string{"123"}, "123", true},
		{[]string{"123", " 456 "}, "456", true},
		{[]string{"123"}, "789", false},
	}
	for _, tt := range tests {
		if got := AllowedSender(tt.allowlist, tt.sender); got != tt.want {
			t.Fatalf("AllowedSender(%v, %q) = %v, want %v", tt.allowlist, tt.sender, got, tt.want)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	short := "just one chunk"
	if got := SplitMessage(short, 100); !reflect.DeepEqual(got, []string{short}) {
		t.Fatalf("short split = %v", got)
	}

	// Prefers a newline cut past the halfway point.
	text := strings.Repeat("a", 60) + "\n" + strings.Repeat("b", 60)
	got := SplitMessage(text, 100)
	if len(got) != 2 || !strings.HasSuffix(got[0], "\n") || got[1] != strings.Repeat("b", 60) {
		t.Fatalf("newline split = %q", got)
	}

	// No newline: hard cut at the limit.
	got = SplitMessage(strings.Repeat("x", 250), 100)
	if len(got) != 3 || len(got[0]) != 100 || len(got[2]) != 50 {
		t.Fatalf("hard split lens = %d/%d/%d", len(got[0]), len(got[1]), len(got[2]))
	}

	if got := SplitMessage("", 100); got != nil {
		t.Fatalf("empty split = %v", got)
	}
}
