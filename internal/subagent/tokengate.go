package subagent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// ErrTokenBudget aborts a child run whose cumulative input tokens
// exceed its budget.
var ErrTokenBudget = errors.New("sub-agent input token budget exceeded")

// tokenGate wraps a provider and refuses further calls once the run has
// consumed its input-token budget. Counting uses the provider-reported
// usage of completed calls, so the gate trips on the call after the
// budget is crossed, never mid-call.
type tokenGate struct {
	inner providers.Provider
	max   int

	mu   sync.Mutex
	used int
}

func newTokenGate(inner providers.Provider, maxInputTokens int) *tokenGate {
	return &tokenGate{inner: inner, max: maxInputTokens}
}

func (g *tokenGate) Name() string         { return g.inner.Name() }
func (g *tokenGate) DefaultModel() string { return g.inner.DefaultModel() }

func (g *tokenGate) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	resp, err := g.inner.Chat(ctx, req)
	g.record(resp)
	return resp, err
}

func (g *tokenGate) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if err := g.admit(); err != nil {
		return nil, err
	}
	resp, err := g.inner.ChatStream(ctx, req, onChunk)
	g.record(resp)
	return resp, err
}

func (g *tokenGate) admit() error {
	if g.max <= 0 {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.used >= g.max {
		return fmt.Errorf("%w: used %d of %d", ErrTokenBudget, g.used, g.max)
	}
	return nil
}

func (g *tokenGate) record(resp *providers.ChatResponse) {
	if resp == nil || resp.Usage == nil {
		return
	}
	g.mu.Lock()
	g.used += resp.Usage.InputTokens
	g.mu.Unlock()
}
