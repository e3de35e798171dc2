package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// Route states, coarsest first.
const (
	StateHealthy  = "healthy"  // primary provider serving
	StateDegraded = "degraded" // serving from a fallback
	StateOffline  = "offline"  // nothing reachable, synthetic replies
)

// OfflineModel marks synthetic responses in session history and logs.
const OfflineModel = "offline"

const offlineNotice = "I'm running in offline mode: unable to reach any language model backend. " +
	"I've noted your message and will pick it up as soon as a provider is reachable again."

// Router fans a chat call across providers in preference order. Each
// call walks the ladder: primary, then fallbacks, skipping providers the
// health tracker marks unhealthy; when every rung fails the router
// answers offline so the assistant never goes silent.
type Router struct {
	backends  map[string]providers.Provider
	primary   string
	fallbacks []string
	health    *HealthTracker
	budget    *BudgetGuard // nil = unmetered
	now       func() time.Time

	stateMu       sync.RWMutex
	state         string
	degradedSince time.Time // when the router last left healthy; zero while healthy
}

// New creates a router. The primary must be registered; fallbacks that
// are not registered are skipped at call time.
func New(primary string, fallbacks []string, health *HealthTracker, budget *BudgetGuard) *Router {
	return &Router{
		backends:  make(map[string]providers.Provider),
		primary:   primary,
		fallbacks: fallbacks,
		health:    health,
		budget:    budget,
		now:       time.Now,
		state:     StateHealthy,
	}
}

// Register adds a backend.
func (r *Router) Register(p providers.Provider) {
	r.backends[p.Name()] = p
}

// State returns the current route state.
func (r *Router) State() string {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.state
}

// Degraded reports whether the router is off its primary.
func (r *Router) Degraded() bool { return r.State() != StateHealthy }

// DegradedSince returns when the router left the healthy state; the
// zero time while healthy. Moving deeper down the ladder (degraded to
// offline) keeps the original timestamp.
func (r *Router) DegradedSince() time.Time {
	r.stateMu.RLock()
	defer r.stateMu.RUnlock()
	return r.degradedSince
}

func (r *Router) setState(s string) {
	r.stateMu.Lock()
	if r.state != s {
		slog.Info("router: state change", "from", r.state, "to", s)
		if s == StateHealthy {
			r.degradedSince = time.Time{}
		} else if r.state == StateHealthy {
			r.degradedSince = r.now()
		}
		r.state = s
	}
	r.stateMu.Unlock()
}

// Name implements providers.Provider.
func (r *Router) Name() string { return "router" }

// DefaultModel returns the primary backend's default model.
func (r *Router) DefaultModel() string {
	if p, ok := r.backends[r.primary]; ok {
		return p.DefaultModel()
	}
	return ""
}

// Chat walks the ladder until a backend answers.
func (r *Router) Chat(ctx context.Context, req providers.ChatRequest) (*providers.ChatResponse, error) {
	return r.dispatch(ctx, req, nil)
}

// ChatStream is Chat with streaming passthrough. The offline response is
// delivered as a single chunk.
func (r *Router) ChatStream(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	return r.dispatch(ctx, req, onChunk)
}

func (r *Router) dispatch(ctx context.Context, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	now := r.now()

	if r.budget != nil {
		v, err := r.budget.Check(ctx, now)
		if err != nil {
			slog.Warn("router: budget check failed", "error", err)
		} else if v.State == BudgetExceeded {
			return nil, fmt.Errorf("%s limit reached ($%.2f of $%.2f): %w",
				v.Period, v.Spend, v.Limit, ErrBudgetExceeded)
		}
	}

	// First pass over healthy backends, second over the rest: a marked
	// unhealthy provider is still better than going offline.
	candidates := r.chain()
	var lastErr error
	for _, pass := range []bool{true, false} {
		for _, name := range candidates {
			backend := r.backends[name]
			if backend == nil {
				continue
			}
			if r.health.Healthy(name, now) != pass {
				continue
			}

			resp, err := r.call(ctx, backend, req, onChunk)
			if err != nil {
				lastErr = err
				r.health.RecordFailure(name, r.now())
				slog.Warn("router: backend failed", "provider", name, "error", err)
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				continue
			}

			r.health.RecordSuccess(name)
			if name == r.primary {
				r.setState(StateHealthy)
			} else {
				r.setState(StateDegraded)
			}
			r.recordCost(ctx, resp)
			return resp, nil
		}
	}

	r.setState(StateOffline)
	slog.Error("router: all backends failed, answering offline", "error", lastErr)
	return r.offlineResponse(onChunk), nil
}

func (r *Router) call(ctx context.Context, backend providers.Provider, req providers.ChatRequest, onChunk func(providers.StreamChunk)) (*providers.ChatResponse, error) {
	if req.Model == "" {
		req.Model = backend.DefaultModel()
	}
	if onChunk != nil {
		return backend.ChatStream(ctx, req, onChunk)
	}
	return backend.Chat(ctx, req)
}

func (r *Router) chain() []string {
	chain := make([]string, 0, 1+len(r.fallbacks))
	chain = append(chain, r.primary)
	for _, name := range r.fallbacks {
		if name != r.primary {
			chain = append(chain, name)
		}
	}
	return chain
}

func (r *Router) recordCost(ctx context.Context, resp *providers.ChatResponse) {
	if r.budget == nil || resp.Usage == nil {
		return
	}
	entry := &store.CostEntry{
		SessionKey:   skills.SessionKeyFromCtx(ctx),
		Model:        resp.Model,
		InputTokens:  int64(resp.Usage.InputTokens),
		OutputTokens: int64(resp.Usage.OutputTokens),
		Cost:         EstimateCost(resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
	}
	if err := r.budget.Record(ctx, entry); err != nil {
		slog.Warn("router: cost record failed", "error", err)
	}
}

func (r *Router) offlineResponse(onChunk func(providers.StreamChunk)) *providers.ChatResponse {
	if onChunk != nil {
		onChunk(providers.StreamChunk{Content: offlineNotice})
		onChunk(providers.StreamChunk{Done: true})
	}
	return &providers.ChatResponse{
		Content:    offlineNotice,
		StopReason: providers.StopEndTurn,
		Model:      OfflineModel,
	}
}

// IsOffline reports whether a response is the router's synthetic reply.
func IsOffline(resp *providers.ChatResponse) bool {
	return resp != nil && resp.Model == OfflineModel
}

// IsBudgetExceeded reports whether err is the budget refusal.
func IsBudgetExceeded(err error) bool {
	return errors.Is(err, ErrBudgetExceeded)
}
