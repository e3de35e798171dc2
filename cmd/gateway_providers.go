package cmd

import (
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/router"
	"github.com/nextlevelbuilder/haven/internal/store"
)

// buildProviders constructs one Provider per configured backend and
// returns them with the name of the preferred primary. Anthropic leads
// when its key is present; otherwise the first configured fallback
// takes over.
func buildProviders(pc config.ProvidersConfig, fallbacks []string, defaultModel string) (map[string]providers.Provider, string) {
	backends := make(map[string]providers.Provider)

	if key := pc.Anthropic.APIKey; key != "" {
		model := pc.Anthropic.Model
		if model == "" {
			model = defaultModel
		}
		backends["anthropic"] = providers.NewAnthropicProvider("anthropic", key, model)
	}
	if key := pc.OpenAI.APIKey; key != "" {
		model := pc.OpenAI.Model
		if model == "" {
			model = "gpt-4o"
		}
		backends["openai"] = providers.NewOpenAICompat("openai", key, pc.OpenAI.APIBase, model)
	}
	if key := pc.OpenRouter.APIKey; key != "" {
		base := pc.OpenRouter.APIBase
		if base == "" {
			base = "https://openrouter.ai/api/v1"
		}
		model := pc.OpenRouter.Model
		if model == "" {
			model = "anthropic/claude-sonnet-4.5"
		}
		backends["openrouter"] = providers.NewOpenAICompat("openrouter", key, base, model)
	}
	if key := pc.Groq.APIKey; key != "" {
		base := pc.Groq.APIBase
		if base == "" {
			base = "https://api.groq.com/openai/v1"
		}
		model := pc.Groq.Model
		if model == "" {
			model = "llama-3.3-70b-versatile"
		}
		backends["groq"] = providers.NewOpenAICompat("groq", key, base, model)
	}

	primary := "anthropic"
	if _, ok := backends[primary]; !ok {
		for _, name := range fallbacks {
			if _, ok := backends[name]; ok {
				primary = name
				break
			}
		}
	}
	return backends, primary
}

// buildRouter wires the failover router: health tracking, the daily
// budget guard, and every configured backend.
func buildRouter(cfg *config.Config, st *store.Store, events bus.EventPublisher) *router.Router {
	routerCfg := cfg.Snapshot().Router
	budgetCfg := cfg.Snapshot().Budget

	backends, primary := buildProviders(cfg.Snapshot().Providers, routerCfg.Fallbacks, cfg.Snapshot().Agent.Model)
	if len(backends) == 0 {
		slog.Warn("no provider API keys configured; all chats will get offline responses")
	}

	health := router.NewHealthTracker(router.HealthConfig{
		Window:       time.Duration(routerCfg.HealthWindowSec) * time.Second,
		FailureLimit: routerCfg.FailureLimit,
	})
	budget := router.NewBudgetGuard(st, budgetCfg.DailyLimitUSD, budgetCfg.MonthlyLimitUSD, budgetCfg.WarnRatio,
		func(spend, limit float64) {
			slog.Warn("budget warning threshold crossed", "spend_usd", spend, "limit_usd", limit)
			events.Broadcast(bus.Event{Name: "budget_warning", Payload: map[string]any{
				"spend_usd": spend,
				"limit_usd": limit,
			}})
		})

	rt := router.New(primary, routerCfg.Fallbacks, health, budget)
	for name, backend := range backends {
		rt.Register(backend)
		slog.Info("provider registered", "provider", name, "model", backend.DefaultModel())
	}
	return rt
}

// buildEmbedder returns the embedding backend for memory retrieval, or
// nil when no usable key exists. Retrieval degrades to lexical plus
// recency scoring without it.
func buildEmbedder(pc config.ProvidersConfig, mc config.MemoryConfig) *providers.EmbeddingClient {
	key := pc.OpenAI.APIKey
	base := pc.OpenAI.APIBase
	if mc.EmbeddingProvider == "openrouter" {
		key = pc.OpenRouter.APIKey
		base = "https://openrouter.ai/api/v1"
	}
	if key == "" {
		return nil
	}
	return providers.NewEmbeddingClient(key, base, mc.EmbeddingModel)
}
