package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nextlevelbuilder/haven/internal/agent"
	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/channels"
	"github.com/nextlevelbuilder/haven/internal/channels/discord"
	"github.com/nextlevelbuilder/haven/internal/channels/telegram"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/contextwin"
	"github.com/nextlevelbuilder/haven/internal/gardener"
	"github.com/nextlevelbuilder/haven/internal/gateway"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/scheduler"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
	"github.com/nextlevelbuilder/haven/internal/subagent"
	"github.com/nextlevelbuilder/haven/internal/tracing"
)

func runGateway() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	agentCfg := cfg.Snapshot().Agent
	gwCfg := cfg.Snapshot().Gateway
	memCfg := cfg.Snapshot().Memory
	subCfg := cfg.Snapshot().Subagents
	chCfg := cfg.Snapshot().Channels
	telCfg := cfg.Snapshot().Telemetry

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if telCfg.Enabled {
		shutdown, traceErr := tracing.Setup(ctx, tracing.Options{
			Enabled:     true,
			Endpoint:    telCfg.Endpoint,
			Insecure:    telCfg.Insecure,
			ServiceName: telCfg.ServiceName,
		})
		if traceErr != nil {
			slog.Warn("telemetry setup failed", "error", traceErr)
		} else {
			defer shutdown(context.Background())
			slog.Info("telemetry enabled", "endpoint", telCfg.Endpoint)
		}
	}

	st, err := store.Open(cfg.DatabasePath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	msgBus := bus.New()
	rt := buildRouter(cfg, st, msgBus)
	sessMgr := sessions.NewManager(st)

	var embedder memory.Embedder
	if c := buildEmbedder(cfg.Snapshot().Providers, memCfg); c != nil {
		embedder = c
		slog.Info("memory embeddings enabled", "model", memCfg.EmbeddingModel)
	} else {
		slog.Info("memory embeddings disabled; retrieval is lexical plus recency")
	}
	retriever := memory.NewRetriever(memory.RetrievalConfig{
		BM25Weight:   memCfg.LexicalWeight,
		CosineWeight: memCfg.VectorWeight,
		RecencyBoost: memCfg.RecencyWeight,
		TopK:         memCfg.TopK,
	}, embedder)

	// Workspace must be absolute: the system prompt and file skills
	// resolve paths against it.
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}
	os.MkdirAll(workspace, 0o755)
	os.MkdirAll(cfg.FilesPath(), 0o755)

	registry := skills.NewRegistry()
	registry.Register(skills.NewReadFileSkill(workspace))
	registry.Register(skills.NewWriteFileSkill(workspace))
	registry.Register(skills.NewListFilesSkill(workspace))
	registry.Register(skills.NewExecSkill(workspace))
	registry.Register(skills.NewWebSearchSkill())
	registry.Register(skills.NewWebFetchSkill())
	registry.Register(skills.NewMemorySearchSkill(st, retriever))
	registry.Register(skills.NewMemorySaveSkill(st))
	registry.Register(skills.NewScheduleSkill(st))
	registry.Register(skills.NewScheduleListSkill(st))
	registry.Register(skills.NewScheduleCancelSkill(st))

	winCfg := contextwin.DefaultConfig()
	if agentCfg.ContextWindow > 0 {
		winCfg.MaxTokens = agentCfg.ContextWindow
	}
	window := contextwin.New(winCfg)

	engine := agent.New(agent.Config{
		Provider:        rt,
		Model:           agentCfg.Model,
		MaxTokens:       agentCfg.MaxTokens,
		Temperature:     agentCfg.Temperature,
		MaxIterations:   agentCfg.MaxToolIterations,
		MaxMessageChars: gwCfg.MaxMessageChars,
		Persona:         agentCfg.Persona,
		Registry:        registry,
		Sessions:        sessMgr,
		Memories:        st,
		Retriever:       retriever,
		Window:          window,
		Behavior:        st,
	})

	lanes := scheduler.New(subCfg.MaxConcurrent)
	defer lanes.Shutdown()

	subMgr := subagent.NewManager(subagent.Config{
		Subagents: subCfg,
		Provider:  rt,
		Registry:  registry,
		Sessions:  sessMgr,
		Memories:  st,
		Retriever: retriever,
		Lanes:     lanes,
		Router:    msgBus,
	})
	registry.Register(&subagent.SpawnSkill{Manager: subMgr})
	registry.Register(&subagent.CheckTasksSkill{Manager: subMgr})

	gard := gardener.New(cfg.Snapshot().Gardener, st, rt, agentCfg.Model, msgBus, msgBus)
	gard.Start(ctx)
	defer gard.Stop()

	server := gateway.NewServer(cfg, st, engine, msgBus)

	channelMgr := channels.NewManager(msgBus)
	if chCfg.Telegram.Enabled && chCfg.Telegram.Token != "" {
		tg, tgErr := telegram.New(chCfg.Telegram, msgBus)
		if tgErr != nil {
			slog.Error("failed to initialize telegram channel", "error", tgErr)
		} else {
			channelMgr.Register(tg)
		}
	}
	if chCfg.Discord.Enabled && chCfg.Discord.Token != "" {
		dc, dcErr := discord.New(chCfg.Discord, msgBus)
		if dcErr != nil {
			slog.Error("failed to initialize discord channel", "error", dcErr)
		} else {
			channelMgr.Register(dc)
		}
	}
	channelMgr.StartAll(ctx)

	go consumeInbound(ctx, msgBus, engine, st, lanes)

	watcher, err := config.Watch(cfgPath, cfg, func(next *config.Config) {
		slog.Info("config reloaded", "path", cfgPath)
	})
	if err != nil {
		slog.Debug("config watcher unavailable", "error", err)
	} else {
		defer watcher.Stop()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)
		channelMgr.StopAll(context.Background())
		cancel()
	}()

	slog.Info("haven gateway starting",
		"version", Version,
		"host", gwCfg.Host,
		"port", gwCfg.Port,
		"model", agentCfg.Model,
		"router_state", rt.State(),
	)

	if err := server.Start(ctx); err != nil {
		slog.Error("gateway error", "error", err)
		os.Exit(1)
	}
}
