// Package agent drives one user message to completion: retrieve
// relevant memories, assemble the system prompt, then loop LLM calls
// interleaved with skill executions until the model stops asking for
// tools or the iteration cap is hit.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nextlevelbuilder/haven/internal/contextwin"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
	"github.com/nextlevelbuilder/haven/internal/tracing"
)

const (
	defaultMaxIterations   = 10
	defaultMaxTokens       = 8192
	defaultMaxMessageChars = 32_000
)

// BehaviorSource yields the user's current behavioral-affect pattern
// for the system prompt. *store.Store satisfies it.
type BehaviorSource interface {
	GetBehaviorPattern(ctx context.Context, userID string) (*store.BehaviorPattern, error)
}

// Config wires an Engine.
type Config struct {
	Provider        providers.Provider // usually the router
	Model           string
	MaxTokens       int
	Temperature     float64
	MaxIterations   int
	MaxMessageChars int
	Persona         string

	Registry  *skills.Registry
	Sessions  *sessions.Manager
	Memories  memory.Store // nil disables retrieval and the profile section
	Retriever *memory.Retriever
	Window    *contextwin.Window
	Behavior  BehaviorSource // optional
}

// Engine executes turns.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New creates an engine, filling zero config fields with defaults.
func New(cfg Config) *Engine {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.MaxMessageChars <= 0 {
		cfg.MaxMessageChars = defaultMaxMessageChars
	}
	if cfg.Window == nil {
		cfg.Window = contextwin.New(contextwin.DefaultConfig())
	}
	return &Engine{cfg: cfg, now: time.Now}
}

// TurnRequest is one user message to process.
type TurnRequest struct {
	SessionKey string
	UserID     string
	Channel    string
	ChatID     string
	Message    string
	Media      []string // local paths of image attachments

	Stream      bool
	ExtraSystem string // appended to the system prompt (sub-agent task rules)

	OnProgress ProgressFunc // optional
	Cancelled  func() bool  // optional; checked between iterations
}

// TurnResult is the outcome of a completed turn.
type TurnResult struct {
	Content    string
	Iterations int
	Usage      providers.Usage
	Silent     bool // model chose not to reply; Content is empty
}

// Run executes the turn. Provider errors terminate the turn with an
// error event; skill failures are fed back to the model as error
// tool_results and never abort the loop.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := tracing.Start(ctx, "agent.turn",
		tracing.String("session", req.SessionKey),
		tracing.String("channel", req.Channel))
	defer span.End()

	ctx = skills.WithUserID(ctx, req.UserID)
	ctx = skills.WithSessionKey(ctx, req.SessionKey)
	ctx = skills.WithChannel(ctx, req.Channel)
	ctx = skills.WithChatID(ctx, req.ChatID)

	if _, err := e.cfg.Sessions.GetOrCreate(ctx, req.SessionKey, req.UserID, req.Channel); err != nil {
		return nil, fmt.Errorf("load session %s: %w", req.SessionKey, err)
	}

	// Oversized inputs are truncated with a notice the model can see,
	// rather than rejected.
	if len(req.Message) > e.cfg.MaxMessageChars {
		orig := len(req.Message)
		req.Message = req.Message[:e.cfg.MaxMessageChars] +
			fmt.Sprintf("\n\n[Input truncated from %d to %d characters. Ask for the rest if you need it.]",
				orig, e.cfg.MaxMessageChars)
		slog.Warn("agent: message truncated", "session", req.SessionKey, "original_len", orig)
	}

	retrieved := e.retrieve(ctx, req)
	system := e.buildSystemPrompt(ctx, req, retrieved)

	history, err := e.cfg.Sessions.History(ctx, req.SessionKey)
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", req.SessionKey, err)
	}

	userMsg := e.userMessage(req)
	messages := append(history, userMsg)

	// New messages are buffered and flushed after the loop so concurrent
	// turns on other sessions never see a half-written exchange.
	pending := []providers.Message{userMsg}

	var usage providers.Usage
	iterations := 0
	finalContent := ""
	capped := true

	for iterations < e.cfg.MaxIterations {
		iterations++
		slog.Debug("agent iteration", "session", req.SessionKey, "iteration", iterations, "messages", len(messages))

		chatReq := providers.ChatRequest{
			System:      system,
			Messages:    e.cfg.Window.Fit(messages),
			Tools:       e.cfg.Registry.Definitions(),
			Model:       e.cfg.Model,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		}

		resp, err := e.complete(ctx, chatReq, req)
		if err != nil {
			e.emit(req, Event{Type: EventError, Payload: map[string]any{"error": err.Error()}})
			return nil, fmt.Errorf("llm call (iteration %d): %w", iterations, err)
		}
		usage.Add(resp.Usage)

		if resp.Thinking != "" {
			e.emit(req, Event{Type: EventThinking, Payload: map[string]any{"message": resp.Thinking}})
		}

		if len(resp.ToolUses) == 0 {
			finalContent = resp.Content
			pending = append(pending, providers.AssistantMessage(resp))
			capped = false
			break
		}

		asst := providers.AssistantMessage(resp)
		messages = append(messages, asst)
		pending = append(pending, asst)

		if req.Cancelled != nil && req.Cancelled() {
			stop := stopNotice(resp.ToolUses)
			messages = append(messages, stop)
			pending = append(pending, stop)
			finalContent = "Stopped at your request."
			pending = append(pending, providers.TextMessage("assistant", finalContent))
			capped = false
			break
		}

		resultMsg := e.executeSkills(ctx, req, resp.ToolUses)
		messages = append(messages, resultMsg)
		pending = append(pending, resultMsg)
	}

	if capped {
		finalContent = "I've hit the maximum iterations for this request. " +
			"Here's where things stand; tell me to continue if you want me to keep going."
		pending = append(pending, providers.TextMessage("assistant", finalContent))
	}

	finalContent = SanitizeAssistantText(finalContent)
	silent := IsSilentReply(finalContent)
	if silent {
		slog.Info("agent: silent reply, suppressing delivery", "session", req.SessionKey)
	}

	// Persist the sanitized text, not the raw model output.
	if last := len(pending) - 1; last >= 0 && pending[last].Role == "assistant" && len(pending[last].Blocks) == 0 {
		pending[last].Content = finalContent
	}
	if err := e.cfg.Sessions.Append(ctx, req.SessionKey, pending...); err != nil {
		slog.Warn("agent: session append failed", "session", req.SessionKey, "error", err)
	}
	if err := e.cfg.Sessions.RecordUsage(ctx, req.SessionKey, usage); err != nil {
		slog.Warn("agent: usage record failed", "session", req.SessionKey, "error", err)
	}

	visible := finalContent
	if silent {
		visible = ""
	}
	e.emit(req, Event{Type: EventResponse, Payload: map[string]any{
		"content":       visible,
		"sessionId":     req.SessionKey,
		"iterations":    iterations,
		"input_tokens":  usage.InputTokens,
		"output_tokens": usage.OutputTokens,
	}})

	return &TurnResult{
		Content:    visible,
		Iterations: iterations,
		Usage:      usage,
		Silent:     silent,
	}, nil
}

func (e *Engine) complete(ctx context.Context, chatReq providers.ChatRequest, req TurnRequest) (*providers.ChatResponse, error) {
	ctx, span := tracing.Start(ctx, "agent.llm", tracing.String("model", chatReq.Model))
	defer span.End()

	if !req.Stream || req.OnProgress == nil {
		return e.cfg.Provider.Chat(ctx, chatReq)
	}
	return e.cfg.Provider.ChatStream(ctx, chatReq, func(chunk providers.StreamChunk) {
		if chunk.Content != "" {
			e.emit(req, Event{Type: EventChunk, Payload: map[string]any{"content": chunk.Content}})
		}
		if chunk.Thinking != "" {
			e.emit(req, Event{Type: EventThinking, Payload: map[string]any{"message": chunk.Thinking}})
		}
	})
}

// executeSkills runs every tool_use block and returns the single user
// message carrying one tool_result per call, in declaration order.
// Multiple calls run in parallel; skills take their per-turn scope from
// the context, so they are safe to share.
func (e *Engine) executeSkills(ctx context.Context, req TurnRequest, uses []providers.ToolUse) providers.Message {
	results := make([]providers.Block, len(uses))

	if len(uses) == 1 {
		results[0] = e.executeOne(ctx, req, uses[0])
	} else {
		var wg sync.WaitGroup
		for i, tu := range uses {
			wg.Add(1)
			go func(i int, tu providers.ToolUse) {
				defer wg.Done()
				results[i] = e.executeOne(ctx, req, tu)
			}(i, tu)
		}
		wg.Wait()
	}

	return providers.Message{Role: "user", Blocks: results}
}

func (e *Engine) executeOne(ctx context.Context, req TurnRequest, tu providers.ToolUse) providers.Block {
	e.emit(req, Event{Type: EventSkillStart, Payload: map[string]any{
		"skill": tu.Name, "id": tu.ID, "input": tu.Input,
	}})

	skill, ok := e.cfg.Registry.Get(tu.Name)
	if !ok {
		slog.Warn("agent: unknown skill requested", "skill", tu.Name, "session", req.SessionKey)
		e.emit(req, Event{Type: EventSkillError, Payload: map[string]any{
			"skill": tu.Name, "id": tu.ID, "error": "unknown skill",
		}})
		return providers.Block{
			Type:      providers.BlockToolResult,
			ToolUseID: tu.ID,
			Content:   fmt.Sprintf("Unknown skill %q. Available: %v", tu.Name, e.cfg.Registry.List()),
			IsError:   true,
		}
	}

	skillCtx, span := tracing.Start(ctx, "skill."+tu.Name)
	start := e.now()
	res := runSkill(skillCtx, skill, tu.Input)
	span.End()

	if res.IsError {
		slog.Warn("skill error", "skill", tu.Name, "error", truncate(res.ForLLM, 200))
		e.emit(req, Event{Type: EventSkillError, Payload: map[string]any{
			"skill": tu.Name, "id": tu.ID, "error": truncate(res.ForLLM, 500),
		}})
	} else {
		slog.Info("skill complete", "skill", tu.Name, "elapsed", e.now().Sub(start).Round(time.Millisecond))
		e.emit(req, Event{Type: EventSkillComplete, Payload: map[string]any{
			"skill": tu.Name, "id": tu.ID, "output": truncate(res.ForLLM, 500),
		}})
	}
	if res.ForUser != "" && !res.Silent {
		e.emit(req, Event{Type: EventFile, Payload: map[string]any{
			"skill": tu.Name, "content": res.ForUser,
		}})
	}

	return providers.Block{
		Type:      providers.BlockToolResult,
		ToolUseID: tu.ID,
		Content:   res.ForLLM,
		IsError:   res.IsError,
	}
}

// runSkill isolates a skill call: a panicking or nil-returning skill
// becomes an error result the model can react to.
func runSkill(ctx context.Context, skill skills.Skill, args map[string]any) (res *skills.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = skills.ErrorResult(fmt.Sprintf("skill panicked: %v", r))
		}
	}()
	res = skill.Execute(ctx, args)
	if res == nil {
		res = skills.ErrorResult("skill returned no result")
	}
	return res
}

// stopNotice closes out pending tool calls when the user cancels
// mid-turn, keeping the tool_use/tool_result pairing intact.
func stopNotice(uses []providers.ToolUse) providers.Message {
	blocks := make([]providers.Block, len(uses))
	for i, tu := range uses {
		blocks[i] = providers.Block{
			Type:      providers.BlockToolResult,
			ToolUseID: tu.ID,
			Content:   "Execution stopped by the user before this call ran.",
			IsError:   true,
		}
	}
	return providers.Message{Role: "user", Blocks: blocks}
}

// retrieve pulls the top-k memories for the message and records the
// access. Failures degrade to an empty set.
func (e *Engine) retrieve(ctx context.Context, req TurnRequest) []memory.Scored {
	if e.cfg.Memories == nil || e.cfg.Retriever == nil || req.UserID == "" {
		return nil
	}
	candidates, err := e.cfg.Memories.List(ctx, req.UserID, memory.ListFilter{
		MinProminence: memory.DormantThreshold,
		LatestOnly:    true,
		ExcludeTypes:  []string{memory.TypeSuperseded},
	})
	if err != nil {
		slog.Warn("agent: memory list failed", "error", err)
		return nil
	}

	scored := e.cfg.Retriever.Search(ctx, candidates, req.Message, e.now())
	if len(scored) == 0 {
		return nil
	}

	items := make([]map[string]any, 0, len(scored))
	for _, s := range scored {
		if err := e.cfg.Memories.TouchAccess(ctx, s.Entry.ID, e.now()); err != nil {
			slog.Warn("agent: touch access failed", "id", s.Entry.ID, "error", err)
		}
		items = append(items, map[string]any{
			"id":      s.Entry.ID,
			"type":    s.Entry.Category,
			"content": truncate(s.Entry.Content, 120),
			"score":   s.Score,
		})
	}
	e.emit(req, Event{Type: EventMemory, Payload: map[string]any{
		"action": "search",
		"count":  len(items),
		"items":  items,
	}})
	return scored
}

func (e *Engine) emit(req TurnRequest, ev Event) {
	if req.OnProgress != nil {
		req.OnProgress(ev)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
