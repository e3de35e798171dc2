// Package subagent spawns bounded background agent runs: a child
// session, a restricted skill set, a read-only memory view, a token
// budget, and a timeout. Finished runs are announced back to the parent
// session through a per-parent FIFO queue.
package subagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/haven/internal/agent"
	"github.com/nextlevelbuilder/haven/internal/bus"
	"github.com/nextlevelbuilder/haven/internal/config"
	"github.com/nextlevelbuilder/haven/internal/contextwin"
	"github.com/nextlevelbuilder/haven/internal/memory"
	"github.com/nextlevelbuilder/haven/internal/providers"
	"github.com/nextlevelbuilder/haven/internal/scheduler"
	"github.com/nextlevelbuilder/haven/internal/sessions"
	"github.com/nextlevelbuilder/haven/internal/skills"
	"github.com/nextlevelbuilder/haven/internal/store"
	"github.com/nextlevelbuilder/haven/internal/tracing"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
	StatusCancelled = "cancelled"
)

// doneSentinel marks a child run's final answer as intentionally
// complete. It is stripped before the result is published.
const doneSentinel = "[DONE]"

const childRules = `You are a background task runner for Haven. Work the task to completion
on your own; you cannot ask the user questions. Keep intermediate output
terse. End your final answer with ` + doneSentinel + ` when the task is finished.`

// ErrQueueFull is returned when the run's lane cannot accept more work.
var ErrQueueFull = errors.New("sub-agent queue full")

// Run is one child agent run.
type Run struct {
	ID        string          `json:"id"`
	ParentKey string          `json:"parent_key"`
	ChildKey  string          `json:"child_key"`
	UserID    string          `json:"user_id"`
	Label     string          `json:"label"`
	Task      string          `json:"task"`
	Status    string          `json:"status"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Usage     providers.Usage `json:"usage"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`

	cancel context.CancelFunc
	done   chan struct{}
}

// Config wires a Manager.
type Config struct {
	Subagents config.SubagentsConfig
	Provider  providers.Provider
	Registry  *skills.Registry
	Sessions  *sessions.Manager
	Memories  memory.Store
	Retriever *memory.Retriever
	Lanes     *scheduler.Scheduler
	Router    bus.MessageRouter // optional: announces re-enter the parent turn loop
}

// Manager owns the set of in-flight runs and their cancellation
// handles.
type Manager struct {
	cfg      Config
	announce *AnnounceQueue

	mu   sync.Mutex
	runs map[string]*Run
}

// NewManager creates a manager.
func NewManager(cfg Config) *Manager {
	if cfg.Subagents.MaxIterations <= 0 {
		cfg.Subagents.MaxIterations = 10
	}
	if cfg.Subagents.TimeoutSec <= 0 {
		cfg.Subagents.TimeoutSec = 300
	}
	return &Manager{
		cfg:      cfg,
		announce: NewAnnounceQueue(),
		runs:     make(map[string]*Run),
	}
}

// Announcements exposes the per-parent announce queue.
func (m *Manager) Announcements() *AnnounceQueue { return m.announce }

// SpawnInput describes the task to run.
type SpawnInput struct {
	Task          string
	Label         string // optional; derived from the task when empty
	UserID        string
	AllowedSkills []string // optional explicit allowlist
	Progress      agent.ProgressFunc
}

// Spawn enqueues an asynchronous child run and returns immediately.
func (m *Manager) Spawn(parentKey string, in SpawnInput) (*Run, error) {
	if strings.TrimSpace(in.Task) == "" {
		return nil, errors.New("empty task")
	}
	runID := store.NewID()
	label := in.Label
	if label == "" {
		label = labelFromTask(in.Task)
	}

	timeout := time.Duration(m.cfg.Subagents.TimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)

	run := &Run{
		ID:        runID,
		ParentKey: parentKey,
		ChildKey:  sessions.BuildSubagentKey(label + "-" + runID[:8]),
		UserID:    in.UserID,
		Label:     label,
		Task:      in.Task,
		Status:    StatusRunning,
		StartedAt: time.Now().UTC(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	m.runs[runID] = run
	m.mu.Unlock()

	// One lane per run serializes its state transitions and bounds
	// global concurrency through the shared scheduler cap.
	ok := m.cfg.Lanes.Submit("subagent:"+runID, func(context.Context) {
		m.execute(ctx, run, in)
	})
	if !ok {
		cancel()
		m.finish(run, StatusFailed, "", ErrQueueFull.Error())
		return nil, ErrQueueFull
	}

	slog.Info("subagent: spawned", "run", runID, "label", label, "parent", parentKey)
	return run, nil
}

// SpawnAndWait blocks until the run reaches a terminal status.
func (m *Manager) SpawnAndWait(ctx context.Context, parentKey string, in SpawnInput) (*Run, error) {
	run, err := m.Spawn(parentKey, in)
	if err != nil {
		return nil, err
	}
	select {
	case <-run.done:
		return run, nil
	case <-ctx.Done():
		return run, ctx.Err()
	}
}

// Cancel stops a running run. Returns false when the run is unknown or
// already terminal.
func (m *Manager) Cancel(runID string) bool {
	m.mu.Lock()
	run, ok := m.runs[runID]
	m.mu.Unlock()
	if !ok || run.Status != StatusRunning {
		return false
	}
	run.cancel()
	return true
}

// CancelForParent stops every running child of a parent session and
// returns how many were cancelled.
func (m *Manager) CancelForParent(parentKey string) int {
	m.mu.Lock()
	var targets []*Run
	for _, run := range m.runs {
		if run.ParentKey == parentKey && run.Status == StatusRunning {
			targets = append(targets, run)
		}
	}
	m.mu.Unlock()
	for _, run := range targets {
		run.cancel()
	}
	return len(targets)
}

// Get returns a run by ID.
func (m *Manager) Get(runID string) (*Run, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[runID]
	return run, ok
}

// ForParent returns all runs spawned under a parent session.
func (m *Manager) ForParent(parentKey string) []*Run {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if run.ParentKey == parentKey {
			out = append(out, run)
		}
	}
	return out
}

func (m *Manager) execute(ctx context.Context, run *Run, in SpawnInput) {
	defer run.cancel()
	ctx, span := tracing.Start(ctx, "subagent.run",
		tracing.String("run", run.ID), tracing.String("label", run.Label))
	defer span.End()

	if err := ctx.Err(); err != nil {
		m.finish(run, StatusCancelled, "", "cancelled before start")
		return
	}

	if _, err := m.cfg.Sessions.GetOrCreate(ctx, run.ChildKey, run.UserID, "subagent"); err != nil {
		m.finish(run, StatusFailed, "", err.Error())
		return
	}
	if err := m.cfg.Sessions.SetSpawnedBy(ctx, run.ChildKey, run.ParentKey); err != nil {
		slog.Warn("subagent: spawned_by not recorded", "run", run.ID, "error", err)
	}

	allowed := DeriveCapabilities(run.Task, in.AllowedSkills, m.cfg.Registry)
	allowedSet := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allowedSet[name] = true
	}

	var mems memory.Store
	if m.cfg.Memories != nil {
		mems = memory.NewReadOnly(m.cfg.Memories)
	}

	engine := agent.New(agent.Config{
		Provider:      newTokenGate(m.cfg.Provider, m.cfg.Subagents.MaxInputTokens),
		Model:         m.cfg.Subagents.Model,
		MaxIterations: m.cfg.Subagents.MaxIterations,
		Registry:      m.cfg.Registry.View(func(name string) bool { return allowedSet[name] }),
		Sessions:      m.cfg.Sessions,
		Memories:      mems,
		Retriever:     m.cfg.Retriever,
		// Children work under a tighter window than the parent.
		Window: contextwin.New(contextwin.Config{
			MaxTokens:           m.cfg.Subagents.MaxInputTokens,
			KeepLastMessages:    2,
			ToolResultMaxChars:  2000,
			ToolResultHeadChars: 800,
			ToolResultTailChars: 800,
		}),
	})

	res, err := engine.Run(ctx, agent.TurnRequest{
		SessionKey:  run.ChildKey,
		UserID:      run.UserID,
		Channel:     "subagent",
		Message:     run.Task,
		ExtraSystem: childRules,
		OnProgress:  m.relabel(run, in.Progress),
	})

	switch {
	case err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		m.finish(run, StatusTimedOut, "", fmt.Sprintf("timed out after %ds", m.cfg.Subagents.TimeoutSec))
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		m.finish(run, StatusCancelled, "", "cancelled")
	case err != nil:
		m.finish(run, StatusFailed, "", err.Error())
	default:
		run.Usage = res.Usage
		result, finished := stripSentinel(res.Content)
		if finished || res.Iterations < m.cfg.Subagents.MaxIterations {
			m.finish(run, StatusCompleted, result, "")
		} else {
			m.finish(run, StatusFailed, result, "ran out of iterations before finishing")
		}
	}
}

// finish records the terminal state, queues the announcement, and
// optionally feeds it back into the parent session as an inbound
// message so the parent agent can relay it.
func (m *Manager) finish(run *Run, status, result, errMsg string) {
	m.mu.Lock()
	if run.Status != StatusRunning {
		m.mu.Unlock()
		return
	}
	run.Status = status
	run.Result = result
	run.Error = errMsg
	run.EndedAt = time.Now().UTC()
	m.mu.Unlock()
	close(run.done)

	a := Announcement{
		RunID:     run.ID,
		ParentKey: run.ParentKey,
		Label:     run.Label,
		Status:    status,
		Result:    result,
		Usage:     run.Usage,
		Timestamp: run.EndedAt,
	}
	// Failure and timeout announces always lead with "Error:" so the
	// parent can tell them from results at a glance.
	if errMsg != "" {
		a.Result = "Error: " + errMsg
	}
	m.announce.Push(a)

	slog.Info("subagent: finished", "run", run.ID, "label", run.Label, "status", status)

	if m.cfg.Router != nil {
		m.cfg.Router.PublishInbound(bus.InboundMessage{
			Channel:    "subagent",
			ChatID:     run.ParentKey,
			UserID:     run.UserID,
			SessionKey: run.ParentKey,
			Content:    fmt.Sprintf("[Background task %q %s] %s", run.Label, status, a.Result),
			Metadata:   map[string]string{"source": "subagent", "run_id": run.ID},
		})
	}
}

// relabel wraps child progress events with the parent-visible label.
func (m *Manager) relabel(run *Run, next agent.ProgressFunc) agent.ProgressFunc {
	if next == nil {
		return nil
	}
	return func(ev agent.Event) {
		if ev.Payload == nil {
			ev.Payload = map[string]any{}
		}
		ev.Payload["subagent"] = run.Label
		ev.Payload["run_id"] = run.ID
		next(ev)
	}
}

// stripSentinel removes the completion sentinel, reporting whether it
// was present.
func stripSentinel(text string) (string, bool) {
	if !strings.Contains(text, doneSentinel) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, doneSentinel, "")), true
}

// labelFromTask slugs the first few words of the task into a label.
func labelFromTask(task string) string {
	words := strings.Fields(strings.ToLower(task))
	if len(words) > 4 {
		words = words[:4]
	}
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteByte('-')
		}
		for _, r := range w {
			if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
	}
	if b.Len() == 0 {
		return "task"
	}
	return b.String()
}
