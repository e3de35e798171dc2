package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/haven/internal/memory"
)

const defaultPersona = `You are Haven, a personal assistant that lives on the user's own machine.
You remember past conversations, you can use skills (tools) to act, and you
keep your answers short and concrete. When a message genuinely needs no
reply, respond with exactly NO_REPLY.`

// buildSystemPrompt assembles the turn's system prompt: persona, static
// profile, behavioral-affect context, retrieved memories, skill roster,
// plus any caller-supplied extra rules.
func (e *Engine) buildSystemPrompt(ctx context.Context, req TurnRequest, retrieved []memory.Scored) string {
	var b strings.Builder

	persona := e.cfg.Persona
	if persona == "" {
		persona = defaultPersona
	}
	b.WriteString(persona)
	fmt.Fprintf(&b, "\n\nCurrent time: %s\n", e.now().UTC().Format(time.RFC3339))

	if e.cfg.Memories != nil && req.UserID != "" {
		profile, err := e.cfg.Memories.List(ctx, req.UserID, memory.ListFilter{
			Types:      []string{memory.TypeStaticProfile},
			LatestOnly: true,
			Limit:      20,
		})
		if err != nil {
			slog.Warn("agent: profile load failed", "error", err)
		}
		if len(profile) > 0 {
			b.WriteString("\n## User profile\n")
			for _, p := range profile {
				fmt.Fprintf(&b, "- %s\n", p.Content)
			}
		}
	}

	if e.cfg.Behavior != nil && req.UserID != "" {
		if p, err := e.cfg.Behavior.GetBehaviorPattern(ctx, req.UserID); err == nil && p != nil && p.Emotion != "" {
			b.WriteString("\n## Recent context\n")
			fmt.Fprintf(&b, "The user has seemed %s lately", p.Emotion)
			if p.GoalSignal != "" {
				fmt.Fprintf(&b, " and is working toward: %s", p.GoalSignal)
			}
			fmt.Fprintf(&b, ". They send about %.1f messages/day.\n", p.MsgsPerDay)
		}
	}

	if len(retrieved) > 0 {
		b.WriteString("\n## Relevant memories\n")
		for _, s := range retrieved {
			fmt.Fprintf(&b, "- %s\n", s.Entry.Content)
		}
	}

	if names := e.cfg.Registry.List(); len(names) > 0 {
		b.WriteString("\n## Skills\n")
		fmt.Fprintf(&b, "You can call: %s.\n", strings.Join(names, ", "))
	}

	if req.ExtraSystem != "" {
		b.WriteString("\n")
		b.WriteString(req.ExtraSystem)
		b.WriteString("\n")
	}

	return b.String()
}
