package subagent

import (
	"context"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/haven/internal/skills"
)

// SpawnSkill lets the agent delegate a task to a background run. Child
// runs never get this skill, which is what keeps recursion out.
type SpawnSkill struct {
	Manager *Manager
}

func (s *SpawnSkill) Name() string { return "spawn_task" }
func (s *SpawnSkill) Description() string {
	return "Run a task in the background with a restricted sub-agent and get the result announced later"
}
func (s *SpawnSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"task":  map[string]any{"type": "string", "description": "What the sub-agent should do, self-contained"},
			"label": map[string]any{"type": "string", "description": "Short label for the task (optional)"},
		},
		"required": []string{"task"},
	}
}

func (s *SpawnSkill) Execute(ctx context.Context, args map[string]any) *skills.Result {
	task, _ := args["task"].(string)
	if strings.TrimSpace(task) == "" {
		return skills.ErrorResult("task is required")
	}
	label, _ := args["label"].(string)

	run, err := s.Manager.Spawn(skills.SessionKeyFromCtx(ctx), SpawnInput{
		Task:   task,
		Label:  label,
		UserID: skills.UserIDFromCtx(ctx),
	})
	if err != nil {
		return skills.ErrorResult("spawn failed: " + err.Error()).WithError(err)
	}
	return skills.NewResult(fmt.Sprintf(
		"Started background task %q (run %s). The result will be announced here when it finishes.",
		run.Label, run.ID))
}

// CheckTasksSkill reports the status of this session's background runs.
type CheckTasksSkill struct {
	Manager *Manager
}

func (s *CheckTasksSkill) Name() string { return "check_tasks" }
func (s *CheckTasksSkill) Description() string {
	return "List the background tasks spawned from this conversation and their status"
}
func (s *CheckTasksSkill) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (s *CheckTasksSkill) Execute(ctx context.Context, args map[string]any) *skills.Result {
	runs := s.Manager.ForParent(skills.SessionKeyFromCtx(ctx))
	if len(runs) == 0 {
		return skills.NewResult("No background tasks in this conversation.")
	}
	var b strings.Builder
	for _, run := range runs {
		fmt.Fprintf(&b, "- %s (%s): %s", run.Label, run.ID[:8], run.Status)
		if run.Error != "" {
			fmt.Fprintf(&b, " (%s)", run.Error)
		}
		b.WriteByte('\n')
	}
	return skills.NewResult(b.String())
}
