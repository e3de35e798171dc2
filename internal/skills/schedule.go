package skills

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/haven/internal/store"
)

// ScheduleSkill creates reminders and follow-ups. One-shot items take an
// RFC3339 trigger time; recurring items take a cron expression.
type ScheduleSkill struct {
	store *store.Store
	cron  *gronx.Gronx
}

func NewScheduleSkill(st *store.Store) *ScheduleSkill {
	return &ScheduleSkill{store: st, cron: gronx.New()}
}

func (s *ScheduleSkill) Name() string { return "schedule" }
func (s *ScheduleSkill) Description() string {
	return "Schedule a reminder or follow-up. Provide trigger_at (RFC3339) for one-shot items or cron for recurring ones."
}
func (s *ScheduleSkill) Tags() []string { return []string{"schedule", "reminder", "time", "cron"} }

func (s *ScheduleSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "What to remind the user about",
			},
			"trigger_at": map[string]any{
				"type":        "string",
				"description": "When to fire, RFC3339 (e.g. 2026-08-26T09:00:00Z)",
			},
			"cron": map[string]any{
				"type":        "string",
				"description": "Cron expression for recurring reminders (e.g. '0 9 * * 1')",
			},
		},
		"required": []string{"message"},
	}
}

func (s *ScheduleSkill) Execute(ctx context.Context, args map[string]any) *Result {
	message, _ := args["message"].(string)
	if strings.TrimSpace(message) == "" {
		return ErrorResult("message is required")
	}
	userID := UserIDFromCtx(ctx)
	if userID == "" {
		return ErrorResult("no user in scope")
	}

	triggerStr, _ := args["trigger_at"].(string)
	cronExpr, _ := args["cron"].(string)
	if triggerStr == "" && cronExpr == "" {
		return ErrorResult("either trigger_at or cron is required")
	}

	var triggerAt time.Time
	if cronExpr != "" {
		if !s.cron.IsValid(cronExpr) {
			return ErrorResult("invalid cron expression: " + cronExpr)
		}
		next, err := gronx.NextTick(cronExpr, false)
		if err != nil {
			return ErrorResult(fmt.Sprintf("compute next tick: %v", err)).WithError(err)
		}
		triggerAt = next
	} else {
		t, err := time.Parse(time.RFC3339, triggerStr)
		if err != nil {
			return ErrorResult("trigger_at must be RFC3339: " + triggerStr)
		}
		if t.Before(time.Now()) {
			return ErrorResult("trigger_at is in the past")
		}
		triggerAt = t.UTC()
	}

	item := &store.ScheduledItem{
		UserID:    userID,
		Source:    store.ScheduleSourceAgent,
		Type:      store.ScheduleTypeReminder,
		Message:   message,
		CronExpr:  cronExpr,
		TriggerAt: triggerAt,
	}
	if err := s.store.InsertScheduled(ctx, item); err != nil {
		return ErrorResult(fmt.Sprintf("schedule: %v", err)).WithError(err)
	}

	when := triggerAt.Format(time.RFC3339)
	if cronExpr != "" {
		return UserResult(fmt.Sprintf("Scheduled recurring reminder (%s), next at %s: %s", cronExpr, when, message))
	}
	return UserResult(fmt.Sprintf("Scheduled for %s: %s", when, message))
}

// ScheduleListSkill lists the user's pending reminders.
type ScheduleListSkill struct {
	store *store.Store
}

func NewScheduleListSkill(st *store.Store) *ScheduleListSkill {
	return &ScheduleListSkill{store: st}
}

func (s *ScheduleListSkill) Name() string        { return "schedule_list" }
func (s *ScheduleListSkill) Description() string { return "List pending reminders and follow-ups" }
func (s *ScheduleListSkill) Tags() []string      { return []string{"schedule", "list", "reminder"} }

func (s *ScheduleListSkill) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

func (s *ScheduleListSkill) Execute(ctx context.Context, args map[string]any) *Result {
	userID := UserIDFromCtx(ctx)
	if userID == "" {
		return ErrorResult("no user in scope")
	}
	items, err := s.store.PendingScheduled(ctx, userID, 20)
	if err != nil {
		return ErrorResult(fmt.Sprintf("list schedule: %v", err)).WithError(err)
	}
	if len(items) == 0 {
		return SilentResult("No pending reminders.")
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "- [%s] %s at %s", it.ID, it.Message, it.TriggerAt.Format(time.RFC3339))
		if it.CronExpr != "" {
			fmt.Fprintf(&b, " (recurring: %s)", it.CronExpr)
		}
		b.WriteString("\n")
	}
	return SilentResult(b.String())
}

// ScheduleCancelSkill cancels a pending reminder by ID.
type ScheduleCancelSkill struct {
	store *store.Store
}

func NewScheduleCancelSkill(st *store.Store) *ScheduleCancelSkill {
	return &ScheduleCancelSkill{store: st}
}

func (s *ScheduleCancelSkill) Name() string        { return "schedule_cancel" }
func (s *ScheduleCancelSkill) Description() string { return "Cancel a pending reminder by its ID" }
func (s *ScheduleCancelSkill) Tags() []string      { return []string{"schedule", "cancel", "reminder"} }

func (s *ScheduleCancelSkill) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"id": map[string]any{
				"type":        "string",
				"description": "Scheduled item ID (from schedule_list)",
			},
		},
		"required": []string{"id"},
	}
}

func (s *ScheduleCancelSkill) Execute(ctx context.Context, args map[string]any) *Result {
	id, _ := args["id"].(string)
	if id == "" {
		return ErrorResult("id is required")
	}
	ok, err := s.store.CancelScheduled(ctx, id)
	if err != nil {
		return ErrorResult(fmt.Sprintf("cancel: %v", err)).WithError(err)
	}
	if !ok {
		return ErrorResult("no pending item with that ID")
	}
	return UserResult("Cancelled reminder " + id)
}
