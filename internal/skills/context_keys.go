package skills

import "context"

// Skill execution context keys. Per-turn scope (user, session, channel)
// is injected into context by the agent loop instead of living as mutable
// fields on skill instances, keeping skills safe for concurrent execution.

type skillContextKey string

const (
	ctxUserID     skillContextKey = "skill_user_id"
	ctxSessionKey skillContextKey = "skill_session_key"
	ctxChannel    skillContextKey = "skill_channel"
	ctxChatID     skillContextKey = "skill_chat_id"
)

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxUserID, userID)
}

func UserIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ctxSessionKey, key)
}

func SessionKeyFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxSessionKey).(string)
	return v
}

func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, ctxChannel, channel)
}

func ChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}

func WithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, ctxChatID, chatID)
}

func ChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}
