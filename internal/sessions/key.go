// Package sessions — session key scheme and the write-through manager
// over the SQLite store.
//
// Session keys:
//
//	DM:        {channel}:direct:{peerId}
//	Group:     {channel}:group:{groupId}
//	Sub-agent: subagent:{label}
//	Trigger:   trigger:{itemId}
//
// Examples:
//
//	web:direct:alice
//	telegram:direct:386246614
//	subagent:research-hotels
//	trigger:9f2c41d8
package sessions

import (
	"fmt"
	"strings"
)

// PeerKind distinguishes DM from group conversations.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("%s:%s:%s", channel, kind, chatID)
}

// BuildSubagentKey builds the session key for a background task run.
func BuildSubagentKey(label string) string {
	return "subagent:" + label
}

// BuildTriggerKey builds the session key for a fired scheduled item.
func BuildTriggerKey(itemID string) string {
	return "trigger:" + itemID
}

// IsSubagentKey reports whether the key names a background task session.
func IsSubagentKey(key string) bool {
	return strings.HasPrefix(key, "subagent:")
}

// IsTriggerKey reports whether the key names a scheduled trigger session.
func IsTriggerKey(key string) bool {
	return strings.HasPrefix(key, "trigger:")
}

// ChannelFromKey extracts the channel from a conversation key, or ""
// for subagent/trigger sessions.
func ChannelFromKey(key string) string {
	if IsSubagentKey(key) || IsTriggerKey(key) {
		return ""
	}
	parts := strings.SplitN(key, ":", 2)
	if len(parts) < 2 {
		return ""
	}
	return parts[0]
}

// PeerKindFromGroup maps a bool to the peer kind.
func PeerKindFromGroup(isGroup bool) PeerKind {
	if isGroup {
		return PeerGroup
	}
	return PeerDirect
}
