// Package channels connects external chat platforms to the agent
// runtime through the message bus. Each adapter turns platform updates
// into inbound bus messages and delivers outbound bus messages back.
package channels

import (
	"context"
	"strings"

	"github.com/nextlevelbuilder/haven/internal/bus"
)

// internalChannels never dispatch outward: their traffic stays inside
// the process (web goes over the gateway's own WebSocket push).
var internalChannels = map[string]bool{
	"web":      true,
	"cli":      true,
	"system":   true,
	"subagent": true,
}

// proactiveChannels carry assistant-initiated traffic; their outbound
// messages fan out to every live adapter instead of routing by name.
var proactiveChannels = map[string]bool{
	"trigger":   true,
	"proactive": true,
}

// IsInternal reports whether the channel name is process-internal.
func IsInternal(name string) bool { return internalChannels[name] }

// Channel is one platform adapter.
type Channel interface {
	Name() string
	// Start begins receiving updates; non-blocking after setup.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg bus.OutboundMessage) error
	Running() bool
	// SendToOwner pushes an assistant-initiated message to the owner's
	// most recent direct conversation. Returns false when the adapter has
	// not seen the owner yet.
	SendToOwner(ctx context.Context, content string) bool
}

// AllowedSender reports whether senderID passes the owner allowlist.
// An empty allowlist accepts everyone (single-user instances usually
// pin this down during onboarding).
func AllowedSender(allowlist []string, senderID string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, id := range allowlist {
		if strings.TrimSpace(id) == senderID {
			return true
		}
	}
	return false
}

// SplitMessage breaks content into chunks of at most maxLen bytes,
// preferring to cut at a newline past the halfway point.
func SplitMessage(content string, maxLen int) []string {
	var chunks []string
	for len(content) > 0 {
		if len(content) <= maxLen {
			chunks = append(chunks, content)
			break
		}
		cutAt := maxLen
		if idx := strings.LastIndexByte(content[:maxLen], '\n'); idx > maxLen/2 {
			cutAt = idx + 1
		}
		chunks = append(chunks, content[:cutAt])
		content = content[cutAt:]
	}
	return chunks
}
