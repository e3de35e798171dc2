// Package contextwin bounds what the model sees: it trims old history to
// fit the context window and clips oversized tool results, without ever
// splitting a tool_use from its tool_result.
package contextwin

import (
	"strings"

	"github.com/nextlevelbuilder/haven/internal/providers"
)

// Config tunes the window.
type Config struct {
	// MaxTokens is the context budget for history (system prompt and the
	// response reserve are the caller's concern).
	MaxTokens int
	// KeepLastMessages are never trimmed regardless of budget.
	KeepLastMessages int
	// ToolResultMaxChars clips long tool results; 0 disables clipping.
	ToolResultMaxChars int
	// ToolResultHeadChars/TailChars shape the clip.
	ToolResultHeadChars int
	ToolResultTailChars int
}

// DefaultConfig mirrors the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:           150000,
		KeepLastMessages:    4,
		ToolResultMaxChars:  4000,
		ToolResultHeadChars: 1500,
		ToolResultTailChars: 1500,
	}
}

const clipMarker = "\n[... trimmed ...]\n"

// Window applies the config to message histories.
type Window struct {
	cfg Config
}

func New(cfg Config) *Window {
	if cfg.MaxTokens <= 0 {
		cfg = DefaultConfig()
	}
	return &Window{cfg: cfg}
}

// Fit returns a history that fits the token budget. Oldest messages go
// first; the cut never leaves an orphaned tool_result at the front.
func (w *Window) Fit(msgs []providers.Message) []providers.Message {
	msgs = w.clipToolResults(msgs)

	if EstimateTokens(msgs) <= w.cfg.MaxTokens {
		return msgs
	}

	keep := w.cfg.KeepLastMessages
	if keep < 1 {
		keep = 1
	}

	start := 0
	for start < len(msgs)-keep && EstimateTokens(msgs[start:]) > w.cfg.MaxTokens {
		start++
	}
	// Never start the window on a tool_result: its tool_use fell off.
	for start < len(msgs)-1 && hasToolResult(msgs[start]) {
		start++
	}
	return msgs[start:]
}

// clipToolResults bounds each tool_result block to head+tail chars.
func (w *Window) clipToolResults(msgs []providers.Message) []providers.Message {
	if w.cfg.ToolResultMaxChars <= 0 {
		return msgs
	}
	out := make([]providers.Message, len(msgs))
	copy(out, msgs)
	for i := range out {
		if len(out[i].Blocks) == 0 {
			continue
		}
		var blocks []providers.Block
		changed := false
		for _, b := range out[i].Blocks {
			if b.Type == providers.BlockToolResult && len(b.Content) > w.cfg.ToolResultMaxChars {
				b.Content = clip(b.Content, w.cfg.ToolResultHeadChars, w.cfg.ToolResultTailChars)
				changed = true
			}
			blocks = append(blocks, b)
		}
		if changed {
			out[i].Blocks = blocks
		}
	}
	return out
}

func clip(s string, head, tail int) string {
	if head+tail >= len(s) {
		return s
	}
	var b strings.Builder
	b.WriteString(s[:head])
	b.WriteString(clipMarker)
	b.WriteString(s[len(s)-tail:])
	return b.String()
}

func hasToolResult(msg providers.Message) bool {
	for _, b := range msg.Blocks {
		if b.Type == providers.BlockToolResult {
			return true
		}
	}
	return false
}

// EstimateTokens approximates token count at 4 chars per token. Exact
// counts are the provider's business; this only needs to be stable and
// conservative for trimming.
func EstimateTokens(msgs []providers.Message) int {
	chars := 0
	for _, m := range msgs {
		chars += len(m.Content)
		for _, b := range m.Blocks {
			chars += len(b.Text) + len(b.Content) + len(b.Data)/2
			if b.Input != nil {
				chars += 64
			}
		}
		chars += 16 // per-message framing overhead
	}
	return chars / 4
}
