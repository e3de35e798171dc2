package providers

import "context"

// Provider is the interface all LLM providers must implement.
type Provider interface {
	// Chat sends messages to the LLM and returns a response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)

	// ChatStream sends messages and streams response chunks via callback.
	// Returns the final complete response after streaming ends.
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error)

	// DefaultModel returns the provider's default model name.
	DefaultModel() string

	// Name returns the provider identifier (e.g. "anthropic", "openai").
	Name() string
}

// Stop reasons returned in ChatResponse.StopReason.
const (
	StopEndTurn   = "end_turn"
	StopToolUse   = "tool_use"
	StopMaxTokens = "max_tokens"
)

// Block content types. A message is either plain text or a list of blocks.
const (
	BlockText       = "text"
	BlockImage      = "image"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
	BlockThinking   = "thinking"
)

// ChatRequest contains the input for a Chat/ChatStream call.
type ChatRequest struct {
	System      string           `json:"system,omitempty"`
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Model       string           `json:"model,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
}

// ChatResponse is the result from an LLM call.
type ChatResponse struct {
	Content    string    `json:"content"`
	Thinking   string    `json:"thinking,omitempty"`
	ToolUses   []ToolUse `json:"tool_uses,omitempty"`
	StopReason string    `json:"stop_reason"`
	Model      string    `json:"model,omitempty"`
	Usage      *Usage    `json:"usage,omitempty"`
}

// StreamChunk is a piece of a streaming response.
type StreamChunk struct {
	Content  string `json:"content,omitempty"`
	Thinking string `json:"thinking,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// Message is one conversation turn. Content is either plain text
// (Content set, Blocks empty) or a list of typed content blocks.
type Message struct {
	Role    string  `json:"role"` // "user" or "assistant"
	Content string  `json:"content,omitempty"`
	Blocks  []Block `json:"blocks,omitempty"`
}

// Block is a typed content block inside a message.
type Block struct {
	Type string `json:"type"`

	// text / thinking
	Text string `json:"text,omitempty"`

	// image
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data,omitempty"` // base64

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// ToolUse is a tool invocation requested by the LLM.
type ToolUse struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

// ToolDefinition describes a tool available to the LLM.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates another usage record into u.
func (u *Usage) Add(other *Usage) {
	if other == nil {
		return
	}
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
}

// Total returns input + output tokens.
func (u *Usage) Total() int { return u.InputTokens + u.OutputTokens }

// TextMessage builds a plain-text message.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: text}
}

// Text returns the concatenated text content of a message.
func (m Message) Text() string {
	if len(m.Blocks) == 0 {
		return m.Content
	}
	var out string
	for _, b := range m.Blocks {
		if b.Type == BlockText {
			out += b.Text
		}
	}
	return out
}

// ToolUses returns all tool_use blocks of a message in declaration order.
func (m Message) ToolUses() []Block {
	var out []Block
	for _, b := range m.Blocks {
		if b.Type == BlockToolUse {
			out = append(out, b)
		}
	}
	return out
}

// AssistantMessage builds the assistant message for a chat response,
// preserving block order: thinking, text, then tool_use blocks.
func AssistantMessage(resp *ChatResponse) Message {
	if len(resp.ToolUses) == 0 && resp.Thinking == "" {
		return Message{Role: "assistant", Content: resp.Content}
	}
	msg := Message{Role: "assistant"}
	if resp.Thinking != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockThinking, Text: resp.Thinking})
	}
	if resp.Content != "" {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockText, Text: resp.Content})
	}
	for _, tu := range resp.ToolUses {
		msg.Blocks = append(msg.Blocks, Block{Type: BlockToolUse, ID: tu.ID, Name: tu.Name, Input: tu.Input})
	}
	return msg
}
