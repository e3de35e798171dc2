package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider on the official Anthropic SDK.
type AnthropicProvider struct {
	name         string
	client       anthropic.Client
	defaultModel string
}

func NewAnthropicProvider(name, apiKey, defaultModel string) *AnthropicProvider {
	if name == "" {
		name = "anthropic"
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicProvider{
		name:         name,
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
	}
}

func (p *AnthropicProvider) Name() string         { return p.name }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	params := p.buildParams(req)

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, classifyAnthropicErr(err))
	}
	return p.convertResponse(message), nil
}

func (p *AnthropicProvider) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	params := p.buildParams(req)
	stream := p.client.Messages.NewStreaming(ctx, params)

	result := &ChatResponse{StopReason: StopEndTurn, Model: string(params.Model)}
	var content, thinking strings.Builder
	var usage Usage

	// Tool inputs stream as partial JSON, keyed by content block index.
	toolInputs := make(map[int64]*strings.Builder)
	blockToTool := make(map[int64]int)

	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			usage.InputTokens = int(event.Message.Usage.InputTokens)
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				blockToTool[event.Index] = len(result.ToolUses)
				result.ToolUses = append(result.ToolUses, ToolUse{
					ID:    event.ContentBlock.ID,
					Name:  event.ContentBlock.Name,
					Input: map[string]any{},
				})
				toolInputs[event.Index] = &strings.Builder{}
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				content.WriteString(event.Delta.Text)
				if onChunk != nil && event.Delta.Text != "" {
					onChunk(StreamChunk{Content: event.Delta.Text})
				}
			case "thinking_delta":
				thinking.WriteString(event.Delta.Thinking)
				if onChunk != nil && event.Delta.Thinking != "" {
					onChunk(StreamChunk{Thinking: event.Delta.Thinking})
				}
			case "input_json_delta":
				if buf, ok := toolInputs[event.Index]; ok {
					buf.WriteString(event.Delta.PartialJSON)
				}
			}
		case "content_block_stop":
			if buf, ok := toolInputs[event.Index]; ok && buf.Len() > 0 {
				var input map[string]any
				if err := json.Unmarshal([]byte(buf.String()), &input); err == nil {
					result.ToolUses[blockToTool[event.Index]].Input = input
				}
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				result.StopReason = string(event.Delta.StopReason)
			}
			usage.OutputTokens = int(event.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("%s: stream: %w", p.name, classifyAnthropicErr(err))
	}

	result.Content = content.String()
	result.Thinking = thinking.String()
	result.Usage = &usage
	if len(result.ToolUses) > 0 {
		result.StopReason = StopToolUse
	}
	if onChunk != nil {
		onChunk(StreamChunk{Done: true})
	}
	return result, nil
}

func (p *AnthropicProvider) buildParams(req ChatRequest) anthropic.MessageNewParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(modelOrDefault(req.Model, p.defaultModel)),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(maxTokens),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
		for _, t := range req.Tools {
			tool := anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
			}
			schemaJSON, _ := json.Marshal(t.InputSchema)
			var inputSchema anthropic.ToolInputSchemaParam
			_ = json.Unmarshal(schemaJSON, &inputSchema)
			tool.InputSchema = inputSchema
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &tool})
		}
		params.Tools = tools
	}
	return params
}

func (p *AnthropicProvider) convertMessages(messages []Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	for _, m := range messages {
		if len(m.Blocks) == 0 {
			if m.Content == "" {
				continue
			}
			if m.Role == "assistant" {
				out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
			} else {
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
			}
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, b := range m.Blocks {
			switch b.Type {
			case BlockText:
				if b.Text != "" {
					content = append(content, anthropic.NewTextBlock(b.Text))
				}
			case BlockImage:
				content = append(content, anthropic.NewImageBlockBase64(b.MimeType, b.Data))
			case BlockToolUse:
				var input any = b.Input
				if b.Input == nil {
					input = map[string]any{}
				}
				content = append(content, anthropic.NewToolUseBlock(b.ID, input, b.Name))
			case BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			case BlockThinking:
				// thinking blocks are not echoed back
			}
		}
		if len(content) == 0 {
			continue
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out
}

func (p *AnthropicProvider) convertResponse(message *anthropic.Message) *ChatResponse {
	resp := &ChatResponse{
		StopReason: string(message.StopReason),
		Model:      string(message.Model),
		Usage: &Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}
	for _, block := range message.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "thinking":
			resp.Thinking += block.Thinking
		case "tool_use":
			var input map[string]any
			if block.Input != nil {
				_ = json.Unmarshal(block.Input, &input)
			}
			if input == nil {
				input = map[string]any{}
			}
			resp.ToolUses = append(resp.ToolUses, ToolUse{ID: block.ID, Name: block.Name, Input: input})
		}
	}
	if resp.StopReason == "" {
		resp.StopReason = StopEndTurn
	}
	if len(resp.ToolUses) > 0 {
		resp.StopReason = StopToolUse
	}
	return resp
}

// classifyAnthropicErr marks rate limits and upstream 5xx as retryable so
// the router's health tracker can distinguish transient failures.
func classifyAnthropicErr(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "429") || strings.Contains(msg, "529") ||
		strings.Contains(msg, "500") || strings.Contains(msg, "overloaded") {
		return Retryable(err)
	}
	return err
}
