package providers

import (
	"context"
	"sync"
)

// Scripted is a Provider that replays a fixed sequence of responses.
// Used by tests across packages and by the doctor command's dry-run mode.
type Scripted struct {
	name string

	mu        sync.Mutex
	responses []*ChatResponse
	errs      []error
	calls     int

	// LastRequest records the most recent request for assertions.
	LastRequest ChatRequest
	// Requests records every request in order.
	Requests []ChatRequest
}

// NewScripted builds a scripted provider. Each step is either a response
// or an error; steps are consumed in order, and the last step repeats once
// the script is exhausted.
func NewScripted(name string, steps ...any) *Scripted {
	s := &Scripted{name: name}
	for _, step := range steps {
		switch v := step.(type) {
		case *ChatResponse:
			s.responses = append(s.responses, v)
			s.errs = append(s.errs, nil)
		case error:
			s.responses = append(s.responses, nil)
			s.errs = append(s.errs, v)
		}
	}
	return s
}

// TextResponse is a convenience constructor for a plain end_turn response.
func TextResponse(text string) *ChatResponse {
	return &ChatResponse{
		Content:    text,
		StopReason: StopEndTurn,
		Usage:      &Usage{InputTokens: 10, OutputTokens: 5},
	}
}

// ToolUseResponse is a convenience constructor for a tool_use response.
func ToolUseResponse(uses ...ToolUse) *ChatResponse {
	return &ChatResponse{
		ToolUses:   uses,
		StopReason: StopToolUse,
		Usage:      &Usage{InputTokens: 10, OutputTokens: 5},
	}
}

func (s *Scripted) Name() string         { return s.name }
func (s *Scripted) DefaultModel() string { return "scripted-1" }

// Calls returns the number of Chat/ChatStream invocations so far.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.LastRequest = req
	s.Requests = append(s.Requests, req)

	if len(s.responses) == 0 {
		return TextResponse(""), nil
	}
	idx := s.calls - 1
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	if s.errs[idx] != nil {
		return nil, s.errs[idx]
	}
	return s.responses[idx], nil
}

func (s *Scripted) ChatStream(ctx context.Context, req ChatRequest, onChunk func(StreamChunk)) (*ChatResponse, error) {
	resp, err := s.Chat(ctx, req)
	if err != nil {
		return nil, err
	}
	if onChunk != nil {
		if resp.Content != "" {
			onChunk(StreamChunk{Content: resp.Content})
		}
		onChunk(StreamChunk{Done: true})
	}
	return resp, nil
}
