package providers

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
}

func TestRetryDoRecoversFromTransientErrors(t *testing.T) {
	calls := 0
	out, err := RetryDo(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		if calls < 3 {
			return "", Retryable(errors.New("rate limited"))
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("RetryDo: %v", err)
	}
	if out != "ok" || calls != 3 {
		t.Fatalf("out=%q calls=%d", out, calls)
	}
}

func TestRetryDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	perm := errors.New("invalid api key")
	_, err := RetryDo(context.Background(), fastRetry(3), func() (string, error) {
		calls++
		return "", perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("err = %v, want wrapped %v", err, perm)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry on permanent error)", calls)
	}
}

func TestRetryDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := RetryDo(context.Background(), fastRetry(3), func() (int, error) {
		calls++
		return 0, Retryable(errors.New("503"))
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
}

func TestRetryDoHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := RetryDo(ctx, fastRetry(5), func() (int, error) {
		return 0, Retryable(errors.New("reset"))
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestScriptedRepeatsLastStep(t *testing.T) {
	p := NewScripted("test", TextResponse("first"), TextResponse("second"))
	ctx := context.Background()

	for i, want := range []string{"first", "second", "second"} {
		resp, err := p.Chat(ctx, ChatRequest{Model: "m"})
		if err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
		if resp.Content != want {
			t.Fatalf("call %d content = %q, want %q", i, resp.Content, want)
		}
	}
	if p.Calls() != 3 {
		t.Fatalf("Calls() = %d, want 3", p.Calls())
	}
	if p.LastRequest.Model != "m" {
		t.Fatalf("LastRequest.Model = %q", p.LastRequest.Model)
	}
}

func TestScriptedStreamEmitsChunks(t *testing.T) {
	p := NewScripted("test", TextResponse("hello"))
	var chunks []StreamChunk
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, func(c StreamChunk) {
		chunks = append(chunks, c)
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if resp.Content != "hello" {
		t.Fatalf("content = %q", resp.Content)
	}
	if len(chunks) != 2 || chunks[0].Content != "hello" || !chunks[1].Done {
		t.Fatalf("chunks = %+v", chunks)
	}
}
