package providers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strings"
	"time"
)

// RetryConfig controls per-provider retry behavior. The router never
// retries the same provider; each adapter owns its own small retry budget.
type RetryConfig struct {
	MaxAttempts int           // total attempts including the first (default 3)
	BaseDelay   time.Duration // delay before second attempt (default 500ms)
	MaxDelay    time.Duration // cap on backoff (default 8s)
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// retryableError marks an error as transient (rate limit, 5xx, network).
type retryableError struct{ err error }

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable wraps err so RetryDo will retry it.
func Retryable(err error) error { return &retryableError{err: err} }

// IsRetryable reports whether err is marked transient or looks like a
// network-level failure.
func IsRetryable(err error) bool {
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "connection reset")
}

// RetryDo runs fn up to cfg.MaxAttempts times with jittered exponential
// backoff, retrying only transient errors.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	delay := cfg.BaseDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !IsRetryable(err) || attempt == cfg.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		jittered := delay + time.Duration(rand.Int63n(int64(delay)/2+1))
		slog.Debug("provider retry", "attempt", attempt, "delay", jittered, "error", err)

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(jittered):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return zero, fmt.Errorf("provider call failed: %w", lastErr)
}
