// Package router picks a working LLM backend per call: primary first,
// then fallbacks in preference order, degrading to a synthetic offline
// response when nothing is reachable. It also meters spend against the
// daily budget.
package router

import (
	"sync"
	"time"
)

// HealthConfig tunes failure tracking.
type HealthConfig struct {
	// Window is how long a failure counts against a provider.
	Window time.Duration
	// FailureLimit marks a provider unhealthy at this many failures
	// inside the window.
	FailureLimit int
}

// DefaultHealthConfig mirrors the runtime defaults.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{Window: 60 * time.Second, FailureLimit: 3}
}

// HealthTracker keeps a rolling failure window per provider.
type HealthTracker struct {
	cfg HealthConfig

	mu       sync.Mutex
	failures map[string][]time.Time
}

// NewHealthTracker creates a tracker.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	if cfg.Window <= 0 {
		cfg = DefaultHealthConfig()
	}
	return &HealthTracker{cfg: cfg, failures: make(map[string][]time.Time)}
}

// RecordFailure notes one failed call.
func (h *HealthTracker) RecordFailure(provider string, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failures[provider] = append(h.prune(provider, at), at)
}

// RecordSuccess clears the provider's failure history: one good call
// ends the penalty.
func (h *HealthTracker) RecordSuccess(provider string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.failures, provider)
}

// Healthy reports whether the provider is under the failure limit.
func (h *HealthTracker) Healthy(provider string, now time.Time) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	recent := h.prune(provider, now)
	h.failures[provider] = recent
	return len(recent) < h.cfg.FailureLimit
}

// FailureCount returns the current in-window failure count.
func (h *HealthTracker) FailureCount(provider string, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	recent := h.prune(provider, now)
	h.failures[provider] = recent
	return len(recent)
}

func (h *HealthTracker) prune(provider string, now time.Time) []time.Time {
	cutoff := now.Add(-h.cfg.Window)
	var recent []time.Time
	for _, t := range h.failures[provider] {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	return recent
}
