// Package orchestrator wraps an ordered list of named TTS providers with a
// per-provider circuit breaker and classifies failures into retryable vs
// terminal, so a caller gets one bytes-or-error result out of the whole
// fallback chain.
//
// Unlike a classic consecutive-failure breaker, each provider's circuit
// tracks a bounded window of failure timestamps: it opens once enough
// failures land inside failure_window_seconds, and a single success after
// the cooldown clears the whole window.
package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// circuitState is the bounded failure-timestamp queue for one provider.
type circuitState struct {
	mu        sync.Mutex
	failures  []time.Time
	openUntil time.Time
}

// circuitConfig tunes every circuit in a [FallbackGroup].
type circuitConfig struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time
}

func (c *circuitState) isOpen(cfg circuitConfig) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := cfg.now()
	c.pruneLocked(cfg, now)
	if c.openUntil.After(now) {
		return true
	}
	if !c.openUntil.IsZero() {
		c.openUntil = time.Time{}
	}
	return false
}

func (c *circuitState) recordFailure(cfg circuitConfig, provider string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := cfg.now()
	c.pruneLocked(cfg, now)
	c.failures = append(c.failures, now)
	if len(c.failures) >= cfg.threshold {
		c.openUntil = now.Add(cfg.cooldown)
		slog.Warn("circuit opened",
			"provider", provider,
			"failures", len(c.failures),
			"window_seconds", cfg.window.Seconds(),
			"cooldown_seconds", cfg.cooldown.Seconds())
	}
}

func (c *circuitState) recordSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failures = nil
	c.openUntil = time.Time{}
}

// pruneLocked drops failure timestamps older than the window. Caller must
// hold c.mu.
func (c *circuitState) pruneLocked(cfg circuitConfig, now time.Time) {
	cutoff := now.Add(-cfg.window)
	i := 0
	for ; i < len(c.failures); i++ {
		if !c.failures[i].Before(cutoff) {
			break
		}
	}
	if i > 0 {
		c.failures = c.failures[i:]
	}
}
