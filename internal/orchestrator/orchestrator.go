package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/MrWong99/ttscache/internal/providererr"
	"github.com/MrWong99/ttscache/pkg/ttsprovider"
)

// ErrAllProvidersUnavailable is returned when every provider in the chain
// was skipped (circuit open) or failed with a retryable error.
var ErrAllProvidersUnavailable = errors.New("orchestrator: all providers unavailable")

// Defaults mirror the reference system's circuit-breaker tuning.
const (
	DefaultFailureThreshold = 3
	DefaultFailureWindow    = 300 * time.Second
	DefaultCooldown         = 300 * time.Second
	DefaultProviderTimeout  = 15 * time.Second
)

// Entry pairs a provider name (as it appears in providers.fallback_chain)
// with its concrete implementation.
type Entry struct {
	Name     string
	Provider ttsprovider.Provider
}

// Config tunes circuit-breaker behavior shared by every provider in the
// chain.
type Config struct {
	FailureThreshold int
	FailureWindow    time.Duration
	Cooldown         time.Duration
	ProviderTimeout  time.Duration

	// Now is the monotonic clock source; overridable for deterministic
	// circuit-breaker tests. Defaults to time.Now.
	Now func() time.Time
}

func (cfg Config) withDefaults() Config {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultFailureThreshold
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

// FallbackGroup walks an ordered list of providers, skipping any whose
// circuit is open, stopping at the first terminal error, and falling
// through retryable errors to the next entry.
type FallbackGroup struct {
	entries         []Entry
	states          []*circuitState
	breaker         circuitConfig
	providerTimeout time.Duration
}

// New builds a FallbackGroup over entries in fallback-chain order.
func New(entries []Entry, cfg Config) *FallbackGroup {
	cfg = cfg.withDefaults()
	states := make([]*circuitState, len(entries))
	for i := range states {
		states[i] = &circuitState{}
	}
	return &FallbackGroup{
		entries: entries,
		states:  states,
		breaker: circuitConfig{
			threshold: cfg.FailureThreshold,
			window:    cfg.FailureWindow,
			cooldown:  cfg.Cooldown,
			now:       cfg.Now,
		},
		providerTimeout: cfg.ProviderTimeout,
	}
}

// Synthesize walks the chain in order, returning the first success. Every
// provider call is bounded by the configured per-provider timeout.
func (g *FallbackGroup) Synthesize(ctx context.Context, text, voice, model, format string) ([]byte, error) {
	var lastErr error

	for i, entry := range g.entries {
		state := g.states[i]
		if state.isOpen(g.breaker) {
			slog.Debug("orchestrator: skipping provider, circuit open", "provider", entry.Name)
			continue
		}

		slog.Info("orchestrator: trying provider", "provider", entry.Name)

		callCtx, cancel := context.WithTimeout(ctx, g.providerTimeout)
		audio, err := entry.Provider.Synthesize(callCtx, text, voice, model, format)
		cancel()

		if err == nil {
			state.recordSuccess()
			slog.Info("orchestrator: provider succeeded", "provider", entry.Name)
			return audio, nil
		}

		lastErr = err
		terminal, counted := classify(err)

		slog.Warn("orchestrator: provider failed", "provider", entry.Name, "error", err, "terminal", terminal)

		if counted {
			state.recordFailure(g.breaker, entry.Name)
		}
		if terminal {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, errors.Join(ErrAllProvidersUnavailable, lastErr)
	}
	return nil, ErrAllProvidersUnavailable
}

// ProviderStatus reports one provider's circuit state for /health.
type ProviderStatus struct {
	Name      string
	Available bool
}

// Status reports whether each provider's circuit is currently closed
// (available) or open (unavailable), in fallback-chain order.
func (g *FallbackGroup) Status() []ProviderStatus {
	out := make([]ProviderStatus, len(g.entries))
	for i, entry := range g.entries {
		out[i] = ProviderStatus{Name: entry.Name, Available: !g.states[i].isOpen(g.breaker)}
	}
	return out
}

// classify determines whether err is terminal (no fallback, surfaced
// as-is) and whether it counts toward the circuit breaker, following the
// error-classification table: 400 is terminal and uncounted; 429 and ≥500
// are retryable and counted; network failures and unknown errors without a
// status code are retryable and counted.
func classify(err error) (terminal bool, counted bool) {
	if status, ok := providererr.StatusCode(err); ok {
		switch {
		case status == 400:
			return true, false
		case status == 429:
			return false, true
		case status >= 500:
			return false, true
		default:
			return true, false
		}
	}

	if isNetworkFailure(err) {
		return false, true
	}

	// Unknown errors without a status code are retryable and counted.
	return false, true
}

func isNetworkFailure(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
