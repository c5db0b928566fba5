// Package risk enforces pre-trade limits and owns the consecutive-failure
// circuit breaker that pauses auto-trading.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

// Config holds the tunable parameters for pre-trade risk checks.
type Config struct {
	MaxTradeAmount   float64
	MinProfitPct     float64
	BreakerThreshold int
}

// Publisher receives breaker state transitions.
type Publisher interface {
	Publish(event domain.Event)
}

// Governor provides pre-trade checks and tracks execution outcomes. Once
// the consecutive-failure count reaches the configured threshold the
// breaker pauses automatic execution; only an explicit Resume clears it.
// Manual execution stays permitted while paused.
type Governor struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger

	mu       sync.Mutex
	failures int
	paused   bool
	pausedAt time.Time
}

// NewGovernor creates a Governor with the given limits.
func NewGovernor(cfg Config, pub Publisher, logger *slog.Logger) *Governor {
	return &Governor{
		cfg:    cfg,
		pub:    pub,
		logger: logger.With(slog.String("component", "risk")),
	}
}

// Approve validates an execution request against the configured limits.
// It returns a non-nil error describing the first failed check, or nil if
// all checks pass.
//
// Checks performed:
//  1. Notional within the maximum trade amount
//  2. Net profit at or above the minimum threshold
//  3. Breaker not paused (skipped for manual requests)
func (g *Governor) Approve(opp domain.ArbitrageOpportunity, notional float64, manual bool) error {
	if notional <= 0 {
		return fmt.Errorf("risk: trade amount %.4f must be positive: %w", notional, domain.ErrLimitExceeded)
	}
	if notional > g.cfg.MaxTradeAmount {
		g.logger.Warn("trade amount exceeds limit",
			slog.String("opportunity_id", opp.ID),
			slog.Float64("amount", notional),
			slog.Float64("max", g.cfg.MaxTradeAmount),
		)
		return fmt.Errorf("risk: trade amount %.2f exceeds max %.2f: %w", notional, g.cfg.MaxTradeAmount, domain.ErrLimitExceeded)
	}
	if opp.NetProfitPct < g.cfg.MinProfitPct {
		return fmt.Errorf("risk: net profit %.4f%% below minimum %.4f%%: %w", opp.NetProfitPct, g.cfg.MinProfitPct, domain.ErrLimitExceeded)
	}

	if manual {
		return nil
	}
	g.mu.Lock()
	paused := g.paused
	g.mu.Unlock()
	if paused {
		return fmt.Errorf("risk: automatic execution rejected: %w", domain.ErrBreakerPaused)
	}
	return nil
}

// RecordResult feeds one execution outcome into the breaker. A success
// resets the consecutive-failure counter; a failure increments it and, on
// reaching the threshold, pauses auto-trading and emits a breaker event
// exactly once.
func (g *Governor) RecordResult(success bool) {
	g.mu.Lock()
	if success {
		g.failures = 0
		g.mu.Unlock()
		return
	}
	g.failures++
	trip := !g.paused && g.failures >= g.cfg.BreakerThreshold
	if trip {
		g.paused = true
		g.pausedAt = time.Now()
	}
	state := g.stateLocked()
	g.mu.Unlock()

	if trip {
		g.logger.Warn("circuit breaker tripped",
			slog.Int("consecutive_failures", state.ConsecutiveFailures),
			slog.Int("threshold", state.Threshold),
		)
		g.publish(state)
	}
}

// Resume clears the failure counter and the paused flag. The resumed event
// is emitted only when the breaker was actually paused.
func (g *Governor) Resume() {
	g.mu.Lock()
	wasPaused := g.paused
	g.failures = 0
	g.paused = false
	g.pausedAt = time.Time{}
	state := g.stateLocked()
	g.mu.Unlock()

	if wasPaused {
		g.logger.Info("circuit breaker resumed")
		g.publish(state)
	}
}

// State returns a snapshot of the breaker.
func (g *Governor) State() domain.CircuitBreakerState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stateLocked()
}

func (g *Governor) stateLocked() domain.CircuitBreakerState {
	return domain.CircuitBreakerState{
		ConsecutiveFailures: g.failures,
		Threshold:           g.cfg.BreakerThreshold,
		Paused:              g.paused,
		PausedAt:            g.pausedAt,
	}
}

func (g *Governor) publish(state domain.CircuitBreakerState) {
	if g.pub == nil {
		return
	}
	g.pub.Publish(domain.BreakerEvent{State: state, At: time.Now()})
}
