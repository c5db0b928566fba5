package bot

import (
	"context"
	"log/slog"
	"time"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

const (
	// Stream reconnect backoff. A session that stayed up for
	// healthySession resets the backoff to its initial value.
	initialBackoff = 2 * time.Second
	maxBackoff     = 60 * time.Second
	healthySession = 30 * time.Second
)

// streamVenue consumes one venue's book stream into the price cache,
// reconnecting with bounded exponential backoff until ctx is canceled.
// It always returns nil: one venue losing connectivity never stops the
// others.
func (b *Bot) streamVenue(ctx context.Context, venue exchange.Adapter, symbols []string) error {
	name := venue.Name()
	log := b.log.With(slog.String("worker", "stream"), slog.String("exchange", name))
	log.Info("stream worker started", slog.Int("symbols", len(symbols)))

	backoff := initialBackoff
	for {
		sessionStart := time.Now()
		err := venue.Stream(ctx, symbols, func(p domain.TradingPair) {
			b.cache.Put(name, p)
		})
		if ctx.Err() != nil {
			log.Info("stream worker stopped")
			return nil
		}
		if err == nil {
			err = domain.ErrWSDisconnect
		}
		if time.Since(sessionStart) >= healthySession {
			backoff = initialBackoff
		}

		log.Warn("stream session dropped",
			slog.String("error", err.Error()),
			slog.Duration("reconnect_in", backoff),
		)
		select {
		case <-ctx.Done():
			log.Info("stream worker stopped")
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// scanVenue runs the recurring detect-rank-publish pass for one venue
// until ctx is canceled.
func (b *Bot) scanVenue(ctx context.Context, venue exchange.Adapter) error {
	// First pass right away; the books were primed during Start and the
	// dashboard should not stay blank for a full interval.
	b.scanOnce(ctx, venue)
	ticker := time.NewTicker(b.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		b.scanOnce(ctx, venue)
		b.cooldown.Sweep()
	}
}

// scanOnce takes a consistent book snapshot, refreshes the venue's live
// opportunity list, publishes it, and, with auto-trading on, submits the
// top-ranked opportunity.
func (b *Bot) scanOnce(ctx context.Context, venue exchange.Adapter) {
	name := venue.Name()
	b.mu.RLock()
	cycles := b.triangles[name]
	b.mu.RUnlock()

	snap := b.cache.Snapshot(name)
	if len(snap.Pairs) == 0 {
		return
	}
	ranked := b.ranker.Rank(b.det.Scan(snap, cycles, b.cfg.Notional))

	b.mu.Lock()
	b.live[name] = ranked
	b.mu.Unlock()

	b.publish(domain.OpportunitiesEvent{Exchange: name, Opportunities: ranked, At: snap.TakenAt})

	if !b.cfg.AutoExecute || len(ranked) == 0 {
		return
	}
	b.autoTrade(ctx, venue, ranked[0])
}

// autoTrade submits one opportunity through the governor and the shared
// execution path. Rejections are routine (breaker paused, cycle cooling
// down) and only logged.
func (b *Bot) autoTrade(ctx context.Context, venue exchange.Adapter, opp domain.ArbitrageOpportunity) {
	if b.cooldown.Throttled(opp.Exchange + "|" + opp.Cycle.Path()) {
		return
	}
	if err := b.gov.Approve(opp, b.cfg.Notional, false); err != nil {
		b.log.Debug("auto execution rejected",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	tlog, err := b.execute(ctx, venue, opp, b.cfg.Notional)
	if err != nil {
		b.log.Warn("auto execution did not start",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	b.log.Info("auto execution finished",
		slog.String("trade_id", tlog.TradeID),
		slog.String("status", string(tlog.Status)),
		slog.Float64("actual_profit_pct", tlog.ActualProfitPct),
	)
}
