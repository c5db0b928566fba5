// Package bot owns the trading lifecycle: one stream worker and one scan
// loop per selected venue, the live ranked opportunity list, and the
// execution path shared by auto-trading and manual requests.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openarb/tribot/internal/detector"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
	"github.com/openarb/tribot/internal/executor"
	"github.com/openarb/tribot/internal/pricecache"
	"github.com/openarb/tribot/internal/risk"
)

const (
	// pairsTimeout bounds the pair-listing call made per venue at start.
	pairsTimeout = 30 * time.Second

	// statusTimeout bounds opportunity row updates after a run whose
	// context may already be gone.
	statusTimeout = 5 * time.Second

	// executionCooldown is how long a cycle is throttled after an
	// execution attempt. A cycle that just traded keeps showing up on the
	// next few scan passes before the books move; re-submitting it would
	// double down on the same edge.
	executionCooldown = 30 * time.Second
)

// Config carries the runtime trading parameters.
type Config struct {
	// AutoExecute submits the top-ranked opportunity of every scan pass
	// without operator involvement.
	AutoExecute bool

	// Notional is the starting amount per cycle in base-asset units, used
	// for scans and automatic executions. Manual requests may size down.
	Notional float64

	// BaseAssets are the assets every cycle must start and end in.
	BaseAssets []string

	ScanInterval time.Duration

	// LegTimeout bounds one market order; it also sizes the distributed
	// execution lock so a crashed holder's lock expires on its own.
	LegTimeout time.Duration
}

// Publisher fans domain events outward. Satisfied by events.Dispatcher.
type Publisher interface {
	Publish(evt domain.Event)
}

// Deps are the collaborators a Bot drives. Venues, Cache, Detector,
// Ranker, Governor, and Executor are required; Opportunities, Locks, and
// Publisher may be nil.
type Deps struct {
	Venues        []exchange.Adapter
	Cache         *pricecache.Cache
	Detector      *detector.Detector
	Ranker        *detector.Ranker
	Governor      *risk.Governor
	Executor      *executor.Executor
	Opportunities domain.OpportunityStore
	Locks         domain.LockManager
	Publisher     Publisher
}

// Bot orchestrates detection and execution across the selected venues.
type Bot struct {
	cfg    Config
	venues map[string]exchange.Adapter
	order  []string
	cache  *pricecache.Cache
	det    *detector.Detector
	ranker *detector.Ranker
	gov    *risk.Governor
	exec   *executor.Executor
	opps   domain.OpportunityStore
	locks  domain.LockManager
	pub    Publisher
	log    *slog.Logger

	cooldown *Cooldown
	inflight sync.WaitGroup

	mu        sync.RWMutex
	running   bool
	stopping  bool
	cancel    context.CancelFunc
	group     *errgroup.Group
	active    []string
	triangles map[string][]domain.TriangleCycle
	live      map[string][]domain.ArbitrageOpportunity
}

// New creates a Bot over the given venues. Venue order is preserved for
// status reporting and merged snapshots.
func New(cfg Config, deps Deps, logger *slog.Logger) *Bot {
	venues := make(map[string]exchange.Adapter, len(deps.Venues))
	order := make([]string, 0, len(deps.Venues))
	for _, v := range deps.Venues {
		venues[v.Name()] = v
		order = append(order, v.Name())
	}
	return &Bot{
		cfg:       cfg,
		venues:    venues,
		order:     order,
		cache:     deps.Cache,
		det:       deps.Detector,
		ranker:    deps.Ranker,
		gov:       deps.Governor,
		exec:      deps.Executor,
		opps:      deps.Opportunities,
		locks:     deps.Locks,
		pub:       deps.Publisher,
		log:       logger.With(slog.String("component", "bot")),
		cooldown:  NewCooldown(executionCooldown),
		triangles: make(map[string][]domain.TriangleCycle),
		live:      make(map[string][]domain.ArbitrageOpportunity),
	}
}

// Start lists each venue's pairs, prebuilds the triangle templates, and
// launches the stream workers and scan loops. It returns ErrAlreadyRunning
// while running and ErrNoExchangesSelected for an empty venue selection.
// Venues that fail to initialize are skipped; Start fails only when none
// survive.
func (b *Bot) Start(ctx context.Context) error {
	if len(b.order) == 0 {
		return fmt.Errorf("bot: %w", domain.ErrNoExchangesSelected)
	}

	b.mu.Lock()
	if b.running || b.stopping {
		b.mu.Unlock()
		return fmt.Errorf("bot: %w", domain.ErrAlreadyRunning)
	}
	b.running = true
	b.mu.Unlock()

	started := false
	defer func() {
		if !started {
			b.mu.Lock()
			b.running = false
			b.mu.Unlock()
		}
	}()

	triangles := make(map[string][]domain.TriangleCycle, len(b.order))
	symbols := make(map[string][]string, len(b.order))
	var active []string
	var errs []error
	for _, name := range b.order {
		venue := b.venues[name]
		pctx, cancel := context.WithTimeout(ctx, pairsTimeout)
		pairs, err := venue.Pairs(pctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			b.log.Warn("venue pair listing failed",
				slog.String("exchange", name),
				slog.String("error", err.Error()),
			)
			continue
		}

		cycles := detector.BuildTriangles(name, pairs, b.cfg.BaseAssets)
		if len(cycles) == 0 {
			b.log.Warn("no triangles on venue",
				slog.String("exchange", name),
				slog.Int("pairs", len(pairs)),
			)
			continue
		}
		b.primeCache(name, pairs)

		triangles[name] = cycles
		symbols[name] = cycleSymbols(cycles)
		active = append(active, name)
		b.log.Info("venue initialized",
			slog.String("exchange", name),
			slog.Int("pairs", len(pairs)),
			slog.Int("triangles", len(cycles)),
			slog.Int("symbols", len(symbols[name])),
		)
	}
	if len(active) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("bot: no venue initialized: %w", errors.Join(errs...))
		}
		return errors.New("bot: no triangles found on any selected venue")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(runCtx)
	for _, name := range active {
		venue := b.venues[name]
		syms := symbols[name]
		group.Go(func() error { return b.streamVenue(gctx, venue, syms) })
		group.Go(func() error { return b.scanVenue(gctx, venue) })
	}

	b.mu.Lock()
	b.cancel = cancel
	b.group = group
	b.active = active
	b.triangles = triangles
	b.live = make(map[string][]domain.ArbitrageOpportunity, len(active))
	b.mu.Unlock()

	started = true
	b.log.Info("bot started",
		slog.Any("exchanges", active),
		slog.Bool("auto_execute", b.cfg.AutoExecute),
		slog.Float64("notional", b.cfg.Notional),
	)
	return nil
}

// Stop signals every worker to finish its current unit and waits for
// in-flight executions to reach a terminal state. Stopping an already
// stopped bot is a no-op. When ctx expires first, Stop returns the context
// error while the drain finishes in the background.
func (b *Bot) Stop(ctx context.Context) error {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	b.stopping = true
	cancel := b.cancel
	group := b.group
	b.live = make(map[string][]domain.ArbitrageOpportunity)
	b.mu.Unlock()

	b.log.Info("stopping, draining in-flight executions")
	cancel()

	done := make(chan struct{})
	go func() {
		if err := group.Wait(); err != nil {
			b.log.Warn("worker exited with error", slog.String("error", err.Error()))
		}
		b.inflight.Wait()
		b.exec.Wait()
		b.mu.Lock()
		b.stopping = false
		b.mu.Unlock()
		b.log.Info("bot stopped")
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("bot: stopped, drain still in progress: %w", ctx.Err())
	}
}

// Running reports whether the trading loops are active.
func (b *Bot) Running() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Exchanges returns the venues currently trading, or the configured
// selection while stopped.
func (b *Bot) Exchanges() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	src := b.order
	if b.running && len(b.active) > 0 {
		src = b.active
	}
	return append([]string(nil), src...)
}

// Breaker returns the circuit breaker snapshot.
func (b *Bot) Breaker() domain.CircuitBreakerState {
	return b.gov.State()
}

// Resume clears a paused circuit breaker and its failure count.
func (b *Bot) Resume() {
	b.gov.Resume()
}

// Snapshot returns a copy of the current ranked opportunity list for one
// exchange, or the merged list over every venue when exchange is empty.
func (b *Bot) Snapshot(exchange string) []domain.ArbitrageOpportunity {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if exchange != "" {
		return append([]domain.ArbitrageOpportunity(nil), b.live[exchange]...)
	}
	var out []domain.ArbitrageOpportunity
	for _, name := range b.order {
		out = append(out, b.live[name]...)
	}
	return out
}

// Execute runs one live opportunity as a manual trade, blocking until the
// machine reaches a terminal state. Manual requests pass the risk limits
// but skip the breaker-paused check. A non-positive amount falls back to
// the opportunity's detection notional.
func (b *Bot) Execute(ctx context.Context, id string, amount float64) (domain.DetailedTradeLog, error) {
	b.mu.RLock()
	if !b.running {
		b.mu.RUnlock()
		return domain.DetailedTradeLog{}, fmt.Errorf("bot: %w", domain.ErrNotRunning)
	}
	b.inflight.Add(1)
	b.mu.RUnlock()
	defer b.inflight.Done()

	opp, venue, err := b.lookup(ctx, id)
	if err != nil {
		return domain.DetailedTradeLog{}, err
	}
	if amount <= 0 {
		amount = opp.InitialAmount
	}
	if err := b.gov.Approve(opp, amount, true); err != nil {
		return domain.DetailedTradeLog{}, err
	}

	b.log.Info("manual execution accepted",
		slog.String("opportunity_id", id),
		slog.String("exchange", opp.Exchange),
		slog.Float64("amount", amount),
	)
	return b.execute(ctx, venue, opp, amount)
}

// lookup resolves a manual execution id against the live list. An id that
// is gone from the live list but present in the store was already
// consumed; an id known nowhere is unknown.
func (b *Bot) lookup(ctx context.Context, id string) (domain.ArbitrageOpportunity, exchange.Adapter, error) {
	b.mu.RLock()
	for name, list := range b.live {
		for _, o := range list {
			if o.ID == id {
				venue := b.venues[name]
				b.mu.RUnlock()
				return o, venue, nil
			}
		}
	}
	b.mu.RUnlock()

	if b.opps != nil {
		if prev, err := b.opps.GetByID(ctx, id); err == nil {
			return domain.ArbitrageOpportunity{}, nil,
				fmt.Errorf("bot: opportunity %s is %s: %w", id, prev.Status, domain.ErrNotExecutable)
		}
	}
	return domain.ArbitrageOpportunity{}, nil, fmt.Errorf("bot: opportunity %s: %w", id, domain.ErrNotFound)
}

// execute runs one approved opportunity through the distributed account
// gate, the opportunity bookkeeping, and the executor, and feeds the
// outcome to the breaker. Shared by the auto-trading path and Execute.
func (b *Bot) execute(ctx context.Context, venue exchange.Adapter, opp domain.ArbitrageOpportunity, notional float64) (domain.DetailedTradeLog, error) {
	if b.locks != nil {
		key := "exec:" + venue.Name() + "/" + venue.Account()
		unlock, err := b.locks.Acquire(ctx, key, b.lockTTL())
		switch {
		case errors.Is(err, domain.ErrLockHeld):
			return domain.DetailedTradeLog{},
				fmt.Errorf("bot: another instance is trading %s/%s: %w", venue.Name(), venue.Account(), domain.ErrLockHeld)
		case err != nil:
			// The lock store being down must not halt trading; the
			// executor's in-process gate still serializes this instance.
			b.log.Warn("execution lock unavailable", slog.String("error", err.Error()))
		default:
			defer unlock()
		}
	}

	b.consumeLive(opp.ID)
	b.persistRequest(ctx, opp)

	tlog, err := b.exec.Execute(ctx, venue, opp, notional)
	if err != nil {
		b.finishRequest(opp.ID, domain.OpportunityFailed)
		return domain.DetailedTradeLog{}, err
	}

	success := tlog.Status == domain.TradeStatusSuccess
	status := domain.OpportunityFailed
	if success {
		status = domain.OpportunityCompleted
	}
	b.finishRequest(opp.ID, status)
	b.gov.RecordResult(success)
	return tlog, nil
}

// lockTTL covers a full three-leg run with margin.
func (b *Bot) lockTTL() time.Duration {
	leg := b.cfg.LegTimeout
	if leg <= 0 {
		leg = 30 * time.Second
	}
	return 3*leg + 30*time.Second
}

// consumeLive removes an accepted opportunity from the live list so a
// second execution request for the same id is rejected as no longer
// executable. The replacement slice is rebuilt because snapshots handed to
// readers share the old backing array.
func (b *Bot) consumeLive(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, list := range b.live {
		for i, o := range list {
			if o.ID == id {
				next := make([]domain.ArbitrageOpportunity, 0, len(list)-1)
				next = append(next, list[:i]...)
				next = append(next, list[i+1:]...)
				b.live[name] = next
				return
			}
		}
	}
}

// persistRequest records the accepted execution request; the row starts in
// Executing and is finalized by finishRequest.
func (b *Bot) persistRequest(ctx context.Context, opp domain.ArbitrageOpportunity) {
	if b.opps == nil {
		return
	}
	opp.Status = domain.OpportunityExecuting
	if err := b.opps.Insert(ctx, opp); err != nil {
		b.log.Warn("opportunity insert failed",
			slog.String("opportunity_id", opp.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (b *Bot) finishRequest(id string, status domain.OpportunityStatus) {
	if b.opps == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), statusTimeout)
	defer cancel()
	if err := b.opps.UpdateStatus(ctx, id, status); err != nil {
		b.log.Warn("opportunity status update failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// primeCache seeds the venue's book with the quotes its pair listing
// already carried, so the first scan pass does not wait a full stream
// round-trip.
func (b *Bot) primeCache(name string, pairs []domain.TradingPair) {
	quoted := make([]domain.TradingPair, 0, len(pairs))
	for _, p := range pairs {
		if p.HasQuote() {
			quoted = append(quoted, p)
		}
	}
	b.cache.PutBatch(name, quoted)
}

func (b *Bot) publish(evt domain.Event) {
	if b.pub == nil {
		return
	}
	b.pub.Publish(evt)
}

// cycleSymbols collects the distinct pair symbols the cycles trade, the
// subscription set for the venue's stream worker.
func cycleSymbols(cycles []domain.TriangleCycle) []string {
	set := make(map[string]struct{}, len(cycles))
	for _, c := range cycles {
		for _, s := range c.Symbols() {
			set[s] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
