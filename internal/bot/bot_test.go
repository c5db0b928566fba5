package bot

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/openarb/tribot/internal/detector"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
	"github.com/openarb/tribot/internal/executor"
	"github.com/openarb/tribot/internal/pricecache"
	"github.com/openarb/tribot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func quote(symbol string, bid, ask float64, at time.Time) domain.TradingPair {
	base, quoteAsset, _ := domain.SplitSymbol(symbol)
	return domain.TradingPair{
		Symbol:    symbol,
		Base:      base,
		Quote:     quoteAsset,
		BidPrice:  bid,
		BidSize:   1e6,
		AskPrice:  ask,
		AskSize:   1e6,
		UpdatedAt: at,
	}
}

// venuePairs is a universe with exactly one profitable triangle at zero
// fees: USDT → BTC → ETH → USDT at about +2.56%.
func venuePairs(at time.Time) []domain.TradingPair {
	return []domain.TradingPair{
		quote("BTC/USDT", 49990, 50000, at),
		quote("ETH/BTC", 0.0580, 0.0585, at),
		quote("ETH/USDT", 3000, 3001, at),
	}
}

// fakeVenue lists the fixed pair universe and fills market orders against
// its top of book at zero fees.
type fakeVenue struct {
	name     string
	account  string
	pairsErr error

	failAll    bool
	failErr    error
	orderDelay time.Duration

	mu     sync.Mutex
	orders []domain.MarketOrder
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{name: "binance", account: "main"}
}

func (v *fakeVenue) Name() string    { return v.name }
func (v *fakeVenue) Account() string { return v.account }
func (v *fakeVenue) Close() error    { return nil }

func (v *fakeVenue) Balances(context.Context) ([]domain.Balance, error) { return nil, nil }

func (v *fakeVenue) Pairs(context.Context) ([]domain.TradingPair, error) {
	if v.pairsErr != nil {
		return nil, v.pairsErr
	}
	return venuePairs(time.Now()), nil
}

func (v *fakeVenue) Stream(ctx context.Context, _ []string, _ func(domain.TradingPair)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (v *fakeVenue) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	v.mu.Lock()
	v.orders = append(v.orders, order)
	v.mu.Unlock()

	if v.orderDelay > 0 {
		select {
		case <-ctx.Done():
			return domain.OrderResult{}, ctx.Err()
		case <-time.After(v.orderDelay):
		}
	}
	if v.failAll {
		return domain.OrderResult{}, v.failErr
	}

	for _, p := range venuePairs(time.Now()) {
		if p.Symbol != order.Symbol {
			continue
		}
		res := domain.OrderResult{
			OrderID:   "ord-" + order.Symbol,
			Symbol:    order.Symbol,
			Side:      order.Side,
			Timestamp: time.Now(),
		}
		if order.Side == domain.OrderSideBuy {
			res.FilledPrice = p.AskPrice
			res.FilledQty = order.Quantity / p.AskPrice
			res.Cost = order.Quantity
		} else {
			res.FilledPrice = p.BidPrice
			res.FilledQty = order.Quantity
			res.Cost = order.Quantity * p.BidPrice
		}
		return res, nil
	}
	return domain.OrderResult{}, domain.ErrNotFound
}

func (v *fakeVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.orders)
}

type capturePub struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *capturePub) Publish(evt domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, evt)
}

func (p *capturePub) opportunityUpdates() []domain.OpportunitiesEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OpportunitiesEvent
	for _, evt := range p.events {
		if e, ok := evt.(domain.OpportunitiesEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

func (p *capturePub) tradeLogs() []domain.DetailedTradeLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.DetailedTradeLog
	for _, evt := range p.events {
		if e, ok := evt.(domain.TradeLogEvent); ok {
			out = append(out, e.Log)
		}
	}
	return out
}

func (p *capturePub) breakerEvents() []domain.BreakerEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.BreakerEvent
	for _, evt := range p.events {
		if e, ok := evt.(domain.BreakerEvent); ok {
			out = append(out, e)
		}
	}
	return out
}

type memOppStore struct {
	mu   sync.Mutex
	rows map[string]domain.ArbitrageOpportunity
}

func newMemOppStore() *memOppStore {
	return &memOppStore{rows: make(map[string]domain.ArbitrageOpportunity)}
}

func (s *memOppStore) Insert(_ context.Context, opp domain.ArbitrageOpportunity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[opp.ID] = opp
	return nil
}

func (s *memOppStore) UpdateStatus(_ context.Context, id string, status domain.OpportunityStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	row.Status = status
	s.rows[id] = row
	return nil
}

func (s *memOppStore) GetByID(_ context.Context, id string) (domain.ArbitrageOpportunity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.ArbitrageOpportunity{}, domain.ErrNotFound
	}
	return row, nil
}

func (s *memOppStore) ListRecent(context.Context, domain.ListOpts) ([]domain.ArbitrageOpportunity, error) {
	return nil, nil
}

func (s *memOppStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

type fakeLocks struct {
	err error

	mu   sync.Mutex
	keys []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	if l.err != nil {
		return nil, l.err
	}
	l.mu.Lock()
	l.keys = append(l.keys, key)
	l.mu.Unlock()
	return func() {}, nil
}

func testConfig() Config {
	return Config{
		Notional:     100,
		BaseAssets:   []string{"USDT"},
		ScanInterval: 10 * time.Millisecond,
		LegTimeout:   time.Second,
	}
}

// newTestBot assembles a Bot over real detection, risk, and execution
// components with the fake venue underneath.
func newTestBot(t *testing.T, venue exchange.Adapter, cfg Config, riskCfg risk.Config, mutate func(*Deps)) (*Bot, *capturePub, *memOppStore) {
	t.Helper()
	logger := testLogger()
	cache := pricecache.New()
	pub := &capturePub{}
	store := newMemOppStore()

	deps := Deps{
		Venues:   []exchange.Adapter{venue},
		Cache:    cache,
		Detector: detector.New(detector.Config{StalenessBound: time.Minute, DepthLevels: 5, DepthTolerancePct: 10}, logger),
		Ranker: detector.NewRanker(detector.RankConfig{
			MinProfitPct:      0.5,
			DepthLevels:       5,
			DepthTolerancePct: 10,
			MaxLive:           10,
		}, logger),
		Governor:      risk.NewGovernor(riskCfg, pub, logger),
		Executor:      executor.New(executor.Config{SlippageTolerancePct: 1, LegTimeout: time.Second}, cache, nil, pub, logger),
		Opportunities: store,
		Publisher:     pub,
	}
	if mutate != nil {
		mutate(&deps)
	}
	return New(cfg, deps, logger), pub, store
}

func defaultRisk() risk.Config {
	return risk.Config{MaxTradeAmount: 1000, MinProfitPct: 0.5, BreakerThreshold: 3}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func mustStop(t *testing.T, b *Bot) {
	t.Helper()
	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestStartRejectsEmptyVenueSelection(t *testing.T) {
	b := New(testConfig(), Deps{Cache: pricecache.New()}, testLogger())
	if err := b.Start(context.Background()); !errors.Is(err, domain.ErrNoExchangesSelected) {
		t.Errorf("Start with no venues = %v, want ErrNoExchangesSelected", err)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	b, _, _ := newTestBot(t, newFakeVenue(), testConfig(), defaultRisk(), nil)
	ctx := context.Background()

	if err := b.Stop(ctx); err != nil {
		t.Fatalf("Stop before Start: %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !b.Running() {
		t.Error("Running() = false after Start")
	}
	if err := b.Start(ctx); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}
	if got := b.Exchanges(); len(got) != 1 || got[0] != "binance" {
		t.Errorf("Exchanges() = %v, want [binance]", got)
	}

	mustStop(t, b)
	if b.Running() {
		t.Error("Running() = true after Stop")
	}
	if err := b.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestStartFailsWhenEveryVenueErrors(t *testing.T) {
	venue := newFakeVenue()
	venue.pairsErr = domain.ErrConnectivity
	b, _, _ := newTestBot(t, venue, testConfig(), defaultRisk(), nil)

	err := b.Start(context.Background())
	if !errors.Is(err, domain.ErrConnectivity) {
		t.Errorf("Start = %v, want wrapped ErrConnectivity", err)
	}
	if b.Running() {
		t.Error("Running() = true after failed Start")
	}
}

func TestScanPublishesRankedOpportunities(t *testing.T) {
	b, pub, _ := newTestBot(t, newFakeVenue(), testConfig(), defaultRisk(), nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, b)

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range pub.opportunityUpdates() {
			if len(e.Opportunities) > 0 {
				return true
			}
		}
		return false
	}, "no opportunity update published")

	live := b.Snapshot("binance")
	if len(live) != 1 {
		t.Fatalf("Snapshot(binance) = %d opportunities, want 1", len(live))
	}
	opp := live[0]
	if opp.Exchange != "binance" || opp.Status != domain.OpportunityDetected {
		t.Errorf("opportunity = %s on %s, want detected on binance", opp.Status, opp.Exchange)
	}
	if math.Abs(opp.NetProfitPct-2.5641) > 0.01 {
		t.Errorf("NetProfitPct = %.4f, want about 2.5641", opp.NetProfitPct)
	}
	if merged := b.Snapshot(""); len(merged) != len(live) {
		t.Errorf("merged snapshot = %d opportunities, want %d", len(merged), len(live))
	}
}

// manualConfig freezes the live list after the startup scan so an ID read
// from Snapshot stays valid for the duration of the test.
func manualConfig() Config {
	cfg := testConfig()
	cfg.ScanInterval = time.Hour
	return cfg
}

func TestManualExecuteLifecycle(t *testing.T) {
	b, _, store := newTestBot(t, newFakeVenue(), manualConfig(), defaultRisk(), nil)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, b)

	waitFor(t, 2*time.Second, func() bool { return len(b.Snapshot("binance")) > 0 },
		"no live opportunity detected")
	id := b.Snapshot("binance")[0].ID

	tlog, err := b.Execute(ctx, id, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.Status != domain.TradeStatusSuccess {
		t.Fatalf("trade status = %s, want success: %s", tlog.Status, tlog.ErrorMessage)
	}
	if tlog.FinalAmount <= tlog.InitialAmount {
		t.Errorf("final %.4f not above initial %.4f", tlog.FinalAmount, tlog.InitialAmount)
	}

	row, err := store.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("opportunity row missing: %v", err)
	}
	if row.Status != domain.OpportunityCompleted {
		t.Errorf("stored status = %s, want completed", row.Status)
	}

	if _, err := b.Execute(ctx, id, 0); !errors.Is(err, domain.ErrNotExecutable) {
		t.Errorf("re-execute = %v, want ErrNotExecutable", err)
	}
	if _, err := b.Execute(ctx, "no-such-id", 0); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("unknown id = %v, want ErrNotFound", err)
	}
}

func TestManualExecuteWhileStopped(t *testing.T) {
	b, _, _ := newTestBot(t, newFakeVenue(), testConfig(), defaultRisk(), nil)
	if _, err := b.Execute(context.Background(), "opp-1", 0); !errors.Is(err, domain.ErrNotRunning) {
		t.Errorf("Execute while stopped = %v, want ErrNotRunning", err)
	}
}

func TestManualExecuteRejectsOversizedAmount(t *testing.T) {
	b, _, store := newTestBot(t, newFakeVenue(), manualConfig(), defaultRisk(), nil)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, b)

	waitFor(t, 2*time.Second, func() bool { return len(b.Snapshot("binance")) > 0 },
		"no live opportunity detected")
	id := b.Snapshot("binance")[0].ID

	if _, err := b.Execute(ctx, id, 5000); !errors.Is(err, domain.ErrLimitExceeded) {
		t.Errorf("oversized execute = %v, want ErrLimitExceeded", err)
	}
	if store.count() != 0 {
		t.Errorf("rejected request persisted %d rows, want 0", store.count())
	}
}

func TestAutoExecuteTradesTopOpportunityOnce(t *testing.T) {
	venue := newFakeVenue()
	cfg := testConfig()
	cfg.AutoExecute = true
	b, pub, store := newTestBot(t, venue, cfg, defaultRisk(), nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, b)

	waitFor(t, 2*time.Second, func() bool { return venue.orderCount() == 3 },
		"auto execution never ran the three legs")

	// The same cycle keeps being detected on every pass; the cooldown must
	// keep it from re-executing immediately.
	time.Sleep(100 * time.Millisecond)
	if got := venue.orderCount(); got != 3 {
		t.Errorf("orders = %d after cooldown window, want 3", got)
	}

	logs := pub.tradeLogs()
	if len(logs) != 1 || logs[0].Status != domain.TradeStatusSuccess {
		t.Fatalf("trade logs = %+v, want one success", logs)
	}
	if store.count() != 1 {
		t.Errorf("stored opportunities = %d, want 1", store.count())
	}
	if st := b.Breaker(); st.ConsecutiveFailures != 0 || st.Paused {
		t.Errorf("breaker = %+v, want clean after success", st)
	}
}

func TestAutoExecuteTripsBreaker(t *testing.T) {
	venue := newFakeVenue()
	venue.failAll = true
	venue.failErr = domain.ErrOrderRejected
	cfg := testConfig()
	cfg.AutoExecute = true
	riskCfg := defaultRisk()
	riskCfg.BreakerThreshold = 1

	b, pub, _ := newTestBot(t, venue, cfg, riskCfg, nil)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer mustStop(t, b)

	waitFor(t, 2*time.Second, func() bool { return b.Breaker().Paused },
		"breaker never tripped")

	count := venue.orderCount()
	time.Sleep(100 * time.Millisecond)
	if got := venue.orderCount(); got != count {
		t.Errorf("orders kept flowing while paused: %d -> %d", count, got)
	}

	events := pub.breakerEvents()
	if len(events) == 0 || !events[0].State.Paused {
		t.Fatalf("breaker events = %+v, want a paused event", events)
	}

	b.Resume()
	if st := b.Breaker(); st.Paused || st.ConsecutiveFailures != 0 {
		t.Errorf("breaker after resume = %+v, want cleared", st)
	}
}

func TestExecuteAccountLock(t *testing.T) {
	t.Run("held elsewhere rejects without side effects", func(t *testing.T) {
		locks := &fakeLocks{err: domain.ErrLockHeld}
		b, _, store := newTestBot(t, newFakeVenue(), manualConfig(), defaultRisk(), func(d *Deps) {
			d.Locks = locks
		})
		ctx := context.Background()
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer mustStop(t, b)

		waitFor(t, 2*time.Second, func() bool { return len(b.Snapshot("binance")) > 0 },
			"no live opportunity detected")
		id := b.Snapshot("binance")[0].ID

		if _, err := b.Execute(ctx, id, 0); !errors.Is(err, domain.ErrLockHeld) {
			t.Errorf("Execute = %v, want ErrLockHeld", err)
		}
		if store.count() != 0 {
			t.Errorf("rejected request persisted %d rows, want 0", store.count())
		}
	})

	t.Run("acquired per venue account", func(t *testing.T) {
		locks := &fakeLocks{}
		b, _, _ := newTestBot(t, newFakeVenue(), manualConfig(), defaultRisk(), func(d *Deps) {
			d.Locks = locks
		})
		ctx := context.Background()
		if err := b.Start(ctx); err != nil {
			t.Fatalf("Start: %v", err)
		}
		defer mustStop(t, b)

		waitFor(t, 2*time.Second, func() bool { return len(b.Snapshot("binance")) > 0 },
			"no live opportunity detected")
		id := b.Snapshot("binance")[0].ID

		if _, err := b.Execute(ctx, id, 0); err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(locks.keys) != 1 || locks.keys[0] != "exec:binance/main" {
			t.Errorf("lock keys = %v, want [exec:binance/main]", locks.keys)
		}
	})
}

func TestStopDrainsInFlightExecution(t *testing.T) {
	venue := newFakeVenue()
	venue.orderDelay = 30 * time.Millisecond
	b, _, _ := newTestBot(t, venue, manualConfig(), defaultRisk(), nil)
	ctx := context.Background()
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(b.Snapshot("binance")) > 0 },
		"no live opportunity detected")
	id := b.Snapshot("binance")[0].ID

	type result struct {
		log domain.DetailedTradeLog
		err error
	}
	done := make(chan result, 1)
	go func() {
		tlog, err := b.Execute(ctx, id, 0)
		done <- result{tlog, err}
	}()

	waitFor(t, 2*time.Second, func() bool { return venue.orderCount() >= 1 },
		"execution never reached the venue")

	if err := b.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("Execute: %v", res.err)
		}
		if res.log.Status != domain.TradeStatusSuccess {
			t.Errorf("trade status = %s, want success after drain", res.log.Status)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Execute still running after Stop returned")
	}
	if got := venue.orderCount(); got != 3 {
		t.Errorf("orders = %d, want the full three legs", got)
	}
}
