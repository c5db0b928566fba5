package executor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/pricecache"
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

// testCycle is the profitable USDT → BTC → ETH → USDT triangle at zero fees:
// 1000 USDT in, about 1025.64 USDT out.
func testCycle(at time.Time) domain.TriangleCycle {
	return domain.TriangleCycle{
		Exchange: "binance",
		Legs: [3]domain.CycleLeg{
			{Pair: quote("BTC/USDT", 49990, 50000, at), Side: domain.OrderSideBuy, From: "USDT", To: "BTC"},
			{Pair: quote("ETH/BTC", 0.0580, 0.0585, at), Side: domain.OrderSideBuy, From: "BTC", To: "ETH"},
			{Pair: quote("ETH/USDT", 3000, 3001, at), Side: domain.OrderSideSell, From: "ETH", To: "USDT"},
		},
	}
}

func testOpportunity(at time.Time) domain.ArbitrageOpportunity {
	return domain.ArbitrageOpportunity{
		ID:            "opp-1",
		Exchange:      "binance",
		Cycle:         testCycle(at),
		InitialAmount: 1000,
		EstimatedFees: 0,
		Status:        domain.OpportunityDetected,
		DetectedAt:    at,
	}
}

func seededQuotes(at time.Time) *pricecache.Cache {
	c := pricecache.New()
	c.PutBatch("binance", []domain.TradingPair{
		quote("BTC/USDT", 49990, 50000, at),
		quote("ETH/BTC", 0.0580, 0.0585, at),
		quote("ETH/USDT", 3000, 3001, at),
	})
	return c
}

// scriptVenue fills market orders against a fixed price table at zero fees,
// optionally failing a scripted leg.
type scriptVenue struct {
	name    string
	account string
	prices  map[string][2]float64 // symbol -> {bid, ask}

	failAt  int // 1-based call number to fail, 0 for never
	failErr error
	onOrder func(call int)

	mu     sync.Mutex
	calls  int
	orders []domain.MarketOrder
}

func (v *scriptVenue) Name() string    { return v.name }
func (v *scriptVenue) Account() string { return v.account }
func (v *scriptVenue) Close() error    { return nil }

func (v *scriptVenue) Pairs(context.Context) ([]domain.TradingPair, error) { return nil, nil }
func (v *scriptVenue) Balances(context.Context) ([]domain.Balance, error)  { return nil, nil }
func (v *scriptVenue) Stream(ctx context.Context, _ []string, _ func(domain.TradingPair)) error {
	<-ctx.Done()
	return ctx.Err()
}

func (v *scriptVenue) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	v.mu.Lock()
	v.calls++
	call := v.calls
	v.orders = append(v.orders, order)
	v.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return domain.OrderResult{}, err
	}
	if v.onOrder != nil {
		v.onOrder(call)
	}
	if v.failAt != 0 && call == v.failAt {
		return domain.OrderResult{}, v.failErr
	}

	px, ok := v.prices[order.Symbol]
	if !ok {
		return domain.OrderResult{}, domain.ErrNotFound
	}
	res := domain.OrderResult{
		OrderID:   "ord-" + order.Symbol,
		Symbol:    order.Symbol,
		Side:      order.Side,
		Timestamp: time.Now(),
	}
	if order.Side == domain.OrderSideBuy {
		res.FilledPrice = px[1]
		res.FilledQty = order.Quantity / px[1]
		res.Cost = order.Quantity
	} else {
		res.FilledPrice = px[0]
		res.FilledQty = order.Quantity
		res.Cost = order.Quantity * px[0]
	}
	return res, nil
}

func (v *scriptVenue) orderCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

func newScriptVenue() *scriptVenue {
	return &scriptVenue{
		name:    "binance",
		account: "acct-one",
		prices: map[string][2]float64{
			"BTC/USDT": {49990, 50000},
			"ETH/BTC":  {0.0580, 0.0585},
			"ETH/USDT": {3000, 3001},
		},
	}
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

func (p *capturePub) statuses() []domain.OpportunityStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OpportunityStatus
	for _, evt := range p.events {
		if se, ok := evt.(domain.OpportunityStatusEvent); ok {
			out = append(out, se.Status)
		}
	}
	return out
}

func (p *capturePub) tradeLogs() []domain.DetailedTradeLog {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.DetailedTradeLog
	for _, evt := range p.events {
		if te, ok := evt.(domain.TradeLogEvent); ok {
			out = append(out, te.Log)
		}
	}
	return out
}

type memLedger struct {
	mu       sync.Mutex
	inserted []domain.DetailedTradeLog
	err      error
}

func (l *memLedger) Insert(_ context.Context, tlog domain.DetailedTradeLog) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.inserted = append(l.inserted, tlog)
	return nil
}

func (l *memLedger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.inserted)
}

func defaultConfig() Config {
	return Config{
		SlippageTolerancePct: 0.5,
		LegTimeout:           time.Second,
		StalenessBound:       5 * time.Second,
	}
}

func approx(got, want, tol float64) bool {
	return math.Abs(got-want) <= tol
}

func TestExecuteCompletesCycle(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()
	pub := &capturePub{}
	ledger := &memLedger{}
	e := New(defaultConfig(), seededQuotes(now), ledger, pub, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if tlog.Status != domain.TradeStatusSuccess {
		t.Fatalf("status = %s, want success (error: %s)", tlog.Status, tlog.ErrorMessage)
	}
	wantFinal := 1000.0 / 50000 / 0.0585 * 3000
	if !approx(tlog.FinalAmount, wantFinal, 1e-6) {
		t.Errorf("final = %.6f, want %.6f", tlog.FinalAmount, wantFinal)
	}
	if !approx(tlog.ActualProfitPct, 2.5641, 0.001) {
		t.Errorf("actual profit pct = %.4f, want ~2.5641", tlog.ActualProfitPct)
	}
	if tlog.NetPnL != tlog.ActualProfit {
		t.Errorf("net pnl = %.6f, want actual profit %.6f", tlog.NetPnL, tlog.ActualProfit)
	}
	if len(tlog.Steps) != 3 {
		t.Fatalf("got %d steps, want 3", len(tlog.Steps))
	}
	for i, step := range tlog.Steps {
		if step.Step != i+1 {
			t.Errorf("step[%d].Step = %d", i, step.Step)
		}
		if step.ActualOut <= 0 {
			t.Errorf("step %d has no actual output", i+1)
		}
		if !approx(step.ActualOut, step.ExpectedOut, 1e-9) {
			t.Errorf("step %d actual out %.9f != expected %.9f", i+1, step.ActualOut, step.ExpectedOut)
		}
	}
	// Leg 2 spends leg 1's actual output.
	if !approx(tlog.Steps[1].ActualQty, tlog.Steps[0].ActualOut, 1e-12) {
		t.Errorf("leg 2 input %.9f != leg 1 output %.9f", tlog.Steps[1].ActualQty, tlog.Steps[0].ActualOut)
	}
	if tlog.FailedAtStep != 0 {
		t.Errorf("failed_at_step = %d, want 0", tlog.FailedAtStep)
	}
	if tlog.Paper {
		t.Error("paper = true for a live account")
	}
	if got := pub.statuses(); len(got) != 2 || got[0] != domain.OpportunityExecuting || got[1] != domain.OpportunityCompleted {
		t.Errorf("status events = %v, want [executing completed]", got)
	}
	if logs := pub.tradeLogs(); len(logs) != 1 || logs[0].TradeID != tlog.TradeID {
		t.Errorf("trade log events = %d, want exactly 1 matching", len(logs))
	}
	if ledger.count() != 1 {
		t.Errorf("ledger inserts = %d, want 1", ledger.count())
	}
}

func TestExecutePriceMovedAbortsBeforeSubmission(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()
	pub := &capturePub{}
	ledger := &memLedger{}

	// First leg's ask moved 1% against the plan; tolerance is 0.5%.
	quotes := pricecache.New()
	quotes.PutBatch("binance", []domain.TradingPair{
		quote("BTC/USDT", 50490, 50500, now),
		quote("ETH/BTC", 0.0580, 0.0585, now),
		quote("ETH/USDT", 3000, 3001, now),
	})
	e := New(defaultConfig(), quotes, ledger, pub, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if tlog.Status != domain.TradeStatusFailed {
		t.Fatalf("status = %s, want failed", tlog.Status)
	}
	if tlog.FinalAmount != tlog.InitialAmount {
		t.Errorf("final = %.2f, want initial %.2f (nothing filled)", tlog.FinalAmount, tlog.InitialAmount)
	}
	if tlog.FailedAtStep != 1 {
		t.Errorf("failed_at_step = %d, want 1", tlog.FailedAtStep)
	}
	if len(tlog.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(tlog.Steps))
	}
	if tlog.Steps[0].ActualPrice != 0 || tlog.Steps[0].ActualOut != 0 {
		t.Errorf("aborted step carries actuals: %+v", tlog.Steps[0])
	}
	if tlog.Steps[0].ExpectedPrice != 50000 {
		t.Errorf("aborted step expected price = %.2f, want plan price 50000", tlog.Steps[0].ExpectedPrice)
	}
	if venue.orderCount() != 0 {
		t.Errorf("venue received %d orders, want 0", venue.orderCount())
	}
	if tlog.ErrorMessage == "" {
		t.Error("error message empty")
	}
	if got := pub.statuses(); len(got) != 2 || got[1] != domain.OpportunityFailed {
		t.Errorf("status events = %v, want [executing failed]", got)
	}
	if ledger.count() != 1 {
		t.Errorf("failed trades must still reach the ledger, inserts = %d", ledger.count())
	}
}

func TestExecuteFavorablePriceMovePasses(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()

	// Cheaper ask on a buy is movement in our favor, not slippage.
	quotes := pricecache.New()
	quotes.PutBatch("binance", []domain.TradingPair{
		quote("BTC/USDT", 48990, 49000, now),
		quote("ETH/BTC", 0.0580, 0.0585, now),
		quote("ETH/USDT", 3000, 3001, now),
	})
	e := New(defaultConfig(), quotes, nil, nil, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.Status != domain.TradeStatusSuccess {
		t.Fatalf("status = %s, want success (error: %s)", tlog.Status, tlog.ErrorMessage)
	}
}

func TestExecuteMidCycleFailureIsPartial(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()
	venue.failAt = 2
	venue.failErr = domain.ErrInsufficientBalance
	pub := &capturePub{}
	ledger := &memLedger{}
	e := New(defaultConfig(), seededQuotes(now), ledger, pub, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if tlog.Status != domain.TradeStatusPartial {
		t.Fatalf("status = %s, want partial", tlog.Status)
	}
	if tlog.FailedAtStep != 2 {
		t.Errorf("failed_at_step = %d, want 2", tlog.FailedAtStep)
	}
	if len(tlog.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(tlog.Steps))
	}
	if tlog.Steps[0].ActualOut <= 0 {
		t.Error("leg 1 filled but has no actual output")
	}
	if tlog.Steps[1].ActualPrice != 0 {
		t.Errorf("failed leg carries an actual price: %+v", tlog.Steps[1])
	}
	if tlog.FinalAmount != 0 {
		t.Errorf("final = %.2f, want 0 (funds stranded mid-cycle)", tlog.FinalAmount)
	}
	if venue.orderCount() != 2 {
		t.Errorf("venue received %d orders, want 2", venue.orderCount())
	}
	if got := pub.statuses(); len(got) != 2 || got[1] != domain.OpportunityFailed {
		t.Errorf("status events = %v, want [executing failed]", got)
	}
}

func TestExecuteMissingBookAborts(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()
	e := New(defaultConfig(), pricecache.New(), nil, nil, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.Status != domain.TradeStatusFailed {
		t.Fatalf("status = %s, want failed", tlog.Status)
	}
	if venue.orderCount() != 0 {
		t.Errorf("venue received %d orders, want 0", venue.orderCount())
	}
}

func TestExecuteStaleBookAborts(t *testing.T) {
	now := time.Now()
	venue := newScriptVenue()
	e := New(defaultConfig(), seededQuotes(now.Add(-time.Minute)), nil, nil, testLogger())

	tlog, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.Status != domain.TradeStatusFailed {
		t.Fatalf("status = %s, want failed", tlog.Status)
	}
	if venue.orderCount() != 0 {
		t.Errorf("venue received %d orders, want 0", venue.orderCount())
	}
}

func TestExecuteGateSerializesPerAccount(t *testing.T) {
	now := time.Now()
	started := make(chan struct{})
	release := make(chan struct{})

	venue := newScriptVenue()
	venue.onOrder = func(call int) {
		if call == 1 {
			close(started)
			<-release
		}
	}
	e := New(defaultConfig(), seededQuotes(now), nil, nil, testLogger())

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000); err != nil {
			t.Errorf("first Execute: %v", err)
		}
	}()
	<-started

	if _, err := e.Execute(context.Background(), venue, testOpportunity(now), 1000); !errors.Is(err, domain.ErrLockHeld) {
		t.Errorf("second Execute on same account: err = %v, want ErrLockHeld", err)
	}

	// A different account on the same venue is not gated.
	other := newScriptVenue()
	other.account = "acct-two"
	if _, err := e.Execute(context.Background(), other, testOpportunity(now), 1000); err != nil {
		t.Errorf("Execute on second account: %v", err)
	}

	close(release)
	<-done
	e.Wait()
}

func TestExecuteContinuesPastCancelAfterFirstFill(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	venue := newScriptVenue()
	venue.onOrder = func(call int) {
		if call == 1 {
			cancel()
		}
	}
	e := New(defaultConfig(), seededQuotes(now), nil, nil, testLogger())

	tlog, err := e.Execute(ctx, venue, testOpportunity(now), 1000)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.Status != domain.TradeStatusSuccess {
		t.Fatalf("status = %s, want success: a started cycle runs to completion", tlog.Status)
	}
	if venue.orderCount() != 3 {
		t.Errorf("venue received %d orders, want 3", venue.orderCount())
	}
}

func TestExecuteCancelledBeforeStart(t *testing.T) {
	now := time.Now()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pub := &capturePub{}
	ledger := &memLedger{}
	e := New(defaultConfig(), seededQuotes(now), ledger, pub, testLogger())

	if _, err := e.Execute(ctx, newScriptVenue(), testOpportunity(now), 1000); err == nil {
		t.Fatal("Execute with cancelled context: expected error")
	}
	if ledger.count() != 0 {
		t.Errorf("ledger inserts = %d, want 0", ledger.count())
	}
	if len(pub.statuses()) != 0 {
		t.Errorf("events published for a machine that never started")
	}
}

func TestExecuteDefaultsToDetectionNotional(t *testing.T) {
	now := time.Now()
	e := New(defaultConfig(), seededQuotes(now), nil, nil, testLogger())

	tlog, err := e.Execute(context.Background(), newScriptVenue(), testOpportunity(now), 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if tlog.InitialAmount != 1000 {
		t.Errorf("initial = %.2f, want detection notional 1000", tlog.InitialAmount)
	}
}

func TestAdverseSlippagePct(t *testing.T) {
	tests := []struct {
		name     string
		side     domain.OrderSide
		expected float64
		actual   float64
		want     float64
	}{
		{"buy price rose", domain.OrderSideBuy, 100, 101, 1},
		{"buy price fell", domain.OrderSideBuy, 100, 99, -1},
		{"sell price fell", domain.OrderSideSell, 100, 99, 1},
		{"sell price rose", domain.OrderSideSell, 100, 101, -1},
		{"zero expected", domain.OrderSideBuy, 0, 101, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := adverseSlippagePct(tt.side, tt.expected, tt.actual); !approx(got, tt.want, 1e-9) {
				t.Errorf("got %.4f, want %.4f", got, tt.want)
			}
		})
	}
}

func TestStateHelpers(t *testing.T) {
	if got := LegSubmitted(2); got != State("leg2_submitted") {
		t.Errorf("LegSubmitted(2) = %s", got)
	}
	if got := LegFilled(3); got != State("leg3_filled") {
		t.Errorf("LegFilled(3) = %s", got)
	}
	for _, s := range []State{StateCompleted, StateFailed, StatePartial} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StatePending, LegSubmitted(1), LegFilled(2)} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}
