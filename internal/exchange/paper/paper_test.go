package paper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

type fakeVenue struct {
	name  string
	pairs []domain.TradingPair
}

func (f *fakeVenue) Name() string    { return f.name }
func (f *fakeVenue) Account() string { return "live" }
func (f *fakeVenue) Pairs(ctx context.Context) ([]domain.TradingPair, error) {
	return f.pairs, nil
}
func (f *fakeVenue) Stream(ctx context.Context, symbols []string, sink func(domain.TradingPair)) error {
	return nil
}
func (f *fakeVenue) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	return domain.OrderResult{}, errors.New("live order placed through paper wrapper")
}
func (f *fakeVenue) Balances(ctx context.Context) ([]domain.Balance, error) { return nil, nil }
func (f *fakeVenue) Close() error                                           { return nil }

type fakeQuoter struct {
	books map[string]domain.TradingPair
}

func (f *fakeQuoter) Get(exchange, symbol string) (domain.TradingPair, bool) {
	p, ok := f.books[symbol]
	return p, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func btcBook(updated time.Time) domain.TradingPair {
	return domain.TradingPair{
		Symbol:    "BTC/USDT",
		Base:      "BTC",
		Quote:     "USDT",
		BidPrice:  49990,
		BidSize:   5,
		AskPrice:  50000,
		AskSize:   5,
		TakerFee:  0.001,
		UpdatedAt: updated,
	}
}

func newPaper(t *testing.T, opts Options) (*Exchange, *fakeQuoter) {
	t.Helper()
	quotes := &fakeQuoter{books: map[string]domain.TradingPair{
		"BTC/USDT": btcBook(time.Now()),
	}}
	ex := New(&fakeVenue{name: "binance"}, quotes, opts, testLogger())
	return ex, quotes
}

func TestBuySettlesBalances(t *testing.T) {
	ex, _ := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT"},
		StalenessBound:  5 * time.Second,
	})

	res, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}

	wantQty := (100.0 / 50000) * (1 - 0.001)
	if diff := res.FilledQty - wantQty; diff > 1e-12 || diff < -1e-12 {
		t.Errorf("FilledQty = %v, want %v", res.FilledQty, wantQty)
	}
	if res.Cost != 100 {
		t.Errorf("Cost = %v, want 100", res.Cost)
	}
	if res.OrderID == "" {
		t.Error("missing order id")
	}

	if got := ex.Balance("USDT"); got != 9900 {
		t.Errorf("USDT balance = %v, want 9900", got)
	}
	if got := ex.Balance("BTC"); got != res.FilledQty {
		t.Errorf("BTC balance = %v, want %v", got, res.FilledQty)
	}
}

func TestSellRoundTrip(t *testing.T) {
	ex, _ := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT"},
	})

	buy, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}

	sell, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideSell,
		Quantity: buy.Output(),
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}

	if got := ex.Balance("BTC"); got > 1e-12 {
		t.Errorf("BTC balance after round trip = %v, want 0", got)
	}
	// Crossing the spread and paying two fees always loses money.
	if got := ex.Balance("USDT"); got >= 10000 {
		t.Errorf("USDT balance = %v, expected a round-trip loss", got)
	}
	if sell.Output() != sell.Cost {
		t.Errorf("sell output = %v, want quote credit %v", sell.Output(), sell.Cost)
	}
}

func TestInsufficientBalanceRejected(t *testing.T) {
	ex, _ := newPaper(t, Options{
		StartingBalance: 50,
		SeedAssets:      []string{"USDT"},
	})

	_, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Errorf("error = %v, want ErrInsufficientBalance", err)
	}
	if got := ex.Balance("USDT"); got != 50 {
		t.Errorf("failed order must not move balances, USDT = %v", got)
	}
}

func TestSlippageShiftsFillPrice(t *testing.T) {
	ex, _ := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT", "BTC"},
		SlippagePct:     0.05,
	})

	buy, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if want := 50000 * 1.0005; buy.FilledPrice != want {
		t.Errorf("buy price = %v, want %v", buy.FilledPrice, want)
	}

	sell, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideSell,
		Quantity: 0.001,
	})
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if want := 49990 * 0.9995; sell.FilledPrice != want {
		t.Errorf("sell price = %v, want %v", sell.FilledPrice, want)
	}
}

func TestStaleBookRejected(t *testing.T) {
	ex, quotes := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT"},
		StalenessBound:  5 * time.Second,
	})
	quotes.books["BTC/USDT"] = btcBook(time.Now().Add(-time.Minute))

	_, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if !errors.Is(err, domain.ErrStaleData) {
		t.Errorf("error = %v, want ErrStaleData", err)
	}
}

func TestZeroFeePairPaysNoFee(t *testing.T) {
	ex, quotes := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT"},
	})
	book := btcBook(time.Now())
	book.ZeroFee = true
	quotes.books["BTC/USDT"] = book

	res, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "BTC/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if err != nil {
		t.Fatalf("PlaceMarketOrder: %v", err)
	}
	if res.Fee != 0 {
		t.Errorf("Fee = %v, want 0", res.Fee)
	}
	if want := 100.0 / 50000; res.FilledQty != want {
		t.Errorf("FilledQty = %v, want %v", res.FilledQty, want)
	}
}

func TestMissingBookRejected(t *testing.T) {
	ex, _ := newPaper(t, Options{
		StartingBalance: 10000,
		SeedAssets:      []string{"USDT"},
	})

	_, err := ex.PlaceMarketOrder(context.Background(), domain.MarketOrder{
		Symbol:   "DOGE/USDT",
		Side:     domain.OrderSideBuy,
		Quantity: 100,
	})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestIdentityAndPassthrough(t *testing.T) {
	venue := &fakeVenue{name: "binance", pairs: []domain.TradingPair{btcBook(time.Now())}}
	ex := New(venue, &fakeQuoter{}, Options{}, testLogger())

	if ex.Name() != "binance" {
		t.Errorf("Name = %q, want the wrapped venue name", ex.Name())
	}
	if ex.Account() != "paper" {
		t.Errorf("Account = %q, want paper", ex.Account())
	}

	pairs, err := ex.Pairs(context.Background())
	if err != nil || len(pairs) != 1 {
		t.Errorf("Pairs passthrough failed: %v %d", err, len(pairs))
	}
}
