// Package paper wraps any venue adapter with simulated execution. Market
// data passes through to the real venue; orders fill against the cached
// book with a configurable slippage haircut and settle into an in-memory
// balance sheet.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

// Quoter supplies the current book for fills. Satisfied by the price cache.
type Quoter interface {
	Get(exchange, symbol string) (domain.TradingPair, bool)
}

// Options tunes the simulation.
type Options struct {
	// StartingBalance is credited for each asset in SeedAssets.
	StartingBalance float64
	SeedAssets      []string

	// SlippagePct shifts every fill against the taker, in percent of the
	// top-of-book price.
	SlippagePct float64

	// UseFeeToken applies the venue's fee-token discount to simulated fees.
	UseFeeToken bool

	// StalenessBound rejects fills against books older than this.
	StalenessBound time.Duration
}

// Exchange simulates execution over a real venue's market data.
type Exchange struct {
	venue  exchange.Adapter
	quotes Quoter
	opts   Options
	log    *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	balances map[string]float64
}

func New(venue exchange.Adapter, quotes Quoter, opts Options, logger *slog.Logger) *Exchange {
	balances := make(map[string]float64, len(opts.SeedAssets))
	for _, asset := range opts.SeedAssets {
		balances[asset] = opts.StartingBalance
	}
	return &Exchange{
		venue:    venue,
		quotes:   quotes,
		opts:     opts,
		log: logger.With(
			slog.String("component", "paper"),
			slog.String("venue", venue.Name()),
		),
		now:      time.Now,
		balances: balances,
	}
}

// Name reports the underlying venue so cycles and books resolve unchanged.
func (e *Exchange) Name() string { return e.venue.Name() }

func (e *Exchange) Account() string { return "paper" }

func (e *Exchange) Pairs(ctx context.Context) ([]domain.TradingPair, error) {
	return e.venue.Pairs(ctx)
}

func (e *Exchange) Stream(ctx context.Context, symbols []string, sink func(domain.TradingPair)) error {
	return e.venue.Stream(ctx, symbols, sink)
}

// PlaceMarketOrder fills immediately against the cached top of book, shifted
// by the configured slippage, and settles the in-memory balances.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	if order.Quantity <= 0 {
		return domain.OrderResult{}, fmt.Errorf("paper: non-positive quantity: %w", domain.ErrOrderRejected)
	}

	pair, ok := e.quotes.Get(e.venue.Name(), order.Symbol)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("paper: no book for %q: %w", order.Symbol, domain.ErrNotFound)
	}
	now := e.now()
	if !pair.HasQuote() || pair.Crossed() {
		return domain.OrderResult{}, fmt.Errorf("paper: unusable book for %q: %w", order.Symbol, domain.ErrOrderRejected)
	}
	if e.opts.StalenessBound > 0 && pair.Stale(e.opts.StalenessBound, now) {
		return domain.OrderResult{}, fmt.Errorf("paper: stale book for %q: %w", order.Symbol, domain.ErrStaleData)
	}

	price := e.fillPrice(pair, order.Side)
	fee := pair.EffectiveTakerFee(e.opts.UseFeeToken)

	var res domain.OrderResult
	if order.Side == domain.OrderSideBuy {
		// Spend Quantity of quote, receive base net of fee.
		gross := order.Quantity / price
		res = domain.OrderResult{
			FilledQty: gross * (1 - fee),
			Cost:      order.Quantity,
			Fee:       gross * fee,
		}
	} else {
		// Sell Quantity of base, receive quote net of fee.
		gross := order.Quantity * price
		res = domain.OrderResult{
			FilledQty: order.Quantity,
			Cost:      gross * (1 - fee),
			Fee:       gross * fee,
		}
	}
	res.OrderID = uuid.NewString()
	res.Symbol = order.Symbol
	res.Side = order.Side
	res.FilledPrice = price
	res.Timestamp = now

	if err := e.settle(order, res, pair); err != nil {
		return domain.OrderResult{}, err
	}

	e.log.Debug("paper fill",
		slog.String("symbol", order.Symbol),
		slog.String("side", string(order.Side)),
		slog.Float64("price", price),
		slog.Float64("qty", res.FilledQty),
	)
	return res, nil
}

// Balances reports the simulated balance sheet.
func (e *Exchange) Balances(ctx context.Context) ([]domain.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	balances := make([]domain.Balance, 0, len(e.balances))
	for asset, amount := range e.balances {
		if amount == 0 {
			continue
		}
		balances = append(balances, domain.Balance{Asset: asset, Free: amount})
	}
	return balances, nil
}

func (e *Exchange) Close() error { return e.venue.Close() }

// Balance returns one simulated asset balance.
func (e *Exchange) Balance(asset string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.balances[asset]
}

// fillPrice shifts the top of book against the taker by the configured
// slippage.
func (e *Exchange) fillPrice(pair domain.TradingPair, side domain.OrderSide) float64 {
	slip := e.opts.SlippagePct / 100
	if side == domain.OrderSideBuy {
		return pair.AskPrice * (1 + slip)
	}
	return pair.BidPrice * (1 - slip)
}

// settle debits the spent asset and credits the received one, rejecting
// fills the balance sheet cannot fund.
func (e *Exchange) settle(order domain.MarketOrder, res domain.OrderResult, pair domain.TradingPair) error {
	spendAsset, spendAmount := pair.Quote, res.Cost
	receiveAsset, receiveAmount := pair.Base, res.FilledQty
	if order.Side == domain.OrderSideSell {
		spendAsset, spendAmount = pair.Base, res.FilledQty
		receiveAsset, receiveAmount = pair.Quote, res.Cost
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.balances[spendAsset] < spendAmount {
		return fmt.Errorf("paper: %s balance %.8f short of %.8f: %w",
			spendAsset, e.balances[spendAsset], spendAmount, domain.ErrInsufficientBalance)
	}
	e.balances[spendAsset] -= spendAmount
	e.balances[receiveAsset] += receiveAmount
	return nil
}
