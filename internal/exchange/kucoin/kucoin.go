// Package kucoin adapts the KuCoin spot API to the venue adapter contract.
// REST covers symbols, books, orders and balances; live quotes ride the
// level2 depth topics behind the bullet-public token handshake.
package kucoin

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

const Name = "kucoin"

const (
	// fillPollAttempts bounds how long a market order may stay active before
	// the fill is read as-is. Market orders settle within one or two polls.
	fillPollAttempts = 5
	fillPollDelay    = 200 * time.Millisecond
)

// Options carries the venue wiring: endpoints, credentials and the fee
// schedule from configuration.
type Options struct {
	RestURL         string
	Auth            crypto.HMACAuth
	Fees            exchange.FeeModel
	DepthLevels     int
	RateLimitPerSec int
}

// Exchange implements the venue adapter for KuCoin spot.
type Exchange struct {
	account string
	client  *Client
	feed    *Feed
	fees    exchange.FeeModel
	log     *slog.Logger

	mu       sync.RWMutex
	toNative map[string]string // "BTC/USDT" -> "BTC-USDT"
	toCanon  map[string]string // "BTC-USDT" -> "BTC/USDT"
}

func New(opts Options, limiter domain.RateLimiter, logger *slog.Logger) *Exchange {
	rest := exchange.NewRestClient(Name, opts.RestURL, limiter, opts.RateLimitPerSec, logger)
	client := NewClient(rest, opts.Auth, logger)
	return &Exchange{
		account:  exchange.AccountLabel(opts.Auth.Key),
		client:   client,
		feed:     NewFeed(client, opts.DepthLevels, logger),
		fees:     opts.Fees,
		log:      logger.With(slog.String("component", "kucoin")),
		toNative: make(map[string]string),
		toCanon:  make(map[string]string),
	}
}

func (e *Exchange) Name() string { return Name }

func (e *Exchange) Account() string { return e.account }

// Pairs lists the tradable markets with their current top of book.
func (e *Exchange) Pairs(ctx context.Context) ([]domain.TradingPair, error) {
	if err := e.refreshSymbols(ctx); err != nil {
		return nil, err
	}

	tickers, err := e.client.AllTickers(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pairs := make([]domain.TradingPair, 0, len(tickers.Ticker))
	for _, t := range tickers.Ticker {
		canonical, ok := e.canonical(t.Symbol)
		if !ok {
			continue
		}
		base, quote, ok := domain.SplitSymbol(canonical)
		if !ok {
			continue
		}
		pair := domain.TradingPair{
			Symbol:    canonical,
			Base:      base,
			Quote:     quote,
			BidPrice:  parseF(t.Buy),
			BidSize:   parseF(t.BestBidSize),
			AskPrice:  parseF(t.Sell),
			AskSize:   parseF(t.BestAskSize),
			Volume24h: parseF(t.VolValue),
			UpdatedAt: now,
		}
		pairs = append(pairs, e.fees.Apply(pair))
	}
	return pairs, nil
}

// Stream delivers live books for the given canonical symbols until ctx is
// cancelled or the connection drops. Reconnecting is the caller's job.
func (e *Exchange) Stream(ctx context.Context, symbols []string, sink func(domain.TradingPair)) error {
	if len(e.nativeSymbols(symbols)) == 0 {
		if err := e.refreshSymbols(ctx); err != nil {
			return err
		}
	}

	native := e.nativeSymbols(symbols)
	if len(native) == 0 {
		return fmt.Errorf("kucoin: stream: no mapped symbols")
	}

	return e.feed.Run(ctx, native, func(sym string, bids, asks []domain.PriceLevel) {
		canonical, ok := e.canonical(sym)
		if !ok {
			return
		}
		base, quote, ok := domain.SplitSymbol(canonical)
		if !ok {
			return
		}
		pair := domain.TradingPair{
			Symbol:    canonical,
			Base:      base,
			Quote:     quote,
			Bids:      bids,
			Asks:      asks,
			UpdatedAt: time.Now(),
		}
		if len(bids) > 0 {
			pair.BidPrice, pair.BidSize = bids[0].Price, bids[0].Size
		}
		if len(asks) > 0 {
			pair.AskPrice, pair.AskSize = asks[0].Price, asks[0].Size
		}
		sink(e.fees.Apply(pair))
	})
}

// PlaceMarketOrder submits a market order, waits for it to settle, and
// reports the fill net of the commission taken in the received asset.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	native, ok := e.native(order.Symbol)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("kucoin: unknown symbol %q: %w", order.Symbol, domain.ErrNotFound)
	}

	req := placeOrderRequest{
		ClientOid: uuid.NewString(),
		Side:      string(order.Side),
		Symbol:    native,
		Type:      "market",
	}
	if order.Side == domain.OrderSideBuy {
		req.Funds = formatQty(order.Quantity)
	} else {
		req.Size = formatQty(order.Quantity)
	}

	orderID, err := e.client.PlaceOrder(ctx, req)
	if err != nil {
		return domain.OrderResult{}, err
	}

	detail, err := e.awaitFill(ctx, orderID)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if parseF(detail.DealSize) <= 0 {
		return domain.OrderResult{}, fmt.Errorf("kucoin: order %s not filled: %w", order.Symbol, domain.ErrOrderRejected)
	}

	return e.orderResult(order.Symbol, order.Side, detail), nil
}

// Balances returns the non-empty trade-account balances.
func (e *Exchange) Balances(ctx context.Context) ([]domain.Balance, error) {
	raw, err := e.client.Accounts(ctx)
	if err != nil {
		return nil, err
	}

	balances := make([]domain.Balance, 0, len(raw))
	for _, a := range raw {
		free, locked := parseF(a.Available), parseF(a.Holds)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{Asset: a.Currency, Free: free, Locked: locked})
	}
	return balances, nil
}

func (e *Exchange) Close() error { return nil }

// awaitFill polls the order until it leaves the active state. The last
// detail is returned either way; market orders that are still active after
// the polling window report whatever has filled so far.
func (e *Exchange) awaitFill(ctx context.Context, orderID string) (orderDetail, error) {
	var detail orderDetail
	var err error
	for attempt := 0; attempt < fillPollAttempts; attempt++ {
		detail, err = e.client.OrderDetail(ctx, orderID)
		if err != nil {
			return orderDetail{}, err
		}
		if !detail.IsActive {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return orderDetail{}, ctx.Err()
		case <-time.After(fillPollDelay):
		}
	}
	e.log.Warn("order still active after polling window", slog.String("order_id", orderID))
	return detail, nil
}

// refreshSymbols rebuilds the native/canonical symbol maps.
func (e *Exchange) refreshSymbols(ctx context.Context) error {
	symbols, err := e.client.Symbols(ctx)
	if err != nil {
		return err
	}

	toNative := make(map[string]string, len(symbols))
	toCanon := make(map[string]string, len(symbols))
	for _, s := range symbols {
		canonical := domain.MakeSymbol(s.BaseCurrency, s.QuoteCurrency)
		toNative[canonical] = s.Symbol
		toCanon[s.Symbol] = canonical
	}

	e.mu.Lock()
	e.toNative = toNative
	e.toCanon = toCanon
	e.mu.Unlock()

	e.log.Debug("symbol map refreshed", slog.Int("symbols", len(toNative)))
	return nil
}

func (e *Exchange) native(canonical string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sym, ok := e.toNative[canonical]
	return sym, ok
}

func (e *Exchange) canonical(native string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	sym, ok := e.toCanon[native]
	return sym, ok
}

func (e *Exchange) nativeSymbols(canonical []string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	native := make([]string, 0, len(canonical))
	for _, sym := range canonical {
		if n, ok := e.toNative[sym]; ok {
			native = append(native, n)
		}
	}
	return native
}

// orderResult converts a settled order. dealSize and dealFunds are gross;
// the commission is deducted from the received asset.
func (e *Exchange) orderResult(canonical string, side domain.OrderSide, detail orderDetail) domain.OrderResult {
	base, quote, _ := domain.SplitSymbol(canonical)
	received := base
	if side == domain.OrderSideSell {
		received = quote
	}

	fee := parseF(detail.Fee)
	filledQty := parseF(detail.DealSize)
	cost := parseF(detail.DealFunds)
	var avgPrice float64
	if filledQty > 0 {
		avgPrice = cost / filledQty
	}

	switch {
	case detail.FeeCurrency != received && detail.FeeCurrency != "":
		// Fee paid in the venue token leaves the fill untouched.
		e.log.Debug("commission paid outside received asset",
			slog.String("symbol", canonical),
			slog.String("currency", detail.FeeCurrency),
			slog.Float64("amount", fee))
		fee = 0
	case side == domain.OrderSideBuy:
		filledQty -= fee
	default:
		cost -= fee
	}

	return domain.OrderResult{
		OrderID:     detail.ID,
		Symbol:      canonical,
		Side:        side,
		FilledQty:   filledQty,
		FilledPrice: avgPrice,
		Cost:        cost,
		Fee:         fee,
		Timestamp:   time.UnixMilli(detail.CreatedAt),
	}
}

func formatQty(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
