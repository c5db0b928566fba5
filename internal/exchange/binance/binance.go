// Package binance adapts the Binance spot API to the venue adapter
// contract: REST for symbols, books, orders and balances, WebSocket
// partial-depth streams for live quotes.
package binance

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/exchange"
)

const Name = "binance"

// Options carries the venue wiring: endpoints, credentials and the fee
// schedule from configuration.
type Options struct {
	RestURL         string
	WsURL           string
	Auth            crypto.HMACAuth
	Fees            exchange.FeeModel
	DepthLevels     int
	RateLimitPerSec int
}

// Exchange implements the venue adapter for Binance spot.
type Exchange struct {
	account string
	client  *Client
	feed    *Feed
	fees    exchange.FeeModel
	log     *slog.Logger

	mu       sync.RWMutex
	toNative map[string]string // "BTC/USDT" -> "BTCUSDT"
	toCanon  map[string]string // "BTCUSDT" -> "BTC/USDT"
}

func New(opts Options, limiter domain.RateLimiter, logger *slog.Logger) *Exchange {
	rest := exchange.NewRestClient(Name, opts.RestURL, limiter, opts.RateLimitPerSec, logger)
	return &Exchange{
		account:  exchange.AccountLabel(opts.Auth.Key),
		client:   NewClient(rest, opts.Auth, logger),
		feed:     NewFeed(opts.WsURL, opts.DepthLevels, logger),
		fees:     opts.Fees,
		log:      logger.With(slog.String("component", "binance")),
		toNative: make(map[string]string),
		toCanon:  make(map[string]string),
	}
}

func (e *Exchange) Name() string { return Name }

func (e *Exchange) Account() string { return e.account }

// Pairs lists the tradable spot markets with their current top of book.
func (e *Exchange) Pairs(ctx context.Context) ([]domain.TradingPair, error) {
	if err := e.refreshSymbols(ctx); err != nil {
		return nil, err
	}

	tickers, err := e.client.BookTickers(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	pairs := make([]domain.TradingPair, 0, len(tickers))
	for _, t := range tickers {
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
			BidPrice:  parseF(t.BidPrice),
			BidSize:   parseF(t.BidQty),
			AskPrice:  parseF(t.AskPrice),
			AskSize:   parseF(t.AskQty),
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
		return fmt.Errorf("binance: stream: no mapped symbols")
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

// PlaceMarketOrder submits a market order and reports the fill net of
// commissions taken in the received asset.
func (e *Exchange) PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error) {
	native, ok := e.native(order.Symbol)
	if !ok {
		return domain.OrderResult{}, fmt.Errorf("binance: unknown symbol %q: %w", order.Symbol, domain.ErrNotFound)
	}

	resp, err := e.client.PlaceMarketOrder(ctx, native, order.Side, order.Quantity)
	if err != nil {
		return domain.OrderResult{}, err
	}
	if parseF(resp.ExecutedQty) <= 0 {
		return domain.OrderResult{}, fmt.Errorf("binance: order %s not filled (status %s): %w",
			order.Symbol, resp.Status, domain.ErrOrderRejected)
	}

	return e.orderResult(order.Symbol, order.Side, resp), nil
}

// Balances returns the non-empty spot balances.
func (e *Exchange) Balances(ctx context.Context) ([]domain.Balance, error) {
	raw, err := e.client.Account(ctx)
	if err != nil {
		return nil, err
	}

	balances := make([]domain.Balance, 0, len(raw))
	for _, b := range raw {
		free, locked := parseF(b.Free), parseF(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		balances = append(balances, domain.Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return balances, nil
}

func (e *Exchange) Close() error { return nil }

// refreshSymbols rebuilds the native/canonical symbol maps from exchangeInfo.
func (e *Exchange) refreshSymbols(ctx context.Context) error {
	symbols, err := e.client.ExchangeInfo(ctx)
	if err != nil {
		return err
	}

	toNative := make(map[string]string, len(symbols))
	toCanon := make(map[string]string, len(symbols))
	for _, s := range symbols {
		canonical := domain.MakeSymbol(s.BaseAsset, s.QuoteAsset)
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

// orderResult converts a fill report. Commissions taken in the received
// asset reduce the credited amount; commissions paid in the venue token do
// not touch the fill and are only logged.
func (e *Exchange) orderResult(canonical string, side domain.OrderSide, resp orderResponse) domain.OrderResult {
	base, quote, _ := domain.SplitSymbol(canonical)
	received := base
	if side == domain.OrderSideSell {
		received = quote
	}

	var fee, tokenFee float64
	for _, f := range resp.Fills {
		switch f.CommissionAsset {
		case received:
			fee += parseF(f.Commission)
		default:
			tokenFee += parseF(f.Commission)
		}
	}
	if tokenFee > 0 {
		e.log.Debug("commission paid outside received asset",
			slog.String("symbol", canonical), slog.Float64("amount", tokenFee))
	}

	filledQty := parseF(resp.ExecutedQty)
	cost := parseF(resp.CummulativeQuoteQty)
	var avgPrice float64
	if filledQty > 0 {
		avgPrice = cost / filledQty
	}
	if side == domain.OrderSideBuy {
		filledQty -= fee
	} else {
		cost -= fee
	}

	return domain.OrderResult{
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol:      canonical,
		Side:        side,
		FilledQty:   filledQty,
		FilledPrice: avgPrice,
		Cost:        cost,
		Fee:         fee,
		Timestamp:   time.UnixMilli(resp.TransactTime),
	}
}
