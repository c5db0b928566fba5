// Package exchange defines the venue boundary: live market data, pair
// metadata, balances, and market-order entry. Concrete venues live in
// subpackages; paper trading wraps any of them.
package exchange

import (
	"context"

	"github.com/openarb/tribot/internal/domain"
)

// Adapter is one trading venue. Implementations must be safe for
// concurrent use.
type Adapter interface {
	// Name returns the venue identifier, e.g. "binance".
	Name() string

	// Account identifies the trading account behind this adapter. Executions
	// are serialized per (Name, Account).
	Account() string

	// Pairs returns the venue's tradable pair universe with the configured
	// fee attributes applied and, where the venue offers it cheaply, the
	// current top of book.
	Pairs(ctx context.Context) ([]domain.TradingPair, error)

	// Stream pushes quote updates for the given symbols into sink until ctx
	// is canceled or the session drops, in which case it returns the
	// disconnect error. Reconnect policy belongs to the caller.
	Stream(ctx context.Context, symbols []string, sink func(domain.TradingPair)) error

	// PlaceMarketOrder submits a market order and returns the fill. Buy
	// quantities are denominated in the quote asset, sell quantities in the
	// base asset.
	PlaceMarketOrder(ctx context.Context, order domain.MarketOrder) (domain.OrderResult, error)

	// Balances returns the account's spendable funds.
	Balances(ctx context.Context) ([]domain.Balance, error)

	// Close releases venue resources.
	Close() error
}

// FeeModel carries the per-venue fee attributes applied to every pair an
// adapter reports.
type FeeModel struct {
	MakerFee         float64
	TakerFee         float64
	FeeTokenDiscount float64
	ZeroFeePairs     map[string]bool
}

// Apply stamps the fee attributes onto a pair.
func (m FeeModel) Apply(p domain.TradingPair) domain.TradingPair {
	p.MakerFee = m.MakerFee
	p.TakerFee = m.TakerFee
	p.FeeTokenDiscount = m.FeeTokenDiscount
	p.ZeroFee = m.ZeroFeePairs[p.Symbol]
	return p
}

// AccountLabel derives a stable, log-safe account identifier from an API
// key. Credential-less adapters (paper, public data only) share "default".
func AccountLabel(apiKey string) string {
	if apiKey == "" {
		return "default"
	}
	if len(apiKey) <= 8 {
		return apiKey
	}
	return apiKey[:8]
}

// NewFeeModel builds a FeeModel from raw config values.
func NewFeeModel(maker, taker, discount float64, zeroFeePairs []string) FeeModel {
	zf := make(map[string]bool, len(zeroFeePairs))
	for _, s := range zeroFeePairs {
		zf[s] = true
	}
	return FeeModel{
		MakerFee:         maker,
		TakerFee:         taker,
		FeeTokenDiscount: discount,
		ZeroFeePairs:     zf,
	}
}
