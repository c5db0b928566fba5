// Package domain holds the core types shared across the engine: trading
// pairs, triangle cycles, opportunities, trade logs, breaker state, and the
// store/cache interfaces implemented by the infrastructure packages.
package domain

import (
	"strings"
	"time"
)

// TradingPair describes one tradable market on an exchange together with its
// latest book snapshot and fee schedule. Each pair is written only by the
// stream worker of the owning exchange adapter; every other component reads
// copies taken from the price cache.
type TradingPair struct {
	Symbol string // canonical "BASE/QUOTE", e.g. "BTC/USDT"
	Base   string
	Quote  string

	BidPrice  float64
	BidSize   float64
	AskPrice  float64
	AskSize   float64
	Bids      []PriceLevel // top book levels, best (highest bid) first
	Asks      []PriceLevel // top book levels, best (lowest ask) first
	Volume24h float64      // quote-denominated 24h volume

	MakerFee         float64 // fraction, e.g. 0.001 = 0.1%
	TakerFee         float64
	ZeroFee          bool    // exchange charges no commission on this pair
	FeeTokenDiscount float64 // fraction of the taker fee waived when paying in the venue token

	UpdatedAt time.Time
}

// HasQuote reports whether both sides of the book carry a usable price.
func (p TradingPair) HasQuote() bool {
	return p.BidPrice > 0 && p.AskPrice > 0
}

// Crossed reports whether the book is crossed (bid at or above ask). A
// crossed book is unusable for cycle evaluation.
func (p TradingPair) Crossed() bool {
	return p.BidPrice >= p.AskPrice
}

// Stale reports whether the snapshot is older than the given bound at the
// reference time now.
func (p TradingPair) Stale(bound time.Duration, now time.Time) bool {
	if p.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(p.UpdatedAt) > bound
}

// EffectiveTakerFee returns the taker fee after the zero-fee flag and,
// when useFeeToken is set, the fee-token discount are applied.
func (p TradingPair) EffectiveTakerFee(useFeeToken bool) float64 {
	if p.ZeroFee {
		return 0
	}
	fee := p.TakerFee
	if useFeeToken && p.FeeTokenDiscount > 0 {
		fee *= 1 - p.FeeTokenDiscount
	}
	if fee < 0 {
		return 0
	}
	return fee
}

// SplitSymbol splits a canonical "BASE/QUOTE" symbol into its assets.
// The second return value is false when the symbol is not in canonical form.
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	i := strings.IndexByte(symbol, '/')
	if i <= 0 || i == len(symbol)-1 {
		return "", "", false
	}
	return symbol[:i], symbol[i+1:], true
}

// MakeSymbol builds the canonical "BASE/QUOTE" symbol.
func MakeSymbol(base, quote string) string {
	return base + "/" + quote
}
