package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// MarketOrder is a request for an immediate fill at the best available
// price. Quantity is denominated in the quote asset for buys (a
// funds-style market buy, "spend this much quote") and in the base asset
// for sells ("sell this much base").
type MarketOrder struct {
	Symbol   string
	Side     OrderSide
	Quantity float64
}

// OrderResult is the adapter's report of an executed market order.
// FilledQty and Cost are net of the fee: FilledQty is the base-asset amount
// actually credited (buy) or debited (sell), Cost the quote-asset amount
// debited (buy) or credited (sell).
type OrderResult struct {
	OrderID     string
	Symbol      string
	Side        OrderSide
	FilledQty   float64
	FilledPrice float64 // average fill price
	Cost        float64
	Fee         float64 // charged fee, denominated in the received asset
	Timestamp   time.Time
}

// Output returns the amount of the asset the order produced: base for a
// buy, quote for a sell. This is the amount the next cycle leg has to work
// with.
func (r OrderResult) Output() float64 {
	if r.Side == OrderSideBuy {
		return r.FilledQty
	}
	return r.Cost
}
