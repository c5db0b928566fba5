package domain

import "strings"

// CycleLeg is one conversion step in a triangle: executing Pair in the
// given direction converts the asset held before the leg (From) into the
// asset held after it (To).
type CycleLeg struct {
	Pair TradingPair
	Side OrderSide
	From string
	To   string
}

// TriangleCycle is a closed three-leg conversion path over three distinct
// assets on a single exchange, returning to the starting asset. A cycle is
// built against one price snapshot and never mutated; a fresh snapshot
// produces fresh instances.
type TriangleCycle struct {
	Exchange string
	Legs     [3]CycleLeg
}

// Base returns the starting (and ending) asset of the cycle.
func (c TriangleCycle) Base() string {
	return c.Legs[0].From
}

// Assets returns the three traversed assets in order, starting asset first.
func (c TriangleCycle) Assets() [3]string {
	return [3]string{c.Legs[0].From, c.Legs[1].From, c.Legs[2].From}
}

// Symbols returns the three leg symbols in execution order.
func (c TriangleCycle) Symbols() [3]string {
	return [3]string{c.Legs[0].Pair.Symbol, c.Legs[1].Pair.Symbol, c.Legs[2].Pair.Symbol}
}

// Path renders the traversal as "USDT → BTC → ETH → USDT".
func (c TriangleCycle) Path() string {
	a := c.Assets()
	return strings.Join([]string{a[0], a[1], a[2], a[0]}, " → ")
}

// Valid reports whether the cycle traverses three distinct assets and
// closes back on its starting asset.
func (c TriangleCycle) Valid() bool {
	a := c.Assets()
	if a[0] == a[1] || a[1] == a[2] || a[0] == a[2] {
		return false
	}
	for i, leg := range c.Legs {
		next := c.Legs[(i+1)%3]
		if leg.To != next.From {
			return false
		}
		base, quote, ok := SplitSymbol(leg.Pair.Symbol)
		if !ok {
			return false
		}
		switch leg.Side {
		case OrderSideBuy:
			if leg.From != quote || leg.To != base {
				return false
			}
		case OrderSideSell:
			if leg.From != base || leg.To != quote {
				return false
			}
		default:
			return false
		}
	}
	return true
}
