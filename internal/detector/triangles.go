// Package detector finds triangular arbitrage cycles in cached order-book
// quotes and ranks the resulting opportunities.
package detector

import (
	"sort"

	"github.com/openarb/tribot/internal/domain"
)

// edge is one tradable hop between two assets: buying pair's base with its
// quote, or selling pair's base for its quote.
type edge struct {
	pair domain.TradingPair
	side domain.OrderSide
	to   string
}

// BuildTriangles enumerates every three-leg cycle over the given pair
// universe that starts and ends in one of baseAssets. The returned cycles
// are templates: legs carry the static pair definition (symbol, assets, fee
// flags), prices are filled in from a snapshot at scan time.
//
// Both traversal directions of an asset triple are distinct cycles; their
// yields differ, so both are kept.
func BuildTriangles(exchange string, pairs []domain.TradingPair, baseAssets []string) []domain.TriangleCycle {
	edges := make(map[string][]edge)
	for _, p := range pairs {
		if p.Base == "" || p.Quote == "" || p.Base == p.Quote {
			continue
		}
		// Spending the quote asset buys the base, and vice versa.
		edges[p.Quote] = append(edges[p.Quote], edge{pair: p, side: domain.OrderSideBuy, to: p.Base})
		edges[p.Base] = append(edges[p.Base], edge{pair: p, side: domain.OrderSideSell, to: p.Quote})
	}

	var cycles []domain.TriangleCycle
	for _, base := range baseAssets {
		for _, first := range edges[base] {
			mid := first.to
			if mid == base {
				continue
			}
			for _, second := range edges[mid] {
				third := second.to
				if third == base || third == mid {
					continue
				}
				for _, closing := range edges[third] {
					if closing.to != base {
						continue
					}
					cycles = append(cycles, domain.TriangleCycle{
						Exchange: exchange,
						Legs: [3]domain.CycleLeg{
							{Pair: first.pair, Side: first.side, From: base, To: mid},
							{Pair: second.pair, Side: second.side, From: mid, To: third},
							{Pair: closing.pair, Side: closing.side, From: third, To: base},
						},
					})
				}
			}
		}
	}

	sort.Slice(cycles, func(i, j int) bool {
		a, b := cycles[i].Symbols(), cycles[j].Symbols()
		for k := 0; k < 3; k++ {
			if a[k] != b[k] {
				return a[k] < b[k]
			}
		}
		return cycles[i].Legs[0].Side < cycles[j].Legs[0].Side
	})
	return cycles
}
