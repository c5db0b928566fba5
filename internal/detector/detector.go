package detector

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/pricecache"
)

// Config holds the scan parameters for one detector instance.
type Config struct {
	StalenessBound    time.Duration
	DepthLevels       int
	DepthTolerancePct float64
	UseFeeToken       bool
}

// Detector evaluates triangle templates against price snapshots.
type Detector struct {
	cfg Config
	log *slog.Logger
}

// New returns a Detector with the given scan parameters.
func New(cfg Config, logger *slog.Logger) *Detector {
	return &Detector{
		cfg: cfg,
		log: logger.With(slog.String("component", "detector")),
	}
}

// Scan evaluates every triangle template against the snapshot with the
// given starting notional and returns one candidate per cycle whose net
// yield is strictly positive. Cycles touching a missing, stale, crossed,
// or empty quote are skipped silently.
func (d *Detector) Scan(snap pricecache.Snapshot, triangles []domain.TriangleCycle, notional float64) []domain.ArbitrageOpportunity {
	if notional <= 0 || len(triangles) == 0 {
		return nil
	}
	now := time.Now()
	var opps []domain.ArbitrageOpportunity
	for _, tpl := range triangles {
		opp, ok := d.evaluate(snap, tpl, notional, now)
		if !ok {
			continue
		}
		opps = append(opps, opp)
	}
	d.log.Debug("scan complete",
		slog.String("exchange", snap.Exchange),
		slog.Int("triangles", len(triangles)),
		slog.Int("candidates", len(opps)),
	)
	return opps
}

// evaluate refreshes the template's pairs from the snapshot and prices the
// cycle three ways: top-of-book without fees (gross), top-of-book with fees,
// and depth-weighted with fees (net). The deltas between the chains yield
// the fee and slippage estimates.
func (d *Detector) evaluate(snap pricecache.Snapshot, tpl domain.TriangleCycle, notional float64, now time.Time) (domain.ArbitrageOpportunity, bool) {
	cycle := tpl
	for i, leg := range tpl.Legs {
		pair, ok := snap.Fresh(leg.Pair.Symbol, d.cfg.StalenessBound, now)
		if !ok {
			return domain.ArbitrageOpportunity{}, false
		}
		// Static attributes (fee flags) come from the template; quotes from
		// the snapshot.
		pair.MakerFee = leg.Pair.MakerFee
		pair.TakerFee = leg.Pair.TakerFee
		pair.ZeroFee = leg.Pair.ZeroFee
		pair.FeeTokenDiscount = leg.Pair.FeeTokenDiscount
		cycle.Legs[i].Pair = pair
	}

	grossFinal := d.walk(cycle, notional, false, false)
	feesFinal := d.walk(cycle, notional, true, false)
	netFinal := d.walk(cycle, notional, true, true)
	if grossFinal <= 0 || netFinal <= 0 {
		return domain.ArbitrageOpportunity{}, false
	}

	netProfit := netFinal - notional
	if netProfit <= 0 {
		return domain.ArbitrageOpportunity{}, false
	}

	zeroFeeLegs := 0
	var liquidity float64
	for _, leg := range cycle.Legs {
		if leg.Pair.EffectiveTakerFee(d.cfg.UseFeeToken) == 0 {
			zeroFeeLegs++
		}
		liquidity += d.quoteDepth(leg)
	}

	return domain.ArbitrageOpportunity{
		ID:                uuid.NewString(),
		Exchange:          snap.Exchange,
		Cycle:             cycle,
		InitialAmount:     notional,
		FinalAmount:       netFinal,
		GrossYield:        grossFinal/notional - 1,
		EstimatedFees:     grossFinal - feesFinal,
		EstimatedSlippage: feesFinal - netFinal,
		NetProfit:         netProfit,
		NetProfitPct:      netProfit / notional * 100,
		ZeroFeeLegs:       zeroFeeLegs,
		Liquidity:         liquidity,
		Status:            domain.OpportunityDetected,
		DetectedAt:        snap.TakenAt,
	}, true
}

// walk chains the notional through the three legs: divide by the ask when
// buying, multiply by the bid when selling, each leg net of its effective
// taker fee when withFees is set. withDepth prices each leg at the
// size-weighted average over the configured depth instead of top-of-book.
func (d *Detector) walk(cycle domain.TriangleCycle, notional float64, withFees, withDepth bool) float64 {
	amount := notional
	for _, leg := range cycle.Legs {
		var fee float64
		if withFees {
			fee = leg.Pair.EffectiveTakerFee(d.cfg.UseFeeToken)
		}
		if leg.Side == domain.OrderSideBuy {
			price := leg.Pair.AskPrice
			if withDepth {
				price = estimateFillPrice(leg.Pair.Asks, leg.Pair.AskPrice, amount/leg.Pair.AskPrice, d.cfg.DepthLevels)
			}
			amount = amount / price * (1 - fee)
		} else {
			price := leg.Pair.BidPrice
			if withDepth {
				price = estimateFillPrice(leg.Pair.Bids, leg.Pair.BidPrice, amount, d.cfg.DepthLevels)
			}
			amount = amount * price * (1 - fee)
		}
		if amount <= 0 {
			return amount
		}
	}
	return amount
}

// quoteDepth is the leg's book depth within the configured tolerance,
// converted to quote units for a venue-comparable liquidity figure.
func (d *Detector) quoteDepth(leg domain.CycleLeg) float64 {
	tol := d.cfg.DepthTolerancePct / 100
	if leg.Side == domain.OrderSideBuy {
		levels := askLevels(leg.Pair)
		return domain.DepthAt(levels, leg.Pair.AskPrice, tol, d.cfg.DepthLevels) * leg.Pair.AskPrice
	}
	levels := bidLevels(leg.Pair)
	return domain.DepthAt(levels, leg.Pair.BidPrice, tol, d.cfg.DepthLevels) * leg.Pair.BidPrice
}

// estimateFillPrice walks up to maxLevels levels and returns the
// size-weighted average price of filling amount base units. Any remainder
// past the walked depth is assumed to fill at the last level's price.
func estimateFillPrice(levels []domain.PriceLevel, top, amount float64, maxLevels int) float64 {
	if amount <= 0 || len(levels) == 0 || top <= 0 {
		return top
	}
	var (
		filled float64
		cost   float64
		last   = top
		used   int
	)
	for _, lv := range levels {
		if used >= maxLevels || filled >= amount {
			break
		}
		if lv.Price <= 0 || lv.Size <= 0 {
			continue
		}
		used++
		last = lv.Price
		take := lv.Size
		if filled+take > amount {
			take = amount - filled
		}
		filled += take
		cost += take * lv.Price
	}
	if filled < amount {
		cost += (amount - filled) * last
		filled = amount
	}
	return cost / filled
}

// askLevels returns the pair's ask depth, falling back to the top-of-book
// quote when the venue feed carries no levels.
func askLevels(p domain.TradingPair) []domain.PriceLevel {
	if len(p.Asks) > 0 {
		return p.Asks
	}
	return []domain.PriceLevel{{Price: p.AskPrice, Size: p.AskSize}}
}

// bidLevels is the bid-side counterpart of askLevels.
func bidLevels(p domain.TradingPair) []domain.PriceLevel {
	if len(p.Bids) > 0 {
		return p.Bids
	}
	return []domain.PriceLevel{{Price: p.BidPrice, Size: p.BidSize}}
}

// LegFill is the planned top-of-book fill for one leg of a cycle.
type LegFill struct {
	Symbol    string
	Side      domain.OrderSide
	Price     float64
	AmountIn  float64
	AmountOut float64
	Fee       float64 // in units of the received asset
}

// ExpectedFills chains notional through the cycle at top-of-book prices,
// net of fees, and returns the planned fill for each leg. The executor
// uses these as the expected values for step records and slippage checks.
func ExpectedFills(cycle domain.TriangleCycle, notional float64, useFeeToken bool) [3]LegFill {
	var fills [3]LegFill
	amount := notional
	for i, leg := range cycle.Legs {
		feeRate := leg.Pair.EffectiveTakerFee(useFeeToken)
		f := LegFill{
			Symbol:   leg.Pair.Symbol,
			Side:     leg.Side,
			AmountIn: amount,
		}
		if leg.Side == domain.OrderSideBuy {
			f.Price = leg.Pair.AskPrice
			gross := amount / f.Price
			f.Fee = gross * feeRate
			f.AmountOut = gross - f.Fee
		} else {
			f.Price = leg.Pair.BidPrice
			gross := amount * f.Price
			f.Fee = gross * feeRate
			f.AmountOut = gross - f.Fee
		}
		fills[i] = f
		amount = f.AmountOut
	}
	return fills
}
