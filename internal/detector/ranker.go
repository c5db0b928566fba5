package detector

import (
	"log/slog"
	"sort"

	"github.com/openarb/tribot/internal/domain"
)

// RankConfig holds the filter and ordering parameters for the ranker.
type RankConfig struct {
	MinProfitPct      float64
	DepthLevels       int
	DepthTolerancePct float64
	MaxLive           int
	UseFeeToken       bool
}

// Ranker filters scan candidates down to executable opportunities and
// orders them best-first.
type Ranker struct {
	cfg RankConfig
	log *slog.Logger
}

// NewRanker returns a Ranker with the given parameters.
func NewRanker(cfg RankConfig, logger *slog.Logger) *Ranker {
	return &Ranker{
		cfg: cfg,
		log: logger.With(slog.String("component", "ranker")),
	}
}

// Rank drops candidates below the profit threshold or without book depth
// covering every leg, orders the survivors (zero-fee legs first, then net
// profit, then liquidity, earliest detection breaking ties), and caps the
// list at the configured maximum. Rejected candidates are dropped silently.
func (r *Ranker) Rank(opps []domain.ArbitrageOpportunity) []domain.ArbitrageOpportunity {
	kept := make([]domain.ArbitrageOpportunity, 0, len(opps))
	for _, opp := range opps {
		if opp.NetProfitPct < r.cfg.MinProfitPct {
			continue
		}
		if !r.covered(opp) {
			continue
		}
		opp.LiquidityOK = true
		kept = append(kept, opp)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		a, b := kept[i], kept[j]
		if a.ZeroFeeLegs != b.ZeroFeeLegs {
			return a.ZeroFeeLegs > b.ZeroFeeLegs
		}
		if a.NetProfitPct != b.NetProfitPct {
			return a.NetProfitPct > b.NetProfitPct
		}
		if a.Liquidity != b.Liquidity {
			return a.Liquidity > b.Liquidity
		}
		return a.DetectedAt.Before(b.DetectedAt)
	})

	if r.cfg.MaxLive > 0 && len(kept) > r.cfg.MaxLive {
		kept = kept[:r.cfg.MaxLive]
	}
	return kept
}

// covered reports whether the book depth near the top of each leg covers
// that leg's planned amount within the configured price tolerance.
func (r *Ranker) covered(opp domain.ArbitrageOpportunity) bool {
	tol := r.cfg.DepthTolerancePct / 100
	fills := ExpectedFills(opp.Cycle, opp.InitialAmount, r.cfg.UseFeeToken)
	for i, leg := range opp.Cycle.Legs {
		if fills[i].Price <= 0 {
			return false
		}
		var need, have float64
		if leg.Side == domain.OrderSideBuy {
			need = fills[i].AmountIn / fills[i].Price
			have = domain.DepthAt(askLevels(leg.Pair), leg.Pair.AskPrice, tol, r.cfg.DepthLevels)
		} else {
			need = fills[i].AmountIn
			have = domain.DepthAt(bidLevels(leg.Pair), leg.Pair.BidPrice, tol, r.cfg.DepthLevels)
		}
		if have < need {
			return false
		}
	}
	return true
}
