package domain

import "time"

// OpportunityStatus is the lifecycle state of a detected opportunity.
// Status transitions after acceptance of an execution request are owned
// exclusively by the trade executor.
type OpportunityStatus string

const (
	OpportunityDetected  OpportunityStatus = "detected"
	OpportunityExecuting OpportunityStatus = "executing"
	OpportunityCompleted OpportunityStatus = "completed"
	OpportunityFailed    OpportunityStatus = "failed"
)

// ArbitrageOpportunity is one profitable triangle found against a price
// snapshot, with its projected economics for the configured notional.
// All amounts are denominated in the cycle's starting asset unless noted.
type ArbitrageOpportunity struct {
	ID       string
	Exchange string
	Cycle    TriangleCycle

	InitialAmount     float64 // starting notional
	FinalAmount       float64 // projected amount after the three legs, net of fees
	GrossYield        float64 // fraction, before fees
	EstimatedFees     float64
	EstimatedSlippage float64
	NetProfit         float64
	NetProfitPct      float64 // percent

	ZeroFeeLegs int     // legs on zero-fee pairs, used for ranking
	Liquidity   float64 // total available depth across legs, starting-asset terms
	LiquidityOK bool

	Status     OpportunityStatus
	DetectedAt time.Time
}

// Profitable reports whether the opportunity clears zero after fees and
// estimated slippage. Gross yield alone never gates anything.
func (o ArbitrageOpportunity) Profitable() bool {
	return o.NetProfit > 0
}
