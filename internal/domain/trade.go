package domain

import "time"

// TradeStatus is the terminal outcome of a triangle execution. Partial is
// distinct from Failed: at least one leg filled before a later leg failed,
// so the position was left in an intermediate asset and carries real
// exposure.
type TradeStatus string

const (
	TradeStatusSuccess TradeStatus = "success"
	TradeStatusFailed  TradeStatus = "failed"
	TradeStatusPartial TradeStatus = "partial"
)

// TradeStepRecord captures one attempted leg of a triangle execution.
// Records are append-only; a leg aborted before submission keeps its
// expected values with zero actuals.
type TradeStepRecord struct {
	Step   int // 1..3
	Symbol string
	Side   OrderSide

	ExpectedPrice float64
	ActualPrice   float64
	ExpectedQty   float64
	ActualQty     float64
	ExpectedOut   float64
	ActualOut     float64

	Fee         float64
	Latency     time.Duration
	SlippagePct float64 // actual vs expected price, percent
}

// DetailedTradeLog is the immutable ledger record of one finished triangle
// execution, including every attempted step. Amounts are denominated in
// BaseAsset.
type DetailedTradeLog struct {
	TradeID       string
	OpportunityID string
	Timestamp     time.Time
	Exchange      string
	Path          []string // three traversed assets in order
	Status        TradeStatus
	Paper         bool

	BaseAsset     string
	InitialAmount float64
	FinalAmount   float64

	ExpectedProfit    float64
	ExpectedProfitPct float64
	ActualProfit      float64
	ActualProfitPct   float64

	TotalFees        float64
	TotalSlippagePct float64
	NetPnL           float64
	Duration         time.Duration

	Steps []TradeStepRecord

	ErrorMessage string
	FailedAtStep int // 1-based step that failed; 0 when none
}

// Profitable reports whether the trade closed above water.
func (l DetailedTradeLog) Profitable() bool {
	return l.NetPnL > 0
}

// TradeStats are the ledger aggregates over all recorded trades.
type TradeStats struct {
	TotalTrades      int64
	SuccessfulTrades int64
	FailedTrades     int64
	PartialTrades    int64
	SuccessRate      float64 // percent
	TotalNetPnL      float64
	TotalFees        float64
	AvgDuration      time.Duration
	BestTrade        *DetailedTradeLog // highest net PnL, nil when no trades
	WorstTrade       *DetailedTradeLog // lowest net PnL, nil when no trades
}
