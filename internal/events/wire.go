// Package events turns domain events into wire envelopes and fans them out
// to the Redis signal bus and the operator notifier. Websocket clients
// receive the same envelopes through the hub's bus subscription.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

// Channel names on the signal bus, one per event kind.
const (
	ChannelOpportunities     = "events:opportunities"
	ChannelOpportunityStatus = "events:opportunity_status"
	ChannelTrades            = "events:trades"
	ChannelBreaker           = "events:breaker"

	// TradeStream is the durable stream trade envelopes are appended to, so
	// a freshly connected dashboard can replay recent trades.
	TradeStream = "stream:trades"
)

// Envelope is the wire frame for every published event.
type Envelope struct {
	Type    domain.EventKind `json:"type"`
	At      time.Time        `json:"at"`
	Payload any              `json:"payload"`
}

// OpportunityPayload is the wire form of a detected opportunity.
type OpportunityPayload struct {
	ID                string    `json:"id"`
	Exchange          string    `json:"exchange"`
	Path              string    `json:"path"`
	Symbols           []string  `json:"symbols"`
	InitialAmount     float64   `json:"initial_amount"`
	FinalAmount       float64   `json:"final_amount"`
	GrossYieldPct     float64   `json:"gross_yield_pct"`
	EstimatedFees     float64   `json:"estimated_fees"`
	EstimatedSlippage float64   `json:"estimated_slippage"`
	NetProfit         float64   `json:"net_profit"`
	NetProfitPct      float64   `json:"net_profit_pct"`
	ZeroFeeLegs       int       `json:"zero_fee_legs"`
	Liquidity         float64   `json:"liquidity"`
	LiquidityOK       bool      `json:"liquidity_ok"`
	Status            string    `json:"status"`
	DetectedAt        time.Time `json:"detected_at"`
}

// NewOpportunityPayload converts a domain opportunity to its wire form.
func NewOpportunityPayload(o domain.ArbitrageOpportunity) OpportunityPayload {
	symbols := o.Cycle.Symbols()
	return OpportunityPayload{
		ID:                o.ID,
		Exchange:          o.Exchange,
		Path:              o.Cycle.Path(),
		Symbols:           symbols[:],
		InitialAmount:     o.InitialAmount,
		FinalAmount:       o.FinalAmount,
		GrossYieldPct:     o.GrossYield * 100,
		EstimatedFees:     o.EstimatedFees,
		EstimatedSlippage: o.EstimatedSlippage,
		NetProfit:         o.NetProfit,
		NetProfitPct:      o.NetProfitPct,
		ZeroFeeLegs:       o.ZeroFeeLegs,
		Liquidity:         o.Liquidity,
		LiquidityOK:       o.LiquidityOK,
		Status:            string(o.Status),
		DetectedAt:        o.DetectedAt,
	}
}

// TradeStepPayload is the wire form of one executed leg.
type TradeStepPayload struct {
	Step          int     `json:"step"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	ExpectedPrice float64 `json:"expected_price"`
	ActualPrice   float64 `json:"actual_price"`
	ExpectedQty   float64 `json:"expected_qty"`
	ActualQty     float64 `json:"actual_qty"`
	ExpectedOut   float64 `json:"expected_out"`
	ActualOut     float64 `json:"actual_out"`
	Fee           float64 `json:"fee"`
	LatencyMs     int64   `json:"latency_ms"`
	SlippagePct   float64 `json:"slippage_pct"`
}

// TradeLogPayload is the wire form of a finished trade.
type TradeLogPayload struct {
	TradeID           string             `json:"trade_id"`
	OpportunityID     string             `json:"opportunity_id"`
	Timestamp         time.Time          `json:"timestamp"`
	Exchange          string             `json:"exchange"`
	Path              []string           `json:"path"`
	Status            string             `json:"status"`
	Paper             bool               `json:"paper"`
	BaseAsset         string             `json:"base_asset"`
	InitialAmount     float64            `json:"initial_amount"`
	FinalAmount       float64            `json:"final_amount"`
	ExpectedProfit    float64            `json:"expected_profit"`
	ExpectedProfitPct float64            `json:"expected_profit_pct"`
	ActualProfit      float64            `json:"actual_profit"`
	ActualProfitPct   float64            `json:"actual_profit_pct"`
	TotalFees         float64            `json:"total_fees"`
	TotalSlippagePct  float64            `json:"total_slippage_pct"`
	NetPnL            float64            `json:"net_pnl"`
	DurationMs        int64              `json:"duration_ms"`
	Steps             []TradeStepPayload `json:"steps"`
	ErrorMessage      string             `json:"error_message,omitempty"`
	FailedAtStep      int                `json:"failed_at_step,omitempty"`
}

// NewTradeLogPayload converts a domain trade log to its wire form.
func NewTradeLogPayload(l domain.DetailedTradeLog) TradeLogPayload {
	steps := make([]TradeStepPayload, 0, len(l.Steps))
	for _, s := range l.Steps {
		steps = append(steps, TradeStepPayload{
			Step:          s.Step,
			Symbol:        s.Symbol,
			Side:          string(s.Side),
			ExpectedPrice: s.ExpectedPrice,
			ActualPrice:   s.ActualPrice,
			ExpectedQty:   s.ExpectedQty,
			ActualQty:     s.ActualQty,
			ExpectedOut:   s.ExpectedOut,
			ActualOut:     s.ActualOut,
			Fee:           s.Fee,
			LatencyMs:     s.Latency.Milliseconds(),
			SlippagePct:   s.SlippagePct,
		})
	}
	return TradeLogPayload{
		TradeID:           l.TradeID,
		OpportunityID:     l.OpportunityID,
		Timestamp:         l.Timestamp,
		Exchange:          l.Exchange,
		Path:              l.Path,
		Status:            string(l.Status),
		Paper:             l.Paper,
		BaseAsset:         l.BaseAsset,
		InitialAmount:     l.InitialAmount,
		FinalAmount:       l.FinalAmount,
		ExpectedProfit:    l.ExpectedProfit,
		ExpectedProfitPct: l.ExpectedProfitPct,
		ActualProfit:      l.ActualProfit,
		ActualProfitPct:   l.ActualProfitPct,
		TotalFees:         l.TotalFees,
		TotalSlippagePct:  l.TotalSlippagePct,
		NetPnL:            l.NetPnL,
		DurationMs:        l.Duration.Milliseconds(),
		Steps:             steps,
		ErrorMessage:      l.ErrorMessage,
		FailedAtStep:      l.FailedAtStep,
	}
}

// StatusPayload is the wire form of an opportunity lifecycle transition.
type StatusPayload struct {
	OpportunityID string    `json:"opportunity_id"`
	Exchange      string    `json:"exchange"`
	Status        string    `json:"status"`
	At            time.Time `json:"at"`
}

// BreakerPayload is the wire form of a circuit breaker snapshot.
type BreakerPayload struct {
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Threshold           int        `json:"threshold"`
	Paused              bool       `json:"paused"`
	PausedAt            *time.Time `json:"paused_at,omitempty"`
}

// NewBreakerPayload converts a breaker snapshot to its wire form.
func NewBreakerPayload(s domain.CircuitBreakerState) BreakerPayload {
	p := BreakerPayload{
		ConsecutiveFailures: s.ConsecutiveFailures,
		Threshold:           s.Threshold,
		Paused:              s.Paused,
	}
	if !s.PausedAt.IsZero() {
		at := s.PausedAt
		p.PausedAt = &at
	}
	return p
}

// Encode renders a domain event as its bus channel and JSON envelope.
func Encode(evt domain.Event) (channel string, data []byte, err error) {
	env := Envelope{Type: evt.Kind()}

	switch e := evt.(type) {
	case domain.OpportunitiesEvent:
		channel = ChannelOpportunities
		env.At = e.At
		opps := make([]OpportunityPayload, 0, len(e.Opportunities))
		for _, o := range e.Opportunities {
			opps = append(opps, NewOpportunityPayload(o))
		}
		env.Payload = map[string]any{
			"exchange":      e.Exchange,
			"opportunities": opps,
		}

	case domain.OpportunityStatusEvent:
		channel = ChannelOpportunityStatus
		env.At = e.At
		env.Payload = StatusPayload{
			OpportunityID: e.OpportunityID,
			Exchange:      e.Exchange,
			Status:        string(e.Status),
			At:            e.At,
		}

	case domain.TradeLogEvent:
		channel = ChannelTrades
		env.At = e.Log.Timestamp
		env.Payload = NewTradeLogPayload(e.Log)

	case domain.BreakerEvent:
		channel = ChannelBreaker
		env.At = e.At
		env.Payload = NewBreakerPayload(e.State)

	default:
		return "", nil, fmt.Errorf("events: unknown event kind %q", evt.Kind())
	}

	data, err = json.Marshal(env)
	if err != nil {
		return "", nil, fmt.Errorf("events: marshal %s: %w", evt.Kind(), err)
	}
	return channel, data, nil
}
