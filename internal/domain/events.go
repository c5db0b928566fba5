package domain

import "time"

// EventKind names one of the event channels fanned out to websocket
// clients and notifiers. The set is closed: consumers switch over these
// kinds and ignore anything else.
type EventKind string

const (
	EventOpportunities     EventKind = "opportunities_update"
	EventOpportunityStatus EventKind = "opportunity_status"
	EventTradeLogged       EventKind = "trade_logged"
	EventCircuitBreaker    EventKind = "circuit_breaker"
)

// Event is implemented by every payload published on the event bus.
type Event interface {
	Kind() EventKind
}

// OpportunitiesEvent carries the refreshed ranked opportunity list for one
// exchange after a scan pass.
type OpportunitiesEvent struct {
	Exchange      string
	Opportunities []ArbitrageOpportunity
	At            time.Time
}

func (OpportunitiesEvent) Kind() EventKind { return EventOpportunities }

// OpportunityStatusEvent signals a lifecycle transition of a single
// opportunity (detected, executing, completed, failed).
type OpportunityStatusEvent struct {
	OpportunityID string
	Exchange      string
	Status        OpportunityStatus
	At            time.Time
}

func (OpportunityStatusEvent) Kind() EventKind { return EventOpportunityStatus }

// TradeLogEvent is emitted once per finished execution, after the ledger
// record is persisted.
type TradeLogEvent struct {
	Log DetailedTradeLog
}

func (TradeLogEvent) Kind() EventKind { return EventTradeLogged }

// BreakerEvent is emitted whenever the circuit breaker trips or is
// resumed.
type BreakerEvent struct {
	State CircuitBreakerState
	At    time.Time
}

func (BreakerEvent) Kind() EventKind { return EventCircuitBreaker }
