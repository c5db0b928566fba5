package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeLogStore persists finished trade executions. Inserted logs are
// immutable; the store also serves the ledger aggregates.
type TradeLogStore interface {
	Insert(ctx context.Context, log DetailedTradeLog) error
	GetByID(ctx context.Context, tradeID string) (DetailedTradeLog, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]DetailedTradeLog, error)
	Stats(ctx context.Context) (TradeStats, error)
	ListBefore(ctx context.Context, cutoff time.Time, limit int) ([]DetailedTradeLog, error)
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// OpportunityStore persists opportunities whose execution was requested.
// Detected-only opportunities stay in memory and never reach the store.
type OpportunityStore interface {
	Insert(ctx context.Context, opp ArbitrageOpportunity) error
	UpdateStatus(ctx context.Context, id string, status OpportunityStatus) error
	GetByID(ctx context.Context, id string) (ArbitrageOpportunity, error)
	ListRecent(ctx context.Context, opts ListOpts) ([]ArbitrageOpportunity, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of control actions.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
