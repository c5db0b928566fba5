package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/events"
)

// TradeLedger is the ledger subset the trade endpoints read.
type TradeLedger interface {
	GetByID(ctx context.Context, tradeID string) (domain.DetailedTradeLog, error)
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.DetailedTradeLog, error)
	Stats(ctx context.Context) (domain.TradeStats, error)
}

// TradeHandler serves the trade history and ledger aggregate endpoints.
type TradeHandler struct {
	ledger TradeLedger
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler backed by the given ledger.
func NewTradeHandler(ledger TradeLedger, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{ledger: ledger, logger: logger}
}

// List returns recorded trades, newest first, steps included.
// GET /api/trades?limit=50&offset=0&since=2026-01-01
func (h *TradeHandler) List(w http.ResponseWriter, r *http.Request) {
	logs, err := h.ledger.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list trades failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	payloads := make([]events.TradeLogPayload, 0, len(logs))
	for _, l := range logs {
		payloads = append(payloads, events.NewTradeLogPayload(l))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"trades": payloads,
		"count":  len(payloads),
	})
}

// Get returns a single trade by id.
// GET /api/trades/{id}
func (h *TradeHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing trade id")
		return
	}

	log, err := h.ledger.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get trade failed",
			slog.String("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	writeJSON(w, http.StatusOK, events.NewTradeLogPayload(log))
}

// statsResponse is the wire form of the ledger aggregates.
type statsResponse struct {
	TotalTrades      int64                   `json:"total_trades"`
	SuccessfulTrades int64                   `json:"successful_trades"`
	FailedTrades     int64                   `json:"failed_trades"`
	PartialTrades    int64                   `json:"partial_trades"`
	SuccessRatePct   float64                 `json:"success_rate_pct"`
	TotalNetPnL      float64                 `json:"total_net_pnl"`
	TotalFees        float64                 `json:"total_fees"`
	AvgDurationMs    int64                   `json:"avg_duration_ms"`
	BestTrade        *events.TradeLogPayload `json:"best_trade,omitempty"`
	WorstTrade       *events.TradeLogPayload `json:"worst_trade,omitempty"`
}

// Stats returns the ledger aggregates.
// GET /api/stats
func (h *TradeHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.ledger.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trade stats failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}

	resp := statsResponse{
		TotalTrades:      stats.TotalTrades,
		SuccessfulTrades: stats.SuccessfulTrades,
		FailedTrades:     stats.FailedTrades,
		PartialTrades:    stats.PartialTrades,
		SuccessRatePct:   stats.SuccessRate,
		TotalNetPnL:      stats.TotalNetPnL,
		TotalFees:        stats.TotalFees,
		AvgDurationMs:    stats.AvgDuration.Milliseconds(),
	}
	if stats.BestTrade != nil {
		p := events.NewTradeLogPayload(*stats.BestTrade)
		resp.BestTrade = &p
	}
	if stats.WorstTrade != nil {
		p := events.NewTradeLogPayload(*stats.WorstTrade)
		resp.WorstTrade = &p
	}
	writeJSON(w, http.StatusOK, resp)
}
