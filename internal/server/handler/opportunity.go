package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/events"
)

// OpportunitySource provides the current ranked opportunity set held in
// memory by the scanner.
type OpportunitySource interface {
	Snapshot(exchange string) []domain.ArbitrageOpportunity
}

// OpportunityReader reads opportunities whose execution was requested and
// therefore persisted.
type OpportunityReader interface {
	GetByID(ctx context.Context, id string) (domain.ArbitrageOpportunity, error)
	ListRecent(ctx context.Context, opts domain.ListOpts) ([]domain.ArbitrageOpportunity, error)
}

// OpportunityHandler serves the live opportunity snapshot and the persisted
// execution history.
type OpportunityHandler struct {
	source OpportunitySource
	store  OpportunityReader
	logger *slog.Logger
}

// NewOpportunityHandler creates an OpportunityHandler.
func NewOpportunityHandler(source OpportunitySource, store OpportunityReader, logger *slog.Logger) *OpportunityHandler {
	return &OpportunityHandler{source: source, store: store, logger: logger}
}

// List returns the live ranked opportunities, optionally filtered by
// exchange. The set reflects the most recent scan, not the database.
// GET /api/opportunities?exchange=binance
func (h *OpportunityHandler) List(w http.ResponseWriter, r *http.Request) {
	opps := h.source.Snapshot(r.URL.Query().Get("exchange"))

	payloads := make([]events.OpportunityPayload, 0, len(opps))
	for _, o := range opps {
		payloads = append(payloads, events.NewOpportunityPayload(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": payloads,
		"count":         len(payloads),
	})
}

// History returns persisted opportunities, newest first.
// GET /api/opportunities/history?limit=50&since=2026-01-01
func (h *OpportunityHandler) History(w http.ResponseWriter, r *http.Request) {
	opps, err := h.store.ListRecent(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list opportunity history failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list opportunities")
		return
	}

	payloads := make([]events.OpportunityPayload, 0, len(opps))
	for _, o := range opps {
		payloads = append(payloads, events.NewOpportunityPayload(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"opportunities": payloads,
		"count":         len(payloads),
	})
}

// Get returns a single persisted opportunity by id.
// GET /api/opportunities/{id}
func (h *OpportunityHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity id")
		return
	}

	opp, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "opportunity not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get opportunity failed",
			slog.String("opportunity_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get opportunity")
		return
	}
	writeJSON(w, http.StatusOK, events.NewOpportunityPayload(opp))
}
