package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/openarb/tribot/internal/domain"
)

// AuditReader lists recorded control actions.
type AuditReader interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the control-action audit trail.
type AuditHandler struct {
	store  AuditReader
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler backed by the given store.
func NewAuditHandler(store AuditReader, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{store: store, logger: logger}
}

// auditEntryPayload is the wire form of one audit row.
type auditEntryPayload struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// List returns recorded control actions, newest first.
// GET /api/audit?limit=50
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.store.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list audit entries failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list audit entries")
		return
	}

	payloads := make([]auditEntryPayload, 0, len(entries))
	for _, e := range entries {
		payloads = append(payloads, auditEntryPayload{
			ID:        e.ID,
			Event:     e.Event,
			Detail:    e.Detail,
			CreatedAt: e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": payloads,
		"count":   len(payloads),
	})
}
