package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/openarb/tribot/internal/domain"
	"github.com/openarb/tribot/internal/events"
)

// Controller is the bot surface the control endpoints drive.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Resume()
	Running() bool
	Exchanges() []string
	Breaker() domain.CircuitBreakerState
	Execute(ctx context.Context, opportunityID string, amount float64) (domain.DetailedTradeLog, error)
}

// AuditRecorder persists control actions. Failures are logged, never
// surfaced to the caller.
type AuditRecorder interface {
	Log(ctx context.Context, event string, detail map[string]any) error
}

// BotHandler serves the bot control endpoints (status, start, stop, resume,
// manual execute).
type BotHandler struct {
	ctrl      Controller
	audit     AuditRecorder // optional
	mode      string
	paper     bool
	startedAt time.Time
	logger    *slog.Logger
}

// NewBotHandler creates a BotHandler for the given controller.
func NewBotHandler(ctrl Controller, mode string, paper bool, logger *slog.Logger) *BotHandler {
	return &BotHandler{
		ctrl:      ctrl,
		mode:      mode,
		paper:     paper,
		startedAt: time.Now().UTC(),
		logger:    logger,
	}
}

// WithAudit sets the store that records control actions.
func (h *BotHandler) WithAudit(audit AuditRecorder) *BotHandler {
	h.audit = audit
	return h
}

// Status reports the bot runtime state for the dashboard.
// GET /api/bot/status
func (h *BotHandler) Status(w http.ResponseWriter, r *http.Request) {
	exchanges := h.ctrl.Exchanges()
	if exchanges == nil {
		exchanges = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":        h.ctrl.Running(),
		"mode":           h.mode,
		"paper":          h.paper,
		"exchanges":      exchanges,
		"breaker":        events.NewBreakerPayload(h.ctrl.Breaker()),
		"started_at":     h.startedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
	})
}

// Start launches the trading loops.
// POST /api/bot/start
func (h *BotHandler) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Start(r.Context()); err != nil {
		switch {
		case errors.Is(err, domain.ErrAlreadyRunning):
			writeError(w, http.StatusConflict, "bot is already running")
		case errors.Is(err, domain.ErrNoExchangesSelected):
			writeError(w, http.StatusBadRequest, "no exchanges configured")
		default:
			h.logger.ErrorContext(r.Context(), "handler: bot start failed",
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "failed to start bot")
		}
		return
	}

	h.recordAudit(r.Context(), "bot.start", map[string]any{"exchanges": h.ctrl.Exchanges()})
	writeJSON(w, http.StatusOK, map[string]string{"status": "started"})
}

// Stop halts the trading loops, draining any in-flight execution first.
// POST /api/bot/stop
func (h *BotHandler) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.ctrl.Stop(r.Context()); err != nil {
		if errors.Is(err, domain.ErrNotRunning) {
			writeError(w, http.StatusConflict, "bot is not running")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: bot stop failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to stop bot")
		return
	}

	h.recordAudit(r.Context(), "bot.stop", nil)
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// Resume clears the circuit breaker and re-enables automatic execution.
// POST /api/bot/resume
func (h *BotHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.ctrl.Resume()
	h.recordAudit(r.Context(), "bot.resume", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "resumed",
		"breaker": events.NewBreakerPayload(h.ctrl.Breaker()),
	})
}

// executeRequest is the body for a manual execution request.
type executeRequest struct {
	OpportunityID string  `json:"opportunity_id"`
	Amount        float64 `json:"amount"` // base-asset notional; 0 uses the detected amount
}

// Execute runs one opportunity as a manual trade and returns the resulting
// trade log. Manual requests bypass the circuit breaker but not the risk
// limits.
// POST /api/bot/execute
func (h *BotHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OpportunityID == "" {
		writeError(w, http.StatusBadRequest, "missing opportunity_id")
		return
	}

	log, err := h.ctrl.Execute(r.Context(), req.OpportunityID, req.Amount)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "opportunity not found")
		case errors.Is(err, domain.ErrNotRunning):
			writeError(w, http.StatusConflict, "bot is not running")
		case errors.Is(err, domain.ErrNotExecutable):
			writeError(w, http.StatusConflict, "opportunity is no longer executable")
		case errors.Is(err, domain.ErrLockHeld):
			writeError(w, http.StatusConflict, "an execution is already in flight for this account")
		case errors.Is(err, domain.ErrLimitExceeded):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			h.logger.ErrorContext(r.Context(), "handler: manual execute failed",
				slog.String("opportunity_id", req.OpportunityID),
				slog.String("error", err.Error()),
			)
			writeError(w, http.StatusInternalServerError, "execution failed to start")
		}
		return
	}

	h.recordAudit(r.Context(), "bot.execute", map[string]any{
		"opportunity_id": req.OpportunityID,
		"trade_id":       log.TradeID,
		"status":         string(log.Status),
	})
	writeJSON(w, http.StatusOK, map[string]any{"trade": events.NewTradeLogPayload(log)})
}

// recordAudit writes one control action to the audit log.
func (h *BotHandler) recordAudit(ctx context.Context, event string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Log(ctx, event, detail); err != nil {
		h.logger.WarnContext(ctx, "handler: audit write failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
