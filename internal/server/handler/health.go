package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// pingTimeout bounds each backing-service check on the health endpoint.
const pingTimeout = 2 * time.Second

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler serves the health-check endpoint, optionally probing
// backing services (Postgres, Redis) registered via WithCheck.
type HealthHandler struct {
	logger *slog.Logger
	names  []string
	checks map[string]Pinger
}

// NewHealthHandler creates a HealthHandler with the provided logger.
func NewHealthHandler(logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		logger: logger,
		checks: make(map[string]Pinger),
	}
}

// WithCheck registers a named backing service to probe on each health call.
func (h *HealthHandler) WithCheck(name string, p Pinger) *HealthHandler {
	if p != nil {
		h.names = append(h.names, name)
		h.checks[name] = p
	}
	return h
}

// HealthCheck responds with the server status and the state of each
// registered backing service. Degraded services turn the response into 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	httpStatus := http.StatusOK
	checks := make(map[string]string, len(h.checks))

	for _, name := range h.names {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := h.checks[name].Ping(ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "handler: health check failed",
				slog.String("service", name),
				slog.String("error", err.Error()),
			)
			checks[name] = "unreachable"
			status = "degraded"
			httpStatus = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	body := map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if len(checks) > 0 {
		body["checks"] = checks
	}
	writeJSON(w, httpStatus, body)
}
