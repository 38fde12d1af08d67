package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Probe reports whether a dependency is reachable.
type Probe func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	mode      string
	deps      map[string]Probe
	startedAt time.Time
	logger    *slog.Logger
}

// NewHealthHandler creates a HealthHandler. deps are probed on every check.
func NewHealthHandler(mode string, deps map[string]Probe, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, deps: deps, startedAt: time.Now(), logger: logger}
}

// HealthCheck responds with the process status and the reachability of each
// dependency. Any unreachable dependency turns the response into a 503.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status, code := "ok", http.StatusOK
	deps := make(map[string]string, len(h.deps))
	for name, probe := range h.deps {
		if err := probe(ctx); err != nil {
			h.logger.WarnContext(ctx, "handler: dependency unhealthy",
				slog.String("dependency", name),
				slog.String("error", err.Error()),
			)
			deps[name] = "down"
			status, code = "degraded", http.StatusServiceUnavailable
			continue
		}
		deps[name] = "up"
	}

	writeJSON(w, code, map[string]any{
		"status":         status,
		"mode":           h.mode,
		"dependencies":   deps,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
