package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds each component ping so one hung backend cannot stall
// the whole health response.
const checkTimeout = 2 * time.Second

// Check pings one backing component (database, cache, object store).
type Check func(ctx context.Context) error

// HealthHandler serves the health-check endpoint: process liveness plus a
// ping of every registered component.
type HealthHandler struct {
	checks map[string]Check
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler with the given component checks.
func NewHealthHandler(checks map[string]Check, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: checks,
		logger: logger,
	}
}

// HealthCheck pings every component in parallel and reports per-component
// results. The overall status is "ok" only when all components respond.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]string, len(h.checks))

	var wg sync.WaitGroup
	var mu sync.Mutex
	for name, check := range h.checks {
		wg.Add(1)
		go func(name string, check Check) {
			defer wg.Done()

			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			status := "ok"
			if err := check(ctx); err != nil {
				status = "error: " + err.Error()
			}

			mu.Lock()
			results[name] = status
			mu.Unlock()
		}(name, check)
	}
	wg.Wait()

	overall := "ok"
	code := http.StatusOK
	for name, status := range results {
		if status != "ok" {
			overall = "degraded"
			code = http.StatusServiceUnavailable
			h.logger.WarnContext(r.Context(), "health: component check failed",
				slog.String("component", name),
				slog.String("status", status),
			)
		}
	}

	writeJSON(w, code, map[string]any{
		"status":     overall,
		"components": results,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}
