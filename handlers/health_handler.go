package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	names  []string
	checks map[string]HealthCheck
	logger zerolog.Logger
}

func NewHealthHandler(logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		checks: make(map[string]HealthCheck),
		logger: logger.With().Str("handler", "health").Logger(),
	}
}

// Add registers a dependency check. Checks run in registration order.
func (h *HealthHandler) Add(name string, check HealthCheck) *HealthHandler {
	h.names = append(h.names, name)
	h.checks[name] = check
	return h
}

func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, name := range h.names {
		if err := h.checks[name](ctx); err != nil {
			h.logger.Error().Err(err).Str("dependency", name).Msg("health check failed")
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  name + " connection failed",
			})
			return
		}
	}

	respondWithJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "billing-sync-api",
	})
}
