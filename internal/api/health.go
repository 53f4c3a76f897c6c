package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ashureev/leasechat/internal/store"
	"github.com/go-chi/chi/v5"
)

// OnlineCounter reports the number of users with a live connection.
type OnlineCounter interface {
	Online() int
}

// HealthHandler reports store connectivity and live connection counts.
type HealthHandler struct {
	repo     store.Repository
	presence OnlineCounter
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(repo store.Repository, presence OnlineCounter) *HealthHandler {
	return &HealthHandler{repo: repo, presence: presence}
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/ready", h.Health)
}

// Health pings the store and returns the online user count.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.repo.Ping(ctx); err != nil {
		JSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  "database unreachable",
		})
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"online": h.presence.Online(),
	})
}
