// Package api provides the relay's HTTP status endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/voice-relay/internal/journal"
)

const healthCheckTimeout = 5 * time.Second

// ConnectionCounter reports the number of live WebSocket connections.
type ConnectionCounter interface {
	Count() int
}

// Handler serves health and stats for one relay process.
type Handler struct {
	journal  journal.Journal
	conns    ConnectionCounter
	provider string
	model    string
}

// NewHandler creates a new Handler.
func NewHandler(j journal.Journal, conns ConnectionCounter, provider, model string) *Handler {
	if j == nil {
		j = journal.Noop{}
	}
	return &Handler{journal: j, conns: conns, provider: provider, model: model}
}

// RegisterRoutes registers the status routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/stats", h.Stats)
	})
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status            string `json:"status"`
	Provider          string `json:"provider"`
	Model             string `json:"model"`
	ActiveConnections int    `json:"active_connections"`
	Journal           string `json:"journal"`
}

// Health returns the health status of the relay and its journal.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:            "healthy",
		Provider:          h.provider,
		Model:             h.model,
		ActiveConnections: h.conns.Count(),
		Journal:           "ok",
	}
	statusCode := http.StatusOK

	if _, disabled := h.journal.(journal.Noop); disabled {
		resp.Journal = "disabled"
	} else if err := h.journal.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		resp.Status = "degraded"
		resp.Journal = "unreachable"
		statusCode = http.StatusServiceUnavailable
	}

	JSON(w, statusCode, resp)
}

// Stats returns the journal counters.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	stats, err := h.journal.Stats(ctx)
	if err != nil {
		slog.Error("Failed to read journal stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to read stats")
		return
	}
	// Rows left open by a crashed process would inflate the journal count.
	stats.ActiveConnections = int64(h.conns.Count())
	JSON(w, http.StatusOK, stats)
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
