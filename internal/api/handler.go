// Package api provides HTTP handlers for the conversation API.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/turnkeeper/internal/agent"
	"github.com/ashureev/turnkeeper/internal/config"
	"github.com/ashureev/turnkeeper/internal/conversation"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (1MB).
const defaultMaxRequestBodySize = 1 << 20

// Handler serves the turn log, chat streaming and sync endpoints.
type Handler struct {
	engine  *conversation.Engine
	runner  *agent.Runner
	limiter *RateLimiter
	cfg     *config.Config
	logger  *slog.Logger
}

// NewHandler creates a Handler. A nil runner disables chat; a nil cfg uses defaults.
func NewHandler(engine *conversation.Engine, runner *agent.Runner, cfg *config.Config, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	limit, window := 10, defaultRateWindow
	if cfg != nil {
		limit = cfg.RateLimit.RequestsPerWindow
		window = cfg.RateLimit.WindowDuration
	}
	return &Handler{
		engine:  engine,
		runner:  runner,
		limiter: NewRateLimiter(limit, window),
		cfg:     cfg,
		logger:  logger,
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/turns", h.ListTurns)
		r.Post("/turns", h.CreateTurn)
		r.Delete("/turns", h.DeleteTurns)
		r.Post("/turns/{id}/interrupt", h.InterruptTurn)
		r.Post("/turns/{id}/replay/ack", h.AckReplay)
		r.Post("/chat", h.Chat)
		r.Post("/reconcile", h.Reconcile)
		r.Get("/sync/pending", h.SyncPending)
		r.Post("/session", h.BeginSession)
		r.Get("/session/turns", h.SessionTurns)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.limiter.Stop()
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
