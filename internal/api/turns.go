package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/turnkeeper/internal/conversation"
	"github.com/ashureev/turnkeeper/internal/domain"
)

// TurnsResponse is the payload of the turn listing endpoints.
type TurnsResponse struct {
	Version      uint64        `json:"version"`
	SessionStart *time.Time    `json:"session_start,omitempty"`
	Turns        []domain.Turn `json:"turns"`
}

// CreateTurnRequest is the body of POST /api/turns.
type CreateTurnRequest struct {
	Role domain.Role `json:"role"`
	Text string      `json:"text"`
}

// CreateTurnResponse reports the created turn. PersistError is set when the
// turn exists in memory but could not be written.
type CreateTurnResponse struct {
	Turn         domain.Turn `json:"turn"`
	PersistError string      `json:"persist_error,omitempty"`
}

// ListTurns returns the full ordered turn log.
func (h *Handler) ListTurns(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.turnsResponse(h.engine.Snapshot()))
}

// SessionTurns returns only the turns of the current session.
func (h *Handler) SessionTurns(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, h.turnsResponse(h.engine.SessionTurns()))
}

func (h *Handler) turnsResponse(turns []domain.Turn) TurnsResponse {
	if turns == nil {
		turns = []domain.Turn{}
	}
	resp := TurnsResponse{Version: h.engine.Version(), Turns: turns}
	if start := h.engine.SessionStart(); !start.IsZero() {
		resp.SessionStart = &start
	}
	return resp
}

// CreateTurn appends a turn to the log.
func (h *Handler) CreateTurn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())

	var req CreateTurnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.engine.CreateTurn(r.Context(), req.Role, req.Text)
	if errors.Is(err, conversation.ErrInvalidRole) {
		Error(w, http.StatusBadRequest, "role must be user or agent")
		return
	}
	turn, ok := h.engine.Get(id)
	if !ok {
		Error(w, http.StatusInternalServerError, "failed to create turn")
		return
	}

	resp := CreateTurnResponse{Turn: turn}
	if err != nil {
		h.logger.Warn("Turn created but not persisted", "turn_id", id, "error", err)
		resp.PersistError = err.Error()
	}
	JSON(w, http.StatusCreated, resp)
}

// DeleteTurns clears the turn log and all card batches.
func (h *Handler) DeleteTurns(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.DeleteAll(r.Context()); err != nil {
		h.logger.Error("Failed to delete turns", "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete turns")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InterruptTurn stops a streaming turn and cancels its backend stream.
func (h *Handler) InterruptTurn(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, ok := h.engine.Get(id); !ok {
		Error(w, http.StatusNotFound, "turn not found")
		return
	}
	if err := h.engine.Interrupt(r.Context(), id); err != nil {
		h.logger.Warn("Interrupted turn not persisted", "turn_id", id, "error", err)
	}
	turn, _ := h.engine.Get(id)
	JSON(w, http.StatusOK, turn)
}

// AckReplay consumes the replay flag of a turn. The response reports whether
// the caller should replay it.
func (h *Handler) AckReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	JSON(w, http.StatusOK, map[string]bool{"replay": h.engine.TakeReplay(id)})
}

// Reconcile folds the newest persisted turns into the log. A pass that was
// coalesced into a running one reports ran=false.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	limit := h.reconcileLimit()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			Error(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	ran, err := h.engine.Reconcile(r.Context(), limit)
	if err != nil {
		h.logger.Error("Reconcile failed", "limit", limit, "error", err)
		Error(w, http.StatusServiceUnavailable, "reconcile failed")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"ran":     ran,
		"version": h.engine.Version(),
	})
}

// SyncPending reports an external update that has not been folded in yet.
func (h *Handler) SyncPending(w http.ResponseWriter, r *http.Request) {
	u, pending := h.engine.PeekPendingExternalUpdate()
	resp := map[string]any{"pending": pending}
	if pending {
		resp["update"] = u
	}
	JSON(w, http.StatusOK, resp)
}

// BeginSession starts a new session window at the current time.
func (h *Handler) BeginSession(w http.ResponseWriter, r *http.Request) {
	start, err := h.engine.BeginSession(r.Context())
	if err != nil {
		h.logger.Warn("Session start not persisted", "error", err)
	}
	JSON(w, http.StatusOK, map[string]time.Time{"session_start": start})
}

func (h *Handler) maxBodySize() int64 {
	if h.cfg != nil && h.cfg.SSE.MaxRequestBodySize > 0 {
		return h.cfg.SSE.MaxRequestBodySize
	}
	return defaultMaxRequestBodySize
}

func (h *Handler) reconcileLimit() int {
	if h.cfg != nil && h.cfg.Reconcile.Limit > 0 {
		return h.cfg.Reconcile.Limit
	}
	return conversation.DefaultReconcileLimit
}
