package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/turnkeeper/internal/agent"
	"github.com/ashureev/turnkeeper/internal/conversation"
	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/identity"
)

const defaultKeepaliveInterval = 10 * time.Second

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

// ChatAccepted is the first SSE event of a chat stream.
type ChatAccepted struct {
	UserTurnID  string `json:"user_turn_id"`
	AgentTurnID string `json:"agent_turn_id"`
}

// Chat records the user's message, opens an agent turn and streams its state
// as server-sent events until the backend finishes. Closing the connection
// interrupts the agent turn.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		Error(w, http.StatusServiceUnavailable, "assistant backend is not configured")
		return
	}
	if !h.limiter.Allow(identity.IPFromRequest(r)) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize())
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = identity.SessionIDFromContext(r.Context())
	}
	if active, busy := h.engine.ActiveStream(); busy {
		h.logger.Info("Rejecting chat while a turn streams", "active_turn_id", active)
		Error(w, http.StatusConflict, conversation.ErrStreamInProgress.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	history := historyFrom(h.engine.SessionTurns())

	userID, err := h.engine.CreateTurn(ctx, domain.RoleUser, req.Message)
	if userID == "" {
		h.logger.Error("Failed to create user turn", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create turn")
		return
	}
	if err != nil {
		h.logger.Warn("User turn not persisted", "turn_id", userID, "error", err)
	}
	if err := h.engine.Complete(ctx, userID); err != nil {
		h.logger.Warn("User turn not persisted", "turn_id", userID, "error", err)
	}

	agentID, err := h.engine.CreateTurn(ctx, domain.RoleAgent, "")
	if agentID == "" {
		h.logger.Error("Failed to create agent turn", "error", err)
		Error(w, http.StatusInternalServerError, "failed to create turn")
		return
	}
	if err != nil {
		h.logger.Warn("Agent turn not persisted", "turn_id", agentID, "error", err)
	}

	events, unsubscribe := h.engine.Subscribe(64)
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	var seq int64
	send := func(event string, v any) {
		seq++
		if err := writeSSEJSON(w, seq, event, v); err != nil {
			h.logger.Debug("SSE write failed", "event", event, "error", err)
			return
		}
		flusher.Flush()
	}
	send("accepted", ChatAccepted{UserTurnID: userID, AgentTurnID: agentID})

	done := make(chan error, 1)
	go func() {
		done <- h.runner.Run(ctx, agent.RespondRequest{
			TurnID:    agentID,
			SessionID: req.SessionID,
			Message:   req.Message,
			History:   history,
		})
	}()

	keepalive := time.NewTicker(h.keepaliveInterval())
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Type != conversation.EventTurnsChanged || ev.TurnID != agentID {
				continue
			}
			if turn, ok := h.engine.Get(agentID); ok {
				send("turn", turn)
			}
		case <-keepalive.C:
			if err := writeSSE(w, "ping", "{}"); err == nil {
				flusher.Flush()
			}
		case runErr := <-done:
			if runErr != nil {
				send("error", map[string]string{"error": runErr.Error()})
			}
			if turn, ok := h.engine.Get(agentID); ok {
				send("done", turn)
			}
			return
		}
	}
}

// historyFrom keeps the finished turns worth sending to the backend.
func historyFrom(turns []domain.Turn) []agent.HistoryTurn {
	history := make([]agent.HistoryTurn, 0, len(turns))
	for _, t := range turns {
		if t.IsStreaming() || domain.IsPlaceholder(t.Text) || strings.TrimSpace(t.Text) == "" {
			continue
		}
		history = append(history, agent.HistoryTurn{Role: t.Role, Text: t.Text})
	}
	return history
}

func (h *Handler) keepaliveInterval() time.Duration {
	if h.cfg != nil && h.cfg.SSE.KeepaliveInterval > 0 {
		return h.cfg.SSE.KeepaliveInterval
	}
	return defaultKeepaliveInterval
}
