package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/turnkeeper/internal/conversation"
)

const hubWriteTimeout = 5 * time.Second

// hubMessage is a client-to-server websocket message.
type hubMessage struct {
	Type   string `json:"type"`
	TurnID string `json:"turn_id,omitempty"`
}

// EventHub fans engine events out to websocket clients.
type EventHub struct {
	engine        *conversation.Engine
	allowedOrigin string
	isDev         bool

	mu     sync.RWMutex
	active map[string]*websocket.Conn
}

// NewEventHub creates a hub for engine.
func NewEventHub(engine *conversation.Engine, allowedOrigin string, isDev bool) *EventHub {
	return &EventHub{
		engine:        engine,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
		active:        make(map[string]*websocket.Conn),
	}
}

// Run forwards engine events to every connected client until ctx is done.
func (h *EventHub) Run(ctx context.Context) {
	events, unsubscribe := h.engine.Subscribe(128)
	defer unsubscribe()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ctx, ev)
		case <-ctx.Done():
			h.CloseAll()
			return
		}
	}
}

// Register adds a connection for a client, replacing any previous one.
func (h *EventHub) Register(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.active[clientID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "client replaced")
	}
	h.active[clientID] = conn
	slog.Info("Event client registered", "client_id", clientID)
}

// Unregister removes the connection if it is still the current one.
func (h *EventHub) Unregister(clientID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, exists := h.active[clientID]; exists && current == conn {
		delete(h.active, clientID)
		slog.Info("Event client unregistered", "client_id", clientID)
	}
}

// Clients returns the number of connected clients.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active)
}

// CloseAll terminates every connection.
func (h *EventHub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, conn := range h.active {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(h.active, id)
	}
}

// Broadcast writes ev to every client. A failed write only drops that client's copy.
func (h *EventHub) Broadcast(ctx context.Context, ev conversation.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make(map[string]*websocket.Conn, len(h.active))
	for id, conn := range h.active {
		conns[id] = conn
	}
	h.mu.RUnlock()

	for id, conn := range conns {
		if err := writeMessage(ctx, conn, payload); err != nil {
			slog.Debug("Event write failed", "client_id", id, "error", err)
		}
	}
}

// ServeHTTP upgrades the request and serves one client until it disconnects.
func (h *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "client_id", clientID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "client done"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "client_id", clientID)
		}
	}()

	h.Register(clientID, ws)
	defer h.Unregister(clientID, ws)

	ctx := r.Context()
	h.writeJSON(ctx, ws, conversation.Event{
		Type:    conversation.EventTurnsChanged,
		Version: h.engine.Version(),
	})
	h.readLoop(ctx, ws, clientID)
}

func (h *EventHub) readLoop(ctx context.Context, ws *websocket.Conn, clientID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "client_id", clientID)
			} else {
				slog.Debug("WebSocket read error", "error", err, "client_id", clientID)
			}
			return
		}

		var msg hubMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			slog.Debug("Ignoring malformed client message", "client_id", clientID)
			continue
		}

		switch msg.Type {
		case "ping":
			h.writeJSON(ctx, ws, map[string]string{"type": "pong"})
		case "ack_replay":
			h.writeJSON(ctx, ws, map[string]any{
				"type":    "replay_ack",
				"turn_id": msg.TurnID,
				"replay":  h.engine.TakeReplay(msg.TurnID),
			})
		default:
			slog.Debug("Unknown client message", "type", msg.Type, "client_id", clientID)
		}
	}
}

func (h *EventHub) writeJSON(ctx context.Context, ws *websocket.Conn, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to encode message", "error", err)
		return
	}
	if err := writeMessage(ctx, ws, payload); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

func writeMessage(ctx context.Context, ws *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, hubWriteTimeout)
	defer cancel()
	return ws.Write(ctx, websocket.MessageText, payload)
}

func (h *EventHub) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" || origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}
