package api

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/conversation"
	"github.com/ashureev/turnkeeper/internal/store/storetest"
)

func startHub(t *testing.T) (*EventHub, string) {
	t.Helper()
	engine := conversation.NewEngine(storetest.NewMemory(), nil, conversation.Options{})
	hub := NewEventHub(engine, "*", true)
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, ctx context.Context, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readJSON(t *testing.T, ctx context.Context, conn *websocket.Conn) map[string]any {
	t.Helper()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readErr keeps reading so close handshakes complete, and reports the error
// that ends the connection.
func readErr(ctx context.Context, conn *websocket.Conn) <-chan error {
	errc := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				errc <- err
				return
			}
		}
	}()
	return errc
}

func TestEventHubGreetsAndAnswersPing(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, url := startHub(t)
	conn := dial(t, ctx, url)

	hello := readJSON(t, ctx, conn)
	assert.Equal(t, string(conversation.EventTurnsChanged), hello["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ping"}`)))
	assert.Equal(t, "pong", readJSON(t, ctx, conn)["type"])

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ack_replay","turn_id":"t1"}`)))
	ack := readJSON(t, ctx, conn)
	assert.Equal(t, "replay_ack", ack["type"])
	assert.Equal(t, false, ack["replay"])
}

func TestEventHubBroadcast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, url := startHub(t)
	conn := dial(t, ctx, url+"?client_id=tab-1")
	readJSON(t, ctx, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	hub.Broadcast(ctx, conversation.Event{
		Type:      conversation.EventSchedulesInvalidated,
		TurnID:    "t9",
		Version:   4,
		RemoteIDs: []string{"evt-1"},
	})

	msg := readJSON(t, ctx, conn)
	assert.Equal(t, string(conversation.EventSchedulesInvalidated), msg["type"])
	assert.Equal(t, "t9", msg["turn_id"])
	assert.Equal(t, []any{"evt-1"}, msg["remote_ids"])
}

func TestEventHubReplacesClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, url := startHub(t)

	first := dial(t, ctx, url+"?client_id=tab-1")
	readJSON(t, ctx, first)
	closed := readErr(ctx, first)

	second := dial(t, ctx, url+"?client_id=tab-1")
	readJSON(t, ctx, second)

	assert.Equal(t, websocket.StatusNormalClosure, websocket.CloseStatus(<-closed))
	assert.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)
}

func TestEventHubRunClosesClientsOnShutdown(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	hub, url := startHub(t)
	conn := dial(t, ctx, url)
	readJSON(t, ctx, conn)
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	closed := readErr(ctx, conn)

	runCtx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		hub.Run(runCtx)
		close(done)
	}()
	stop()
	<-done

	assert.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(<-closed))
	assert.Equal(t, 0, hub.Clients())
}
