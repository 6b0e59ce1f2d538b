//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"io"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/agent"
	"github.com/ashureev/turnkeeper/internal/conversation"
	"github.com/ashureev/turnkeeper/internal/store/storetest"
)

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	data := map[string]string{"foo": "bar"}

	JSON(w, http.StatusOK, data)

	resp := w.Result()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}

	var got map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if got["foo"] != "bar" {
		t.Errorf("Expected foo=bar, got %v", got["foo"])
	}
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()

	Error(w, http.StatusNotFound, "turn not found")

	require.Equal(t, http.StatusNotFound, w.Code)
	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.JSONEq(t, `{"error":"turn not found"}`, w.Body.String())
}

type fakeProcessor struct {
	respond func(ctx context.Context, req agent.RespondRequest) iter.Seq2[*agent.StreamEvent, error]
}

func (p *fakeProcessor) Respond(ctx context.Context, req agent.RespondRequest) iter.Seq2[*agent.StreamEvent, error] {
	return p.respond(ctx, req)
}

func (p *fakeProcessor) Close() {}

func replying(events ...*agent.StreamEvent) *fakeProcessor {
	return &fakeProcessor{respond: func(context.Context, agent.RespondRequest) iter.Seq2[*agent.StreamEvent, error] {
		return func(yield func(*agent.StreamEvent, error) bool) {
			for _, ev := range events {
				if !yield(ev, nil) {
					return
				}
			}
		}
	}}
}

// stepClock advances one second per reading.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type testServer struct {
	handler *Handler
	engine  *conversation.Engine
	mem     *storetest.Memory
	router  chi.Router
}

// newTestServer wires a handler over an in-memory store. A nil processor
// leaves chat disabled.
func newTestServer(t *testing.T, proc agent.Processor) *testServer {
	t.Helper()
	mem := storetest.NewMemory()
	clock := &stepClock{now: time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)}
	engine := conversation.NewEngine(mem, nil, conversation.Options{Clock: clock.Now})

	var runner *agent.Runner
	if proc != nil {
		runner = agent.NewRunner(proc, engine, nil, nil)
	}
	h := NewHandler(engine, runner, nil, nil)
	t.Cleanup(h.Close)

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return &testServer{handler: h, engine: engine, mem: mem, router: r}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}
