package api

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
)

func TestCreateAndListTurns(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/turns", `{"role":"user","text":"book lunch"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	created := decode[CreateTurnResponse](t, w)
	assert.Equal(t, domain.RoleUser, created.Turn.Role)
	assert.Equal(t, "book lunch", created.Turn.Text)
	assert.Empty(t, created.PersistError)

	_, persisted := s.mem.Turn(created.Turn.ID)
	assert.True(t, persisted)

	w = s.do(t, http.MethodGet, "/api/turns", "")
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[TurnsResponse](t, w)
	require.Len(t, list.Turns, 1)
	assert.Equal(t, created.Turn.ID, list.Turns[0].ID)
	assert.Equal(t, s.engine.Version(), list.Version)
	assert.Nil(t, list.SessionStart)
}

func TestListTurnsEmptyIsArray(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/turns", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"turns":[]`)
}

func TestCreateTurnRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/turns", `{"role":"system","text":"x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodPost, "/api/turns", `{not json`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	assert.Empty(t, s.engine.Snapshot())
}

func TestDeleteTurns(t *testing.T) {
	s := newTestServer(t, nil)
	_, err := s.engine.CreateTurn(context.Background(), domain.RoleUser, "hi")
	require.NoError(t, err)

	w := s.do(t, http.MethodDelete, "/api/turns", "")

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, s.engine.Snapshot())
	turns, err := s.mem.ListTurns(context.Background(), store.TurnQuery{Limit: 100})
	require.NoError(t, err)
	assert.Empty(t, turns)
}

func TestInterruptTurn(t *testing.T) {
	s := newTestServer(t, nil)
	id, err := s.engine.CreateTurn(context.Background(), domain.RoleAgent, "")
	require.NoError(t, err)
	_, err = s.engine.StartStream(id)
	require.NoError(t, err)

	cancelled := false
	release := s.engine.RegisterCancel(id, func() { cancelled = true })
	defer release()

	w := s.do(t, http.MethodPost, "/api/turns/"+id+"/interrupt", "")

	require.Equal(t, http.StatusOK, w.Code)
	turn := decode[domain.Turn](t, w)
	assert.True(t, turn.Interrupted)
	assert.Equal(t, domain.PhaseCompleted, turn.Phase)
	assert.Equal(t, domain.InterruptedText, turn.Text)
	assert.True(t, cancelled)
}

func TestInterruptUnknownTurn(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/turns/missing/interrupt", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReconcileEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.mem.UpsertTurn(context.Background(), &domain.Turn{
		ID:    "ext-1",
		Role:  domain.RoleAgent,
		Text:  "from the automation agent",
		Phase: domain.PhaseCompleted,
	}))

	w := s.do(t, http.MethodPost, "/api/reconcile?limit=10", "")

	require.Equal(t, http.StatusOK, w.Code)
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["ran"])
	_, ok := s.engine.Get("ext-1")
	assert.True(t, ok)
}

func TestReconcileRejectsBadLimit(t *testing.T) {
	s := newTestServer(t, nil)

	for _, limit := range []string{"0", "-3", "ten"} {
		w := s.do(t, http.MethodPost, "/api/reconcile?limit="+limit, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
	}
}

func TestAckReplayWithoutPendingReplay(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodPost, "/api/turns/any/replay/ack", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"replay":false}`, w.Body.String())
}

func TestSyncPendingWithoutSource(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, http.MethodGet, "/api/sync/pending", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pending":false}`, w.Body.String())
}

func TestSessionEndpoints(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	_, err := s.engine.CreateTurn(ctx, domain.RoleUser, "before")
	require.NoError(t, err)

	w := s.do(t, http.MethodPost, "/api/session", "")
	require.Equal(t, http.StatusOK, w.Code)

	_, err = s.engine.CreateTurn(ctx, domain.RoleUser, "after")
	require.NoError(t, err)

	w = s.do(t, http.MethodGet, "/api/session/turns", "")
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[TurnsResponse](t, w)
	require.NotNil(t, resp.SessionStart)
	require.Len(t, resp.Turns, 1)
	assert.Equal(t, "after", resp.Turns[0].Text)

	w = s.do(t, http.MethodGet, "/api/turns", "")
	all := decode[TurnsResponse](t, w)
	assert.Len(t, all.Turns, 2)
}
