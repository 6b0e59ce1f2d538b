package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "data", "turns.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func turnAt(id string, sec int64) domain.Turn {
	return domain.Turn{
		ID:        id,
		Role:      domain.RoleAgent,
		Text:      "text " + id,
		Phase:     domain.PhaseCompleted,
		Timestamp: time.Unix(sec, 0),
	}
}

func TestSQLiteUpsertAndListTurns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	for i, id := range []string{"a", "b", "c"} {
		turn := turnAt(id, int64(100+i))
		require.NoError(t, s.UpsertTurn(ctx, &turn))
	}

	updated := turnAt("b", 101)
	updated.Text = "rewritten"
	updated.Interrupted = true
	updated.Tools = domain.ToolFlags{Contact: true}
	updated.AuxNote = "task-7"
	require.NoError(t, s.UpsertTurn(ctx, &updated))

	recent, err := s.ListTurns(ctx, TurnQuery{Limit: 2})
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "c", recent[0].ID)
	assert.Equal(t, "b", recent[1].ID)
	assert.Equal(t, "rewritten", recent[1].Text)
	assert.True(t, recent[1].Interrupted)
	assert.True(t, recent[1].Tools.Contact)
	assert.Equal(t, "task-7", recent[1].AuxNote)
	assert.Equal(t, time.Unix(101, 0), recent[1].Timestamp)

	newer, err := s.ListTurns(ctx, TurnQuery{Since: time.Unix(100, 0)})
	require.NoError(t, err)
	require.Len(t, newer, 2)
	assert.Equal(t, "b", newer[0].ID)
	assert.Equal(t, "c", newer[1].ID)
}

func TestSQLiteCardBatchLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	batch := &domain.CardBatch{
		TurnID:    "t1",
		Kind:      domain.KindSchedule,
		Payload:   []byte(`[{"local_id":"x","title":"X"}]`),
		CreatedAt: time.Unix(200, 0),
	}
	require.NoError(t, s.UpsertCardBatch(ctx, batch))

	batch.Payload = []byte(`[{"local_id":"x","title":"Y"}]`)
	batch.CreatedAt = time.Unix(201, 0)
	require.NoError(t, s.UpsertCardBatch(ctx, batch))

	got, err := s.ListCardBatches(ctx, domain.KindSchedule, time.Unix(201, 0), time.Unix(201, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(2), got[0].Version)
	assert.JSONEq(t, `[{"local_id":"x","title":"Y"}]`, string(got[0].Payload))

	other, err := s.ListCardBatches(ctx, domain.KindContact, time.Unix(0, 0), time.Unix(999, 0))
	require.NoError(t, err)
	assert.Empty(t, other)

	require.NoError(t, s.DeleteCardBatch(ctx, "t1", domain.KindSchedule))
	got, err = s.ListCardBatches(ctx, domain.KindSchedule, time.Unix(0, 0), time.Unix(999, 0))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSQLiteDeleteAllAndMeta(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	turn := turnAt("a", 1)
	require.NoError(t, s.UpsertTurn(ctx, &turn))
	require.NoError(t, s.UpsertCardBatch(ctx, &domain.CardBatch{
		TurnID: "a", Kind: domain.KindInvoice, Payload: []byte(`[]`), CreatedAt: time.Unix(1, 0),
	}))

	require.NoError(t, s.DeleteAllTurnsAndBatches(ctx))

	turns, err := s.ListTurns(ctx, TurnQuery{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, turns)

	_, ok, err := s.GetMeta(ctx, MetaSessionStart)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetMeta(ctx, MetaSessionStart, "42"))
	require.NoError(t, s.SetMeta(ctx, MetaSessionStart, "43"))
	value, ok, err := s.GetMeta(ctx, MetaSessionStart)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "43", value)
}

func TestSQLiteTwoHandlesShareFile(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	foreground, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = foreground.Close() }()

	background, err := NewSQLite(path)
	require.NoError(t, err)
	defer func() { _ = background.Close() }()

	turn := turnAt("from-agent", 5)
	require.NoError(t, background.UpsertTurn(ctx, &turn))

	turns, err := foreground.ListTurns(ctx, TurnQuery{Limit: 5})
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "from-agent", turns[0].ID)
}
