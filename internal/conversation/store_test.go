package conversation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/domain"
)

var base = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func turnAt(id string, offset time.Duration) domain.Turn {
	return domain.Turn{ID: id, Role: domain.RoleUser, Text: id, Phase: domain.PhaseCompleted, Timestamp: base.Add(offset)}
}

func TestTurnStoreSnapshotIsStable(t *testing.T) {
	t.Parallel()

	s := NewTurnStore()
	require.True(t, s.Insert(turnAt("a", 0)))
	snap := s.Snapshot()

	s.Update("a", func(t *domain.Turn) bool {
		t.Text = "changed"
		return true
	})
	s.Insert(turnAt("b", time.Second))

	require.Len(t, snap, 1)
	assert.Equal(t, "a", snap[0].Text)
	assert.Len(t, s.Snapshot(), 2)
}

func TestTurnStoreInsertRejectsDuplicate(t *testing.T) {
	t.Parallel()

	s := NewTurnStore()
	require.True(t, s.Insert(turnAt("a", 0)))
	v := s.Version()
	assert.False(t, s.Insert(turnAt("a", time.Minute)))
	assert.Equal(t, v, s.Version())
}

func TestTurnStoreUpdate(t *testing.T) {
	t.Parallel()

	s := NewTurnStore()
	s.Insert(turnAt("a", 0))
	v := s.Version()

	assert.False(t, s.Update("missing", func(*domain.Turn) bool { return true }))
	assert.False(t, s.Update("a", func(t *domain.Turn) bool {
		t.Text = "discarded"
		return false
	}))
	assert.Equal(t, v, s.Version())

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, "a", got.Text)
}

func TestTurnStoreSortIsStable(t *testing.T) {
	t.Parallel()

	s := NewTurnStore()
	s.Insert(turnAt("late", 2*time.Second))
	s.Insert(turnAt("tie-1", time.Second))
	s.Insert(turnAt("tie-2", time.Second))
	s.Upsert(turnAt("early", 0))
	s.Sort()

	var ids []string
	for _, turn := range s.Snapshot() {
		ids = append(ids, turn.ID)
	}
	assert.Equal(t, []string{"early", "tie-1", "tie-2", "late"}, ids)
	assert.Equal(t, base.Add(2*time.Second), s.MaxTimestamp())

	got, ok := s.Get("tie-2")
	require.True(t, ok)
	assert.Equal(t, "tie-2", got.ID)
}

func TestTurnStoreReset(t *testing.T) {
	t.Parallel()

	s := NewTurnStore()
	s.Insert(turnAt("a", 0))
	s.Reset()

	assert.Zero(t, s.Len())
	assert.False(t, s.Contains("a"))
	assert.True(t, s.MaxTimestamp().IsZero())
}

func TestWindowFilter(t *testing.T) {
	t.Parallel()

	turns := []domain.Turn{turnAt("a", 0), turnAt("b", time.Minute), turnAt("c", 2*time.Minute)}

	var w Window
	assert.Len(t, w.Filter(turns), 3)

	w.Begin(base.Add(time.Minute))
	got := w.Filter(turns)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "c", got[1].ID)
}

func TestBoundaryEncoding(t *testing.T) {
	t.Parallel()

	at := base.Add(123 * time.Nanosecond)
	got, err := decodeBoundary(encodeBoundary(at))
	require.NoError(t, err)
	assert.True(t, at.Equal(got))

	_, err = decodeBoundary("yesterday")
	assert.Error(t, err)
}
