package notify

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/turnkeeper/internal/domain"
)

var written = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestMarkerRoundTrip(t *testing.T) {
	t.Parallel()

	m := NewMarker(filepath.Join(t.TempDir(), "signals"))

	_, ok, err := m.Read()
	require.NoError(t, err)
	assert.False(t, ok)

	want := domain.ExternalUpdate{TurnID: "t1", WrittenAt: written}
	require.NoError(t, m.Write(want))

	got, ok, err := m.Read()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", got.TurnID)
	assert.True(t, want.WrittenAt.Equal(got.WrittenAt))

	entries, err := os.ReadDir(filepath.Dir(m.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")

	require.NoError(t, m.Clear())
	require.NoError(t, m.Clear())
	_, ok, err = m.Read()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkerReadRejectsGarbage(t *testing.T) {
	t.Parallel()

	m := NewMarker(t.TempDir())
	require.NoError(t, os.WriteFile(m.Path(), []byte("{not json"), 0o600))

	_, _, err := m.Read()
	assert.Error(t, err)
}

func TestNewer(t *testing.T) {
	t.Parallel()

	a := domain.ExternalUpdate{TurnID: "a", WrittenAt: written}
	assert.True(t, newer(a, domain.ExternalUpdate{}))
	assert.False(t, newer(a, a))
	assert.False(t, newer(domain.ExternalUpdate{}, a))
	assert.True(t, newer(domain.ExternalUpdate{TurnID: "b", WrittenAt: written}, a))
	assert.True(t, newer(domain.ExternalUpdate{TurnID: "a", WrittenAt: written.Add(time.Millisecond)}, a))
	assert.False(t, newer(domain.ExternalUpdate{TurnID: "z", WrittenAt: written.Add(-time.Second)}, a))
}

func TestWatcherPeekAndAck(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)

	_, pending, err := w.Peek()
	require.NoError(t, err)
	assert.False(t, pending)

	first := domain.ExternalUpdate{TurnID: "t1", WrittenAt: written}
	require.NoError(t, NewMarker(dir).Write(first))

	got, pending, err := w.Peek()
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, "t1", got.TurnID)

	w.Ack(got)
	_, pending, err = w.Peek()
	require.NoError(t, err)
	assert.False(t, pending)

	require.NoError(t, NewMarker(dir).Write(domain.ExternalUpdate{TurnID: "t2", WrittenAt: written.Add(time.Second)}))
	got, pending, err = w.Peek()
	require.NoError(t, err)
	require.True(t, pending)
	assert.Equal(t, "t2", got.TurnID)

	// Acknowledging an older update does not move the mark backwards.
	w.Ack(first)
	_, pending, err = w.Peek()
	require.NoError(t, err)
	assert.True(t, pending)
}

func TestWatcherDeliversMarkerWrites(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWatcher(dir, nil)
	require.NoError(t, err)
	if w.Polling() {
		t.Skip("filesystem notifications unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	require.NoError(t, NewMarker(dir).Write(domain.ExternalUpdate{TurnID: "t1", WrittenAt: written}))

	select {
	case u := <-w.Updates():
		assert.Equal(t, "t1", u.TurnID)
	case <-time.After(5 * time.Second):
		t.Fatal("no update delivered")
	}

	cancel()
	<-done
	_, open := <-w.Updates()
	assert.False(t, open)
}
