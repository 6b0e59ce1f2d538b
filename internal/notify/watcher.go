package notify

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashureev/turnkeeper/internal/domain"
)

const defaultDebounce = 100 * time.Millisecond

// Watcher turns marker writes into ExternalUpdate notifications. When the
// platform watcher cannot be created it degrades to Peek-only polling.
type Watcher struct {
	marker   *Marker
	logger   *slog.Logger
	debounce time.Duration
	fs       *fsnotify.Watcher
	updates  chan domain.ExternalUpdate

	mu        sync.Mutex
	delivered domain.ExternalUpdate
	acked     domain.ExternalUpdate
}

// NewWatcher watches dir for marker writes.
func NewWatcher(dir string, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create signal dir: %w", err)
	}

	w := &Watcher{
		marker:   NewMarker(dir),
		logger:   logger,
		debounce: defaultDebounce,
		updates:  make(chan domain.ExternalUpdate, 1),
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("fsnotify unavailable, falling back to polling", "error", err)
		return w, nil
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		logger.Warn("Failed to watch signal dir, falling back to polling", "dir", dir, "error", err)
		return w, nil
	}
	w.fs = fw
	return w, nil
}

// Updates delivers debounced marker changes. It is closed when Run returns.
func (w *Watcher) Updates() <-chan domain.ExternalUpdate {
	return w.updates
}

// Polling reports whether the watcher runs without filesystem notifications.
func (w *Watcher) Polling() bool {
	return w.fs == nil
}

// Run processes filesystem events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	defer close(w.updates)
	if w.fs == nil {
		<-ctx.Done()
		return
	}
	defer func() { _ = w.fs.Close() }()

	debounce := newDebounceTimer()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != MarkerFile {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			resetDebounceTimer(debounce, w.debounce)
		case <-debounce.C:
			w.deliver(ctx)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Signal dir watcher error", "error", err)
		}
	}
}

func (w *Watcher) deliver(ctx context.Context) {
	u, ok, err := w.marker.Read()
	if err != nil {
		w.logger.Warn("Failed to read marker", "error", err)
		return
	}
	if !ok {
		return
	}

	w.mu.Lock()
	if !newer(u, w.delivered) {
		w.mu.Unlock()
		return
	}
	w.delivered = u
	w.mu.Unlock()

	w.logger.Debug("External update observed", "turn_id", u.TurnID, "written_at", u.WrittenAt)
	select {
	case w.updates <- u:
	case <-ctx.Done():
	}
}

// Peek reads the marker and reports it when it was not acknowledged yet.
func (w *Watcher) Peek() (domain.ExternalUpdate, bool, error) {
	u, ok, err := w.marker.Read()
	if err != nil || !ok {
		return domain.ExternalUpdate{}, false, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !newer(u, w.acked) {
		return domain.ExternalUpdate{}, false, nil
	}
	return u, true, nil
}

// Ack records u as folded in.
func (w *Watcher) Ack(u domain.ExternalUpdate) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if newer(u, w.acked) {
		w.acked = u
	}
}

func newDebounceTimer() *time.Timer {
	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	return timer
}

func resetDebounceTimer(timer *time.Timer, d time.Duration) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(d)
}
