// Package notify carries cross-process "a turn was written" notices between
// the background automation agent and the foreground session.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// MarkerFile is the name of the marker inside the shared signal directory.
const MarkerFile = "external-update.json"

// Marker is the last-write notice file shared by both processes.
type Marker struct {
	dir string
}

// NewMarker returns a marker rooted at dir.
func NewMarker(dir string) *Marker {
	return &Marker{dir: dir}
}

// Path returns the marker file path.
func (m *Marker) Path() string {
	return filepath.Join(m.dir, MarkerFile)
}

// Write publishes u. The file is replaced atomically so a reader never sees
// a partial document.
func (m *Marker) Write(u domain.ExternalUpdate) error {
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create signal dir: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".external-update-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create marker temp file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := json.NewEncoder(tmp).Encode(u); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to encode marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close marker temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), m.Path()); err != nil {
		return fmt.Errorf("failed to publish marker: %w", err)
	}
	return nil
}

// Read returns the published update; ok is false when none exists.
func (m *Marker) Read() (domain.ExternalUpdate, bool, error) {
	data, err := os.ReadFile(m.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return domain.ExternalUpdate{}, false, nil
	}
	if err != nil {
		return domain.ExternalUpdate{}, false, fmt.Errorf("failed to read marker: %w", err)
	}

	var u domain.ExternalUpdate
	if err := json.Unmarshal(data, &u); err != nil {
		return domain.ExternalUpdate{}, false, fmt.Errorf("failed to decode marker: %w", err)
	}
	return u, !u.IsZero(), nil
}

// Clear removes the marker.
func (m *Marker) Clear() error {
	if err := os.Remove(m.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove marker: %w", err)
	}
	return nil
}

// newer reports whether u supersedes last.
func newer(u, last domain.ExternalUpdate) bool {
	if u.IsZero() {
		return false
	}
	if u.WrittenAt.After(last.WrittenAt) {
		return true
	}
	return u.WrittenAt.Equal(last.WrittenAt) && u.TurnID != last.TurnID
}
