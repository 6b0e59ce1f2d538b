// Package conversation holds the in-memory turn log and the single-writer
// engine that drives turns through streaming, structured merges and
// cross-process reconciliation.
package conversation

import (
	"sort"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// TurnStore is the ordered in-memory collection of turns keyed by identity.
// Every mutation installs a fresh backing slice so a slice returned by
// Snapshot is never modified afterwards. It is not safe for concurrent use;
// the Engine serializes access.
type TurnStore struct {
	turns   []domain.Turn
	index   map[string]int
	version uint64
}

// NewTurnStore returns an empty store.
func NewTurnStore() *TurnStore {
	return &TurnStore{index: make(map[string]int)}
}

// Len returns the number of turns.
func (s *TurnStore) Len() int { return len(s.turns) }

// Version increases on every mutation.
func (s *TurnStore) Version() uint64 { return s.version }

// Get returns a copy of the turn with the given identity.
func (s *TurnStore) Get(id string) (domain.Turn, bool) {
	i, ok := s.index[id]
	if !ok {
		return domain.Turn{}, false
	}
	return s.turns[i].Clone(), true
}

// Contains reports whether id is present.
func (s *TurnStore) Contains(id string) bool {
	_, ok := s.index[id]
	return ok
}

// Insert appends a new turn. It returns false if the identity already exists.
func (s *TurnStore) Insert(t domain.Turn) bool {
	if s.Contains(t.ID) {
		return false
	}
	next := make([]domain.Turn, len(s.turns), len(s.turns)+1)
	copy(next, s.turns)
	s.install(append(next, t.Clone()))
	return true
}

// Upsert replaces the turn with the same identity or appends it.
func (s *TurnStore) Upsert(t domain.Turn) {
	i, ok := s.index[t.ID]
	if !ok {
		s.Insert(t)
		return
	}
	next := append([]domain.Turn(nil), s.turns...)
	next[i] = t.Clone()
	s.install(next)
}

// Update applies fn to a working copy of the turn and stores the result when
// fn reports a change. It returns false if the turn is absent or unchanged.
func (s *TurnStore) Update(id string, fn func(t *domain.Turn) bool) bool {
	i, ok := s.index[id]
	if !ok {
		return false
	}
	working := s.turns[i].Clone()
	if !fn(&working) {
		return false
	}
	next := append([]domain.Turn(nil), s.turns...)
	next[i] = working
	s.install(next)
	return true
}

// Snapshot returns the ordered turn list. The slice must be treated as read-only.
func (s *TurnStore) Snapshot() []domain.Turn {
	return s.turns
}

// Sort orders turns by timestamp, keeping insertion order for ties.
func (s *TurnStore) Sort() {
	if sort.SliceIsSorted(s.turns, func(i, j int) bool {
		return s.turns[i].Timestamp.Before(s.turns[j].Timestamp)
	}) {
		return
	}
	next := append([]domain.Turn(nil), s.turns...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Timestamp.Before(next[j].Timestamp)
	})
	s.install(next)
}

// Reset removes every turn.
func (s *TurnStore) Reset() {
	s.install(nil)
}

// MaxTimestamp returns the newest timestamp in the store.
func (s *TurnStore) MaxTimestamp() time.Time {
	var max time.Time
	for _, t := range s.turns {
		if t.Timestamp.After(max) {
			max = t.Timestamp
		}
	}
	return max
}

func (s *TurnStore) install(turns []domain.Turn) {
	index := make(map[string]int, len(turns))
	for i, t := range turns {
		index[t.ID] = i
	}
	s.turns = turns
	s.index = index
	s.version++
}
