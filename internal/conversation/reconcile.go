package conversation

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
)

// DefaultReconcileLimit bounds a full reconcile pass.
const DefaultReconcileLimit = 50

// Reconcile folds the most recent limit turns of the durable store into
// memory. It reports false when another pass was already running; that pass
// picks up the same data.
func (e *Engine) Reconcile(ctx context.Context, limit int) (bool, error) {
	return e.reconcile(ctx, store.TurnQuery{Limit: normalizeLimit(limit)}, "")
}

// ReconcileExternal is Reconcile triggered by a cross-process notice. When
// the noticed turn arrives as a finished agent reply it is queued for a
// reveal replay.
func (e *Engine) ReconcileExternal(ctx context.Context, limit int, u domain.ExternalUpdate) (bool, error) {
	return e.reconcile(ctx, store.TurnQuery{Limit: normalizeLimit(limit)}, u.TurnID)
}

// PullNewer fetches only the turns written after the sync cursor. Before the
// first pass it behaves like Reconcile with the default limit.
func (e *Engine) PullNewer(ctx context.Context) (bool, error) {
	e.mu.Lock()
	cursor := e.cursor
	e.mu.Unlock()

	if cursor.IsZero() {
		return e.Reconcile(ctx, DefaultReconcileLimit)
	}
	return e.reconcile(ctx, store.TurnQuery{Since: cursor}, "")
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultReconcileLimit
	}
	return limit
}

func (e *Engine) reconcile(ctx context.Context, q store.TurnQuery, replayTarget string) (bool, error) {
	if !e.reconciling.CompareAndSwap(false, true) {
		e.logger.Debug("Reconcile already in flight, coalescing", "replay_target", replayTarget)
		return false, nil
	}
	defer e.reconciling.Store(false)

	fetched, err := e.repo.ListTurns(ctx, q)
	if err != nil {
		return false, fmt.Errorf("failed to list turns: %w", err)
	}
	incoming := dedupLastSeen(fetched)
	sort.SliceStable(incoming, func(i, j int) bool {
		return incoming[i].Timestamp.Before(incoming[j].Timestamp)
	})

	refs := make([]domain.TurnRef, len(incoming))
	for i := range incoming {
		refs[i] = incoming[i].Ref()
	}
	cardsByTurn, err := e.cards.LoadAll(ctx, refs)
	if err != nil {
		return false, fmt.Errorf("failed to load card batches: %w", err)
	}
	for i := range incoming {
		incoming[i].Cards = cardsByTurn[incoming[i].ID]
	}

	e.mu.Lock()
	applied, skipped, unsaved := 0, 0, 0
	for _, t := range incoming {
		local, exists := e.turns.Get(t.ID)
		if exists && local.IsStreaming() {
			skipped++
			continue
		}
		if exists && e.unsavedLocked(t.ID) {
			unsaved++
			continue
		}
		if exists && reflect.DeepEqual(local, t) {
			continue
		}
		e.turns.Upsert(t)
		e.revs[t.ID]++
		e.saved[t.ID] = e.revs[t.ID]
		applied++
	}
	e.turns.Sort()

	replay := false
	if replayTarget != "" {
		if local, ok := e.turns.Get(replayTarget); ok && !local.IsStreaming() && isRevealable(local) {
			e.replays[replayTarget] = struct{}{}
			replay = true
		}
	}
	for _, t := range incoming {
		if t.Timestamp.After(e.cursor) {
			e.cursor = t.Timestamp
		}
	}
	version := e.turns.Version()
	e.mu.Unlock()

	e.logger.Debug("Reconcile pass finished",
		"fetched", len(fetched),
		"applied", applied,
		"skipped_streaming", skipped,
		"skipped_unsaved", unsaved)

	if applied > 0 {
		e.emit(Event{Type: EventTurnsChanged, Version: version})
	}
	if replay {
		e.emit(Event{Type: EventReplay, TurnID: replayTarget, Version: version})
	}
	return true, nil
}

// dedupLastSeen drops repeated identities, keeping the last occurrence's data
// at the position of the first.
func dedupLastSeen(turns []domain.Turn) []domain.Turn {
	pos := make(map[string]int, len(turns))
	out := make([]domain.Turn, 0, len(turns))
	for _, t := range turns {
		if i, ok := pos[t.ID]; ok {
			out[i] = t
			continue
		}
		pos[t.ID] = len(out)
		out = append(out, t)
	}
	return out
}

func isRevealable(t domain.Turn) bool {
	return t.Role == domain.RoleAgent &&
		strings.TrimSpace(t.Text) != "" &&
		!domain.IsPlaceholder(t.Text)
}
