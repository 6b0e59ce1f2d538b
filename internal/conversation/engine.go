package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ashureev/turnkeeper/internal/cards"
	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
)

var (
	// ErrInvalidRole is returned by CreateTurn for an unknown role.
	ErrInvalidRole = errors.New("invalid turn role")
	// ErrStreamInProgress is returned by StartStream while another turn streams.
	ErrStreamInProgress = errors.New("another turn is streaming")
)

// Options tunes an Engine. The zero value is usable.
type Options struct {
	// Clock overrides time.Now.
	Clock func() time.Time
	// NewID overrides uuid generation for turn identities.
	NewID func() string
	// Sink receives schedule cache invalidations.
	Sink InvalidationSink
	// Updates backs PeekPendingExternalUpdate.
	Updates UpdateSource
}

// Engine is the single writer of the in-memory conversation. Every mutation
// of the turn log happens under mu; storage I/O happens after mu is released
// so a slow disk never stalls streaming.
type Engine struct {
	mu      sync.Mutex
	turns   *TurnStore
	window  Window
	cursor  time.Time
	replays map[string]struct{}
	cancels map[string]context.CancelFunc
	// streaming is the one turn allowed in the Streaming phase.
	streaming string
	// revs counts local changes per turn; saved is the last count known to
	// be durable. A turn with revs > saved is never replaced by reconcile.
	revs  map[string]uint64
	saved map[string]uint64

	// persistMu orders writes so the newest in-memory state is written last.
	persistMu sync.Mutex

	reconciling atomic.Bool

	repo    store.Repository
	cards   *cards.Repository
	sink    InvalidationSink
	updates UpdateSource
	logger  *slog.Logger
	now     func() time.Time
	newID   func() string

	subMu   sync.Mutex
	subs    map[int]chan Event
	nextSub int
}

// NewEngine creates an engine backed by repo.
func NewEngine(repo store.Repository, logger *slog.Logger, opts Options) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		turns:   NewTurnStore(),
		replays: make(map[string]struct{}),
		cancels: make(map[string]context.CancelFunc),
		revs:    make(map[string]uint64),
		saved:   make(map[string]uint64),
		repo:    repo,
		cards:   cards.NewRepository(repo, logger),
		sink:    opts.Sink,
		updates: opts.Updates,
		logger:  logger,
		now:     opts.Clock,
		newID:   opts.NewID,
		subs:    make(map[int]chan Event),
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = func() string { return uuid.NewString() }
	}
	return e
}

// Restore loads the persisted session boundary. Call Reconcile afterwards to
// load the turn log itself.
func (e *Engine) Restore(ctx context.Context) error {
	raw, ok, err := e.repo.GetMeta(ctx, store.MetaSessionStart)
	if err != nil {
		return fmt.Errorf("failed to read session start: %w", err)
	}
	if !ok {
		return nil
	}
	start, err := decodeBoundary(raw)
	if err != nil {
		e.logger.Warn("Ignoring malformed session start", "value", raw, "error", err)
		return nil
	}

	e.mu.Lock()
	e.window.Begin(start)
	e.mu.Unlock()
	return nil
}

// CreateTurn appends a new turn in the Idle phase and returns its identity.
// The turn is in memory even when persisting it fails.
func (e *Engine) CreateTurn(ctx context.Context, role domain.Role, text string) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}

	e.mu.Lock()
	ts := e.now().Round(0)
	if newest := e.turns.MaxTimestamp(); ts.Before(newest) {
		ts = newest
	}
	t := domain.Turn{
		ID:        e.newID(),
		Role:      role,
		Text:      text,
		Phase:     domain.PhaseIdle,
		Timestamp: ts,
	}
	e.turns.Insert(t)
	e.revs[t.ID]++
	version := e.turns.Version()
	e.mu.Unlock()

	e.emit(Event{Type: EventTurnsChanged, TurnID: t.ID, Version: version})
	return t.ID, e.persistTurn(ctx, t.ID)
}

// StartStream moves the turn into Streaming. Only one turn streams at a
// time; starting a second one fails with ErrStreamInProgress.
func (e *Engine) StartStream(id string) (bool, error) {
	e.mu.Lock()
	if active := e.streaming; active != "" && active != id {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %s", ErrStreamInProgress, active)
	}
	changed := e.updateLocked(id, Start)
	version := e.turns.Version()
	e.mu.Unlock()

	if changed {
		e.emit(Event{Type: EventTurnsChanged, TurnID: id, Version: version})
	}
	return changed, nil
}

// AppendDelta appends streamed text to the turn. Fragments for a turn other
// than the active stream are ignored.
func (e *Engine) AppendDelta(id, fragment string) bool {
	e.mu.Lock()
	if active := e.streaming; active != "" && active != id {
		e.mu.Unlock()
		e.logger.Debug("Ignoring fragment while another turn streams", "turn_id", id, "active", active)
		return false
	}
	changed := e.updateLocked(id, func(t *domain.Turn) bool {
		return AppendDelta(t, fragment)
	})
	version := e.turns.Version()
	e.mu.Unlock()

	if changed {
		e.emit(Event{Type: EventTurnsChanged, TurnID: id, Version: version})
	}
	return changed
}

// ActiveStream returns the turn currently streaming, if any.
func (e *Engine) ActiveStream() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.streaming, e.streaming != ""
}

// Complete finishes the turn and persists it. Completing a finished turn is a no-op.
func (e *Engine) Complete(ctx context.Context, id string) error {
	if !e.mutate(id, Complete) {
		return nil
	}
	return e.persistTurn(ctx, id)
}

// Fail moves the turn into Error and persists it.
func (e *Engine) Fail(ctx context.Context, id, reason string) error {
	if !e.mutate(id, func(t *domain.Turn) bool {
		return Fail(t, reason)
	}) {
		return nil
	}
	return e.persistTurn(ctx, id)
}

// Interrupt stops a streaming turn and cancels the stream registered for it
// before returning.
func (e *Engine) Interrupt(ctx context.Context, id string) error {
	changed := e.mutate(id, Interrupt)

	e.mu.Lock()
	cancel := e.cancels[id]
	delete(e.cancels, id)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	if !changed {
		return nil
	}
	return e.persistTurn(ctx, id)
}

// RegisterCancel associates the cancel func of a backend stream with a turn.
// The returned release func removes the association.
func (e *Engine) RegisterCancel(id string, cancel context.CancelFunc) (release func()) {
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.cancels, id)
		e.mu.Unlock()
	}
}

// ApplyStructuredDelta merges a structured fragment into the turn. Card kinds
// the merge changed are persisted; a fragment for an unknown turn is ignored.
func (e *Engine) ApplyStructuredDelta(ctx context.Context, id string, d domain.StructuredDelta) error {
	var res MergeResult
	e.mu.Lock()
	if !e.turns.Contains(id) {
		e.mu.Unlock()
		e.logger.Debug("Ignoring structured delta for unknown turn", "turn_id", id)
		return nil
	}
	changed := e.updateLocked(id, func(t *domain.Turn) bool {
		d.Cards = BindIdentities(t.Cards, d.Cards, !d.IsDelta, e.newID)
		res = Merge(t, d)
		return res.Changed
	})
	current, _ := e.turns.Get(id)
	version := e.turns.Version()
	e.mu.Unlock()

	if !changed {
		return nil
	}
	e.emit(Event{Type: EventTurnsChanged, TurnID: id, Version: version})

	if len(res.InvalidatedSchedules) > 0 {
		e.emit(Event{
			Type:      EventSchedulesInvalidated,
			TurnID:    id,
			Version:   version,
			RemoteIDs: res.InvalidatedSchedules,
		})
		if e.sink != nil {
			e.sink.InvalidateSchedules(id, res.InvalidatedSchedules)
		}
	}

	var errs []error
	if len(res.ChangedKinds) > 0 {
		errs = append(errs, e.persistCards(ctx, id, res.ChangedKinds))
	}
	if current.IsTerminal() {
		errs = append(errs, e.persistTurn(ctx, id))
	}
	return errors.Join(errs...)
}

// Snapshot returns the ordered turn list. The slice and the cards it holds
// are shared and must not be modified.
func (e *Engine) Snapshot() []domain.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns.Snapshot()
}

// Version returns the current snapshot version.
func (e *Engine) Version() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns.Version()
}

// Get returns a copy of one turn.
func (e *Engine) Get(id string) (domain.Turn, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turns.Get(id)
}

// TakeReplay reports whether the turn has a pending reveal replay and
// consumes it.
func (e *Engine) TakeReplay(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.replays[id]; !ok {
		return false
	}
	delete(e.replays, id)
	return true
}

// PeekPendingExternalUpdate reports a cross-process write that has not been
// folded in yet.
func (e *Engine) PeekPendingExternalUpdate() (domain.ExternalUpdate, bool) {
	if e.updates == nil {
		return domain.ExternalUpdate{}, false
	}
	u, ok, err := e.updates.Peek()
	if err != nil {
		e.logger.Warn("Failed to peek external update", "error", err)
		return domain.ExternalUpdate{}, false
	}
	return u, ok
}

// SyncCursor returns the newest timestamp folded in from the durable store.
func (e *Engine) SyncCursor() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

// BeginSession starts a new session window at the current time and persists
// the boundary.
func (e *Engine) BeginSession(ctx context.Context) (time.Time, error) {
	at := e.now().Round(0)
	e.mu.Lock()
	e.window.Begin(at)
	e.mu.Unlock()

	if err := e.repo.SetMeta(ctx, store.MetaSessionStart, encodeBoundary(at)); err != nil {
		return at, fmt.Errorf("failed to persist session start: %w", err)
	}
	return at, nil
}

// SessionStart returns the current session boundary.
func (e *Engine) SessionStart() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Start()
}

// SessionTurns returns the turns of the current session window.
func (e *Engine) SessionTurns() []domain.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.window.Filter(e.turns.Snapshot())
}

// DeleteAll wipes the durable log, then the in-memory one. Running streams
// are cancelled. On a storage error memory is left untouched.
func (e *Engine) DeleteAll(ctx context.Context) error {
	e.persistMu.Lock()
	err := e.repo.DeleteAllTurnsAndBatches(ctx)
	e.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}

	e.mu.Lock()
	e.turns.Reset()
	e.cursor = time.Time{}
	e.streaming = ""
	e.revs = make(map[string]uint64)
	e.saved = make(map[string]uint64)
	e.replays = make(map[string]struct{})
	cancels := e.cancels
	e.cancels = make(map[string]context.CancelFunc)
	version := e.turns.Version()
	e.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	e.emit(Event{Type: EventTurnsChanged, Version: version})
	return nil
}

func (e *Engine) mutate(id string, fn func(*domain.Turn) bool) bool {
	e.mu.Lock()
	changed := e.updateLocked(id, fn)
	version := e.turns.Version()
	e.mu.Unlock()

	if changed {
		e.emit(Event{Type: EventTurnsChanged, TurnID: id, Version: version})
	}
	return changed
}

// updateLocked applies fn to the turn, counts the change and keeps the
// active stream in step with the turn's phase. e.mu must be held.
func (e *Engine) updateLocked(id string, fn func(*domain.Turn) bool) bool {
	changed := e.turns.Update(id, fn)
	if !changed {
		return false
	}
	e.revs[id]++
	if t, ok := e.turns.Get(id); ok && t.IsStreaming() {
		e.streaming = id
	} else if e.streaming == id {
		e.streaming = ""
	}
	return true
}

// markSaved records that the turn's state at rev is durable.
func (e *Engine) markSaved(id string, rev uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rev > e.saved[id] {
		e.saved[id] = rev
	}
}

// unsavedLocked reports whether the turn has local changes not yet durable.
// e.mu must be held.
func (e *Engine) unsavedLocked(id string) bool {
	return e.revs[id] > e.saved[id]
}

func (e *Engine) persistTurn(ctx context.Context, id string) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	t, ok := e.turns.Get(id)
	rev := e.revs[id]
	e.mu.Unlock()
	if !ok {
		return nil
	}

	if err := e.repo.UpsertTurn(ctx, &t); err != nil {
		e.logger.Error("Failed to persist turn", "turn_id", id, "error", err)
		return fmt.Errorf("failed to persist turn %s: %w", id, err)
	}
	e.markSaved(id, rev)
	return nil
}

func (e *Engine) persistCards(ctx context.Context, id string, kinds []domain.CardKind) error {
	e.persistMu.Lock()
	defer e.persistMu.Unlock()

	e.mu.Lock()
	t, ok := e.turns.Get(id)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	return e.cards.SaveAll(ctx, t.Ref(), t.Cards, kinds)
}
