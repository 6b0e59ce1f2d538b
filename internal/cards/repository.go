package cards

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/sync/errgroup"
)

// Repository stores and retrieves per-kind card batches keyed by turn.
type Repository struct {
	repo   store.Repository
	logger *slog.Logger
}

// NewRepository wraps a durable store.
func NewRepository(repo store.Repository, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{repo: repo, logger: logger}
}

// Save persists the list of one kind for a turn. An empty list after dedup
// deletes any existing batch; otherwise the batch is upserted with its
// creation timestamp set to the turn's timestamp.
func (r *Repository) Save(ctx context.Context, turn domain.TurnRef, kind domain.CardKind, cards domain.Cards) error {
	cards = Dedup(cards, kind)

	if cards.Count(kind) == 0 {
		if err := r.repo.DeleteCardBatch(ctx, turn.ID, kind); err != nil {
			return fmt.Errorf("delete %s batch for turn %s: %w", kind, turn.ID, err)
		}
		return nil
	}

	payload, err := encodeKind(cards, kind)
	if err != nil {
		return err
	}

	if err := r.repo.UpsertCardBatch(ctx, &domain.CardBatch{
		TurnID:    turn.ID,
		Kind:      kind,
		Payload:   payload,
		CreatedAt: turn.Timestamp,
	}); err != nil {
		return fmt.Errorf("save %s batch for turn %s: %w", kind, turn.ID, err)
	}
	return nil
}

// SaveAll persists several kinds concurrently. Each kind succeeds or fails on
// its own; the returned error joins every failure.
func (r *Repository) SaveAll(ctx context.Context, turn domain.TurnRef, cards domain.Cards, kinds []domain.CardKind) error {
	if len(kinds) == 0 {
		return nil
	}

	p := pool.New().WithErrors()
	for _, kind := range kinds {
		p.Go(func() error {
			err := r.Save(ctx, turn, kind, cards)
			if err != nil {
				r.logger.Warn("Card batch save failed",
					"turn_id", turn.ID,
					"kind", kind,
					"error", err)
			}
			return err
		})
	}
	return p.Wait()
}

// Load fetches the batches of one kind for the given turns. The store is
// queried by the timestamp range covering the turns, and the result is then
// filtered down to the exact identity set.
func (r *Repository) Load(ctx context.Context, turns []domain.TurnRef, kind domain.CardKind) (map[string]domain.Cards, error) {
	out := make(map[string]domain.Cards, len(turns))
	if len(turns) == 0 {
		return out, nil
	}

	wanted := make(map[string]struct{}, len(turns))
	from, to := turns[0].Timestamp, turns[0].Timestamp
	for _, t := range turns {
		wanted[t.ID] = struct{}{}
		if t.Timestamp.Before(from) {
			from = t.Timestamp
		}
		if t.Timestamp.After(to) {
			to = t.Timestamp
		}
	}

	batches, err := r.repo.ListCardBatches(ctx, kind, from, to)
	if err != nil {
		return nil, fmt.Errorf("list %s batches: %w", kind, err)
	}

	for _, b := range batches {
		if _, ok := wanted[b.TurnID]; !ok {
			continue
		}
		cards := out[b.TurnID]
		if err := decodeInto(&cards, kind, b.Payload); err != nil {
			r.logger.Warn("Skipping undecodable card batch",
				"turn_id", b.TurnID,
				"kind", kind,
				"version", b.Version,
				"error", err)
			continue
		}
		out[b.TurnID] = Dedup(cards, kind)
	}

	return out, nil
}

// LoadAll loads every kind for the given turns. Any failing kind fails the
// whole load so callers never apply a partial result.
func (r *Repository) LoadAll(ctx context.Context, turns []domain.TurnRef) (map[string]domain.Cards, error) {
	var mu sync.Mutex
	out := make(map[string]domain.Cards, len(turns))

	g, gctx := errgroup.WithContext(ctx)
	for _, kind := range domain.AllKinds {
		g.Go(func() error {
			byTurn, err := r.Load(gctx, turns, kind)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for id, cards := range byTurn {
				merged := out[id]
				mergeKind(&merged, cards, kind)
				out[id] = merged
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
