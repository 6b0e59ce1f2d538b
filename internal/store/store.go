// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
)

// Meta keys persisted alongside the turn log.
const (
	MetaSessionStart = "session_start"
)

// TurnQuery bounds a turn listing. When Since is set only turns strictly
// newer than it are returned, oldest first; otherwise the most recent Limit
// turns are returned, newest first.
type TurnQuery struct {
	Since time.Time
	Limit int
}

// Repository is the durable store shared by the foreground session and the
// background automation agent. Implementations must not assume exclusive
// access.
type Repository interface {
	// ListTurns returns persisted turns without their card lists.
	ListTurns(ctx context.Context, q TurnQuery) ([]domain.Turn, error)

	// UpsertTurn creates or replaces a turn row. Cards are stored separately.
	UpsertTurn(ctx context.Context, turn *domain.Turn) error

	// ListCardBatches returns batches of one kind whose creation timestamp
	// falls within [from, to].
	ListCardBatches(ctx context.Context, kind domain.CardKind, from, to time.Time) ([]domain.CardBatch, error)

	// UpsertCardBatch creates a batch or replaces its payload, bumping its version.
	UpsertCardBatch(ctx context.Context, batch *domain.CardBatch) error

	// DeleteCardBatch removes the batch for (turnID, kind) if present.
	DeleteCardBatch(ctx context.Context, turnID string, kind domain.CardKind) error

	// DeleteAllTurnsAndBatches wipes the conversation log.
	DeleteAllTurnsAndBatches(ctx context.Context) error

	// GetMeta reads a metadata value; ok is false when the key is unset.
	GetMeta(ctx context.Context, key string) (value string, ok bool, err error)

	// SetMeta writes a metadata value.
	SetMeta(ctx context.Context, key, value string) error

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
