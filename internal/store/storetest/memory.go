// Package storetest provides an in-memory store.Repository for tests.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/store"
)

type batchKey struct {
	turnID string
	kind   domain.CardKind
}

// Memory is a goroutine-safe in-memory Repository with error injection.
type Memory struct {
	mu      sync.Mutex
	turns   map[string]domain.Turn
	batches map[batchKey]domain.CardBatch
	meta    map[string]string

	// ListTurnsErr, when set, is returned by ListTurns.
	ListTurnsErr error
	// UpsertTurnErr, when set, is returned by UpsertTurn and nothing is written.
	UpsertTurnErr error
	// BatchErr maps a card kind to an error returned by every batch
	// operation of that kind.
	BatchErr map[domain.CardKind]error
	// BeforeList, when set, runs at the start of ListTurns outside the lock.
	BeforeList func()

	ListTurnsCalls int
}

// NewMemory returns an empty repository.
func NewMemory() *Memory {
	return &Memory{
		turns:    make(map[string]domain.Turn),
		batches:  make(map[batchKey]domain.CardBatch),
		meta:     make(map[string]string),
		BatchErr: make(map[domain.CardKind]error),
	}
}

// ListTurns implements store.Repository.
func (m *Memory) ListTurns(_ context.Context, q store.TurnQuery) ([]domain.Turn, error) {
	if m.BeforeList != nil {
		m.BeforeList()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListTurnsCalls++
	if m.ListTurnsErr != nil {
		return nil, m.ListTurnsErr
	}

	all := make([]domain.Turn, 0, len(m.turns))
	for _, t := range m.turns {
		if !q.Since.IsZero() && !t.Timestamp.After(q.Since) {
			continue
		}
		all = append(all, t)
	}
	if q.Since.IsZero() {
		sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })
	} else {
		sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	}
	if q.Limit > 0 && len(all) > q.Limit {
		all = all[:q.Limit]
	}
	return all, nil
}

// SetUpsertTurnErr sets UpsertTurnErr under the lock.
func (m *Memory) SetUpsertTurnErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpsertTurnErr = err
}

// UpsertTurn implements store.Repository.
func (m *Memory) UpsertTurn(_ context.Context, turn *domain.Turn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.UpsertTurnErr != nil {
		return m.UpsertTurnErr
	}
	t := *turn
	t.Cards = domain.Cards{}
	m.turns[t.ID] = t
	return nil
}

// Turn returns the stored row for id.
func (m *Memory) Turn(id string) (domain.Turn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.turns[id]
	return t, ok
}

// ListCardBatches implements store.Repository.
func (m *Memory) ListCardBatches(_ context.Context, kind domain.CardKind, from, to time.Time) ([]domain.CardBatch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.BatchErr[kind]; err != nil {
		return nil, err
	}
	var out []domain.CardBatch
	for k, b := range m.batches {
		if k.kind != kind || b.CreatedAt.Before(from) || b.CreatedAt.After(to) {
			continue
		}
		b.Payload = append([]byte(nil), b.Payload...)
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpsertCardBatch implements store.Repository.
func (m *Memory) UpsertCardBatch(_ context.Context, batch *domain.CardBatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.BatchErr[batch.Kind]; err != nil {
		return err
	}
	k := batchKey{batch.TurnID, batch.Kind}
	b := *batch
	b.Payload = append([]byte(nil), batch.Payload...)
	b.Version = m.batches[k].Version + 1
	b.UpdatedAt = time.Now()
	m.batches[k] = b
	return nil
}

// DeleteCardBatch implements store.Repository.
func (m *Memory) DeleteCardBatch(_ context.Context, turnID string, kind domain.CardKind) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.BatchErr[kind]; err != nil {
		return err
	}
	delete(m.batches, batchKey{turnID, kind})
	return nil
}

// Batch returns the stored batch for (turnID, kind).
func (m *Memory) Batch(turnID string, kind domain.CardKind) (domain.CardBatch, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[batchKey{turnID, kind}]
	return b, ok
}

// DeleteAllTurnsAndBatches implements store.Repository.
func (m *Memory) DeleteAllTurnsAndBatches(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turns = make(map[string]domain.Turn)
	m.batches = make(map[batchKey]domain.CardBatch)
	return nil
}

// GetMeta implements store.Repository.
func (m *Memory) GetMeta(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.meta[key]
	return v, ok, nil
}

// SetMeta implements store.Repository.
func (m *Memory) SetMeta(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.meta[key] = value
	return nil
}

// Ping implements store.Repository.
func (m *Memory) Ping(_ context.Context) error { return nil }

// Close implements store.Repository.
func (m *Memory) Close() error { return nil }

var _ store.Repository = (*Memory)(nil)
