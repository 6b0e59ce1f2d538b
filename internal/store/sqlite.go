package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/turnkeeper/internal/domain"
	"github.com/ashureev/turnkeeper/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite. The same file is opened by
// the foreground session and by the automation agent process.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers inside this process to limit SQLITE_BUSY
	retry   shared.RetryPolicy
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL lets the agent process append while the session reads.
	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: shared.DefaultRetryPolicy}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		role TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		phase TEXT NOT NULL,
		error_reason TEXT NOT NULL DEFAULT '',
		interrupted INTEGER NOT NULL DEFAULT 0,
		ts INTEGER NOT NULL,
		aux_note TEXT NOT NULL DEFAULT '',
		tools_json TEXT NOT NULL DEFAULT '{}',
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_ts ON turns(ts);

	CREATE TABLE IF NOT EXISTS card_batches (
		turn_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (turn_id, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_card_batches_kind_created ON card_batches(kind, created_at);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// ListTurns returns persisted turns without their card lists.
func (s *SQLiteStore) ListTurns(ctx context.Context, q TurnQuery) ([]domain.Turn, error) {
	const columns = `id, role, text, phase, error_reason, interrupted, ts, aux_note, tools_json`

	limit := q.Limit
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var rows *sql.Rows
	var err error
	if !q.Since.IsZero() {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM turns WHERE ts > ? ORDER BY ts ASC LIMIT ?`,
			q.Since.UnixNano(), limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT `+columns+` FROM turns ORDER BY ts DESC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close turn rows", "error", closeErr)
		}
	}()

	var turns []domain.Turn
	for rows.Next() {
		var t domain.Turn
		var role, phase, toolsJSON string
		var ts int64

		if err := rows.Scan(
			&t.ID, &role, &t.Text, &phase, &t.ErrorReason,
			&t.Interrupted, &ts, &t.AuxNote, &toolsJSON,
		); err != nil {
			return nil, fmt.Errorf("scan turn row: %w", err)
		}

		t.Role = domain.Role(role)
		t.Phase = domain.Phase(phase)
		t.Timestamp = time.Unix(0, ts)
		if err := json.Unmarshal([]byte(toolsJSON), &t.Tools); err != nil {
			slog.Warn("ignoring malformed tool flags", "turn_id", t.ID, "error", err)
			t.Tools = domain.ToolFlags{}
		}
		turns = append(turns, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}

	return turns, nil
}

// UpsertTurn creates or replaces a turn row.
func (s *SQLiteStore) UpsertTurn(ctx context.Context, turn *domain.Turn) error {
	query := `
	INSERT INTO turns (id, role, text, phase, error_reason, interrupted, ts, aux_note, tools_json, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		role = excluded.role,
		text = excluded.text,
		phase = excluded.phase,
		error_reason = excluded.error_reason,
		interrupted = excluded.interrupted,
		ts = excluded.ts,
		aux_note = excluded.aux_note,
		tools_json = excluded.tools_json,
		updated_at = excluded.updated_at`

	tools, err := json.Marshal(turn.Tools)
	if err != nil {
		return fmt.Errorf("encode tool flags: %w", err)
	}

	return s.write(ctx, "upsert turn", func() error {
		_, err := s.db.ExecContext(ctx, query,
			turn.ID, string(turn.Role), turn.Text, string(turn.Phase), turn.ErrorReason,
			turn.Interrupted, turn.Timestamp.UnixNano(), turn.AuxNote, string(tools),
			time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert turn: %w", err)
		}
		return nil
	})
}

// ListCardBatches returns batches of one kind created within [from, to].
func (s *SQLiteStore) ListCardBatches(ctx context.Context, kind domain.CardKind, from, to time.Time) ([]domain.CardBatch, error) {
	query := `
		SELECT turn_id, kind, payload, version, created_at, updated_at
		FROM card_batches
		WHERE kind = ? AND created_at BETWEEN ? AND ?
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, string(kind), from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("query card batches: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close card batch rows", "error", closeErr)
		}
	}()

	var batches []domain.CardBatch
	for rows.Next() {
		var b domain.CardBatch
		var k, payload string
		var createdAt, updatedAt int64

		if err := rows.Scan(&b.TurnID, &k, &payload, &b.Version, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan card batch row: %w", err)
		}
		b.Kind = domain.CardKind(k)
		b.Payload = []byte(payload)
		b.CreatedAt = time.Unix(0, createdAt)
		b.UpdatedAt = time.Unix(0, updatedAt)
		batches = append(batches, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate card batches: %w", err)
	}

	return batches, nil
}

// UpsertCardBatch creates a batch or replaces its payload and creation
// timestamp, incrementing its version.
func (s *SQLiteStore) UpsertCardBatch(ctx context.Context, batch *domain.CardBatch) error {
	query := `
	INSERT INTO card_batches (turn_id, kind, payload, version, created_at, updated_at)
	VALUES (?, ?, ?, 1, ?, ?)
	ON CONFLICT(turn_id, kind) DO UPDATE SET
		payload = excluded.payload,
		version = card_batches.version + 1,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at`

	return s.write(ctx, "upsert card batch", func() error {
		_, err := s.db.ExecContext(ctx, query,
			batch.TurnID, string(batch.Kind), string(batch.Payload),
			batch.CreatedAt.UnixNano(), time.Now().UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("upsert card batch: %w", err)
		}
		return nil
	})
}

// DeleteCardBatch removes the batch for (turnID, kind).
func (s *SQLiteStore) DeleteCardBatch(ctx context.Context, turnID string, kind domain.CardKind) error {
	return s.write(ctx, "delete card batch", func() error {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM card_batches WHERE turn_id = ? AND kind = ?`, turnID, string(kind))
		if err != nil {
			return fmt.Errorf("delete card batch: %w", err)
		}
		return nil
	})
}

// DeleteAllTurnsAndBatches wipes turns and card batches in one transaction.
func (s *SQLiteStore) DeleteAllTurnsAndBatches(ctx context.Context) error {
	return s.write(ctx, "delete all", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin delete all: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM card_batches`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete card batches: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM turns`); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete turns: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit delete all: %w", err)
		}
		return nil
	})
}

// GetMeta reads a metadata value.
func (s *SQLiteStore) GetMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a metadata value.
func (s *SQLiteStore) SetMeta(ctx context.Context, key, value string) error {
	query := `
	INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	return s.write(ctx, "set meta", func() error {
		if _, err := s.db.ExecContext(ctx, query, key, value, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("set meta %s: %w", key, err)
		}
		return nil
	})
}

func (s *SQLiteStore) write(ctx context.Context, name string, op func() error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, s.retry, name, op)
}

var _ Repository = (*SQLiteStore)(nil)
