// Package postgres implements store.Store on PostgreSQL or CockroachDB.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/manpreetbhatti/lattice/internal/store"
)

// Config tunes the connection pool.
type Config struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS rooms (
	id TEXT PRIMARY KEY,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS document_updates (
	id BIGSERIAL PRIMARY KEY,
	room_id TEXT NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
	update_data BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_document_updates_room_id ON document_updates(room_id);
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
	snapshot_data BYTEA NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS room_metadata (
	room_id TEXT PRIMARY KEY REFERENCES rooms(id) ON DELETE CASCADE,
	is_active BOOLEAN NOT NULL,
	stopped_at TIMESTAMPTZ,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Store implements store.Store using database/sql with the pq driver.
type Store struct {
	db *sql.DB
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Stats  = (*Store)(nil)
	_ store.Lister = (*Store)(nil)
)

// Open connects using dsn, verifies the connection and creates the schema.
func Open(ctx context.Context, dsn string, cfg Config) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle without touching the schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) GetMetadata(ctx context.Context, roomID string) (*store.Metadata, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT room_id, is_active, stopped_at, updated_at
		FROM room_metadata WHERE room_id = $1
	`, roomID)

	var meta store.Metadata
	var stoppedAt pq.NullTime
	if err := row.Scan(&meta.RoomID, &meta.IsActive, &stoppedAt, &meta.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get room metadata: %w", err)
	}
	if stoppedAt.Valid {
		at := stoppedAt.Time.UTC()
		meta.StoppedAt = &at
	}
	return &meta, nil
}

func (s *Store) PutMetadata(ctx context.Context, meta *store.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, meta.RoomID); err != nil {
			return err
		}
		var stoppedAt pq.NullTime
		if meta.StoppedAt != nil {
			stoppedAt = pq.NullTime{Time: *meta.StoppedAt, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_metadata (room_id, is_active, stopped_at, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (room_id) DO UPDATE SET
				is_active = excluded.is_active,
				stopped_at = excluded.stopped_at,
				updated_at = now()
		`, meta.RoomID, meta.IsActive, stoppedAt); err != nil {
			return fmt.Errorf("upsert room metadata: %w", err)
		}
		return nil
	})
}

func (s *Store) DeleteMetadata(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_metadata WHERE room_id = $1`, roomID); err != nil {
		return fmt.Errorf("delete room metadata: %w", err)
	}
	return nil
}

func (s *Store) LoadDocument(ctx context.Context, roomID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot_data FROM room_snapshots WHERE room_id = $1`, roomID,
	).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT update_data FROM document_updates WHERE room_id = $1 ORDER BY id ASC`, roomID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, nil, fmt.Errorf("scan update: %w", err)
		}
		updates = append(updates, data)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate updates: %w", err)
	}
	return snapshot, updates, nil
}

func (s *Store) AppendUpdate(ctx context.Context, roomID string, update []byte) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO document_updates (room_id, update_data) VALUES ($1, $2)`, roomID, update,
		); err != nil {
			return fmt.Errorf("append update: %w", err)
		}
		return nil
	})
}

func (s *Store) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	if snapshot == nil {
		snapshot = []byte{}
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_snapshots (room_id, snapshot_data, updated_at)
			VALUES ($1, $2, now())
			ON CONFLICT (room_id) DO UPDATE SET
				snapshot_data = excluded.snapshot_data,
				updated_at = now()
		`, roomID, snapshot); err != nil {
			return fmt.Errorf("save snapshot: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_updates WHERE room_id = $1`, roomID); err != nil {
			return fmt.Errorf("truncate updates: %w", err)
		}
		return nil
	})
}

func (s *Store) ListRooms(ctx context.Context, limit, offset int) ([]store.RoomSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, r.updated_at, COALESCE(m.is_active, TRUE), m.stopped_at
		FROM rooms r LEFT JOIN room_metadata m ON m.room_id = r.id
		ORDER BY r.updated_at DESC LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []store.RoomSummary
	for rows.Next() {
		var room store.RoomSummary
		var stoppedAt pq.NullTime
		if err := rows.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt, &room.IsActive, &stoppedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		if stoppedAt.Valid {
			at := stoppedAt.Time.UTC()
			room.StoppedAt = &at
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *Store) GetStats(ctx context.Context) (map[string]any, error) {
	var rooms, updates, stopped int
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM rooms),
			(SELECT COUNT(*) FROM document_updates),
			(SELECT COUNT(*) FROM room_metadata WHERE NOT is_active)
	`).Scan(&rooms, &updates, &stopped)
	if err != nil {
		return nil, fmt.Errorf("get stats: %w", err)
	}
	return map[string]any{
		"room_count":         rooms,
		"update_count":       updates,
		"stopped_room_count": stopped,
	}, nil
}

func ensureRoom(ctx context.Context, tx *sql.Tx, roomID string) error {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rooms (id) VALUES ($1)
		ON CONFLICT (id) DO UPDATE SET updated_at = now()
	`, roomID); err != nil {
		return fmt.Errorf("ensure room: %w", err)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}
