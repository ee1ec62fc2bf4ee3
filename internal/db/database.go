package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/manpreetbhatti/lattice/internal/store"
)

// Database is the embedded SQLite backend for room metadata and documents.
type Database struct {
	db *sql.DB
}

var (
	_ store.Store  = (*Database)(nil)
	_ store.Stats  = (*Database)(nil)
	_ store.Lister = (*Database)(nil)
)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One writer at a time; sessions persist from many goroutines
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	logrus.WithField("path", dbPath).Info("Database initialized")
	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_updates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		room_id TEXT NOT NULL,
		update_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_document_updates_room_id ON document_updates(room_id);

	CREATE TABLE IF NOT EXISTS room_snapshots (
		room_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS room_metadata (
		room_id TEXT PRIMARY KEY,
		is_active BOOLEAN NOT NULL,
		stopped_at_ns INTEGER,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (room_id) REFERENCES rooms(id) ON DELETE CASCADE
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Room operations

func (d *Database) ensureRoom(ctx context.Context, tx *sql.Tx, id string) error {
	if _, err := tx.ExecContext(ctx, "INSERT OR IGNORE INTO rooms (id) VALUES (?)", id); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, "UPDATE rooms SET updated_at = CURRENT_TIMESTAMP WHERE id = ?", id)
	return err
}

func (d *Database) ListRooms(ctx context.Context, limit, offset int) ([]store.RoomSummary, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT r.id, r.created_at, r.updated_at, COALESCE(m.is_active, TRUE), m.stopped_at_ns
		FROM rooms r LEFT JOIN room_metadata m ON m.room_id = r.id
		ORDER BY r.updated_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []store.RoomSummary
	for rows.Next() {
		var room store.RoomSummary
		var stoppedAt sql.NullInt64
		if err := rows.Scan(&room.ID, &room.CreatedAt, &room.UpdatedAt, &room.IsActive, &stoppedAt); err != nil {
			return nil, err
		}
		room.StoppedAt = fromNanos(stoppedAt)
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

// Metadata operations

func (d *Database) GetMetadata(ctx context.Context, roomID string) (*store.Metadata, error) {
	row := d.db.QueryRowContext(ctx,
		"SELECT room_id, is_active, stopped_at_ns, updated_at FROM room_metadata WHERE room_id = ?",
		roomID,
	)

	var meta store.Metadata
	var stoppedAt sql.NullInt64
	err := row.Scan(&meta.RoomID, &meta.IsActive, &stoppedAt, &meta.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get room metadata: %w", err)
	}
	meta.StoppedAt = fromNanos(stoppedAt)
	return &meta, nil
}

func (d *Database) PutMetadata(ctx context.Context, meta *store.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.ensureRoom(ctx, tx, meta.RoomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO room_metadata (room_id, is_active, stopped_at_ns, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(room_id) DO UPDATE SET
				is_active = excluded.is_active,
				stopped_at_ns = excluded.stopped_at_ns,
				updated_at = CURRENT_TIMESTAMP
		`, meta.RoomID, meta.IsActive, toNanos(meta.StoppedAt))
		return err
	})
}

func (d *Database) DeleteMetadata(ctx context.Context, roomID string) error {
	_, err := d.db.ExecContext(ctx, "DELETE FROM room_metadata WHERE room_id = ?", roomID)
	if err != nil {
		return fmt.Errorf("delete room metadata: %w", err)
	}
	return nil
}

// Document operations

func (d *Database) AppendUpdate(ctx context.Context, roomID string, update []byte) error {
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"INSERT INTO document_updates (room_id, update_data) VALUES (?, ?)",
			roomID, update,
		)
		return err
	})
}

func (d *Database) LoadDocument(ctx context.Context, roomID string) ([]byte, [][]byte, error) {
	var snapshot []byte
	err := d.db.QueryRowContext(ctx,
		"SELECT snapshot_data FROM room_snapshots WHERE room_id = ?",
		roomID,
	).Scan(&snapshot)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("load snapshot: %w", err)
	}

	rows, err := d.db.QueryContext(ctx,
		"SELECT update_data FROM document_updates WHERE room_id = ? ORDER BY id ASC",
		roomID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("load updates: %w", err)
	}
	defer rows.Close()

	var updates [][]byte
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, nil, err
		}
		updates = append(updates, data)
	}
	return snapshot, updates, rows.Err()
}

func (d *Database) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	if snapshot == nil {
		snapshot = []byte{}
	}
	return d.withTx(ctx, func(tx *sql.Tx) error {
		if err := d.ensureRoom(ctx, tx, roomID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO room_snapshots (room_id, snapshot_data, updated_at)
			VALUES (?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(room_id) DO UPDATE SET
				snapshot_data = excluded.snapshot_data,
				updated_at = CURRENT_TIMESTAMP
		`, roomID, snapshot); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM document_updates WHERE room_id = ?", roomID)
		return err
	})
}

func (d *Database) GetUpdateCount(ctx context.Context, roomID string) (int, error) {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM document_updates WHERE room_id = ?",
		roomID,
	).Scan(&count)
	return count, err
}

// Stats

func (d *Database) GetStats(ctx context.Context) (map[string]any, error) {
	stats := make(map[string]any)

	var roomCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM rooms").Scan(&roomCount); err != nil {
		return nil, err
	}
	stats["room_count"] = roomCount

	var updateCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM document_updates").Scan(&updateCount); err != nil {
		return nil, err
	}
	stats["update_count"] = updateCount

	var stoppedCount int
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM room_metadata WHERE is_active = FALSE").Scan(&stoppedCount); err != nil {
		return nil, err
	}
	stats["stopped_room_count"] = stoppedCount

	return stats, nil
}

func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func toNanos(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}
