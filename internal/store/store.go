// Package store defines the persistence contract consumed by room sessions.
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("store: not found")

// Metadata is the durable session record for a room. StoppedAt is set iff
// IsActive is false.
type Metadata struct {
	RoomID    string
	IsActive  bool
	StoppedAt *time.Time
	UpdatedAt time.Time
}

// MetadataStore persists room session metadata.
type MetadataStore interface {
	// GetMetadata returns ErrNotFound when the room has no record.
	GetMetadata(ctx context.Context, roomID string) (*Metadata, error)
	PutMetadata(ctx context.Context, meta *Metadata) error
	// DeleteMetadata is a no-op for rooms without a record.
	DeleteMetadata(ctx context.Context, roomID string) error
}

// DocumentStore persists document content as a snapshot plus the deltas
// appended since that snapshot.
type DocumentStore interface {
	// LoadDocument returns a nil snapshot and no updates for unknown rooms.
	LoadDocument(ctx context.Context, roomID string) (snapshot []byte, updates [][]byte, err error)
	AppendUpdate(ctx context.Context, roomID string, update []byte) error
	// SaveSnapshot replaces the snapshot and discards every appended update.
	SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error
}

// Store is the full persistence backend.
type Store interface {
	MetadataStore
	DocumentStore
	Close() error
}

// Stats is implemented by backends that can report totals for the stats API.
type Stats interface {
	GetStats(ctx context.Context) (map[string]any, error)
}

// Validate checks the StoppedAt/IsActive invariant before a write.
func (m *Metadata) Validate() error {
	if m == nil {
		return errors.New("store: metadata is nil")
	}
	if m.RoomID == "" {
		return errors.New("store: room id is required")
	}
	if m.IsActive && m.StoppedAt != nil {
		return errors.New("store: active room cannot carry stopped_at")
	}
	if !m.IsActive && m.StoppedAt == nil {
		return errors.New("store: stopped room requires stopped_at")
	}
	return nil
}

// RoomSummary describes a persisted room for listing.
type RoomSummary struct {
	ID        string
	IsActive  bool
	StoppedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Lister is implemented by backends that can enumerate persisted rooms.
type Lister interface {
	ListRooms(ctx context.Context, limit, offset int) ([]RoomSummary, error)
}
