// Package memory is an in-process Store used by tests and single-node demos.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/internal/store"
)

type document struct {
	snapshot  []byte
	updates   [][]byte
	createdAt time.Time
	updatedAt time.Time
}

type Store struct {
	mu        sync.RWMutex
	metadata  map[string]store.Metadata
	documents map[string]*document
}

var (
	_ store.Store  = (*Store)(nil)
	_ store.Lister = (*Store)(nil)
	_ store.Stats  = (*Store)(nil)
)

func New() *Store {
	return &Store{
		metadata:  make(map[string]store.Metadata),
		documents: make(map[string]*document),
	}
}

func (s *Store) GetMetadata(_ context.Context, roomID string) (*store.Metadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	meta, ok := s.metadata[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cloneMetadata(meta), nil
}

func (s *Store) PutMetadata(_ context.Context, meta *store.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *cloneMetadata(*meta)
	stored.UpdatedAt = time.Now().UTC()
	s.metadata[meta.RoomID] = stored
	return nil
}

func (s *Store) DeleteMetadata(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.metadata, roomID)
	return nil
}

func (s *Store) LoadDocument(_ context.Context, roomID string) ([]byte, [][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.documents[roomID]
	if !ok {
		return nil, nil, nil
	}
	updates := make([][]byte, len(doc.updates))
	copy(updates, doc.updates)
	return cloneBytes(doc.snapshot), updates, nil
}

func (s *Store) AppendUpdate(_ context.Context, roomID string, update []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.documentLocked(roomID)
	doc.updates = append(doc.updates, cloneBytes(update))
	doc.updatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SaveSnapshot(_ context.Context, roomID string, snapshot []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc := s.documentLocked(roomID)
	doc.snapshot = cloneBytes(snapshot)
	doc.updates = nil
	doc.updatedAt = time.Now().UTC()
	return nil
}

func (s *Store) GetStats(_ context.Context) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	updates := 0
	for _, doc := range s.documents {
		updates += len(doc.updates)
	}
	stopped := 0
	for _, meta := range s.metadata {
		if !meta.IsActive {
			stopped++
		}
	}
	return map[string]any{
		"room_count":         len(s.documents),
		"update_count":       updates,
		"stopped_room_count": stopped,
	}, nil
}

// ListRooms returns rooms that have document content, most recently
// updated first.
func (s *Store) ListRooms(_ context.Context, limit, offset int) ([]store.RoomSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rooms := make([]store.RoomSummary, 0, len(s.documents))
	for id, doc := range s.documents {
		room := store.RoomSummary{
			ID:        id,
			IsActive:  true,
			CreatedAt: doc.createdAt,
			UpdatedAt: doc.updatedAt,
		}
		if meta, ok := s.metadata[id]; ok {
			room.IsActive = meta.IsActive
			room.StoppedAt = cloneMetadata(meta).StoppedAt
		}
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].UpdatedAt.Equal(rooms[j].UpdatedAt) {
			return rooms[i].UpdatedAt.After(rooms[j].UpdatedAt)
		}
		return rooms[i].ID < rooms[j].ID
	})

	if offset >= len(rooms) {
		return []store.RoomSummary{}, nil
	}
	rooms = rooms[offset:]
	if limit >= 0 && limit < len(rooms) {
		rooms = rooms[:limit]
	}
	return rooms, nil
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) documentLocked(roomID string) *document {
	doc, ok := s.documents[roomID]
	if !ok {
		now := time.Now().UTC()
		doc = &document{createdAt: now, updatedAt: now}
		s.documents[roomID] = doc
	}
	return doc
}

func cloneMetadata(meta store.Metadata) *store.Metadata {
	if meta.StoppedAt != nil {
		at := *meta.StoppedAt
		meta.StoppedAt = &at
	}
	return &meta
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
