// Package redisstore implements store.Store on Redis.
//
// Each room uses three keys: a hash for session metadata, a string for the
// document snapshot and a list of updates appended since that snapshot.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/manpreetbhatti/lattice/internal/store"
)

const defaultKeyPrefix = "lattice:"

type Store struct {
	client    *redis.Client
	keyPrefix string
}

var _ store.Store = (*Store)(nil)

// New wraps a client. An empty prefix selects "lattice:".
func New(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = defaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

// Open dials addr and verifies the connection.
func Open(ctx context.Context, opts *redis.Options, keyPrefix string) (*Store, error) {
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", opts.Addr, err)
	}
	return New(client, keyPrefix), nil
}

func (s *Store) metadataKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:meta", s.keyPrefix, roomID)
}

func (s *Store) snapshotKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:snapshot", s.keyPrefix, roomID)
}

func (s *Store) updatesKey(roomID string) string {
	return fmt.Sprintf("%sroom:%s:updates", s.keyPrefix, roomID)
}

func (s *Store) GetMetadata(ctx context.Context, roomID string) (*store.Metadata, error) {
	key := s.metadataKey(roomID)
	fields, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get metadata %s: %w", key, err)
	}
	if len(fields) == 0 {
		return nil, store.ErrNotFound
	}
	return decodeMetadata(roomID, fields)
}

func (s *Store) PutMetadata(ctx context.Context, meta *store.Metadata) error {
	if err := meta.Validate(); err != nil {
		return err
	}
	key := s.metadataKey(meta.RoomID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, encodeMetadata(meta, time.Now().UTC()))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: put metadata %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteMetadata(ctx context.Context, roomID string) error {
	key := s.metadataKey(roomID)
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis: delete metadata %s: %w", key, err)
	}
	return nil
}

func (s *Store) LoadDocument(ctx context.Context, roomID string) ([]byte, [][]byte, error) {
	var snapshotCmd *redis.StringCmd
	var updatesCmd *redis.StringSliceCmd
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		snapshotCmd = pipe.Get(ctx, s.snapshotKey(roomID))
		updatesCmd = pipe.LRange(ctx, s.updatesKey(roomID), 0, -1)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("redis: load document %s: %w", roomID, err)
	}

	var snapshot []byte
	if raw, err := snapshotCmd.Bytes(); err == nil {
		snapshot = raw
	} else if !errors.Is(err, redis.Nil) {
		return nil, nil, fmt.Errorf("redis: read snapshot %s: %w", roomID, err)
	}

	raw, err := updatesCmd.Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis: read updates %s: %w", roomID, err)
	}
	var updates [][]byte
	for _, update := range raw {
		updates = append(updates, []byte(update))
	}
	return snapshot, updates, nil
}

func (s *Store) AppendUpdate(ctx context.Context, roomID string, update []byte) error {
	key := s.updatesKey(roomID)
	if err := s.client.RPush(ctx, key, update).Err(); err != nil {
		return fmt.Errorf("redis: append update %s: %w", key, err)
	}
	return nil
}

func (s *Store) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	if snapshot == nil {
		snapshot = []byte{}
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.snapshotKey(roomID), snapshot, 0)
		pipe.Del(ctx, s.updatesKey(roomID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: save snapshot %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func encodeMetadata(meta *store.Metadata, now time.Time) map[string]any {
	fields := map[string]any{
		"is_active":  strconv.FormatBool(meta.IsActive),
		"updated_at": strconv.FormatInt(now.UnixNano(), 10),
	}
	if meta.StoppedAt != nil {
		fields["stopped_at"] = strconv.FormatInt(meta.StoppedAt.UnixNano(), 10)
	}
	return fields
}

func decodeMetadata(roomID string, fields map[string]string) (*store.Metadata, error) {
	meta := &store.Metadata{RoomID: roomID}

	active, err := strconv.ParseBool(fields["is_active"])
	if err != nil {
		return nil, fmt.Errorf("redis: room %s: bad is_active %q: %w", roomID, fields["is_active"], err)
	}
	meta.IsActive = active

	if raw, ok := fields["stopped_at"]; ok {
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: room %s: bad stopped_at %q: %w", roomID, raw, err)
		}
		at := time.Unix(0, ns).UTC()
		meta.StoppedAt = &at
	}
	if raw, ok := fields["updated_at"]; ok {
		if ns, err := strconv.ParseInt(raw, 10, 64); err == nil {
			meta.UpdatedAt = time.Unix(0, ns).UTC()
		}
	}
	return meta, nil
}
