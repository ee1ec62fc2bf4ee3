package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice/internal/document"
	"github.com/manpreetbhatti/lattice/internal/observability"
	"github.com/manpreetbhatti/lattice/internal/store"
)

var (
	ErrRoomNotFound = errors.New("session: room has no live session")
	ErrShuttingDown = errors.New("session: manager is shutting down")
	ErrEmptyRoomID  = errors.New("session: room id is required")
)

type Config struct {
	StoppedMessage string
	BlockedMessage string

	// PersistAttempts bounds every store call, including the first try
	PersistAttempts      uint
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration

	PersistQueueSize int

	// OpenTimeout bounds loading a room's prior state on first join
	OpenTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StoppedMessage:       "Collaboration has been stopped. This document is now read-only.",
		BlockedMessage:       "Edits are blocked because collaboration has been stopped.",
		PersistAttempts:      5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
		PersistQueueSize:     256,
		OpenTimeout:          30 * time.Second,
	}
}

// Manager owns the registry of live sessions and the connection lifecycle.
type Manager struct {
	cfg       Config
	store     store.Store
	newEngine document.Factory
	metrics   *observability.Metrics
	log       *logrus.Entry
	now       func() time.Time
	registry  *Registry
	closed    atomic.Bool
}

// NewManager creates a manager. metrics may be nil.
func NewManager(cfg Config, st store.Store, newEngine document.Factory, metrics *observability.Metrics) *Manager {
	if cfg.PersistAttempts == 0 {
		cfg.PersistAttempts = 1
	}
	m := &Manager{
		cfg:       cfg,
		store:     st,
		newEngine: newEngine,
		metrics:   metrics,
		log:       logrus.WithField("component", "session"),
		now:       time.Now,
	}
	m.registry = NewRegistry(m.open)
	if cfg.OpenTimeout > 0 {
		m.registry.openTimeout = cfg.OpenTimeout
	}
	return m
}

// Join registers conn with the session for roomID, creating and loading the
// session on the first join.
func (m *Manager) Join(ctx context.Context, roomID string, conn Conn) (*Session, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	if m.closed.Load() {
		return nil, ErrShuttingDown
	}

	for {
		s, err := m.registry.Resolve(ctx, roomID)
		if err != nil {
			return nil, fmt.Errorf("open room %s: %w", roomID, err)
		}
		err = s.join(conn)
		if errors.Is(err, ErrSessionClosed) {
			// Lost a race with teardown; the dying session is already released
			continue
		}
		if err != nil {
			return nil, err
		}
		if m.closed.Load() {
			_ = s.leave(context.Background(), conn)
			return nil, ErrShuttingDown
		}
		return s, nil
	}
}

// Leave deregisters conn and tears the session down once it is empty.
func (m *Manager) Leave(ctx context.Context, s *Session, conn Conn) error {
	return s.leave(ctx, conn)
}

// Notify delivers msg to every participant of roomID's live session.
func (m *Manager) Notify(ctx context.Context, roomID string, msg any) error {
	s, ok := m.registry.Lookup(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	err := s.do(ctx, func() {
		s.broadcast(msg)
	})
	if errors.Is(err, ErrSessionClosed) {
		return ErrRoomNotFound
	}
	return err
}

// Checkpoint flushes a snapshot for every live session holding at least
// threshold unflushed deltas and returns how many were flushed.
func (m *Manager) Checkpoint(ctx context.Context, threshold int) (int, error) {
	var flushed int
	var errs []error
	for _, s := range m.registry.Sessions() {
		ok, err := s.checkpoint(ctx, threshold)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("checkpoint %s: %w", s.id, err))
			continue
		}
		if ok {
			flushed++
		}
	}
	return flushed, errors.Join(errs...)
}

// Rooms reports every live session.
func (m *Manager) Rooms(ctx context.Context) ([]Info, error) {
	sessions := m.registry.Sessions()
	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		info, err := s.Info(ctx)
		if errors.Is(err, ErrSessionClosed) {
			continue
		}
		if err != nil {
			return nil, err
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Room reports one live session.
func (m *Manager) Room(ctx context.Context, roomID string) (Info, error) {
	s, ok := m.registry.Lookup(roomID)
	if !ok {
		return Info{}, ErrRoomNotFound
	}
	info, err := s.Info(ctx)
	if errors.Is(err, ErrSessionClosed) {
		return Info{}, ErrRoomNotFound
	}
	return info, err
}

func (m *Manager) RoomCount() int {
	return m.registry.Len()
}

// Shutdown refuses new joins, flushes every live session and closes its
// connections.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.closed.Store(true)

	var errs []error
	for _, s := range m.registry.Sessions() {
		if err := m.registry.Remove(ctx, s.id); err != nil {
			errs = append(errs, fmt.Errorf("shutdown %s: %w", s.id, err))
		}
	}
	m.log.WithField("errors", len(errs)).Info("Session manager stopped")
	return errors.Join(errs...)
}

// open loads a room's prior state and starts its session.
func (m *Manager) open(ctx context.Context, roomID string) (*Session, error) {
	var meta *store.Metadata
	err := m.retry(ctx, "get_metadata", func(ctx context.Context) error {
		var err error
		meta, err = m.store.GetMetadata(ctx, roomID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		meta = nil
	} else if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}

	var snapshot []byte
	var updates [][]byte
	err = m.retry(ctx, "load_document", func(ctx context.Context) error {
		var err error
		snapshot, updates, err = m.store.LoadDocument(ctx, roomID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	doc, err := m.newEngine(roomID, snapshot)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	for _, update := range updates {
		if err := doc.Apply(update); err != nil {
			doc.Destroy()
			return nil, fmt.Errorf("replay update: %w", err)
		}
	}

	s := newSession(m, roomID, doc, meta)
	s.dirty = len(updates) > 0
	s.pending = len(updates)
	s.start()
	m.metrics.SessionOpened()

	s.log.WithFields(logrus.Fields{
		"state":    s.state.String(),
		"replayed": len(updates),
	}).Info("Room opened")
	return s, nil
}

// retry runs fn with exponential backoff. store.ErrNotFound is returned at
// once; any other final failure is counted against operation.
func (m *Manager) retry(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	if m.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = m.cfg.RetryInitialInterval
	}
	if m.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = m.cfg.RetryMaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := fn(ctx)
		if errors.Is(err, store.ErrNotFound) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(m.cfg.PersistAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.log.WithError(err).WithFields(logrus.Fields{
				"operation": operation,
				"retry_in":  next,
			}).Warn("Store operation failed, retrying")
		}),
	)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		m.metrics.RecordPersistenceFailure(operation)
	}
	return err
}
