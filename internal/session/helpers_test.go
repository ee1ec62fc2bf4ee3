package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/internal/document"
	"github.com/manpreetbhatti/lattice/internal/observability"
	"github.com/manpreetbhatti/lattice/internal/protocol"
	"github.com/manpreetbhatti/lattice/internal/store"
	"github.com/manpreetbhatti/lattice/internal/store/memory"
)

var errUnavailable = errors.New("store unavailable")

type fakeConn struct {
	id string

	mu     sync.Mutex
	frames []protocol.Frame
	closed bool
	fail   bool
}

func newConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(frame protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("connection broken")
	}
	c.frames = append(c.frames, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) all() []protocol.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]protocol.Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

// texts returns the payloads of every text frame with the given type.
func (c *fakeConn) texts(msgType string) [][]byte {
	var out [][]byte
	for _, f := range c.all() {
		if f.Kind != protocol.KindText {
			continue
		}
		if typ, ok := protocol.ParseControl(f.Payload); ok && typ == msgType {
			out = append(out, f.Payload)
		}
	}
	return out
}

func (c *fakeConn) binaries() [][]byte {
	var out [][]byte
	for _, f := range c.all() {
		if f.Kind == protocol.KindBinary {
			out = append(out, f.Payload)
		}
	}
	return out
}

// batchConn also takes history as whole batches.
type batchConn struct {
	*fakeConn
	batches [][]protocol.Frame
}

func (c *batchConn) SendBatch(frames []protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail || c.closed {
		return errors.New("connection broken")
	}
	c.batches = append(c.batches, frames)
	return nil
}

func (c *fakeConn) stoppedNotices(t *testing.T) []protocol.RoomStopped {
	t.Helper()
	var out []protocol.RoomStopped
	for _, payload := range c.texts(protocol.TypeRoomStopped) {
		var msg protocol.RoomStopped
		require.NoError(t, json.Unmarshal(payload, &msg))
		out = append(out, msg)
	}
	return out
}

// faultyStore wraps the memory store with call counting and injectable
// failures.
type faultyStore struct {
	*memory.Store

	putCalls      atomic.Int32
	deleteCalls   atomic.Int32
	getCalls      atomic.Int32
	snapshotCalls atomic.Int32
	failPut       atomic.Bool
	failSnapshot  atomic.Bool
	failGets      atomic.Int32
	getDelay      time.Duration

	// appendGate, when set, holds every AppendUpdate until it is closed
	appendGate chan struct{}
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memory.New()}
}

func (s *faultyStore) GetMetadata(ctx context.Context, roomID string) (*store.Metadata, error) {
	s.getCalls.Add(1)
	if s.getDelay > 0 {
		time.Sleep(s.getDelay)
	}
	if s.failGets.Load() > 0 {
		s.failGets.Add(-1)
		return nil, errUnavailable
	}
	return s.Store.GetMetadata(ctx, roomID)
}

func (s *faultyStore) PutMetadata(ctx context.Context, meta *store.Metadata) error {
	s.putCalls.Add(1)
	if s.failPut.Load() {
		return errUnavailable
	}
	return s.Store.PutMetadata(ctx, meta)
}

func (s *faultyStore) DeleteMetadata(ctx context.Context, roomID string) error {
	s.deleteCalls.Add(1)
	return s.Store.DeleteMetadata(ctx, roomID)
}

func (s *faultyStore) SaveSnapshot(ctx context.Context, roomID string, snapshot []byte) error {
	s.snapshotCalls.Add(1)
	if s.failSnapshot.Load() {
		return errUnavailable
	}
	return s.Store.SaveSnapshot(ctx, roomID, snapshot)
}

func (s *faultyStore) AppendUpdate(ctx context.Context, roomID string, update []byte) error {
	if s.appendGate != nil {
		select {
		case <-s.appendGate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.Store.AppendUpdate(ctx, roomID, update)
}

// engines records every document engine the manager creates.
type engines struct {
	created atomic.Int32
	mu      sync.Mutex
	logs    map[string]*document.UpdateLog
}

func (e *engines) factory(roomID string, snapshot []byte) (document.Engine, error) {
	l, err := document.NewUpdateLog(roomID, snapshot)
	if err != nil {
		return nil, err
	}
	e.created.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.logs == nil {
		e.logs = make(map[string]*document.UpdateLog)
	}
	e.logs[roomID] = l
	return l, nil
}

func (e *engines) get(roomID string) *document.UpdateLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.logs[roomID]
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PersistAttempts = 3
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = 2 * time.Millisecond
	return cfg
}

type harness struct {
	m       *Manager
	store   *faultyStore
	engines *engines
	metrics *observability.Metrics
}

func newHarness(t *testing.T, st *faultyStore) *harness {
	t.Helper()
	if st == nil {
		st = newFaultyStore()
	}
	h := &harness{
		store:   st,
		engines: &engines{},
		metrics: observability.NewMetrics(prometheus.NewRegistry()),
	}
	h.m = NewManager(testConfig(), st, h.engines.factory, h.metrics)

	var tick atomic.Int64
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.m.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	t.Cleanup(func() {
		_ = h.m.Shutdown(context.Background())
	})
	return h
}

func (h *harness) join(t *testing.T, roomID string, conn Conn) *Session {
	t.Helper()
	s, err := h.m.Join(context.Background(), roomID, conn)
	require.NoError(t, err)
	return s
}

func (h *harness) send(t *testing.T, s *Session, conn Conn, frame protocol.Frame) {
	t.Helper()
	require.NoError(t, s.Receive(context.Background(), conn, frame))
}

var (
	stopFrame  = protocol.Text([]byte(`{"type":"stop-collaboration"}`))
	queryFrame = protocol.Text([]byte(`{"type":"get-room-state"}`))
)
