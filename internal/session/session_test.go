package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manpreetbhatti/lattice/internal/document"
	"github.com/manpreetbhatti/lattice/internal/protocol"
	"github.com/manpreetbhatti/lattice/internal/store"
)

func TestFreshRoomIsActive(t *testing.T) {
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "r1", a)

	h.send(t, s, a, queryFrame)

	states := a.texts(protocol.TypeRoomState)
	require.Len(t, states, 1)
	assert.JSONEq(t, `{"type":"room-state","isActive":true,"stoppedAt":null}`, string(states[0]))
	assert.Empty(t, a.texts(protocol.TypeRoomStopped))
}

func TestConcurrentFirstJoinsCreateOneSession(t *testing.T) {
	st := newFaultyStore()
	st.getDelay = 20 * time.Millisecond
	h := newHarness(t, st)

	const n = 32
	sessions := make([]*Session, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s, err := h.m.Join(context.Background(), "crowded", newConn(fmt.Sprintf("c%d", i)))
			assert.NoError(t, err)
			sessions[i] = s
		}(i)
	}
	wg.Wait()

	for _, s := range sessions {
		assert.Same(t, sessions[0], s)
	}
	assert.EqualValues(t, 1, h.engines.created.Load())
	assert.EqualValues(t, 1, st.getCalls.Load())
	assert.Equal(t, 1, h.m.RoomCount())

	info, err := h.m.Room(context.Background(), "crowded")
	require.NoError(t, err)
	assert.Equal(t, n, info.Participants)
}

func TestStopBroadcastsAndBlocksEdits(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newConn("a"), newConn("b")
	s := h.join(t, "r1", a)
	h.join(t, "r1", b)

	h.send(t, s, a, stopFrame)

	noticesA := a.stoppedNotices(t)
	noticesB := b.stoppedNotices(t)
	require.Len(t, noticesA, 1)
	require.Len(t, noticesB, 1)
	assert.True(t, noticesA[0].StoppedAt.Equal(noticesB[0].StoppedAt))
	assert.Equal(t, h.m.cfg.StoppedMessage, noticesA[0].Message)

	h.send(t, s, b, protocol.Binary([]byte("late edit")))

	blocked := b.texts(protocol.TypeEditBlocked)
	require.Len(t, blocked, 1)
	var msg protocol.EditBlocked
	require.NoError(t, json.Unmarshal(blocked[0], &msg))
	assert.Equal(t, "r1", msg.RoomID)
	assert.Equal(t, h.m.cfg.BlockedMessage, msg.Message)

	assert.Empty(t, a.texts(protocol.TypeEditBlocked))
	assert.Empty(t, a.binaries())
	assert.Equal(t, 0, h.engines.get("r1").Len())

	meta, err := h.store.GetMetadata(context.Background(), "r1")
	require.NoError(t, err)
	assert.False(t, meta.IsActive)
	require.NotNil(t, meta.StoppedAt)
	assert.True(t, meta.StoppedAt.Equal(noticesA[0].StoppedAt))
}

func TestNoDeltaAppliedOnceStopped(t *testing.T) {
	h := newHarness(t, nil)
	writer, stopper := newConn("writer"), newConn("stopper")
	s := h.join(t, "race", writer)
	h.join(t, "race", stopper)

	const total = 200
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			assert.NoError(t, s.Receive(context.Background(), writer, protocol.Binary([]byte{byte(i), 1})))
		}
	}()
	time.Sleep(time.Millisecond)
	h.send(t, s, stopper, stopFrame)
	appliedAtStop := h.engines.get("race").Len()
	wg.Wait()

	for i := 0; i < 10; i++ {
		h.send(t, s, writer, protocol.Binary([]byte{0xaa, byte(i)}))
	}

	log := h.engines.get("race")
	assert.Equal(t, appliedAtStop, log.Len())
	blocked := len(writer.texts(protocol.TypeEditBlocked))
	assert.Equal(t, total+10, log.Len()+blocked)
	assert.Len(t, stopper.binaries(), log.Len())
}

func TestStopIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	a, b := newConn("a"), newConn("b")
	s := h.join(t, "r1", a)
	h.join(t, "r1", b)

	var wg sync.WaitGroup
	for _, c := range []*fakeConn{a, b} {
		wg.Add(1)
		go func(c *fakeConn) {
			defer wg.Done()
			assert.NoError(t, s.Receive(context.Background(), c, stopFrame))
		}(c)
	}
	wg.Wait()
	h.send(t, s, a, stopFrame)

	assert.EqualValues(t, 1, h.store.putCalls.Load())
	assert.EqualValues(t, 1, testutil.ToFloat64(h.metrics.StopTransitions))

	var first *time.Time
	for _, c := range []*fakeConn{a, b} {
		for _, notice := range c.stoppedNotices(t) {
			if first == nil {
				at := notice.StoppedAt
				first = &at
				continue
			}
			assert.True(t, first.Equal(notice.StoppedAt))
		}
	}
	require.NotNil(t, first)

	// One broadcast to each participant plus one repeat per redundant request
	assert.Len(t, append(a.stoppedNotices(t), b.stoppedNotices(t)...), 4)
}

func TestJoinStoppedRoomReceivesNoticeFirst(t *testing.T) {
	st := newFaultyStore()
	stoppedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, st.Store.PutMetadata(context.Background(), &store.Metadata{
		RoomID:    "archived",
		IsActive:  false,
		StoppedAt: &stoppedAt,
	}))
	h := newHarness(t, st)

	c := newConn("c")
	h.join(t, "archived", c)

	frames := c.all()
	require.NotEmpty(t, frames)
	typ, ok := protocol.ParseControl(frames[0].Payload)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeRoomStopped, typ)

	notices := c.stoppedNotices(t)
	require.Len(t, notices, 1)
	assert.True(t, stoppedAt.Equal(notices[0].StoppedAt))
}

func TestTeardownDeletesOnlyActiveMetadata(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	require.NoError(t, h.store.Store.PutMetadata(ctx, &store.Metadata{RoomID: "active", IsActive: true}))
	a := newConn("a")
	s := h.join(t, "active", a)
	require.NoError(t, h.m.Leave(ctx, s, a))

	_, err := h.store.GetMetadata(ctx, "active")
	assert.ErrorIs(t, err, store.ErrNotFound)

	b := newConn("b")
	s = h.join(t, "stopped", b)
	h.send(t, s, b, stopFrame)
	require.NoError(t, h.m.Leave(ctx, s, b))

	meta, err := h.store.GetMetadata(ctx, "stopped")
	require.NoError(t, err)
	assert.False(t, meta.IsActive)
	assert.Equal(t, 0, h.m.RoomCount())
}

func TestStoppedRoomSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStore()

	first := newHarness(t, st)
	a, b := newConn("a"), newConn("b")
	s := first.join(t, "r2", a)
	first.join(t, "r2", b)
	first.send(t, s, a, stopFrame)
	original := a.stoppedNotices(t)[0].StoppedAt

	require.NoError(t, first.m.Leave(ctx, s, a))
	require.NoError(t, first.m.Leave(ctx, s, b))
	<-s.Done()

	// Same process, new session
	c := newConn("c")
	first.join(t, "r2", c)
	notices := c.stoppedNotices(t)
	require.Len(t, notices, 1)
	assert.True(t, original.Equal(notices[0].StoppedAt))

	// Fresh process over the same store
	second := newHarness(t, st)
	d := newConn("d")
	second.join(t, "r2", d)
	notices = d.stoppedNotices(t)
	require.Len(t, notices, 1)
	assert.True(t, original.Equal(notices[0].StoppedAt))
}

func TestDeltaRelayedAndPersisted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b := newConn("a"), newConn("b")
	s := h.join(t, "doc", a)
	h.join(t, "doc", b)

	h.send(t, s, a, protocol.Binary([]byte("hello")))
	h.send(t, s, b, protocol.Binary([]byte("world")))

	assert.Equal(t, [][]byte{[]byte("world")}, a.binaries())
	assert.Equal(t, [][]byte{[]byte("hello")}, b.binaries())

	require.NoError(t, h.m.Leave(ctx, s, a))
	require.NoError(t, h.m.Leave(ctx, s, b))

	snapshot, updates, err := h.store.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, updates)
	restored, err := document.DecodeUpdates(snapshot)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("hello"), []byte("world")}, restored)
}

func TestLateJoinerReceivesHistory(t *testing.T) {
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "doc", a)
	h.send(t, s, a, protocol.Binary([]byte{1}))
	h.send(t, s, a, protocol.Binary([]byte{2}))

	late := newConn("late")
	h.join(t, "doc", late)
	assert.Equal(t, [][]byte{{1}, {2}}, late.binaries())
}

func TestLateJoinerHistoryArrivesAsOneBatch(t *testing.T) {
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "doc", a)
	for i := 0; i < 600; i++ {
		h.send(t, s, a, protocol.Binary([]byte{byte(i >> 8), byte(i)}))
	}
	h.send(t, s, a, stopFrame)

	late := &batchConn{fakeConn: newConn("late")}
	h.join(t, "doc", late)

	// The stopped notice is queued ahead of the history
	require.Len(t, late.stoppedNotices(t), 1)
	assert.Empty(t, late.binaries())
	require.Len(t, late.batches, 1)
	require.Len(t, late.batches[0], 600)
	assert.Equal(t, []byte{2, 87}, late.batches[0][599].Payload)

	empty := &batchConn{fakeConn: newConn("empty")}
	h.join(t, "fresh", empty)
	assert.Empty(t, empty.batches)
}

func TestResidualUpdatesReplayedOnOpen(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStore()
	require.NoError(t, st.SaveSnapshot(ctx, "doc", document.EncodeUpdates([][]byte{{1}})))
	require.NoError(t, st.AppendUpdate(ctx, "doc", []byte{2}))
	h := newHarness(t, st)

	c := newConn("c")
	s := h.join(t, "doc", c)
	assert.Equal(t, [][]byte{{1}, {2}}, c.binaries())

	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, info.PendingUpdates)

	// Replayed updates are not appended a second time
	_, updates, err := st.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, updates, 1)
}

func TestStopPersistenceFailureIsReported(t *testing.T) {
	hook := logtest.NewGlobal()
	defer hook.Reset()
	h := newHarness(t, nil)
	h.store.failPut.Store(true)
	a, b := newConn("a"), newConn("b")
	s := h.join(t, "r1", a)
	h.join(t, "r1", b)

	h.send(t, s, a, stopFrame)

	assert.EqualValues(t, 3, h.store.putCalls.Load())
	assert.Len(t, a.texts(protocol.TypeError), 1)
	assert.Empty(t, b.texts(protocol.TypeError))
	assert.Len(t, a.stoppedNotices(t), 1)
	assert.Len(t, b.stoppedNotices(t), 1)
	assert.EqualValues(t, 1, testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("put_metadata")))

	info, err := s.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, info.State)

	h.send(t, s, b, protocol.Binary([]byte{9}))
	assert.Len(t, b.texts(protocol.TypeEditBlocked), 1)

	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Level == logrus.ErrorLevel && entry.Message == "Failed to persist stopped state" {
			logged = true
			assert.Equal(t, "r1", entry.Data["room_id"])
		}
	}
	assert.True(t, logged, "stop persistence failure must be logged at error level")
}

func TestTeardownFlushFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "doc", a)
	h.send(t, s, a, protocol.Binary([]byte("draft")))

	h.store.failSnapshot.Store(true)
	err := h.m.Leave(ctx, s, a)
	require.ErrorIs(t, err, errUnavailable)
	<-s.Done()

	assert.EqualValues(t, 3, h.store.snapshotCalls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("save_snapshot")))
	assert.Equal(t, 0, h.m.RoomCount())

	// The appended delta outlives the failed snapshot
	_, updates, err := h.store.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("draft")}, updates)

	h.store.failSnapshot.Store(false)
	b := newConn("b")
	h.join(t, "doc", b)
	assert.Equal(t, [][]byte{[]byte("draft")}, b.binaries())
}

func TestShutdownFlushFailureIsSurfaced(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "doc", a)
	h.send(t, s, a, protocol.Binary([]byte("draft")))

	h.store.failSnapshot.Store(true)
	err := h.m.Shutdown(ctx)
	require.ErrorIs(t, err, errUnavailable)
	assert.Contains(t, err.Error(), "doc")
	<-s.Done()

	assert.True(t, a.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("save_snapshot")))

	_, updates, err := h.store.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("draft")}, updates)
}

func TestStalledStoreDoesNotBlockEdits(t *testing.T) {
	ctx := context.Background()
	st := newFaultyStore()
	st.appendGate = make(chan struct{})
	h := newHarness(t, st)
	h.m.cfg.PersistQueueSize = 2

	a, b := newConn("a"), newConn("b")
	s := h.join(t, "doc", a)
	h.join(t, "doc", b)

	const n = 10
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < n; i++ {
			assert.NoError(t, s.Receive(ctx, a, protocol.Binary([]byte{byte(i)})))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		close(st.appendGate)
		t.Fatal("edits blocked behind a stalled store")
	}
	assert.Len(t, b.binaries(), n)

	// One append in flight plus a full queue; the rest are dropped
	dropped := testutil.ToFloat64(h.metrics.PersistenceFailures.WithLabelValues("append_dropped"))
	assert.GreaterOrEqual(t, dropped, float64(n-3))

	close(st.appendGate)
	flushed, err := h.m.Checkpoint(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	snapshot, updates, err := st.LoadDocument(ctx, "doc")
	require.NoError(t, err)
	assert.Empty(t, updates)
	restored, err := document.DecodeUpdates(snapshot)
	require.NoError(t, err)
	assert.Len(t, restored, n)

	// Appends resume once a snapshot has covered the dropped deltas
	h.send(t, s, a, protocol.Binary([]byte{99}))
	require.Eventually(t, func() bool {
		_, updates, err := st.LoadDocument(ctx, "doc")
		return err == nil && len(updates) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestBroadcastSurvivesBrokenParticipant(t *testing.T) {
	h := newHarness(t, nil)
	broken, ok := newConn("broken"), newConn("ok")
	broken.fail = true
	s := h.join(t, "r1", broken)
	h.join(t, "r1", ok)

	require.NoError(t, h.m.Notify(context.Background(), "r1", protocol.NewRoomState(true, nil)))
	assert.Len(t, ok.texts(protocol.TypeRoomState), 1)

	h.send(t, s, ok, stopFrame)
	assert.Len(t, ok.stoppedNotices(t), 1)
	assert.GreaterOrEqual(t, testutil.ToFloat64(h.metrics.SendFailures), float64(2))
}

func TestNotifyUnknownRoom(t *testing.T) {
	h := newHarness(t, nil)
	err := h.m.Notify(context.Background(), "nowhere", protocol.NewRoomState(true, nil))
	assert.ErrorIs(t, err, ErrRoomNotFound)
}

func TestOpenFailureFailsJoinWithoutFallback(t *testing.T) {
	st := newFaultyStore()
	st.failGets.Store(3)
	h := newHarness(t, st)

	_, err := h.m.Join(context.Background(), "r1", newConn("a"))
	require.ErrorIs(t, err, errUnavailable)
	assert.Equal(t, 0, h.m.RoomCount())
	assert.EqualValues(t, 0, h.engines.created.Load())

	s := h.join(t, "r1", newConn("b"))
	assert.Equal(t, "r1", s.ID())
}

func TestJoinRejectsEmptyRoomID(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.m.Join(context.Background(), "", newConn("a"))
	assert.ErrorIs(t, err, ErrEmptyRoomID)
	assert.Equal(t, 0, h.m.RoomCount())
}

func TestDuplicateJoinRejected(t *testing.T) {
	h := newHarness(t, nil)
	a := newConn("a")
	h.join(t, "r1", a)
	_, err := h.m.Join(context.Background(), "r1", a)
	assert.ErrorIs(t, err, ErrAlreadyJoined)
}

func TestFramesFromDepartedConnIgnored(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b := newConn("a"), newConn("b")
	s := h.join(t, "r1", a)
	h.join(t, "r1", b)
	require.NoError(t, h.m.Leave(ctx, s, a))

	h.send(t, s, a, stopFrame)
	info, err := s.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateActive, info.State)
	assert.Empty(t, b.texts(protocol.TypeRoomStopped))
}

func TestJoinRacingTeardownGetsFreshSession(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				c := newConn(fmt.Sprintf("w%d-%d", w, i))
				s, err := h.m.Join(ctx, "churn", c)
				if !assert.NoError(t, err) {
					return
				}
				assert.NoError(t, s.Receive(ctx, c, protocol.Binary([]byte{byte(w), byte(i)})))
				assert.NoError(t, h.m.Leave(ctx, s, c))
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 0, h.m.RoomCount())
	_, updates, err := h.store.LoadDocument(ctx, "churn")
	require.NoError(t, err)
	assert.Empty(t, updates)
}

func TestPanicIsContainedToRoom(t *testing.T) {
	h := newHarness(t, nil)
	h.m.newEngine = func(roomID string, snapshot []byte) (document.Engine, error) {
		l, err := document.NewUpdateLog(roomID, snapshot)
		if err != nil {
			return nil, err
		}
		return &panickyEngine{UpdateLog: l}, nil
	}

	a := newConn("a")
	s := h.join(t, "fragile", a)
	h.send(t, s, a, protocol.Binary([]byte{0xff}))

	h.send(t, s, a, queryFrame)
	assert.Len(t, a.texts(protocol.TypeRoomState), 1)

	other := newConn("other")
	o := h.join(t, "sturdy", other)
	h.send(t, o, other, queryFrame)
	assert.Len(t, other.texts(protocol.TypeRoomState), 1)
}

type panickyEngine struct {
	*document.UpdateLog
}

func (e *panickyEngine) Apply(delta []byte) error {
	if len(delta) > 0 && delta[0] == 0xff {
		panic("corrupt delta")
	}
	return e.UpdateLog.Apply(delta)
}

func TestCheckpointFlushesBusyRooms(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a, b := newConn("a"), newConn("b")
	busy := h.join(t, "busy", a)
	h.join(t, "quiet", b)

	for i := 0; i < 5; i++ {
		h.send(t, busy, a, protocol.Binary([]byte{byte(i)}))
	}

	flushed, err := h.m.Checkpoint(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)

	snapshot, updates, err := h.store.LoadDocument(ctx, "busy")
	require.NoError(t, err)
	assert.Empty(t, updates)
	restored, err := document.DecodeUpdates(snapshot)
	require.NoError(t, err)
	assert.Len(t, restored, 5)

	flushed, err = h.m.Checkpoint(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, flushed)
}

func TestShutdownFlushesAndClosesConnections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "r1", a)
	h.send(t, s, a, protocol.Binary([]byte("draft")))

	require.NoError(t, h.m.Shutdown(ctx))
	<-s.Done()

	assert.True(t, a.isClosed())
	assert.Equal(t, 0, h.m.RoomCount())

	snapshot, _, err := h.store.LoadDocument(ctx, "r1")
	require.NoError(t, err)
	restored, err := document.DecodeUpdates(snapshot)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("draft")}, restored)

	_, err = h.m.Join(ctx, "r1", newConn("b"))
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRoomsReportsLiveSessions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	a := newConn("a")
	s := h.join(t, "one", a)
	h.join(t, "two", newConn("b"))
	h.send(t, s, a, stopFrame)

	infos, err := h.m.Rooms(ctx)
	require.NoError(t, err)
	require.Len(t, infos, 2)

	byID := map[string]Info{}
	for _, info := range infos {
		byID[info.RoomID] = info
	}
	assert.Equal(t, StateStopped, byID["one"].State)
	assert.NotNil(t, byID["one"].StoppedAt)
	assert.Equal(t, StateActive, byID["two"].State)
	assert.Nil(t, byID["two"].StoppedAt)

	_, err = h.m.Room(ctx, "three")
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
