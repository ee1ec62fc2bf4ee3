package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manpreetbhatti/lattice/internal/document"
	"github.com/manpreetbhatti/lattice/internal/protocol"
	"github.com/manpreetbhatti/lattice/internal/store"
)

var (
	ErrSessionClosed = errors.New("session: closed")
	ErrAlreadyJoined = errors.New("session: connection already joined")
)

// Conn is one participant's duplex channel. Send must not block: it queues
// the frame or fails.
type Conn interface {
	ID() string
	Send(frame protocol.Frame) error
	Close() error
}

// BatchSender is implemented by connections that can queue a run of frames
// as one unit. A join's history catch-up goes through it so that a long
// history is not limited by the connection's per-frame queue.
type BatchSender interface {
	SendBatch(frames []protocol.Frame) error
}

// Info is a point-in-time view of a session.
type Info struct {
	RoomID         string
	State          State
	StoppedAt      *time.Time
	Participants   int
	PendingUpdates int
}

type teardownReason int

const (
	teardownEmpty teardownReason = iota
	teardownShutdown
)

// Session is the live collaboration state of one room. Every mutation runs
// on the session's own goroutine, so admission decisions, state transitions
// and membership changes for a room never interleave.
type Session struct {
	id  string
	m   *Manager
	log *logrus.Entry

	ops  chan func()
	done chan struct{}

	// Owned by the session goroutine
	state        State
	stoppedAt    *time.Time
	participants map[string]Conn
	doc          document.Engine
	persist      *persister
	dirty        bool
	pending      int
	closed       bool
}

func newSession(m *Manager, roomID string, doc document.Engine, meta *store.Metadata) *Session {
	s := &Session{
		id:           roomID,
		m:            m,
		log:          m.log.WithField("room_id", roomID),
		ops:          make(chan func()),
		done:         make(chan struct{}),
		state:        StateActive,
		participants: make(map[string]Conn),
		doc:          doc,
	}
	if meta != nil && !meta.IsActive {
		s.state = StateStopped
		at := meta.UpdatedAt
		if meta.StoppedAt != nil {
			at = *meta.StoppedAt
		}
		at = at.UTC()
		s.stoppedAt = &at
	}
	s.persist = newPersister(m, roomID, m.cfg.PersistQueueSize)
	doc.OnUpdate(s.persist.append)
	return s
}

func (s *Session) ID() string {
	return s.id
}

// Done is closed once the session has torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) start() {
	go s.persist.run()
	go s.loop()
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		op := <-s.ops
		s.run(op)
		if s.closed {
			return
		}
	}
}

func (s *Session) run(op func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("Recovered from panic in room session")
		}
	}()
	op()
}

// do runs fn on the session goroutine and waits for it to finish.
func (s *Session) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	op := func() {
		defer close(reply)
		fn()
	}
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-reply
	return nil
}

// Receive admits one inbound frame from conn.
func (s *Session) Receive(ctx context.Context, conn Conn, frame protocol.Frame) error {
	return s.do(ctx, func() {
		s.handle(conn, frame)
	})
}

// Info reports the current state of the session.
func (s *Session) Info(ctx context.Context) (Info, error) {
	var info Info
	err := s.do(ctx, func() {
		info = Info{
			RoomID:         s.id,
			State:          s.state,
			StoppedAt:      copyTime(s.stoppedAt),
			Participants:   len(s.participants),
			PendingUpdates: s.pending,
		}
	})
	return info, err
}

func (s *Session) join(conn Conn) error {
	var err error
	derr := s.do(context.Background(), func() {
		id := conn.ID()
		if _, exists := s.participants[id]; exists {
			err = ErrAlreadyJoined
			return
		}
		s.participants[id] = conn
		s.m.metrics.ParticipantJoined()
		s.log.WithFields(logrus.Fields{
			"conn_id": id,
			"total":   len(s.participants),
		}).Info("Participant joined room")

		if s.state == StateStopped {
			s.unicast(conn, protocol.NewRoomStopped(*s.stoppedAt, s.m.cfg.StoppedMessage))
		}
		s.catchUp(conn, s.doc.History())
	})
	if derr != nil {
		return derr
	}
	return err
}

func (s *Session) leave(ctx context.Context, conn Conn) error {
	var err error
	derr := s.do(ctx, func() {
		id := conn.ID()
		if _, ok := s.participants[id]; !ok {
			return
		}
		delete(s.participants, id)
		s.m.metrics.ParticipantLeft()

		if len(s.participants) > 0 {
			s.log.WithFields(logrus.Fields{
				"conn_id":   id,
				"remaining": len(s.participants),
			}).Info("Participant left room")
			return
		}
		err = s.teardown(teardownEmpty)
	})
	if errors.Is(derr, ErrSessionClosed) {
		return nil
	}
	if derr != nil {
		return derr
	}
	return err
}

func (s *Session) shutdown(ctx context.Context) error {
	var err error
	derr := s.do(ctx, func() {
		err = s.teardown(teardownShutdown)
	})
	if derr != nil {
		return derr
	}
	return err
}

// checkpoint flushes a snapshot when at least threshold deltas are unflushed.
func (s *Session) checkpoint(ctx context.Context, threshold int) (bool, error) {
	var flushed bool
	var err error
	derr := s.do(ctx, func() {
		if !s.dirty || s.pending < threshold {
			return
		}
		if err = s.persist.flush(s.doc.Snapshot()); err != nil {
			return
		}
		s.dirty = false
		s.pending = 0
		flushed = true
	})
	if derr != nil {
		return false, derr
	}
	return flushed, err
}

func (s *Session) handle(conn Conn, frame protocol.Frame) {
	// Frames from a connection that already left are not admitted
	if _, ok := s.participants[conn.ID()]; !ok {
		return
	}

	decision := Admit(s.state, frame)
	s.m.metrics.RecordFrame(decision.String())

	switch decision {
	case DecisionApply:
		if err := s.doc.Apply(frame.Payload); err != nil {
			s.log.WithError(err).Warn("Document engine rejected delta")
			return
		}
		s.dirty = true
		s.pending++
		s.relay(conn, frame)

	case DecisionBlock:
		s.unicast(conn, protocol.NewEditBlocked(s.id, s.m.cfg.BlockedMessage, s.m.now().UTC()))

	case DecisionAnswerState:
		s.unicast(conn, protocol.NewRoomState(s.state == StateActive, copyTime(s.stoppedAt)))

	case DecisionStop:
		s.stop(conn)

	case DecisionAlreadyStopped:
		s.unicast(conn, protocol.NewRoomStopped(*s.stoppedAt, s.m.cfg.StoppedMessage))

	default:
		s.log.WithField("conn_id", conn.ID()).Debug("Dropped unrecognised frame")
	}
}

// stop moves the room to Stopped. The in-memory flip happens first so that
// every later frame is admitted against the new state even if the write fails.
func (s *Session) stop(from Conn) {
	at := s.m.now().UTC()
	s.state = StateStopped
	s.stoppedAt = &at
	s.m.metrics.RecordStop()

	meta := &store.Metadata{RoomID: s.id, IsActive: false, StoppedAt: copyTime(&at)}
	err := s.m.retry(context.Background(), "put_metadata", func(ctx context.Context) error {
		return s.m.store.PutMetadata(ctx, meta)
	})
	if err != nil {
		s.log.WithError(err).Error("Failed to persist stopped state")
		s.unicast(from, protocol.NewError(s.id, fmt.Sprintf("stop was applied but could not be saved: %v", err)))
	}

	s.broadcast(protocol.NewRoomStopped(at, s.m.cfg.StoppedMessage))
	s.log.WithFields(logrus.Fields{
		"conn_id":    from.ID(),
		"stopped_at": at,
	}).Info("Room collaboration stopped")
}

// teardown flushes and releases everything the session owns. Nothing queued
// behind it runs: the loop exits once closed is set.
func (s *Session) teardown(reason teardownReason) error {
	start := time.Now()
	s.closed = true

	var errs []error
	if s.dirty {
		if err := s.persist.flush(s.doc.Snapshot()); err != nil {
			errs = append(errs, fmt.Errorf("flush snapshot: %w", err))
		} else {
			s.dirty = false
			s.pending = 0
		}
	}
	s.persist.close()
	s.doc.Destroy()

	if reason == teardownEmpty && s.state == StateActive {
		err := s.m.retry(context.Background(), "delete_metadata", func(ctx context.Context) error {
			return s.m.store.DeleteMetadata(ctx, s.id)
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("delete metadata: %w", err))
		}
	}

	if reason == teardownShutdown {
		for id, conn := range s.participants {
			_ = conn.Close()
			delete(s.participants, id)
			s.m.metrics.ParticipantLeft()
		}
	}

	s.m.registry.release(s)
	s.m.metrics.SessionClosed(time.Since(start).Seconds())

	err := errors.Join(errs...)
	entry := s.log.WithField("state", s.state.String())
	if err != nil {
		entry.WithError(err).Error("Room closed with persistence errors")
	} else {
		entry.Info("Room closed")
	}
	return err
}

// broadcast delivers a control message to every participant.
func (s *Session) broadcast(msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode broadcast")
		return
	}
	for _, conn := range s.participants {
		s.send(conn, frame)
	}
}

// relay forwards an applied delta to everyone except its sender.
func (s *Session) relay(sender Conn, frame protocol.Frame) {
	for id, conn := range s.participants {
		if id == sender.ID() {
			continue
		}
		s.send(conn, frame)
	}
}

func (s *Session) unicast(conn Conn, msg any) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		s.log.WithError(err).Error("Failed to encode message")
		return
	}
	s.send(conn, frame)
}

// catchUp replays history to a new participant, in order and before any
// frame admitted after the join.
func (s *Session) catchUp(conn Conn, history [][]byte) {
	if len(history) == 0 {
		return
	}
	frames := make([]protocol.Frame, len(history))
	for i, delta := range history {
		frames[i] = protocol.Binary(delta)
	}
	bs, ok := conn.(BatchSender)
	if !ok {
		for _, frame := range frames {
			s.send(conn, frame)
		}
		return
	}
	if err := bs.SendBatch(frames); err != nil {
		s.m.metrics.RecordSendFailure()
		s.log.WithError(err).WithFields(logrus.Fields{
			"conn_id": conn.ID(),
			"frames":  len(frames),
		}).Warn("Failed to send history to participant")
	}
}

// send is best-effort: one slow or broken participant never blocks the room.
func (s *Session) send(conn Conn, frame protocol.Frame) {
	if err := conn.Send(frame); err != nil {
		s.m.metrics.RecordSendFailure()
		s.log.WithError(err).WithField("conn_id", conn.ID()).Warn("Failed to send to participant")
	}
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
