package session

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

type persistJob struct {
	update   []byte
	snapshot []byte
	done     chan error
}

// persister writes one room's document to the store in the order the
// session produced it. Appends are fire-and-forget and never block the
// session: when the queue is full the delta is dropped, and the session's
// next snapshot flush covers it. Flushes are awaited.
type persister struct {
	m      *Manager
	roomID string
	log    *logrus.Entry
	jobs   chan persistJob
	wg     sync.WaitGroup

	// Set once an append is dropped. Later appends are dropped too until
	// the next flush, so the stored update log never has a gap.
	// Owned by the session goroutine.
	dropping bool
}

func newPersister(m *Manager, roomID string, queueSize int) *persister {
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &persister{
		m:      m,
		roomID: roomID,
		log:    m.log.WithFields(logrus.Fields{"room_id": roomID, "component": "persister"}),
		jobs:   make(chan persistJob, queueSize),
	}
	p.wg.Add(1)
	return p
}

func (p *persister) run() {
	defer p.wg.Done()
	for job := range p.jobs {
		if job.done != nil {
			job.done <- p.saveSnapshot(job.snapshot)
			continue
		}
		p.appendUpdate(job.update)
	}
}

// append queues a delta, or drops it when the store has fallen behind.
func (p *persister) append(update []byte) {
	if p.dropping {
		p.m.metrics.RecordPersistenceFailure("append_dropped")
		return
	}
	select {
	case p.jobs <- persistJob{update: update}:
	default:
		p.dropping = true
		p.m.metrics.RecordPersistenceFailure("append_dropped")
		p.log.WithFields(logrus.Fields{
			"bytes":      len(update),
			"queue_size": cap(p.jobs),
		}).Warn("Persist queue full, dropping updates until next snapshot")
	}
}

// flush writes a snapshot after every queued append and waits for it.
func (p *persister) flush(snapshot []byte) error {
	done := make(chan error, 1)
	p.jobs <- persistJob{snapshot: snapshot, done: done}
	if err := <-done; err != nil {
		return err
	}
	p.dropping = false
	return nil
}

// close drains the queue and stops the goroutine.
func (p *persister) close() {
	close(p.jobs)
	p.wg.Wait()
}

func (p *persister) appendUpdate(update []byte) {
	err := p.m.retry(context.Background(), "append_update", func(ctx context.Context) error {
		return p.m.store.AppendUpdate(ctx, p.roomID, update)
	})
	if err != nil {
		p.log.WithError(err).WithField("bytes", len(update)).Error("Failed to append update")
	}
}

func (p *persister) saveSnapshot(snapshot []byte) error {
	err := p.m.retry(context.Background(), "save_snapshot", func(ctx context.Context) error {
		return p.m.store.SaveSnapshot(ctx, p.roomID, snapshot)
	})
	if err != nil {
		return err
	}
	p.log.WithField("bytes", len(snapshot)).Debug("Snapshot saved")
	return nil
}
