package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

const defaultOpenTimeout = 30 * time.Second

// OpenFunc builds and starts a session, loading its prior state. It runs
// outside the registry lock, under a context detached from any one caller.
type OpenFunc func(ctx context.Context, roomID string) (*Session, error)

type entry struct {
	ready   chan struct{}
	session *Session
	err     error
}

// Registry maps room IDs to their one live session.
type Registry struct {
	mu          sync.Mutex
	entries     map[string]*entry
	open        OpenFunc
	openTimeout time.Duration
}

func NewRegistry(open OpenFunc) *Registry {
	return &Registry{
		entries:     make(map[string]*entry),
		open:        open,
		openTimeout: defaultOpenTimeout,
	}
}

// Resolve returns the live session for roomID, creating it if needed.
// Concurrent callers for an unseen room wait for the single creator; the
// session becomes visible only after its prior state is loaded. ctx bounds
// only this caller's wait: creation is shared by every waiter, so it runs
// until openTimeout even if the caller that started it goes away.
func (r *Registry) Resolve(ctx context.Context, roomID string) (*Session, error) {
	r.mu.Lock()
	if e, ok := r.entries[roomID]; ok {
		r.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.session, nil
	}

	e := &entry{ready: make(chan struct{})}
	r.entries[roomID] = e
	r.mu.Unlock()

	openCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.openTimeout)
	s, err := r.open(openCtx, roomID)
	cancel()

	r.mu.Lock()
	e.session, e.err = s, err
	if err != nil {
		delete(r.entries, roomID)
	}
	r.mu.Unlock()
	close(e.ready)

	return s, err
}

// Lookup returns the live session without creating one.
func (r *Registry) Lookup(roomID string) (*Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[roomID]
	r.mu.Unlock()
	if !ok || !isReady(e) || e.session == nil {
		return nil, false
	}
	return e.session, true
}

// Remove tears down the live session for roomID: it flushes the document,
// closes every participant connection and deregisters the session. It is a
// no-op when the room has no session or its session is still being created.
func (r *Registry) Remove(ctx context.Context, roomID string) error {
	s, ok := r.Lookup(roomID)
	if !ok {
		return nil
	}
	err := s.shutdown(ctx)
	if errors.Is(err, ErrSessionClosed) {
		return nil
	}
	return err
}

// release removes s only if it is still the registered session for its room.
func (r *Registry) release(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[s.id]; ok && e.session == s {
		delete(r.entries, s.id)
	}
}

// Sessions returns every live session.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := make([]*Session, 0, len(r.entries))
	for _, e := range r.entries {
		if isReady(e) && e.session != nil {
			sessions = append(sessions, e.session)
		}
	}
	return sessions
}

func (r *Registry) Len() int {
	return len(r.Sessions())
}

func isReady(e *entry) bool {
	select {
	case <-e.ready:
		return true
	default:
		return false
	}
}
