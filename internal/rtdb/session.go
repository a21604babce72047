package rtdb

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var ErrSessionClosed = errors.New("session closed")

// Session represents one client connection. Writes registered with
// OnDisconnectUpdate are applied by the store when the connection is lost.
type Session struct {
	id string
	db *DB

	mu     sync.Mutex
	hooks  map[uint64][]op
	nextID uint64
	closed bool
}

// DisconnectHook is a pending write owned by a session.
type DisconnectHook struct {
	session *Session
	id      uint64
}

func (db *DB) NewSession() *Session {
	return &Session{
		id:    uuid.NewString(),
		db:    db,
		hooks: make(map[uint64][]op),
	}
}

func (s *Session) ID() string {
	return s.id
}

// OnDisconnectUpdate registers fields to be written under path when the
// session disconnects. Server values are resolved at disconnect time.
func (s *Session) OnDisconnectUpdate(path string, fields map[string]any) (*DisconnectHook, error) {
	ops, err := updateOps(path, fields)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	s.nextID++
	s.hooks[s.nextID] = ops
	return &DisconnectHook{session: s, id: s.nextID}, nil
}

// Cancel removes the pending write. Cancelling twice is a no-op.
func (h *DisconnectHook) Cancel() error {
	s := h.session
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	delete(s.hooks, h.id)
	return nil
}

// Pending reports how many hooks are registered.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hooks)
}

// Disconnect marks the connection as lost and applies every pending hook
// in one write, in registration order.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ids := make([]uint64, 0, len(s.hooks))
	for id := range s.hooks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var ops []op
	for _, id := range ids {
		ops = append(ops, s.hooks[id]...)
	}
	s.hooks = nil
	s.mu.Unlock()

	if len(ops) == 0 {
		return nil
	}
	return s.db.commit(ctx, func(*bbolt.Bucket) ([]op, error) {
		return ops, nil
	})
}

// Close ends the session without applying its hooks.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.hooks = nil
}
