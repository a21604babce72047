package rtdb

import (
	"sync"

	"go.etcd.io/bbolt"
)

type EventKind int

const (
	EventValue EventKind = 1 << iota
	EventChildAdded
	EventChildChanged
	EventChildRemoved

	childEvents = EventChildAdded | EventChildChanged | EventChildRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventValue:
		return "value"
	case EventChildAdded:
		return "child_added"
	case EventChildChanged:
		return "child_changed"
	case EventChildRemoved:
		return "child_removed"
	}
	return "unknown"
}

type Event struct {
	Kind     EventKind
	Snapshot Snapshot
}

type Handler func(Event)

// Subscription delivers events to its handler on a dedicated goroutine,
// one at a time and in commit order.
type Subscription struct {
	id      uint64
	db      *DB
	query   *Query
	kinds   EventKind
	handler Handler

	mu       sync.Mutex
	queue    []Event
	canceled bool
	wake     chan struct{}
	done     chan struct{}
}

// Subscribe registers handler for the given event kinds on the query path.
// A value subscription first receives the current value; a child subscription
// first receives ChildAdded for every child currently matching the query,
// including its limit.
func (db *DB) Subscribe(q *Query, kinds EventKind, handler Handler) (*Subscription, error) {
	if q.err != nil {
		return nil, q.err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return nil, ErrClosed
	}

	var value any
	err := db.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		value, err = readNode(tx.Bucket(bucketTree), q.path)
		return err
	})
	if err != nil {
		return nil, err
	}

	db.nextID++
	s := &Subscription{
		id:      db.nextID,
		db:      db,
		query:   q,
		kinds:   kinds,
		handler: handler,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	snap := Snapshot{path: q.path, value: value}
	if kinds&EventValue != 0 {
		s.queue = append(s.queue, Event{Kind: EventValue, Snapshot: snap})
	}
	if kinds&EventChildAdded != 0 {
		for _, c := range q.apply(snap) {
			s.queue = append(s.queue, Event{Kind: EventChildAdded, Snapshot: c})
		}
	}

	db.subs[s.id] = s
	go s.loop()
	s.signal()
	return s, nil
}

// Cancel stops delivery without waiting for the handler. Queued events are
// dropped and nothing is dequeued once Cancel returns, but a call that was
// already dequeued may still be running. Wait on Done, outside the handler,
// to know that the last call has returned.
func (s *Subscription) Cancel() {
	if !s.stop() {
		return
	}
	s.db.mu.Lock()
	delete(s.db.subs, s.id)
	s.db.mu.Unlock()
}

// Done is closed after Cancel once the delivery goroutine has returned from
// its last handler call.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) stop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return false
	}
	s.canceled = true
	s.queue = nil
	close(s.wake)
	return true
}

func (s *Subscription) enqueue(e Event) {
	s.mu.Lock()
	if s.canceled {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Subscription) loop() {
	defer close(s.done)
	for range s.wake {
		for {
			s.mu.Lock()
			if s.canceled || len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			s.handler(e)
		}
	}
}
