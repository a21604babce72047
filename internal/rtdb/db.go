package rtdb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var (
	// ErrAbort is returned by a transaction function to leave the data unchanged.
	ErrAbort = errors.New("transaction aborted")

	ErrClosed = errors.New("database closed")
)

var bucketTree = []byte("tree")

// DB is a path-addressed tree store persisted in bbolt. Every leaf is a
// separate key holding its full path; inner nodes exist implicitly.
type DB struct {
	bolt *bbolt.DB
	now  func() time.Time

	// mu serializes writes so subscribers observe events in commit order.
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

type Option func(*DB)

// WithClock replaces the clock used to resolve server timestamps.
func WithClock(now func() time.Time) Option {
	return func(db *DB) {
		db.now = now
	}
}

func Open(path string, opts ...Option) (*DB, error) {
	b, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = b.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTree)
		return err
	})
	if err != nil {
		_ = b.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	db := &DB{
		bolt: b,
		now:  time.Now,
		subs: make(map[uint64]*Subscription),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db, nil
}

// Close cancels all subscriptions and closes the underlying file.
func (db *DB) Close() error {
	db.mu.Lock()
	db.closed = true
	subs := make([]*Subscription, 0, len(db.subs))
	for _, s := range db.subs {
		subs = append(subs, s)
	}
	db.subs = make(map[uint64]*Subscription)
	db.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return db.bolt.Close()
}

// Now returns the store clock in Unix milliseconds.
func (db *DB) Now() int64 {
	return db.now().UnixMilli()
}

// PushKey returns a new unique child key. Keys sort in creation order.
func (db *DB) PushKey() string {
	return uuid.Must(uuid.NewV7()).String()
}

func (db *DB) Get(ctx context.Context, path string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	p, err := cleanPath(path)
	if err != nil {
		return Snapshot{}, err
	}
	var value any
	err = db.bolt.View(func(tx *bbolt.Tx) error {
		var err error
		value, err = readNode(tx.Bucket(bucketTree), p)
		return err
	})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{path: p, value: value}, nil
}

// Set replaces the subtree at path with value. A nil value removes it.
func (db *DB) Set(ctx context.Context, path string, value any) error {
	p, err := cleanPath(path)
	if err != nil {
		return err
	}
	tree, err := toTree(value)
	if err != nil {
		return err
	}
	return db.commit(ctx, func(*bbolt.Bucket) ([]op, error) {
		return []op{{path: p, value: tree}}, nil
	})
}

func (db *DB) Remove(ctx context.Context, path string) error {
	return db.Set(ctx, path, nil)
}

// Update atomically sets every relative path in fields under path.
// Keys may contain '/' to address nested nodes.
func (db *DB) Update(ctx context.Context, path string, fields map[string]any) error {
	ops, err := updateOps(path, fields)
	if err != nil {
		return err
	}
	return db.commit(ctx, func(*bbolt.Bucket) ([]op, error) {
		return ops, nil
	})
}

// Transaction runs fn with the current value at path and stores its result
// atomically. Returning ErrAbort leaves the data unchanged and reports false.
func (db *DB) Transaction(ctx context.Context, path string, fn func(current Snapshot) (any, error)) (bool, error) {
	p, err := cleanPath(path)
	if err != nil {
		return false, err
	}
	committed := true
	err = db.commit(ctx, func(b *bbolt.Bucket) ([]op, error) {
		cur, err := readNode(b, p)
		if err != nil {
			return nil, err
		}
		next, err := fn(Snapshot{path: p, value: cur})
		if errors.Is(err, ErrAbort) {
			committed = false
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		tree, err := toTree(next)
		if err != nil {
			return nil, err
		}
		return []op{{path: p, value: tree}}, nil
	})
	if err != nil {
		return false, err
	}
	return committed, nil
}

type op struct {
	path  string
	value any
}

func updateOps(path string, fields map[string]any) ([]op, error) {
	base, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	ops := make([]op, 0, len(fields))
	for k, v := range fields {
		rel, err := cleanPath(k)
		if err != nil {
			return nil, err
		}
		if rel == "" {
			return nil, fmt.Errorf("%w: empty update key", ErrInvalidPath)
		}
		tree, err := toTree(v)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op{path: joinPath(base, rel), value: tree})
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i].path < ops[j].path })
	return ops, nil
}

// commit applies the operations produced by build in one bbolt transaction
// and queues the resulting events for subscribers.
func (db *DB) commit(ctx context.Context, build func(b *bbolt.Bucket) ([]op, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}

	subs := make([]*Subscription, 0, len(db.subs))
	for _, s := range db.subs {
		subs = append(subs, s)
	}

	var events []queuedEvent
	err := db.bolt.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTree)
		ops, err := build(b)
		if err != nil || len(ops) == 0 {
			return err
		}

		watches := planWatches(subs, ops)
		before, err := captureAll(b, watches)
		if err != nil {
			return err
		}

		now := db.Now()
		for _, o := range ops {
			if err := applyOp(b, o, now); err != nil {
				return err
			}
		}

		after, err := captureAll(b, watches)
		if err != nil {
			return err
		}
		events = diffWatches(watches, before, after)
		return nil
	})
	if err != nil {
		return err
	}

	for _, e := range events {
		e.sub.enqueue(e.event)
	}
	return nil
}

func applyOp(b *bbolt.Bucket, o op, now int64) error {
	// A leaf on the way down would otherwise shadow the new subtree.
	for p := o.path; strings.Contains(p, "/"); {
		p = p[:strings.LastIndexByte(p, '/')]
		if err := b.Delete([]byte(p)); err != nil {
			return err
		}
	}

	if err := deleteSubtree(b, o.path); err != nil {
		return err
	}

	leaves := make(map[string]any)
	if err := flatten(o.path, o.value, now, leaves); err != nil {
		return err
	}
	for k, v := range leaves {
		data, err := encodeLeaf(v)
		if err != nil {
			return fmt.Errorf("failed to encode %s: %w", k, err)
		}
		if err := b.Put([]byte(k), data); err != nil {
			return fmt.Errorf("failed to put %s: %w", k, err)
		}
	}
	return nil
}

func deleteSubtree(b *bbolt.Bucket, path string) error {
	if path != "" {
		if err := b.Delete([]byte(path)); err != nil {
			return err
		}
	}
	prefix := subtreePrefix(path)
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// readNode rebuilds the tree stored at path, nil when nothing is there.
func readNode(b *bbolt.Bucket, path string) (any, error) {
	if path != "" {
		if data := b.Get([]byte(path)); data != nil {
			return decodeLeaf(data)
		}
	}

	prefix := subtreePrefix(path)
	var root map[string]any
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		leaf, err := decodeLeaf(v)
		if err != nil {
			return nil, fmt.Errorf("corrupt value at %s: %w", k, err)
		}
		if root == nil {
			root = make(map[string]any)
		}
		insert(root, strings.Split(string(k[len(prefix):]), "/"), leaf)
	}
	if root == nil {
		return nil, nil
	}
	return root, nil
}

func subtreePrefix(path string) []byte {
	if path == "" {
		return nil
	}
	return []byte(path + "/")
}

// watch describes what a subscription needs compared around a write.
type watch struct {
	sub      *Subscription
	value    bool
	all      bool
	children map[string]struct{}
}

type captured struct {
	value    any
	children map[string]any
}

type queuedEvent struct {
	sub   *Subscription
	event Event
}

func planWatches(subs []*Subscription, ops []op) []*watch {
	var watches []*watch
	for _, s := range subs {
		w := &watch{sub: s, children: make(map[string]struct{})}
		related := false
		for _, o := range ops {
			p := s.query.path
			switch {
			case contains(o.path, p):
				related = true
				w.all = true
			case contains(p, o.path):
				related = true
				w.children[childOf(p, o.path)] = struct{}{}
			}
		}
		if !related {
			continue
		}
		w.value = s.kinds&EventValue != 0
		watches = append(watches, w)
	}
	return watches
}

func captureAll(b *bbolt.Bucket, watches []*watch) ([]captured, error) {
	out := make([]captured, len(watches))
	for i, w := range watches {
		p := w.sub.query.path
		if w.value || w.all {
			node, err := readNode(b, p)
			if err != nil {
				return nil, err
			}
			out[i].value = node
			if w.all {
				m, _ := node.(map[string]any)
				out[i].children = m
				continue
			}
		}
		if w.sub.kinds&childEvents == 0 {
			continue
		}
		out[i].children = make(map[string]any, len(w.children))
		for name := range w.children {
			node, err := readNode(b, joinPath(p, name))
			if err != nil {
				return nil, err
			}
			if node != nil {
				out[i].children[name] = node
			}
		}
	}
	return out, nil
}

func diffWatches(watches []*watch, before, after []captured) []queuedEvent {
	var events []queuedEvent
	for i, w := range watches {
		s := w.sub
		q := s.query
		if w.value && !reflect.DeepEqual(before[i].value, after[i].value) {
			events = append(events, queuedEvent{sub: s, event: Event{
				Kind:     EventValue,
				Snapshot: Snapshot{path: q.path, value: after[i].value},
			}})
		}
		if s.kinds&childEvents == 0 {
			continue
		}

		var changed []Event
		names := make(map[string]struct{})
		for k := range before[i].children {
			names[k] = struct{}{}
		}
		for k := range after[i].children {
			names[k] = struct{}{}
		}
		for name := range names {
			old, cur := before[i].children[name], after[i].children[name]
			snap := Snapshot{path: joinPath(q.path, name), value: cur}
			switch {
			case old == nil && cur != nil:
				if s.kinds&EventChildAdded != 0 && q.matches(snap) {
					changed = append(changed, Event{Kind: EventChildAdded, Snapshot: snap})
				}
			case old != nil && cur == nil:
				if s.kinds&EventChildRemoved != 0 {
					changed = append(changed, Event{Kind: EventChildRemoved, Snapshot: Snapshot{path: snap.path, value: old}})
				}
			case !reflect.DeepEqual(old, cur):
				if s.kinds&EventChildChanged != 0 && q.matches(snap) {
					changed = append(changed, Event{Kind: EventChildChanged, Snapshot: snap})
				}
			}
		}
		sort.SliceStable(changed, func(a, b int) bool {
			return q.less(changed[a].Snapshot, changed[b].Snapshot)
		})
		for _, e := range changed {
			events = append(events, queuedEvent{sub: s, event: e})
		}
	}
	return events
}
