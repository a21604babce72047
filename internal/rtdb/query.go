package rtdb

import (
	"context"
	"sort"
	"strings"
)

// Query selects the children of a path, optionally ordered by a child field,
// bounded by StartAt/EndAt on that field and limited to the last N entries.
type Query struct {
	db      *DB
	path    string
	err     error
	orderBy string
	start   any
	end     any
	limit   int
}

func (db *DB) Query(path string) *Query {
	p, err := cleanPath(path)
	return &Query{db: db, path: p, err: err}
}

func (q *Query) Path() string {
	return q.path
}

// OrderByChild orders children by the value of field; ties are ordered by key.
func (q *Query) OrderByChild(field string) *Query {
	c := *q
	c.orderBy = field
	return &c
}

// StartAt keeps children whose ordering value is >= v.
func (q *Query) StartAt(v any) *Query {
	c := *q
	c.start, c.err = normalizeBound(v, q.err)
	return &c
}

// EndAt keeps children whose ordering value is <= v.
func (q *Query) EndAt(v any) *Query {
	c := *q
	c.end, c.err = normalizeBound(v, q.err)
	return &c
}

// LimitToLast keeps the last n children in query order.
func (q *Query) LimitToLast(n int) *Query {
	c := *q
	c.limit = n
	return &c
}

func normalizeBound(v any, prev error) (any, error) {
	if prev != nil {
		return nil, prev
	}
	return toTree(v)
}

// Get returns the matching children in ascending query order.
func (q *Query) Get(ctx context.Context) ([]Snapshot, error) {
	if q.err != nil {
		return nil, q.err
	}
	snap, err := q.db.Get(ctx, q.path)
	if err != nil {
		return nil, err
	}
	return q.apply(snap), nil
}

func (q *Query) apply(snap Snapshot) []Snapshot {
	var out []Snapshot
	for _, c := range snap.Children() {
		if q.matches(c) {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return q.less(out[i], out[j]) })
	if q.limit > 0 && len(out) > q.limit {
		out = out[len(out)-q.limit:]
	}
	return out
}

func (q *Query) orderValue(s Snapshot) any {
	if q.orderBy == "" {
		return s.Key()
	}
	return s.Child(q.orderBy).Value()
}

func (q *Query) matches(s Snapshot) bool {
	if q.start == nil && q.end == nil {
		return true
	}
	v := q.orderValue(s)
	if q.start != nil && compareValues(v, q.start) < 0 {
		return false
	}
	if q.end != nil && compareValues(v, q.end) > 0 {
		return false
	}
	return true
}

func (q *Query) less(a, b Snapshot) bool {
	if c := compareValues(q.orderValue(a), q.orderValue(b)); c != 0 {
		return c < 0
	}
	return strings.Compare(a.Key(), b.Key()) < 0
}
