package rtdb

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Snapshot is an immutable copy of the data at a path.
type Snapshot struct {
	path  string
	value any
}

func (s Snapshot) Path() string {
	return s.path
}

// Key is the last segment of the snapshot path.
func (s Snapshot) Key() string {
	return lastSegment(s.path)
}

func (s Snapshot) Exists() bool {
	return s.value != nil
}

// Value returns the generic tree: map[string]any for inner nodes,
// string, bool, int64 or float64 for leaves, nil when absent.
func (s Snapshot) Value() any {
	return s.value
}

// Decode copies the snapshot into v using its msgpack tags.
func (s Snapshot) Decode(v any) error {
	data, err := msgpack.Marshal(s.value)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", s.path, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	return nil
}

// Child returns the snapshot of a direct child; it may not exist.
func (s Snapshot) Child(name string) Snapshot {
	m, _ := s.value.(map[string]any)
	return Snapshot{path: joinPath(s.path, name), value: m[name]}
}

// Children returns the direct children ordered by key.
func (s Snapshot) Children() []Snapshot {
	m, ok := s.value.(map[string]any)
	if !ok {
		return nil
	}
	children := make([]Snapshot, 0, len(m))
	for _, k := range sortedKeys(m) {
		children = append(children, Snapshot{path: joinPath(s.path, k), value: m[k]})
	}
	return children
}

// Int returns the leaf as an integer, 0 when absent or not numeric.
func (s Snapshot) Int() int64 {
	switch t := s.value.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	}
	return 0
}
