package rtdb

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// ServerValue is a placeholder resolved by the store when a write is applied.
type ServerValue struct {
	kind string
}

// ServerTimestamp resolves to the store clock in Unix milliseconds.
var ServerTimestamp = ServerValue{kind: "timestamp"}

// toTree converts v into the generic tree form stored by the database:
// nested map[string]any with string, bool, int64, float64 leaves.
// Empty maps collapse to nil.
func toTree(v any) (any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case ServerValue:
		return t, nil
	case string, bool, int64, float64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return int64(t), nil
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return int64(t), nil
	case float32:
		return float64(t), nil
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			if k == "" || strings.Contains(k, "/") {
				return nil, fmt.Errorf("%w: bad key %q", ErrInvalidPath, k)
			}
			c, err := toTree(child)
			if err != nil {
				return nil, err
			}
			if c != nil {
				out[k] = c
			}
		}
		if len(out) == 0 {
			return nil, nil
		}
		return out, nil
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, child := range t {
			m[fmt.Sprint(k)] = child
		}
		return toTree(m)
	case []any:
		m := make(map[string]any, len(t))
		for i, child := range t {
			m[strconv.Itoa(i)] = child
		}
		return toTree(m)
	}

	// Structs, named types and typed maps go through msgpack so their tags apply.
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	generic, err := decodeLoose(data)
	if err != nil {
		return nil, err
	}
	return toTree(generic)
}

func decodeLoose(data []byte) (any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	v, err := dec.DecodeInterfaceLoose()
	if err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

func encodeLeaf(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func decodeLeaf(data []byte) (any, error) {
	v, err := decodeLoose(data)
	if err != nil {
		return nil, err
	}
	return toTree(v)
}

// flatten writes every leaf of tree into out keyed by its full path.
// Server values are resolved with now.
func flatten(prefix string, tree any, now int64, out map[string]any) error {
	switch t := tree.(type) {
	case nil:
		return nil
	case map[string]any:
		for k, child := range t {
			if err := flatten(joinPath(prefix, k), child, now, out); err != nil {
				return err
			}
		}
		return nil
	case ServerValue:
		if t.kind != ServerTimestamp.kind {
			return fmt.Errorf("unknown server value %q", t.kind)
		}
		tree = now
	}
	if prefix == "" {
		return fmt.Errorf("%w: scalar value at root", ErrInvalidPath)
	}
	out[prefix] = tree
	return nil
}

// insert places leaf into root following segs, creating intermediate maps.
func insert(root map[string]any, segs []string, leaf any) {
	node := root
	for _, s := range segs[:len(segs)-1] {
		next, ok := node[s].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[s] = next
		}
		node = next
	}
	node[segs[len(segs)-1]] = leaf
}

// compareValues orders child values: missing < bool < number < string.
func compareValues(a, b any) int {
	ra, rb := valueRank(a), valueRank(b)
	if ra != rb {
		return ra - rb
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		}
		return 1
	case string:
		return strings.Compare(x, b.(string))
	case int64, float64:
		fx, fy := toFloat(a), toFloat(b)
		switch {
		case fx < fy:
			return -1
		case fx > fy:
			return 1
		}
	}
	return 0
}

func valueRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	}
	return 4
}

func toFloat(v any) float64 {
	switch t := v.(type) {
	case int64:
		return float64(t)
	case float64:
		return t
	}
	return 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
