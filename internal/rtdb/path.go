package rtdb

import (
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidPath = errors.New("invalid path")

// splitPath returns the segments of p. The root path has no segments.
func splitPath(p string) ([]string, error) {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil, nil
	}
	segs := strings.Split(p, "/")
	for _, s := range segs {
		if s == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidPath, p)
		}
	}
	return segs, nil
}

func cleanPath(p string) (string, error) {
	segs, err := splitPath(p)
	if err != nil {
		return "", err
	}
	return strings.Join(segs, "/"), nil
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	if child == "" {
		return parent
	}
	return parent + "/" + child
}

func lastSegment(p string) string {
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

// contains reports whether p is ancestor-or-self of q.
func contains(p, q string) bool {
	return p == "" || p == q || strings.HasPrefix(q, p+"/")
}

// childOf returns the name of the direct child of p on the way to q.
// q must be a strict descendant of p.
func childOf(p, q string) string {
	rest := q
	if p != "" {
		rest = q[len(p)+1:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
