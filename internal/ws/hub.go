package ws

import (
	"sync"
)

// Hub keeps track of the live connections of every user.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Connection]struct{}
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]map[*Connection]struct{}),
	}
}

func (h *Hub) Join(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userConns, ok := h.conns[c.user.ID]
	if !ok {
		userConns = make(map[*Connection]struct{})
		h.conns[c.user.ID] = userConns
	}
	userConns[c] = struct{}{}
}

func (h *Hub) Leave(c *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userConns, ok := h.conns[c.user.ID]
	if !ok {
		return
	}
	delete(userConns, c)
	if len(userConns) == 0 {
		delete(h.conns, c.user.ID)
	}
}

// Connections returns how many connections userID has open.
func (h *Hub) Connections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// DisconnectUser drops every connection of userID. Each dropped connection
// loses its session, so its disconnect writes are applied.
func (h *Hub) DisconnectUser(userID string) int {
	h.mu.RLock()
	conns := make([]*Connection, 0, len(h.conns[userID]))
	for c := range h.conns[userID] {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.Kick()
	}
	return len(conns)
}
