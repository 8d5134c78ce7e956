package ws

import (
	"sync"

	"cowrite/api/internal/collab"
)

// Hub is the in-process fan-out for collaboration events: one room per
// document, one entry per live connection. It implements
// collab.Broadcaster; enqueueing never blocks, and a connection with a
// full send queue just misses the event (it will resync on re-join).
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// join adds the connection to a document room. A connection is in at
// most one room; broadcasting walks connections, not user ids, because
// one user may be connected from several devices.
func (h *Hub) join(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[documentID] == nil {
		h.rooms[documentID] = make(map[*Conn]struct{})
	}
	h.rooms[documentID][c] = struct{}{}
}

func (h *Hub) leave(documentID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[documentID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, documentID)
		}
	}
}

func (h *Hub) Publish(documentID string, event collab.Event) {
	h.publish(documentID, "", event)
}

func (h *Hub) PublishExcept(documentID, exceptConnectionID string, event collab.Event) {
	h.publish(documentID, exceptConnectionID, event)
}

func (h *Hub) publish(documentID, exceptConnectionID string, event collab.Event) {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[documentID]))
	for c := range h.rooms[documentID] {
		if c.id == exceptConnectionID {
			continue
		}
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		c.enqueue(event)
	}
}
