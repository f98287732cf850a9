package realtime

import "sync"

// Hub is the registry of live connections, keyed by user id. It holds its
// mutex only for map operations and never blocks on a peer: delivery is the
// client's job under its own backpressure policy.
type Hub struct {
	mu    sync.RWMutex
	conns map[int64]*Client
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[int64]*Client)}
}

// Register records c as the user's live connection, replacing any prior one.
// The replaced connection keeps running until its own teardown; its late
// Unregister cannot evict c because removal is pointer-matched.
func (h *Hub) Register(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[userID] = c
}

// Unregister removes the user's entry only when it still points at c.
func (h *Hub) Unregister(userID int64, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == c {
		delete(h.conns, userID)
	}
}

// SendEventToUser enqueues an event frame on the user's connection.
// Users without a live connection are skipped silently.
func (h *Hub) SendEventToUser(userID int64, event string, payload any) {
	if c := h.lookup(userID); c != nil {
		c.SendEvent(event, payload)
	}
}

// SendErrorToUser enqueues a server-originated error frame (seq 0) on the
// user's connection. Users without a live connection are skipped silently.
func (h *Hub) SendErrorToUser(userID int64, code, message string) {
	if c := h.lookup(userID); c != nil {
		c.SendError(code, message)
	}
}

// ActiveConnections reports how many connections are registered.
func (h *Hub) ActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) lookup(userID int64) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[userID]
}
