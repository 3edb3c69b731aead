package gateway

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Hub is the in-process transport behind the Broadcaster interface: it
// tracks live subscriber channels per user on this node and fans payloads
// out to them. A delivery counts as made once the payload is handed to
// every subscriber's buffer; a subscriber too slow to drain its buffer
// loses the message rather than blocking the rest of the group.
type Hub struct {
	mu     sync.RWMutex
	users  map[string]map[string]chan []byte
	byConn map[string]string
	buffer int
	logger *zap.Logger
}

// NewHub creates a hub. buffer is the per-subscriber channel depth.
func NewHub(buffer int, logger *zap.Logger) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{
		users:  make(map[string]map[string]chan []byte),
		byConn: make(map[string]string),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe attaches a connection to a user's group and returns the channel
// payloads arrive on. The caller owns draining it; Unsubscribe closes it.
func (h *Hub) Subscribe(userID, connID string) <-chan []byte {
	h.mu.Lock()
	defer h.mu.Unlock()

	conns, ok := h.users[userID]
	if !ok {
		conns = make(map[string]chan []byte)
		h.users[userID] = conns
	}
	ch := make(chan []byte, h.buffer)
	conns[connID] = ch
	h.byConn[connID] = userID
	return ch
}

// Unsubscribe detaches a connection and closes its channel.
func (h *Hub) Unsubscribe(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID, ok := h.byConn[connID]
	if !ok {
		return
	}
	delete(h.byConn, connID)

	conns := h.users[userID]
	if ch, ok := conns[connID]; ok {
		close(ch)
		delete(conns, connID)
	}
	if len(conns) == 0 {
		delete(h.users, userID)
	}
}

// Broadcast pushes payload to every subscriber in the user's group. It
// fails only when the user has no subscribers on this node, so the caller's
// retry can wait out a reconnect.
func (h *Hub) Broadcast(ctx context.Context, userID string, payload []byte) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := h.users[userID]
	if len(conns) == 0 {
		return fmt.Errorf("no live subscribers for user %s", userID)
	}

	for connID, ch := range conns {
		select {
		case ch <- payload:
		default:
			h.logger.Warn("subscriber buffer full, dropping payload",
				zap.String("user_id", userID),
				zap.String("conn_id", connID),
			)
		}
	}
	return nil
}

// IsConnected reports whether the connection has a live subscriber here.
func (h *Hub) IsConnected(connID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.byConn[connID]
	return ok
}
