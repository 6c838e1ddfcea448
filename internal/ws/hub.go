// Package ws streams saga lifecycle events to websocket watchers.
package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

const defaultMaxWatchersPerSaga = 16

// ErrMaxConnections is returned when a transaction has too many watchers.
var ErrMaxConnections = errors.New("max watchers per saga exceeded")

type outbound struct {
	data  []byte
	final bool
}

// Client wraps a websocket connection with a send channel.
type Client struct {
	conn *websocket.Conn
	send chan outbound
}

// Hub manages watcher connections per saga id.
type Hub struct {
	mu      sync.RWMutex
	conns   map[string]map[*Client]struct{}
	maxPer  int
	total   int64
	dropped int64
}

func NewHub(maxPerSaga int) *Hub {
	if maxPerSaga <= 0 {
		maxPerSaga = defaultMaxWatchersPerSaga
	}
	return &Hub{
		conns:  make(map[string]map[*Client]struct{}),
		maxPer: maxPerSaga,
	}
}

// Subscribe registers a connection for a saga and returns the client wrapper.
func (h *Hub) Subscribe(sagaID string, conn *websocket.Conn) (*Client, error) {
	client := &Client{
		conn: conn,
		send: make(chan outbound, 64),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.conns[sagaID]
	if !ok {
		clients = make(map[*Client]struct{})
		h.conns[sagaID] = clients
	}
	if len(clients) >= h.maxPer {
		return nil, ErrMaxConnections
	}
	clients[client] = struct{}{}
	atomic.AddInt64(&h.total, 1)
	return client, nil
}

// Unsubscribe removes a connection; safe to call more than once.
func (h *Hub) Unsubscribe(sagaID string, client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients, ok := h.conns[sagaID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	close(client.send)
	atomic.AddInt64(&h.total, -1)

	if len(clients) == 0 {
		delete(h.conns, sagaID)
	}
}

// Broadcast sends a message to all watchers of the saga. Slow watchers drop messages.
func (h *Hub) Broadcast(sagaID string, message []byte, final bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.conns[sagaID] {
		select {
		case client.send <- outbound{data: message, final: final}:
		default:
			atomic.AddInt64(&h.dropped, 1)
		}
	}
}

// ConnectionCount returns total active watcher connections.
func (h *Hub) ConnectionCount() int64 {
	return atomic.LoadInt64(&h.total)
}

// Dropped returns how many messages were dropped for slow watchers.
func (h *Hub) Dropped() int64 {
	return atomic.LoadInt64(&h.dropped)
}

// CloseAll closes all active websocket connections.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for _, clients := range h.conns {
		for client := range clients {
			conns = append(conns, client.conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if conn != nil {
			_ = conn.Close()
		}
	}
}
