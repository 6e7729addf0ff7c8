// Package ws fans cascade results out to WebSocket subscribers, grouped by
// stream id.
package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/cascade"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 64
)

// client owns one connection. Only writePump writes to conn.
type client struct {
	streamID string
	conn     *websocket.Conn
	send     chan []byte
	once     sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub manages WebSocket connections for real-time result streaming
type Hub struct {
	// clients maps stream_id -> set of clients
	clients map[string]map[*client]bool
	mu      sync.RWMutex
}

// NewHub creates a new result hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]bool),
	}
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[c.streamID] == nil {
		h.clients[c.streamID] = make(map[*client]bool)
	}
	h.clients[c.streamID][c] = true
	log.Printf("[WS] Client registered for stream %s (total: %d)", c.streamID, len(h.clients[c.streamID]))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if conns, ok := h.clients[c.streamID]; ok {
		if _, ok := conns[c]; !ok {
			return
		}
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.clients, c.streamID)
		}
		c.close()
		log.Printf("[WS] Client unregistered for stream %s", c.streamID)
	}
}

// HasClients returns true if there are any clients connected for a stream
func (h *Hub) HasClients(streamID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.clients[streamID]) > 0
}

// ClientCount returns the total number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, conns := range h.clients {
		count += len(conns)
	}
	return count
}

// BroadcastToStream queues message for every client subscribed to a
// stream. A client whose buffer is full is disconnected rather than
// allowed to stall the pipeline.
func (h *Hub) BroadcastToStream(streamID string, message []byte) {
	h.mu.RLock()
	var slow []*client
	for c := range h.clients[streamID] {
		select {
		case c.send <- message:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		log.Printf("[WS] Dropping slow client for stream %s", streamID)
		h.unregister(c)
	}
}

func (h *Hub) broadcastJSON(streamID string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[WS] Error marshaling message: %v", err)
		return
	}
	h.BroadcastToStream(streamID, data)
}

// Publish sends a result, and its summary if it has one, to the stream's
// subscribers. It has the signature of an event bus handler.
func (h *Hub) Publish(r *cascade.Result) {
	if r == nil || !h.HasClients(r.StreamID) {
		return
	}
	h.broadcastJSON(r.StreamID, NewResultMessage(r))
	if msg := NewSummaryMessage(r); msg != nil {
		h.broadcastJSON(r.StreamID, msg)
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conns := range h.clients {
		for c := range conns {
			c.close()
		}
		delete(h.clients, id)
	}
}

// writePump drains the client's queue and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("[WS] Error sending to client: %v", err)
				h.unregister(c)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.unregister(c)
				return
			}
		}
	}
}

// readPump reads messages from the WebSocket connection
// This keeps the connection alive and handles client disconnection
func (h *Hub) readPump(c *client) {
	defer h.unregister(c)

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[WS] Read error for stream %s: %v", c.streamID, err)
			}
			return
		}
	}
}
