// Package notify pushes session events to connected owners over WebSocket.
package notify

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
)

// Event types
const (
	EventPaused    = "session.paused"
	EventResumed   = "session.resumed"
	EventCompleted = "session.completed"
	EventFailed    = "session.failed"
)

// Notification is one message delivered to an owner
type Notification struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier delivers best-effort notifications; it never blocks the caller
type Notifier interface {
	Notify(ownerID string, n Notification)
}

// Conn is the subset of a WebSocket connection the hub uses
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

type client struct {
	send chan []byte
}

// Hub fans notifications out to every connection an owner has open
type Hub struct {
	mu      sync.RWMutex
	clients map[string]map[*client]struct{}
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]map[*client]struct{}),
	}
}

// Notify queues n for each of the owner's connections, dropping it for slow readers
func (h *Hub) Notify(ownerID string, n Notification) {
	if n.At.IsZero() {
		n.At = time.Now()
	}

	data, err := json.Marshal(n)
	if err != nil {
		log.Printf("Notify: failed to encode %s for %s: %v", n.Type, ownerID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[ownerID] {
		select {
		case c.send <- data:
		default:
			log.Printf("Notify: dropping %s for %s, client is not reading", n.Type, ownerID)
		}
	}
}

// Serve pumps notifications to conn until the peer disconnects
func (h *Hub) Serve(ownerID string, conn Conn) {
	c := &client{send: make(chan []byte, 16)}
	h.register(ownerID, c)
	defer h.unregister(ownerID, c)

	log.Printf("Notify: %s connected", ownerID)

	// Reads only detect the close; clients have nothing to say.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg := <-c.send:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Printf("Notify: write to %s failed: %v", ownerID, err)
				return
			}
		case <-done:
			log.Printf("Notify: %s disconnected", ownerID)
			return
		}
	}
}

// Connections returns how many connections the owner has open
func (h *Hub) Connections(ownerID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[ownerID])
}

func (h *Hub) register(ownerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[ownerID] == nil {
		h.clients[ownerID] = make(map[*client]struct{})
	}
	h.clients[ownerID][c] = struct{}{}
}

func (h *Hub) unregister(ownerID string, c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[ownerID], c)
	if len(h.clients[ownerID]) == 0 {
		delete(h.clients, ownerID)
	}
}
