// Package hub provides event fanout to live observer connections.
package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Envelope is the wire format delivered to every observer.
type Envelope struct {
	Type string      `json:"type"`
	Ts   string      `json:"ts"`
	Data interface{} `json:"data"`
}

// Subscriber receives published envelopes. TrySend must not block; it
// reports whether the payload was accepted.
type Subscriber interface {
	ID() string
	TrySend(data []byte) bool
}

// Hub manages observer subscriptions and fanout. Publishing is
// best-effort: a subscriber that cannot accept a payload is skipped, never
// waited on.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]Subscriber
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]Subscriber),
	}
}

// Register adds a subscriber to the fanout set.
func (h *Hub) Register(sub Subscriber) {
	h.mu.Lock()
	h.subscribers[sub.ID()] = sub
	h.mu.Unlock()
	log.Printf("observer registered: %s", sub.ID())
}

// Unregister removes a subscriber from the fanout set.
func (h *Hub) Unregister(sub Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[sub.ID()]
	delete(h.subscribers, sub.ID())
	h.mu.Unlock()
	if ok {
		log.Printf("observer unregistered: %s", sub.ID())
	}
}

// Publish wraps data in an envelope and delivers it to every subscriber.
// The envelope is marshaled once; slow observers are skipped, and a skip
// never affects the operation that produced the event.
func (h *Hub) Publish(eventType string, data interface{}) {
	envelope := Envelope{
		Type: eventType,
		Ts:   time.Now().UTC().Format(time.RFC3339Nano),
		Data: data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Printf("ERROR: failed to marshal %s envelope: %v", eventType, err)
		return
	}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if !sub.TrySend(payload) {
			log.Printf("WARN: observer %s not keeping up, skipping %s", sub.ID(), eventType)
		}
	}
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Connection is a websocket-backed subscriber. Writes go through the Send
// channel so the write pump owns the socket.
type Connection struct {
	id   string
	Conn *websocket.Conn
	Send chan []byte
	mu   sync.Mutex
}

// NewConnection wraps a websocket connection as a subscriber.
func NewConnection(ws *websocket.Conn) *Connection {
	return &Connection{
		id:   "obs_" + uuid.New().String()[:8],
		Conn: ws,
		Send: make(chan []byte, 256),
	}
}

// ID returns the connection identifier.
func (c *Connection) ID() string { return c.id }

// TrySend queues a payload without blocking. A full buffer rejects the
// payload.
func (c *Connection) TrySend(data []byte) bool {
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

// WriteMessage writes to the socket with proper locking.
func (c *Connection) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Conn.WriteMessage(messageType, data)
}

// SetWriteDeadline sets the write deadline for the connection.
func (c *Connection) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(t)
}

// SetReadDeadline sets the read deadline for the connection.
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(t)
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.Conn.Close()
}
