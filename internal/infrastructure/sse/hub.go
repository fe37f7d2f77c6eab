// Package sse fans security alerts out to operators connected over
// server-sent events.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/execution-hub/verification-gate/internal/domain/security"
)

var ErrClientExists = errors.New("sse client already registered")

// Message is one server-sent event.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is an open alert stream. Alerts below MinSeverity are not delivered.
type Client struct {
	ID          string
	MinSeverity security.Severity
	ConnectedAt time.Time
	Messages    chan *Message
}

func NewClient(id string, minSeverity security.Severity) *Client {
	return &Client{
		ID:          id,
		MinSeverity: minSeverity,
		ConnectedAt: time.Now().UTC(),
		Messages:    make(chan *Message, 100),
	}
}

func (c *Client) wants(s security.Severity) bool {
	return c.MinSeverity == "" || s.Rank() >= c.MinSeverity.Rank()
}

// Hub manages SSE clients and implements security.AlertSink.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; ok {
		return ErrClientExists
	}
	h.clients[client.ID] = client
	return nil
}

func (h *Hub) Unregister(clientID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[clientID]; ok {
		close(c.Messages)
		delete(h.clients, clientID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dropped counts alerts skipped because a client's buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Publish broadcasts alert to every interested client without blocking.
func (h *Hub) Publish(_ context.Context, alert security.Alert) error {
	if alert.Event == nil {
		return nil
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	msg := &Message{
		ID:        alert.Event.ID.String(),
		Event:     "alert",
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if alert.Event.ID == uuid.Nil {
		msg.ID = uuid.NewString()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if !c.wants(alert.Event.Severity) {
			continue
		}
		if !trySend(c, msg) {
			h.dropped.Add(1)
		}
	}
	return nil
}

// Stop disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Messages)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
