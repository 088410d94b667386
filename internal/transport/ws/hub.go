// Package ws carries engine frames over gorilla/websocket connections.
package ws

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"waypoint/internal/security"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

// Engine is the side of the event loop a connection talks to.
type Engine interface {
	Connect(ctx context.Context, connID string, id security.Identity) error
	ConnectGuest(ctx context.Context, connID string) error
	Disconnect(connID string)
	Receive(ctx context.Context, connID string, frame []byte) error
}

// Hub tracks open connections by id and implements the engine transport.
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*conn
	log   *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{conns: make(map[string]*conn), log: log}
}

// Send queues frame for connID without blocking. It returns false when the connection is unknown or
// its buffer is full; a full buffer means the client is too slow and the connection is dropped.
func (h *Hub) Send(connID string, frame []byte) bool {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	if c.enqueue(frame) {
		return true
	}
	h.log.Warn("ws: send buffer full, closing", zap.String("conn_id", connID))
	c.close()
	return false
}

// Close drops connID. The read pump then reports the disconnect to the engine.
func (h *Hub) Close(connID string) {
	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

// CloseAll drops every connection, sending each a normal closure.
func (h *Hub) CloseAll() {
	h.mu.RLock()
	conns := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.RUnlock()
	for _, c := range conns {
		c.close()
	}
}

// Len is the number of open connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	if cur, ok := h.conns[c.id]; ok && cur == c {
		delete(h.conns, c.id)
	}
	h.mu.Unlock()
}

// Serve runs ws until it closes. id nil registers a guest connection. The hub entry exists before the
// engine hears about the connection so the roster snapshot is never lost.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, eng Engine, id *security.Identity) {
	c := newConn(uuid.NewString(), ws)
	h.add(c)
	log := h.log.With(zap.String("conn_id", c.id))

	var err error
	if id == nil {
		err = eng.ConnectGuest(ctx, c.id)
	} else {
		log = log.With(zap.String("user_id", id.UserID))
		err = eng.Connect(ctx, c.id, *id)
	}
	if err != nil {
		log.Warn("ws: engine refused connection", zap.Error(err))
		h.remove(c)
		c.close()
		_ = ws.Close()
		return
	}

	go c.writePump(log)
	c.readPump(ctx, eng, log)

	h.remove(c)
	c.close()
	eng.Disconnect(c.id)
	log.Debug("ws: connection closed")
}
