// Package realtime provides the WebSocket transport for live message delivery.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/leasechat/internal/domain"
	"github.com/coder/websocket"
	"github.com/samber/lo"
)

// ErrUnknownConnection is returned when pushing to a connection that is no longer open.
var ErrUnknownConnection = errors.New("unknown connection")

// socket is the subset of *websocket.Conn the hub relies on.
type socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

type connection struct {
	id     string
	userID string
	ws     socket
}

// Hub tracks open WebSocket connections by connection ID.
type Hub struct {
	mu           sync.RWMutex
	conns        map[string]*connection
	writeTimeout time.Duration
}

// NewHub creates a new connection hub.
func NewHub(writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &Hub{
		conns:        make(map[string]*connection),
		writeTimeout: writeTimeout,
	}
}

// Register adds an accepted connection owned by the authenticated userID.
func (h *Hub) Register(connectionID, userID string, ws socket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[connectionID] = &connection{id: connectionID, userID: userID, ws: ws}
	slog.Info("Connection registered", "connection_id", connectionID, "user_id", userID)
}

// Unregister removes a connection. Unknown IDs are ignored.
func (h *Hub) Unregister(connectionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.conns[connectionID]; ok {
		delete(h.conns, connectionID)
		slog.Info("Connection unregistered", "connection_id", connectionID, "user_id", c.userID)
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) get(connectionID string) (*connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[connectionID]
	return c, ok
}

// Push writes env to the connection as a JSON text frame.
func (h *Hub) Push(ctx context.Context, connectionID string, env domain.Envelope) error {
	c, ok := h.get(connectionID)
	if !ok {
		return fmt.Errorf("push to %s: %w", connectionID, ErrUnknownConnection)
	}

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", env.Type, err)
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.writeTimeout)
	defer cancel()
	if err := c.ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write %s event: %w", env.Type, err)
	}
	return nil
}

// PingAll pings every open connection and closes the ones that do not answer.
// Closing makes the connection's read loop exit, which runs the usual cleanup.
func (h *Hub) PingAll(ctx context.Context) int {
	conns := h.snapshot()

	dead := 0
	for _, c := range conns {
		pingCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
		err := c.ws.Ping(pingCtx)
		cancel()
		if err == nil {
			continue
		}
		dead++
		slog.Info("Closing unresponsive connection", "connection_id", c.id, "user_id", c.userID, "error", err)
		_ = c.ws.Close(websocket.StatusGoingAway, "ping timeout")
	}
	return dead
}

// CloseAll closes every open connection, used on shutdown.
func (h *Hub) CloseAll(reason string) {
	for _, c := range h.snapshot() {
		_ = c.ws.Close(websocket.StatusGoingAway, reason)
		slog.Info("Connection closed", "connection_id", c.id, "user_id", c.userID, "reason", reason)
	}
}

// snapshot copies the connection table so sockets are never touched under mu;
// a closing socket's read loop needs mu to unregister itself.
func (h *Hub) snapshot() []*connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Values(h.conns)
}
