// Package events pushes wallet and provisioning updates to browsers over WebSocket.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event types.
const (
	TypeWallet    = "wallet"
	TypeProvision = "provision"
)

// writeTimeout bounds a single push to one connection.
const writeTimeout = 5 * time.Second

// Event is a message sent to every connected browser.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Hub tracks active WebSocket connections per client and tab session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[string]*websocket.Conn
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		active: make(map[string]map[string]*websocket.Conn),
	}
}

// Register writes the snapshot events to conn and then adds it for the
// client/session, closing any connection it replaces. Publish is held off
// until the snapshot is written, so no event reaches conn ahead of it.
// On a failed write the connection is not registered.
func (h *Hub) Register(ctx context.Context, clientID, sessionID string, conn *websocket.Conn, snapshot SnapshotFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if snapshot != nil {
		for _, ev := range snapshot() {
			if err := writeEvent(ctx, conn, ev); err != nil {
				return fmt.Errorf("send %s snapshot: %w", ev.Type, err)
			}
		}
	}

	if _, exists := h.active[clientID]; !exists {
		h.active[clientID] = make(map[string]*websocket.Conn)
	}

	if existing, exists := h.active[clientID][sessionID]; exists && existing != conn {
		_ = existing.Close(websocket.StatusNormalClosure, "session replaced")
	}

	h.active[clientID][sessionID] = conn
	slog.Info("Event stream registered", "client_id", clientID, "session_id", sessionID)
	return nil
}

// Unregister removes a connection if it is still the registered one.
func (h *Hub) Unregister(clientID, sessionID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sessions, ok := h.active[clientID]; ok {
		if current, exists := sessions[sessionID]; exists && current == conn {
			delete(sessions, sessionID)
			if len(sessions) == 0 {
				delete(h.active, clientID)
			}
			slog.Info("Event stream unregistered", "client_id", clientID, "session_id", sessionID)
		}
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sessions := range h.active {
		n += len(sessions)
	}
	return n
}

// Publish sends ev to every connection. Connections that fail to accept the
// write are closed; their handler unregisters them.
func (h *Hub) Publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Failed to encode event", "type", ev.Type, "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active))
	for _, sessions := range h.active {
		for _, conn := range sessions {
			conns = append(conns, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			slog.Debug("Event write failed, closing stream", "type", ev.Type, "error", err)
			_ = conn.Close(websocket.StatusGoingAway, "write failed")
		}
		cancel()
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// CloseAll terminates every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for clientID, sessions := range h.active {
		for sid, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
			slog.Info("Event stream closed", "client_id", clientID, "session_id", sid)
		}
	}
	h.active = make(map[string]map[string]*websocket.Conn)
}
