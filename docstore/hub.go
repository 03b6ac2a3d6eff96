package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const writeTimeout = 5 * time.Second

// Hub pushes each owner's live document list to subscribed WebSocket
// clients after every write.
type Hub struct {
	store  Store
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]map[*websocket.Conn]struct{}
}

// NewHub creates a hub reading lists from store.
func NewHub(store Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		store:   store,
		logger:  logger.With("component", "hub"),
		clients: make(map[string]map[*websocket.Conn]struct{}),
	}
}

// Serve registers conn for owner, sends the current list and blocks until
// the client goes away or ctx is done.
func (h *Hub) Serve(ctx context.Context, owner string, conn *websocket.Conn) {
	h.add(owner, conn)
	defer h.remove(owner, conn)

	if err := h.send(ctx, owner, conn); err != nil {
		return
	}

	// Reads only detect disconnects; clients send nothing.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

// Notify broadcasts owner's list to its subscribers.
func (h *Hub) Notify(ctx context.Context, owner string) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients[owner]))
	for conn := range h.clients[owner] {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		if err := h.send(ctx, owner, conn); err != nil {
			h.logger.Debug("subscriber dropped", "owner", owner, "error", err)
			h.remove(owner, conn)
		}
	}
}

// Subscribers returns the number of connections for owner.
func (h *Hub) Subscribers(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[owner])
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for owner, conns := range h.clients {
		for conn := range conns {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(h.clients, owner)
	}
}

func (h *Hub) send(ctx context.Context, owner string, conn *websocket.Conn) error {
	docs, err := h.store.List(ctx, Query{OwnerID: owner})
	if err != nil {
		return err
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) add(owner string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[owner] == nil {
		h.clients[owner] = make(map[*websocket.Conn]struct{})
	}
	h.clients[owner][conn] = struct{}{}
	h.logger.Debug("subscriber connected", "owner", owner, "total", len(h.clients[owner]))
}

func (h *Hub) remove(owner string, conn *websocket.Conn) {
	h.mu.Lock()
	conns, ok := h.clients[owner]
	_, exists := conns[conn]
	if ok && exists {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.clients, owner)
		}
	}
	h.mu.Unlock()

	if exists {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
}
