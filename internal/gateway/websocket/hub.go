// Package websocket streams bus events to UI clients over a single
// WebSocket endpoint.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/termflow/termflow/internal/common/logger"
	"github.com/termflow/termflow/internal/events/bus"
)

// Hub manages all WebSocket client connections and forwards every bus
// event to them.
type Hub struct {
	logger *logger.Logger
	bus    bus.EventBus

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	mu      sync.RWMutex
	clients map[*Client]bool

	sub      bus.Subscription
	upgrader websocket.Upgrader
}

// NewHub creates a hub attached to the event bus.
func NewHub(eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		logger:     log.WithFields(zap.String("component", "ws-hub")),
		bus:        eventBus,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		clients:    make(map[*Client]bool),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run subscribes to the bus and processes client traffic until the
// context is cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub, err := h.bus.Subscribe(">", func(ctx context.Context, e *bus.Event) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		select {
		case h.broadcast <- data:
		default:
			// Broadcast buffer full; drop rather than block the bus.
		}
		return nil
	})
	if err != nil {
		h.logger.Error("failed to subscribe to event bus", zap.Error(err))
	} else {
		h.sub = sub
	}

	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			if h.sub != nil {
				_ = h.sub.Unsubscribe()
			}
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.id))

		case client := <-h.unregister:
			h.removeClient(client)

		case data := <-h.broadcast:
			h.broadcastData(data)
		}
	}
}

// ServeHTTP upgrades the connection and attaches the client to the
// hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(conn, h)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}

func (h *Hub) broadcastData(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full; the write pump will clean it up.
		}
	}
}
