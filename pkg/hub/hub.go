// Package hub tracks live websocket connections per user and pushes
// notifications and room messages to them.
package hub

import (
	"log/slog"
	"sync"
)

// Client represents a connected WebSocket client
// This is an interface to avoid circular dependencies between hub and client packages
type Client interface {
	Send([]byte)
	Close()
	ID() string
	UserID() string
}

// Hub maintains active clients grouped by user
type Hub struct {
	// Registered clients by user ID. A user may hold several connections.
	users map[string]map[Client]struct{}

	// Register requests from clients
	register chan Client

	// Unregister requests from clients
	unregister chan Client

	// Mutex for thread-safe client map access
	mu sync.RWMutex

	logger *slog.Logger

	// Shutdown signal
	done     chan struct{}
	shutdown sync.Once
}

// New creates a new Hub instance
func New(logger *slog.Logger) *Hub {
	return &Hub{
		users:      make(map[string]map[Client]struct{}),
		register:   make(chan Client),
		unregister: make(chan Client),
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop
// This should be called in a goroutine
func (h *Hub) Run() {
	h.logger.Info("hub started")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			conns, ok := h.users[client.UserID()]
			if !ok {
				conns = make(map[Client]struct{})
				h.users[client.UserID()] = conns
			}
			conns[client] = struct{}{}
			h.mu.Unlock()

			h.logger.Info("client registered",
				slog.String("clientID", client.ID()),
				slog.String("userId", client.UserID()),
				slog.Int("totalClients", h.ClientCount()))

		case client := <-h.unregister:
			h.mu.Lock()
			if conns, ok := h.users[client.UserID()]; ok {
				if _, ok := conns[client]; ok {
					delete(conns, client)
					client.Close()
				}
				if len(conns) == 0 {
					delete(h.users, client.UserID())
				}
			}
			h.mu.Unlock()

			h.logger.Info("client unregistered",
				slog.String("clientID", client.ID()),
				slog.String("userId", client.UserID()),
				slog.Int("totalClients", h.ClientCount()))

		case <-h.done:
			h.logger.Info("hub shutting down")
			h.mu.Lock()
			for _, conns := range h.users {
				for client := range conns {
					client.Close()
				}
			}
			h.users = make(map[string]map[Client]struct{})
			h.mu.Unlock()
			return
		}
	}
}

// Register adds a client to the hub. It is a no-op after Shutdown.
func (h *Hub) Register(client any) {
	if c, ok := client.(Client); ok {
		select {
		case h.register <- c:
		case <-h.done:
		}
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client any) {
	if c, ok := client.(Client); ok {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}
}

// SendToUser queues data on every connection of the user and returns how
// many connections it was queued on.
func (h *Hub) SendToUser(userID string, data []byte) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for client := range h.users[userID] {
		// Send never blocks; a full buffer drops the message
		client.Send(data)
		n++
	}
	return n
}

// SendToUsers is SendToUser for a set of users, e.g. the members of a room.
func (h *Hub) SendToUsers(userIDs []string, data []byte) int {
	n := 0
	for _, u := range userIDs {
		n += h.SendToUser(u, data)
	}
	return n
}

// Online reports whether the user has at least one live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, conns := range h.users {
		n += len(conns)
	}
	return n
}

// Shutdown gracefully shuts down the hub
func (h *Hub) Shutdown() {
	h.shutdown.Do(func() { close(h.done) })
}
