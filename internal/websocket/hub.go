// Package websocket pushes engine events to connected clients. Each user
// only ever sees events for their own jobs; routing is by owner ID.
package websocket

import (
	"sync"
)

// message is a routed payload: pre-marshaled JSON bound for one owner's
// connections.
type message struct {
	owner string
	data  []byte
}

// Hub maintains the set of active clients and broadcasts messages to them.
type Hub struct {
	// Registered clients by owner ID
	clients map[string]map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Broadcast channel for routed event payloads
	broadcast chan message

	mu sync.RWMutex
}

// NewHub creates a new Hub instance.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan message, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.owner] == nil {
				h.clients[client.owner] = make(map[*Client]bool)
			}
			h.clients[client.owner][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.owner]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.owner)
					}
				}
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.Lock()
			if clients, ok := h.clients[msg.owner]; ok {
				for client := range clients {
					select {
					case client.send <- msg.data:
					default:
						// Client's buffer is full, close the connection
						close(client.send)
						delete(clients, client)
					}
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast queues a payload for every connection belonging to owner.
func (h *Hub) Broadcast(owner string, data []byte) {
	h.broadcast <- message{owner: owner, data: data}
}

// ClientCount returns the number of connected clients for an owner.
func (h *Hub) ClientCount(owner string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[owner]; ok {
		return len(clients)
	}
	return 0
}

// TotalClients returns the total number of connected clients.
func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
