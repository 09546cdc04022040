package server

import (
	"log"
	"sync"

	"github.com/npezzotti/scene-rooms/internal/stats"
)

// Hub tracks every connected push client so they can be closed on shutdown.
type Hub struct {
	log         *log.Logger
	stats       stats.StatsProvider
	clients     map[*Client]struct{}
	clientsLock sync.Mutex
	closed      bool
}

func NewHub(logger *log.Logger, su stats.StatsProvider) *Hub {
	h := &Hub{
		log:     logger,
		stats:   stats.OrNop(su),
		clients: make(map[*Client]struct{}),
	}
	h.stats.RegisterMetric(stats.MetricConnectedClients)

	return h
}

func (h *Hub) register(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if h.closed {
		c.stopClient()
		return
	}
	h.clients[c] = struct{}{}
	h.stats.Incr(stats.MetricConnectedClients)
	h.log.Printf("adding connection from %q", c.user.Id)
}

func (h *Hub) deregister(c *Client) {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.stats.Decr(stats.MetricConnectedClients)
		h.log.Printf("removing connection from %q", c.user.Id)
	}
}

func (h *Hub) Count() int {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()
	return len(h.clients)
}

// Shutdown stops every client and rejects new ones.
func (h *Hub) Shutdown() {
	h.clientsLock.Lock()
	defer h.clientsLock.Unlock()

	h.log.Printf("closing %d client connections", len(h.clients))
	h.closed = true
	for c := range h.clients {
		c.stopClient()
	}
}
