// Package dashboard pushes periodic registry/alert snapshots to
// connected WebSocket clients, so a browser dashboard doesn't need to
// poll /status/all on its own. Adapted from the teacher's
// control_plane/ws_hub.go MetricsHub, stripped of the tenant dimension
// (InferOps has one node pool, not one per tenant) but keeping the
// single-broadcaster-goroutine shape and the connection cap.
package dashboard

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inferops/gateway/internal/alerts"
	"github.com/inferops/gateway/internal/registry"
)

const maxConnections = 200

// Snapshot is what gets pushed to every connected client each tick.
type Snapshot struct {
	Nodes  []registry.NodeView `json:"nodes"`
	Alerts []alerts.Alert      `json:"alerts"`
}

// client pairs a connection with the write-side mutex gorilla/websocket
// requires: at most one writer at a time. The hub's broadcaster and the
// handler's ping goroutine both write to the same connection, so both
// go through writeJSON/writePing rather than touching conn directly.
type client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newClient(conn *websocket.Conn) *client {
	return &client{conn: conn}
}

func (c *client) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

func (c *client) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *client) close() { c.conn.Close() }

// Hub manages WebSocket clients and periodically broadcasts a Snapshot.
// One broadcaster goroutine serves every client, rather than one ticker
// per connection.
type Hub struct {
	reg        *registry.Registry
	thresholds alerts.Thresholds
	interval   time.Duration

	mu      sync.RWMutex
	clients map[*client]struct{}

	register   chan *client
	unregister chan *client
}

// NewHub builds a Hub; call Run in its own goroutine to start broadcasting.
func NewHub(reg *registry.Registry, thresholds alerts.Thresholds, interval time.Duration) *Hub {
	return &Hub{
		reg:        reg,
		thresholds: thresholds,
		interval:   interval,
		clients:    make(map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

// Run is the hub's single broadcaster loop; it owns all client-map
// mutation via the register/unregister channels so broadcastAll never
// races a concurrent Register/Unregister.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case c := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= maxConnections {
				h.mu.Unlock()
				c.close()
				log.Printf("dashboard: connection rejected, max connections (%d) reached", maxConnections)
				continue
			}
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.close()
			}
			h.mu.Unlock()

		case <-ticker.C:
			h.broadcastAll()
		}
	}
}

func (h *Hub) broadcastAll() {
	snap := Snapshot{
		Nodes:  h.reg.Snapshot(),
		Alerts: alerts.Evaluate(h.reg.Snapshot(), h.thresholds),
	}
	if snap.Alerts == nil {
		snap.Alerts = []alerts.Alert{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if err := c.writeJSON(snap); err != nil {
			log.Printf("dashboard: write error: %v", err)
			go h.unregisterClient(c)
		}
	}
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.close()
	}
	h.clients = make(map[*client]struct{})
}

// registerClient adds a new client connection to the broadcast set.
func (h *Hub) registerClient(c *client) { h.register <- c }

// unregisterClient removes a client connection from the broadcast set.
func (h *Hub) unregisterClient(c *client) { h.unregister <- c }

// ClientCount reports the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
