// Package ws streams recorded costs and budget events to connected
// dashboard clients over WebSocket. The hub is fan-out only: clients
// never send anything the pipeline acts on.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

// Event is the wire envelope for one pushed event. Payload carries the
// already-marshaled domain payload (alert event, cost record, denial).
type Event struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// client is one subscribed dashboard connection. Writes are serialized
// per client; coder/websocket allows at most one concurrent writer.
type client struct {
	ws     *websocket.Conn
	wmu    sync.Mutex
	cancel context.CancelFunc
}

func (c *client) send(ctx context.Context, data []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Hub tracks subscribed clients and fans events out to all of them.
// A client whose write fails is dropped; the pipeline never blocks on
// a slow dashboard.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
	}
}

// HandleWS upgrades the request to a WebSocket subscription. The
// connection only receives events; inbound frames are drained to
// detect disconnects.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("event stream accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &client{ws: ws, cancel: cancel}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	slog.Info("event stream subscribed", "remote", r.RemoteAddr)

	go func() {
		defer func() {
			h.drop(c)
			_ = ws.Close(websocket.StatusNormalClosure, "")
		}()
		for {
			if _, _, err := ws.Read(ctx); err != nil {
				return
			}
		}
	}()
}

// broadcast sends one marshaled event to every subscribed client,
// dropping any client whose write fails.
func (h *Hub) broadcast(ctx context.Context, data []byte) {
	h.mu.RLock()
	subscribed := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		subscribed = append(subscribed, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribed {
		if err := c.send(ctx, data); err != nil {
			slog.Debug("event stream write failed, dropping client", "error", err)
			h.drop(c)
		}
	}
}

// ConnectionCount returns the number of subscribed clients.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[c]; ok {
		c.cancel()
		delete(h.clients, c)
		slog.Info("event stream unsubscribed")
	}
}
