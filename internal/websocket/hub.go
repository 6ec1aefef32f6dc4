// Package websocket pushes license lifecycle events to connected operator
// dashboards. The feed is advisory: consumers that cannot keep up are
// dropped rather than waited on, and nothing in the license path ever
// blocks on delivery.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"keygate/internal/infrastructure"
	"keygate/pkg/contracts/events"
)

// broadcastBuffer bounds how many events may queue between producers and
// the fan-out loop before Publish starts dropping.
const broadcastBuffer = 256

// Hub owns the client set and fans events out to it.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	logger  *slog.Logger
	metrics *infrastructure.BusinessMetrics

	quit    chan struct{}
	running bool

	totalConnections int64
	eventsSent       int64
	eventsDropped    int64
}

// NewHub creates a hub. A nil metrics instance disables metric recording;
// the hub still logs.
func NewHub(logger *slog.Logger, metrics *infrastructure.BusinessMetrics) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, broadcastBuffer),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger.With(slog.String("component", "websocket.hub")),
		metrics:    metrics,
		quit:       make(chan struct{}),
	}
}

// Start runs the fan-out loop. Calling Start on a running hub is a no-op.
func (h *Hub) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

func (h *Hub) run() {
	for {
		select {
		case <-h.quit:
			h.logger.Info("hub shutting down")
			return

		case client := <-h.register:
			h.addClient(client)

		case client := <-h.unregister:
			h.removeClient(client)

		case message := <-h.broadcast:
			h.fanOut(message)
		}
	}
}

func (h *Hub) addClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.totalConnections++
	h.mu.Unlock()

	ctx := h.clientContext(client)
	h.logger.InfoContext(ctx, "client registered",
		slog.Int("total_clients", count),
		slog.String("remote_addr", client.remoteAddr))
	if h.metrics != nil {
		h.metrics.WSClientsActive.Add(ctx, 1)
	}

	// Welcome frame so the dashboard can confirm the feed is live.
	welcome := events.NewEnvelope(events.TypeConnection, map[string]string{
		"status":    "connected",
		"client_id": client.id,
	})
	welcome.TraceID = client.traceID
	if data, err := json.Marshal(welcome); err == nil {
		select {
		case client.send <- data:
		default:
			h.logger.WarnContext(ctx, "welcome frame dropped, client buffer full")
		}
	}
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	close(client.send)
	count := len(h.clients)
	h.mu.Unlock()

	ctx := h.clientContext(client)
	h.logger.InfoContext(ctx, "client unregistered",
		slog.Int("total_clients", count),
		slog.Duration("connection_duration", time.Since(client.connectedAt)))
	if h.metrics != nil {
		h.metrics.WSClientsActive.Add(ctx, -1)
	}
}

func (h *Hub) fanOut(message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var dropped int
	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			// The client's buffer is full; it stopped reading. Cut it
			// loose instead of stalling the feed.
			dropped++
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			ctx := h.clientContext(client)
			h.logger.WarnContext(ctx, "client send buffer full, disconnecting")
			if h.metrics != nil {
				h.metrics.WSClientsActive.Add(ctx, -1)
			}
		}
	}

	h.mu.Lock()
	h.eventsSent++
	h.mu.Unlock()

	if h.metrics != nil {
		h.metrics.WSEventsBroadcast.Add(context.Background(), 1)
	}
	if dropped > 0 {
		h.logger.Warn("broadcast dropped slow clients",
			slog.Int("dropped", dropped),
			slog.Int("delivered", len(clients)-dropped))
	}
}

func (h *Hub) clientContext(client *Client) context.Context {
	ctx := context.Background()
	if client.traceID != "" {
		ctx = infrastructure.WithTraceID(ctx, client.traceID)
	}
	return ctx
}

// Publish queues an event for broadcast without blocking. Events beyond
// the buffer are dropped with a warning; the operator feed trades
// completeness for never touching request latency.
func (h *Hub) Publish(env events.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("event marshal failed",
			slog.String("event_type", env.Type),
			slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- data:
	default:
		h.mu.Lock()
		h.eventsDropped++
		h.mu.Unlock()
		h.logger.Warn("event dropped, broadcast buffer full",
			slog.String("event_type", env.Type))
	}
}

// Register hands a client to the fan-out loop.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats reports hub counters for health and debugging surfaces.
func (h *Hub) Stats() map[string]int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return map[string]int64{
		"active_clients":    int64(len(h.clients)),
		"total_connections": h.totalConnections,
		"events_sent":       h.eventsSent,
		"events_dropped":    h.eventsDropped,
	}
}

// Stop shuts the fan-out loop down and closes every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.quit)

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
