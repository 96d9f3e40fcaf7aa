package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"wslicense/internal/license"
)

// Message types pushed to clients.
const (
	TypeConnection    = "connection"
	TypeLicenseStatus = "license:status"
)

// Message is the envelope of every frame sent to a client.
type Message struct {
	Type      string    `json:"type"`
	Data      any       `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

var errHubStopped = errors.New("websocket hub stopped")

type outbound struct {
	workshop string
	payload  []byte
}

// Hub fans license status changes out to connected clients. Each client
// only receives its own workshop unless it subscribed to all workshops.
type Hub struct {
	clients    map[*Client]struct{}
	broadcast  chan outbound
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex

	logger  *slog.Logger
	sent    metric.Int64Counter
	dropped metric.Int64Counter
	active  metric.Int64UpDownCounter
}

// NewHub creates a hub. meter may be nil.
func NewHub(logger *slog.Logger, meter metric.Meter) *Hub {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("websocket")
	}
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger.With(slog.String("component", "websocket.hub")),
	}
	// Instrument creation only fails on invalid names.
	h.sent, _ = meter.Int64Counter("websocket_messages_sent_total")
	h.dropped, _ = meter.Int64Counter("websocket_messages_dropped_total")
	h.active, _ = meter.Int64UpDownCounter("websocket_active_clients")
	return h
}

// Run is the hub's main loop. It returns when ctx is cancelled, after
// closing every client's send channel. Run must be called once.
func (h *Hub) Run(ctx context.Context) error {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for c := range h.clients {
			close(c.send)
			delete(h.clients, c)
		}
		h.mu.Unlock()
		h.logger.InfoContext(ctx, "hub stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			count := len(h.clients)
			h.mu.Unlock()
			h.active.Add(ctx, 1)

			h.logger.InfoContext(ctx, "client registered",
				slog.String("client_id", c.id),
				slog.String("workshop_code", c.workshop),
				slog.Int("total_clients", count))

			if msg, err := encode(TypeConnection, map[string]string{"status": "connected", "client_id": c.id}); err == nil {
				h.deliver(ctx, c, msg)
			}

		case c := <-h.unregister:
			h.remove(ctx, c, "closed")

		case out := <-h.broadcast:
			h.mu.RLock()
			targets := make([]*Client, 0, len(h.clients))
			for c := range h.clients {
				if c.wants(out.workshop) {
					targets = append(targets, c)
				}
			}
			h.mu.RUnlock()

			for _, c := range targets {
				h.deliver(ctx, c, out.payload)
			}
		}
	}
}

// deliver never blocks: a client whose buffer is full is disconnected.
func (h *Hub) deliver(ctx context.Context, c *Client, payload []byte) {
	select {
	case c.send <- payload:
		h.sent.Add(ctx, 1)
	default:
		h.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "slow_client")))
		h.remove(ctx, c, "send buffer full")
	}
}

func (h *Hub) remove(ctx context.Context, c *Client, reason string) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	count := len(h.clients)
	h.mu.Unlock()
	if !ok {
		return
	}

	h.active.Add(ctx, -1)
	h.logger.InfoContext(ctx, "client unregistered",
		slog.String("client_id", c.id),
		slog.String("reason", reason),
		slog.Duration("connection_duration", time.Since(c.connectedAt)),
		slog.Int("total_clients", count))
}

// Publish queues a status change for delivery. It is safe to pass as a
// license.Service subscriber: it never blocks, dropping the update when
// the hub is saturated.
func (h *Hub) Publish(s license.Status) {
	payload, err := encode(TypeLicenseStatus, s)
	if err != nil {
		h.logger.Error("failed to encode status", slog.String("error", err.Error()))
		return
	}

	select {
	case h.broadcast <- outbound{workshop: s.WorkshopCode, payload: payload}:
	default:
		h.dropped.Add(context.Background(), 1, metric.WithAttributes(attribute.String("reason", "hub_full")))
		h.logger.Warn("status update dropped, hub saturated",
			slog.String("workshop_code", s.WorkshopCode),
			slog.String("state", string(s.State)))
	}
}

// Register adds c to the hub. It fails once the hub has stopped.
func (h *Hub) Register(ctx context.Context, c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes c; it is a no-op after the hub stopped.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func encode(typ string, data any) ([]byte, error) {
	return json.Marshal(Message{Type: typ, Data: data, Timestamp: time.Now().UTC()})
}
