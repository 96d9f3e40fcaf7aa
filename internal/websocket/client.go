package websocket

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Clients only send pongs and the occasional heartbeat.
	maxMessageSize = 512

	sendBuffer = 64
)

// ClientOptions configures the keepalive of one connection.
type ClientOptions struct {
	// WorkshopCode limits delivery to one workshop. Empty means all.
	WorkshopCode string
	TraceID      string
	PingPeriod   time.Duration
	PongWait     time.Duration
}

// Client is a middleman between the websocket connection and the hub
type Client struct {
	hub  *Hub
	conn Connection
	send chan []byte

	id          string
	workshop    string
	connectedAt time.Time
	pingPeriod  time.Duration
	pongWait    time.Duration

	logger *slog.Logger
}

// NewClient creates a client for conn. Zero ping/pong settings fall back
// to 54s/60s.
func NewClient(hub *Hub, conn Connection, logger *slog.Logger, opts ClientOptions) *Client {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingPeriod <= 0 || opts.PingPeriod >= opts.PongWait {
		opts.PingPeriod = (opts.PongWait * 9) / 10
	}

	id := uuid.New().String()
	attrs := []any{
		slog.String("component", "websocket.client"),
		slog.String("client_id", id),
	}
	if opts.TraceID != "" {
		attrs = append(attrs, slog.String("trace_id", opts.TraceID))
	}

	return &Client{
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		id:          id,
		workshop:    opts.WorkshopCode,
		connectedAt: time.Now(),
		pingPeriod:  opts.PingPeriod,
		pongWait:    opts.PongWait,
		logger:      logger.With(attrs...),
	}
}

// ID returns the client's connection id.
func (c *Client) ID() string { return c.id }

func (c *Client) wants(workshop string) bool {
	return c.workshop == "" || c.workshop == workshop
}

// Serve registers the client and runs both pumps until the peer goes
// away or the hub stops. The read pump runs on the calling goroutine.
func (c *Client) Serve(ctx context.Context) error {
	if err := c.hub.Register(ctx, c); err != nil {
		_ = c.conn.Close()
		return err
	}
	go c.WritePump()
	c.ReadPump()
	return nil
}

// ReadPump drains the connection so pong and close frames are processed.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("unexpected websocket close", slog.String("error", err.Error()))
			}
			return
		}
		// Inbound messages are heartbeats; the read itself keeps the
		// connection alive.
		_ = c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	}
}

// WritePump pumps messages from the hub to the websocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug("websocket write failed", slog.String("error", err.Error()))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("websocket ping failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}
