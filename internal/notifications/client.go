package notifications

import (
	"log/slog"
	"sync"
	"time"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Operators only send pings and acks.
	maxMessageSize = 4096

	sendBuffer = 256
)

// WSHub is what a Client reports back to when its connection ends.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one operator websocket connection.
type Client struct {
	Hub WSHub

	// The websocket connection.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	// Operator is the JWT subject that opened the connection.
	Operator string

	closeOnce sync.Once
	mu        sync.Mutex
}

// NewClient creates a new Client instance
func NewClient(hub WSHub, conn *websocket.Conn, operator string) *Client {
	return &Client{
		Hub:      hub,
		Conn:     conn,
		Operator: operator,
		Send:     make(chan []byte, sendBuffer),
	}
}

// ReadPump drains the connection until it fails, keeping the read deadline
// alive on pongs.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { _ = c.Conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				middleware.Logger.Warn("websocket read failed",
					slog.String("operator", c.Operator),
					slog.String("error", err.Error()),
				)
			}
			return
		}
	}
}

// WritePump pumps frames from the hub to the websocket connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.Conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues message without blocking. When the buffer is full the
// oldest queued frame is dropped to make room.
func (c *Client) TrySend(message []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.FanoutDrops.WithLabelValues(c.Hub.Name(), "closed").Inc()
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case c.Send <- message:
		return
	default:
	}

	select {
	case <-c.Send:
		observability.FanoutDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
	default:
	}
	select {
	case c.Send <- message:
	default:
		observability.FanoutDrops.WithLabelValues(c.Hub.Name(), "full").Inc()
	}
}

// close stops the write pump. Safe to call more than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.Send)
		c.mu.Unlock()
	})
}
