// Package notifications delivers realtime events to operator websockets,
// relaying them through redis when several server instances run.
package notifications

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"lopeswhatsapp/internal/middleware"
	"lopeswhatsapp/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	maxConnsPerOperator = 12
	maxTotalConns       = 1000
)

var (
	ErrOperatorLimit = errors.New("operator connection limit reached")
	ErrServerLimit   = errors.New("server connection limit reached")
)

// Hub maps operators to their open websocket clients. Every client sees
// every conversation.
type Hub struct {
	mu         sync.RWMutex
	conns      map[string]map[*Client]struct{}
	totalConns int
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{conns: make(map[string]map[*Client]struct{})}
}

// Name returns a human-readable identifier for this hub.
func (h *Hub) Name() string { return "websocket" }

// Register a connection for operator. Returns the Client or an error if
// limits are exceeded.
func (h *Hub) Register(operator string, conn *websocket.Conn) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.totalConns >= maxTotalConns {
		return nil, ErrServerLimit
	}
	m, ok := h.conns[operator]
	if !ok {
		m = make(map[*Client]struct{})
		h.conns[operator] = m
	}
	if len(m) >= maxConnsPerOperator {
		return nil, ErrOperatorLimit
	}

	client := NewClient(h, conn, operator)
	m[client] = struct{}{}
	h.totalConns++
	observability.WebSocketConnectionsTotal.Inc()
	return client, nil
}

// UnregisterClient removes client and stops its write pump.
func (h *Hub) UnregisterClient(client *Client) {
	h.mu.Lock()
	removed := false
	if m, ok := h.conns[client.Operator]; ok {
		if _, exists := m[client]; exists {
			delete(m, client)
			h.totalConns--
			removed = true
		}
		if len(m) == 0 {
			delete(h.conns, client.Operator)
		}
	}
	h.mu.Unlock()

	if removed {
		observability.WebSocketConnectionsTotal.Dec()
		client.close()
	}
}

// BroadcastAll queues data on every connected client.
func (h *Hub) BroadcastAll(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, clients := range h.conns {
		for c := range clients {
			c.TrySend(data)
		}
	}
}

// Count returns the number of open connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalConns
}

// StartWiring relays frames published through n to this hub's clients.
func (h *Hub) StartWiring(ctx context.Context, n *Notifier) error {
	return n.StartSubscriber(ctx, func(payload string) {
		h.BroadcastAll([]byte(payload))
	})
}

// Shutdown closes every connection with a going-away frame.
func (h *Hub) Shutdown(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for operator, clients := range h.conns {
		for client := range clients {
			if client.Conn != nil {
				if err := client.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "Server shutting down")); err != nil {
					middleware.Logger.Warn("failed to write close message",
						slog.String("operator", operator),
						slog.String("error", err.Error()),
					)
				}
				_ = client.Conn.Close()
			}
			client.close()
			observability.WebSocketConnectionsTotal.Dec()
		}
	}
	h.conns = make(map[string]map[*Client]struct{})
	h.totalConns = 0
	return nil
}
