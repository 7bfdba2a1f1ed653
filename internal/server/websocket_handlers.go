package server

import (
	"log/slog"

	"lopeswhatsapp/internal/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
)

// WebSocketUpgrade rejects plain HTTP requests on the websocket route.
func (s *Server) WebSocketUpgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// WebsocketHandler streams every realtime event to the operator. Operators
// only send pings; everything else goes through the HTTP commands.
func (s *Server) WebsocketHandler() fiber.Handler {
	return websocket.New(func(conn *websocket.Conn) {
		operator, _ := conn.Locals("operator").(string)
		if operator == "" {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"unauthorized"}`))
			_ = conn.Close()
			return
		}

		client, err := s.hub.Register(operator, conn)
		if err != nil {
			middleware.Logger.Warn("websocket rejected",
				slog.String("operator", operator),
				slog.String("error", err.Error()),
			)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"`+err.Error()+`"}`))
			_ = conn.Close()
			return
		}

		middleware.Logger.Info("websocket connected", slog.String("operator", operator))
		go client.WritePump()
		client.ReadPump()
		middleware.Logger.Info("websocket disconnected", slog.String("operator", operator))
	})
}
