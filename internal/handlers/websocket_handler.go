package handlers

import (
	"yldr-backend/internal/services"

	"github.com/gin-gonic/gin"
)

// WebSocketHandler exposes the realtime status push endpoint.
type WebSocketHandler struct {
	push *services.WebSocketPushService
}

func NewWebSocketHandler(push *services.WebSocketPushService) *WebSocketHandler {
	return &WebSocketHandler{push: push}
}

// StatusStream upgrades to a websocket and serves the subscribe-by-refId
// protocol.
// GET /api/ws
func (h *WebSocketHandler) StatusStream(c *gin.Context) {
	h.push.HandleWebSocket(c.Writer, c.Request)
}
