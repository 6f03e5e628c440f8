package handler

import (
	"errors"
	"net/http"

	"pairchat/backend/internal/chathub"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Clients are anonymous browsers on arbitrary origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ServeWebSocket upgrades the request and hands the connection to the hub.
// A valid guest token identifies the connection right away; without one the client
// must send user:join.
func (h *Handler) ServeWebSocket(c *gin.Context) {
	var userID string
	token, err := tokenFromRequest(c.Request)
	switch {
	case errors.Is(err, errNoToken):
	case err != nil:
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	default:
		userID, err = h.validateAndGetAnonID(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid token or expired"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := chathub.NewWebSocketClient(h.Hub, conn, userID)
	if !h.Hub.Register(client) {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
		conn.Close()
		return
	}
	client.Run()
}
