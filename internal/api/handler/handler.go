package handler

import (
	"time"

	"pairchat/backend/internal/chathub"
	"pairchat/backend/internal/logx"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Handler serves the HTTP surface of the relay.
type Handler struct {
	Hub *chathub.ManagerService

	jwtSecret []byte
	jwtTTL    time.Duration
	log       zerolog.Logger
}

func NewHandler(hub *chathub.ManagerService, jwtSecret string, jwtTTL time.Duration) *Handler {
	return &Handler{
		Hub:       hub,
		jwtSecret: []byte(jwtSecret),
		jwtTTL:    jwtTTL,
		log:       logx.Component("http"),
	}
}

// NewRouter wires the routes onto a gin engine.
func NewRouter(h *Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())

	r.GET("/anonid", h.GetAnonID)  // guest token
	r.GET("/ws", h.ServeWebSocket) // websocket upgrade
	r.GET("/health", h.Health)
	r.GET("/stats", h.Stats)
	return r
}

// requestLogger logs finished requests through zerolog instead of gin's default writer.
func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("took", time.Since(start)).
			Msg("request")
	}
}
