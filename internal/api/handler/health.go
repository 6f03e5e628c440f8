package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (h *Handler) Health(c *gin.Context) {
	select {
	case <-h.Hub.Done():
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "stopping"})
	default:
		c.JSON(http.StatusOK, gin.H{"status": "ok", "instance": h.Hub.InstanceID})
	}
}

// Stats reports the hub's live counters.
func (h *Handler) Stats(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	st, err := h.Hub.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}
