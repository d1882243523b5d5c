package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"render-realtime/internal/hub"
	"render-realtime/internal/middleware"
)

type PresenceHandler struct {
	Hub *hub.Hub
}

// Get reports the caller's live real-time connections.
func (h *PresenceHandler) Get(c *gin.Context) {
	userID, ok := middleware.UserIDFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return
	}
	n := h.Hub.UserConnCount(userID)
	c.JSON(http.StatusOK, gin.H{"userId": userID, "online": n > 0, "connections": n})
}
