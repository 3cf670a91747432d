package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports liveness and the number of open relay sessions.
func HealthHandler(activeSessions func() int) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions := 0
		if activeSessions != nil {
			sessions = activeSessions()
		}
		c.JSON(http.StatusOK, gin.H{
			"status":        "ok",
			"timestamp":     time.Now().UTC().Format(time.RFC3339),
			"relaySessions": sessions,
		})
	}
}
