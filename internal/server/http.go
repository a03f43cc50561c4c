package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Version is reported on the root and health endpoints.
const Version = "2.0.0"

type bulkStatusRequest struct {
	UserIDs []string `json:"userIds"`
}

// RegisterRoutes mounts the HTTP surface. The socket accept path shares the
// root route with the welcome banner: an Upgrade request goes to the
// handshake, anything else gets plain text.
func RegisterRoutes(engine *gin.Engine, presence Presence, ws *WebSocketHandler) {
	engine.Use(corsMiddleware())

	engine.GET("/", func(c *gin.Context) {
		if websocket.IsWebSocketUpgrade(c.Request) {
			ws.Handle(c)
			return
		}
		c.String(http.StatusOK, "Welcome to VoicePing Router %s", Version)
	})

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": Version})
	})

	engine.POST("/api/presence/status", func(c *gin.Context) {
		var req bulkStatusRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.UserIDs == nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "userIds must be an array"})
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), storeOpTimeout)
		defer cancel()

		users, err := presence.BulkStatus(ctx, req.UserIDs)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "presence query failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"success":   true,
			"users":     users,
			"timestamp": time.Now().UnixMilli(),
		})
	})
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	}
}
