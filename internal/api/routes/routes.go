package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/yoockh/demoforge/internal/api/handlers"
	"github.com/yoockh/demoforge/internal/api/middleware"
)

type Deps struct {
	Session *handlers.SessionHandler
	WS      *handlers.WSHandler
	// Auth guards every route except /ping; nil leaves them open (tests only).
	Auth gin.HandlerFunc
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/ping", func(c *gin.Context) {
		c.JSON(200, gin.H{"message": "pong"})
	})

	auth := r.Group("/")
	if d.Auth != nil {
		auth.Use(d.Auth)
	}

	auth.POST("/sessions", d.Session.GetOrCreate)
	auth.GET("/demos/:demo_id/session", d.Session.GetActive)
	auth.POST("/sessions/:conversation_id/end", d.Session.End)

	admin := auth.Group("/admin")
	admin.Use(middleware.RequireAdmin())
	admin.GET("/sessions/active", d.Session.ListActive)

	// WebSocket
	auth.GET("/ws/demos/:demo_id/session", d.WS.SessionReady)
}
