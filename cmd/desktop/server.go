package main

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/kimhsiao/millsync/backend/cmd/desktop/handlers"
	"github.com/kimhsiao/millsync/backend/internal/app"
	"github.com/kimhsiao/millsync/backend/internal/config"
	"github.com/kimhsiao/millsync/backend/internal/logging"
)

// newRouter mounts the REST API and the WebSocket endpoint.
func newRouter(a *app.App, hub *WSHub, cfg config.HTTP) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(cors.New(corsConfig(cfg.AllowOrigins)))

	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "millsync-desktop"})
	})

	api := r.Group("/api")
	handlers.NewSyncHandler(a).Register(api.Group("/sync"))
	handlers.NewRecordHandler(a.Records).Register(api.Group("/records"))

	r.GET("/ws", gin.WrapF(hub.HandleWebSocket(a.Coordinator.Status)))

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		AllowWebSockets:  true,
		CustomSchemas:    []string{"tauri://"},
		MaxAge:           12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	if len(origins) == 0 {
		cfg.AllowOrigins = []string{"http://localhost"}
	}
	return cfg
}

// requestLogger logs every request through the structured logger.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}
