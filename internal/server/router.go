package server

import (
	"github.com/gin-gonic/gin"

	"github.com/shadowsift/shadowsift/internal/server/db"
	"github.com/shadowsift/shadowsift/internal/server/handler"
	"github.com/shadowsift/shadowsift/internal/sync"
)

// NewRouter creates and configures the Gin router with all routes.
func NewRouter(store *db.Store, orch *sync.Orchestrator, cfg *Config) *gin.Engine {
	r := gin.Default()

	if len(cfg.CORSOrigins) > 0 {
		r.Use(CORS(cfg.CORSOrigins))
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.String(200, "ok")
	})

	admin := AdminAuth(cfg.AdminToken)

	v1 := r.Group("/v1", admin)
	{
		// Sync jobs
		v1.POST("/sync", handler.HandleStartSync(orch, cfg.MasterKey))
		v1.GET("/sync/:id", handler.HandleGetSync(store, orch))
		v1.POST("/sync/:id/force-complete", handler.HandleForceComplete(orch))

		// Dashboard reads
		v1.GET("/organizations/:domain/applications", handler.HandleListApplications(store))
		v1.GET("/organizations/:domain/applications/:app_id/users", handler.HandleListApplicationUsers(store))
		v1.GET("/organizations/:domain/users", handler.HandleListUsers(store))

		// Triage
		v1.PUT("/applications/:id/management", handler.HandleSetManagementStatus(store))
	}

	return r
}
