package handlers

import (
	"net/http"
	"time"

	"github.com/apsgrid/otaserver/internal/cache"
	"github.com/apsgrid/otaserver/internal/database"

	"github.com/gin-gonic/gin"
)

// HealthHandler serves the liveness endpoint with dependency probes
type HealthHandler struct {
	db      database.DB
	redis   cache.RedisClient
	version string
}

// NewHealthHandler creates the health handler
func NewHealthHandler(db database.DB, redis cache.RedisClient, version string) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, version: version}
}

// Check handles GET /health
func (h *HealthHandler) Check(c *gin.Context) {
	ctx := c.Request.Context()

	dbStatus := "ok"
	if gormDB, err := h.db.DB(); err != nil {
		dbStatus = "error"
	} else if sqlDB, err := gormDB.DB(); err != nil {
		dbStatus = "error"
	} else if err := sqlDB.PingContext(ctx); err != nil {
		dbStatus = "error"
	}

	redisStatus := "ok"
	if err := h.redis.Set(ctx, "health:ping", "1", time.Minute); err != nil {
		redisStatus = "error"
	}

	status := http.StatusOK
	overall := "ok"
	if dbStatus != "ok" {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}

	c.JSON(status, gin.H{
		"status":   overall,
		"version":  h.version,
		"database": dbStatus,
		"redis":    redisStatus,
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}
