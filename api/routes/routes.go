package routes

import (
	"github.com/apsgrid/otaserver/api/handlers"
	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/config"
	"github.com/apsgrid/otaserver/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/newrelic/go-agent/v3/integrations/nrgin"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/sirupsen/logrus"
)

// Handlers bundles every route handler the server mounts
type Handlers struct {
	Health   *handlers.HealthHandler
	OTA      *handlers.OTAHandler
	Device   *handlers.DeviceHandler
	Firmware *handlers.FirmwareHandler
	Rollout  *handlers.RolloutHandler
	Webhook  *handlers.WebhookHandler
	Config   *handlers.ConfigHandler
	Command  *handlers.CommandHandler
	Audit    *handlers.AuditHandler
}

// Setup mounts all routes. Device-facing endpoints are open but
// rate-limited; operator endpoints sit behind basic auth.
func Setup(router *gin.Engine, h Handlers, hub *ws.Hub, cfg *config.Config, nrApp *newrelic.Application, logger *logrus.Logger) {
	router.Use(middleware.RequestLogger(logger))
	if nrApp != nil {
		router.Use(nrgin.Middleware(nrApp))
	}

	router.GET("/health", h.Health.Check)

	// Device-facing protocol
	checkLimiter := middleware.NewRateLimiter(cfg.Updates.CheckRateLimit)
	downloadLimiter := middleware.NewRateLimiter(cfg.Updates.DownloadRateLimit)

	ota := router.Group("/ota")
	{
		ota.GET("/check", middleware.PerQueryKey(checkLimiter, "deviceId"), h.OTA.Check)
		ota.GET("/update", middleware.Global(downloadLimiter), h.OTA.Update)
		ota.POST("/report", h.OTA.Report)
		ota.POST("/progress", h.OTA.Progress)
		ota.POST("/heartbeat", h.OTA.Heartbeat)
		ota.GET("/config", h.OTA.GetConfig)
		ota.POST("/config/ack", h.OTA.AckConfig)
		ota.GET("/commands", h.OTA.GetCommands)
		ota.POST("/commands/:id/ack", h.OTA.AckCommand)
	}

	router.GET("/firmware/:filename", h.OTA.Download)

	router.GET("/ws", middleware.BasicAuth(cfg.Auth), func(c *gin.Context) {
		ws.ServeWS(hub, c.Writer, c.Request)
	})

	// Operator API
	api := router.Group("/api", middleware.BasicAuth(cfg.Auth))
	{
		api.GET("/devices", h.Device.List)
		api.GET("/devices/stats", h.Device.Stats)
		api.GET("/devices/at-risk", h.Device.ListAtRisk)
		api.POST("/devices", h.Device.Register)
		api.GET("/devices/:mac", h.Device.Get)
		api.PUT("/devices/:mac", h.Device.Update)
		api.DELETE("/devices/:mac", h.Device.Delete)
		api.POST("/devices/:mac/reset", h.Device.Reset)
		api.POST("/devices/:mac/rollback", h.Device.Rollback)
		api.POST("/devices/:mac/clear-at-risk", h.Device.ClearAtRisk)
		api.GET("/devices/:mac/logs", h.Device.Logs)
		api.DELETE("/devices/:mac/logs", h.Device.ClearLogs)
		api.GET("/devices/:mac/heartbeats", h.Device.Heartbeats)
		api.POST("/devices/:mac/commands", h.Command.Send)

		api.POST("/deploy", h.Device.Deploy)
		api.GET("/queue/status", h.Device.QueueStatus)

		api.POST("/firmware", h.Firmware.Upload)
		api.GET("/firmware", h.Firmware.List)
		api.GET("/firmware/diff", h.Firmware.Diff)
		api.GET("/firmware/:version", h.Firmware.Get)
		api.DELETE("/firmware/:version", h.Firmware.Delete)

		api.POST("/rollouts", h.Rollout.Create)
		api.GET("/rollouts", h.Rollout.List)
		api.GET("/rollouts/:id", h.Rollout.Get)
		api.POST("/rollouts/:id/advance", h.Rollout.Advance)
		api.POST("/rollouts/:id/pause", h.Rollout.Pause)
		api.POST("/rollouts/:id/resume", h.Rollout.Resume)
		api.DELETE("/rollouts/:id", h.Rollout.Cancel)

		api.POST("/webhooks", h.Webhook.Create)
		api.GET("/webhooks", h.Webhook.List)
		api.PUT("/webhooks/:id", h.Webhook.Update)
		api.DELETE("/webhooks/:id", h.Webhook.Delete)
		api.POST("/webhooks/:id/test", h.Webhook.Test)

		api.POST("/configs", h.Config.Create)
		api.GET("/configs", h.Config.List)
		api.GET("/configs/:id", h.Config.Get)
		api.PUT("/configs/:id", h.Config.Update)
		api.DELETE("/configs/:id", h.Config.Delete)
		api.POST("/configs/:id/push", h.Config.Push)

		api.GET("/audit", h.Audit.List)
		api.GET("/audit/export", h.Audit.ExportCSV)
	}
}
