package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/cache"
	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const devicesCacheKey = "devices:list"
const devicesCacheTTL = 10 * time.Second

// DeviceHandler serves operator device management endpoints
type DeviceHandler struct {
	devices service.DeviceService
	queue   service.UpdateQueue
	audit   service.AuditRecorder
	cache   cache.RedisClient
	logger  *logrus.Logger
}

// NewDeviceHandler creates the device management handler
func NewDeviceHandler(devices service.DeviceService, queue service.UpdateQueue, audit service.AuditRecorder, cacheClient cache.RedisClient, logger *logrus.Logger) *DeviceHandler {
	return &DeviceHandler{
		devices: devices,
		queue:   queue,
		audit:   audit,
		cache:   cacheClient,
		logger:  logger,
	}
}

func (h *DeviceHandler) auditEntry(c *gin.Context, action, entityID, entityName string, details map[string]interface{}) {
	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     action,
		EntityType: "device",
		EntityID:   entityID,
		EntityName: entityName,
		Details:    details,
		IPAddress:  c.ClientIP(),
	})
}

// List handles GET /api/devices. The fleet snapshot is cached briefly
// to keep dashboard polling off the database.
func (h *DeviceHandler) List(c *gin.Context) {
	if cached, err := h.cache.Get(c.Request.Context(), devicesCacheKey); err == nil && cached != "" {
		var devices []*models.Device
		if json.Unmarshal([]byte(cached), &devices) == nil {
			now := time.Now()
			for _, d := range devices {
				d.DeriveStatus(now)
			}
			c.JSON(http.StatusOK, devices)
			return
		}
	}

	devices, err := h.devices.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	if data, err := json.Marshal(devices); err == nil {
		if err := h.cache.Set(c.Request.Context(), devicesCacheKey, string(data), devicesCacheTTL); err != nil {
			h.logger.WithError(err).Debug("Failed to cache device list")
		}
	}

	c.JSON(http.StatusOK, devices)
}

// Get handles GET /api/devices/:mac
func (h *DeviceHandler) Get(c *gin.Context) {
	device, err := h.devices.Get(c.Request.Context(), c.Param("mac"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, device)
}

// Stats handles GET /api/devices/stats
func (h *DeviceHandler) Stats(c *gin.Context) {
	stats, err := h.devices.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ListAtRisk handles GET /api/devices/at-risk
func (h *DeviceHandler) ListAtRisk(c *gin.Context) {
	devices, err := h.devices.ListAtRisk(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

type registerDeviceRequest struct {
	MAC            string `json:"mac" binding:"required"`
	Name           string `json:"name" binding:"required"`
	Group          string `json:"group"`
	Location       string `json:"location"`
	CurrentVersion string `json:"currentVersion"`
}

// Register handles POST /api/devices
func (h *DeviceHandler) Register(c *gin.Context) {
	var req registerDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, err := h.devices.Register(c.Request.Context(), service.RegisterDeviceInput{
		MACAddress:     req.MAC,
		Name:           req.Name,
		DeviceGroup:    req.Group,
		Location:       req.Location,
		CurrentVersion: req.CurrentVersion,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.create", device.MACAddress, device.Name, map[string]interface{}{
		"group": req.Group,
	})

	c.JSON(http.StatusCreated, device)
}

type updateDeviceRequest struct {
	Name     *string `json:"name"`
	Group    *string `json:"group"`
	Location *string `json:"location"`
}

// Update handles PUT /api/devices/:mac
func (h *DeviceHandler) Update(c *gin.Context) {
	var req updateDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	device, err := h.devices.Update(c.Request.Context(), c.Param("mac"), service.UpdateDeviceInput{
		Name:        req.Name,
		DeviceGroup: req.Group,
		Location:    req.Location,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.update", device.MACAddress, device.Name, nil)

	c.JSON(http.StatusOK, device)
}

type deleteDeviceRequest struct {
	Reason string `json:"reason" binding:"required,max=500"`
}

// Delete handles DELETE /api/devices/:mac. A reason is mandatory and
// lands in both the device log and the audit trail.
func (h *DeviceHandler) Delete(c *gin.Context) {
	var req deleteDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "reason is required (max 500 chars)"})
		return
	}

	mac := c.Param("mac")
	if err := h.devices.Delete(c.Request.Context(), mac, req.Reason); err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.delete", mac, "", map[string]interface{}{
		"reason": req.Reason,
	})

	c.JSON(http.StatusOK, gin.H{"success": true})
}

type deployRequest struct {
	DeviceIDs []string `json:"deviceIds" binding:"required,min=1"`
	Version   string   `json:"version" binding:"required"`
}

// Deploy handles POST /api/deploy
func (h *DeviceHandler) Deploy(c *gin.Context) {
	var req deployRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.devices.Deploy(c.Request.Context(), req.DeviceIDs, req.Version)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "device.deploy", "", "", map[string]interface{}{
		"version": req.Version,
		"devices": len(req.DeviceIDs),
	})

	c.JSON(http.StatusOK, gin.H{"results": results})
}

// Reset handles POST /api/devices/:mac/reset
func (h *DeviceHandler) Reset(c *gin.Context) {
	device, err := h.devices.Reset(c.Request.Context(), c.Param("mac"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.reset", device.MACAddress, device.Name, nil)

	c.JSON(http.StatusOK, device)
}

// Rollback handles POST /api/devices/:mac/rollback
func (h *DeviceHandler) Rollback(c *gin.Context) {
	device, err := h.devices.Rollback(c.Request.Context(), c.Param("mac"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.rollback", device.MACAddress, device.Name, map[string]interface{}{
		"targetVersion": device.TargetVersion,
	})

	c.JSON(http.StatusOK, device)
}

// ClearAtRisk handles POST /api/devices/:mac/clear-at-risk
func (h *DeviceHandler) ClearAtRisk(c *gin.Context) {
	device, err := h.devices.ClearAtRisk(c.Request.Context(), c.Param("mac"))
	if err != nil {
		respondError(c, err)
		return
	}

	h.invalidateCache(c)
	h.auditEntry(c, "device.clear_at_risk", device.MACAddress, device.Name, nil)

	c.JSON(http.StatusOK, device)
}

// Logs handles GET /api/devices/:mac/logs
func (h *DeviceHandler) Logs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	logs, err := h.devices.Logs(c.Request.Context(), c.Param("mac"), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	if action := c.Query("action"); action != "" {
		filtered := logs[:0]
		for _, entry := range logs {
			if string(entry.Action) == action {
				filtered = append(filtered, entry)
			}
		}
		logs = filtered
	}

	c.JSON(http.StatusOK, logs)
}

// ClearLogs handles DELETE /api/devices/:mac/logs
func (h *DeviceHandler) ClearLogs(c *gin.Context) {
	mac := c.Param("mac")
	if err := h.devices.ClearLogs(c.Request.Context(), mac); err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "device.clear_logs", mac, "", nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Heartbeats handles GET /api/devices/:mac/heartbeats
func (h *DeviceHandler) Heartbeats(c *gin.Context) {
	hours := 24
	if raw := c.Query("hours"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			hours = parsed
		}
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	beats, err := h.devices.Heartbeats(c.Request.Context(), c.Param("mac"), since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, beats)
}

// QueueStatus handles GET /api/queue/status
func (h *DeviceHandler) QueueStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.queue.Status())
}

func (h *DeviceHandler) invalidateCache(c *gin.Context) {
	if err := h.cache.Delete(c.Request.Context(), devicesCacheKey); err != nil {
		h.logger.WithError(err).Debug("Failed to invalidate device cache")
	}
}
