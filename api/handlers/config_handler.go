package handlers

import (
	"net/http"
	"strconv"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// ConfigHandler serves device configuration management endpoints
type ConfigHandler struct {
	configs service.ConfigService
	audit   service.AuditRecorder
	logger  *logrus.Logger
}

// NewConfigHandler creates the config management handler
func NewConfigHandler(configs service.ConfigService, audit service.AuditRecorder, logger *logrus.Logger) *ConfigHandler {
	return &ConfigHandler{configs: configs, audit: audit, logger: logger}
}

func (h *ConfigHandler) auditEntry(c *gin.Context, action, entityID, entityName string, details map[string]interface{}) {
	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     action,
		EntityType: "config",
		EntityID:   entityID,
		EntityName: entityName,
		Details:    details,
		IPAddress:  c.ClientIP(),
	})
}

func configID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid config id"})
		return 0, false
	}
	return uint(id), true
}

type configRequest struct {
	Name       string `json:"name" binding:"required"`
	ConfigData string `json:"configData" binding:"required"`
}

// Create handles POST /api/configs
func (h *ConfigHandler) Create(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.configs.Create(c.Request.Context(), req.Name, req.ConfigData)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "config.create", strconv.FormatUint(uint64(cfg.ID), 10), cfg.Name, nil)
	c.JSON(http.StatusCreated, cfg)
}

// List handles GET /api/configs
func (h *ConfigHandler) List(c *gin.Context) {
	configs, err := h.configs.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, configs)
}

// Get handles GET /api/configs/:id
func (h *ConfigHandler) Get(c *gin.Context) {
	id, ok := configID(c)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// Update handles PUT /api/configs/:id, bumping the config version
func (h *ConfigHandler) Update(c *gin.Context) {
	id, ok := configID(c)
	if !ok {
		return
	}

	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := h.configs.Update(c.Request.Context(), id, req.Name, req.ConfigData)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "config.update", c.Param("id"), cfg.Name, map[string]interface{}{
		"version": cfg.Version,
	})
	c.JSON(http.StatusOK, cfg)
}

// Delete handles DELETE /api/configs/:id
func (h *ConfigHandler) Delete(c *gin.Context) {
	id, ok := configID(c)
	if !ok {
		return
	}

	if err := h.configs.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "config.delete", c.Param("id"), "", nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

type pushConfigRequest struct {
	MACAddresses []string `json:"macAddresses" binding:"required,min=1"`
}

// Push handles POST /api/configs/:id/push
func (h *ConfigHandler) Push(c *gin.Context) {
	id, ok := configID(c)
	if !ok {
		return
	}

	var req pushConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := h.configs.Push(c.Request.Context(), id, req.MACAddresses)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "config.push", c.Param("id"), "", map[string]interface{}{
		"devices": len(req.MACAddresses),
	})
	c.JSON(http.StatusOK, gin.H{"results": results})
}
