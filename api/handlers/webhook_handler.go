package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/service"
	"github.com/apsgrid/otaserver/internal/webhook"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// WebhookHandler serves webhook management endpoints
type WebhookHandler struct {
	repo       repository.Repository
	dispatcher webhook.Dispatcher
	audit      service.AuditRecorder
	logger     *logrus.Logger
}

// NewWebhookHandler creates the webhook management handler
func NewWebhookHandler(repo repository.Repository, dispatcher webhook.Dispatcher, audit service.AuditRecorder, logger *logrus.Logger) *WebhookHandler {
	return &WebhookHandler{repo: repo, dispatcher: dispatcher, audit: audit, logger: logger}
}

func (h *WebhookHandler) auditEntry(c *gin.Context, action, entityID, entityName string, details map[string]interface{}) {
	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     action,
		EntityType: "webhook",
		EntityID:   entityID,
		EntityName: entityName,
		Details:    details,
		IPAddress:  c.ClientIP(),
	})
}

func webhookID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return 0, false
	}
	return uint(id), true
}

type webhookRequest struct {
	Name   string   `json:"name" binding:"required"`
	URL    string   `json:"url" binding:"required,url"`
	Secret string   `json:"secret"`
	Events []string `json:"events" binding:"required,min=1"`
	Active *bool    `json:"active"`
}

// Create handles POST /api/webhooks
func (h *WebhookHandler) Create(c *gin.Context) {
	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wh := &models.Webhook{
		Name:   req.Name,
		URL:    req.URL,
		Secret: req.Secret,
		Events: models.StringList(req.Events),
		Active: true,
	}
	if req.Active != nil {
		wh.Active = *req.Active
	}

	if err := h.repo.CreateWebhook(c.Request.Context(), wh); err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "webhook.create", strconv.FormatUint(uint64(wh.ID), 10), wh.Name, map[string]interface{}{
		"url":    wh.URL,
		"events": wh.Events,
		"secret": req.Secret, // redacted by the recorder
	})

	c.JSON(http.StatusCreated, wh)
}

// List handles GET /api/webhooks
func (h *WebhookHandler) List(c *gin.Context) {
	webhooks, err := h.repo.ListWebhooks(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, webhooks)
}

// Update handles PUT /api/webhooks/:id
func (h *WebhookHandler) Update(c *gin.Context) {
	id, ok := webhookID(c)
	if !ok {
		return
	}

	var req webhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wh, err := h.repo.FindWebhookByID(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		respondError(c, err)
		return
	}

	wh.Name = req.Name
	wh.URL = req.URL
	wh.Events = models.StringList(req.Events)
	if req.Secret != "" {
		wh.Secret = req.Secret
	}
	if req.Active != nil {
		wh.Active = *req.Active
	}

	if err := h.repo.UpdateWebhook(c.Request.Context(), wh); err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "webhook.update", c.Param("id"), wh.Name, nil)
	c.JSON(http.StatusOK, wh)
}

// Delete handles DELETE /api/webhooks/:id
func (h *WebhookHandler) Delete(c *gin.Context) {
	id, ok := webhookID(c)
	if !ok {
		return
	}

	if err := h.repo.DeleteWebhook(c.Request.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		respondError(c, err)
		return
	}

	h.auditEntry(c, "webhook.delete", c.Param("id"), "", nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// Test handles POST /api/webhooks/:id/test
func (h *WebhookHandler) Test(c *gin.Context) {
	id, ok := webhookID(c)
	if !ok {
		return
	}

	statusCode, err := h.dispatcher.Test(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": false, "statusCode": statusCode, "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "statusCode": statusCode})
}
