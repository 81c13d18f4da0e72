package handlers

import (
	"net/http"
	"strconv"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RolloutHandler serves staged rollout management endpoints
type RolloutHandler struct {
	rollouts service.RolloutService
	audit    service.AuditRecorder
	logger   *logrus.Logger
}

// NewRolloutHandler creates the rollout handler
func NewRolloutHandler(rollouts service.RolloutService, audit service.AuditRecorder, logger *logrus.Logger) *RolloutHandler {
	return &RolloutHandler{rollouts: rollouts, audit: audit, logger: logger}
}

func (h *RolloutHandler) auditEntry(c *gin.Context, action, entityID string, details map[string]interface{}) {
	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     action,
		EntityType: "rollout",
		EntityID:   entityID,
		Details:    details,
		IPAddress:  c.ClientIP(),
	})
}

func rolloutID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid rollout id"})
		return 0, false
	}
	return uint(id), true
}

type createRolloutRequest struct {
	Version          string `json:"version" binding:"required"`
	StagePercentages []int  `json:"stagePercentages"`
	AutoExpand       bool   `json:"autoExpand"`
	ExpandAfterMin   int    `json:"expandAfterMinutes"`
	FailureThreshold int    `json:"failureThreshold"`
}

// Create handles POST /api/rollouts
func (h *RolloutHandler) Create(c *gin.Context) {
	var req createRolloutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rollout, err := h.rollouts.Create(c.Request.Context(), service.CreateRolloutInput{
		Version:          req.Version,
		StagePercentages: req.StagePercentages,
		AutoExpand:       req.AutoExpand,
		ExpandAfterMin:   req.ExpandAfterMin,
		FailureThreshold: req.FailureThreshold,
	})
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "rollout.create", strconv.FormatUint(uint64(rollout.ID), 10), map[string]interface{}{
		"version": rollout.Version,
		"stages":  rollout.StagePercentages,
	})

	c.JSON(http.StatusCreated, rollout)
}

// List handles GET /api/rollouts
func (h *RolloutHandler) List(c *gin.Context) {
	rollouts, err := h.rollouts.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rollouts)
}

// Get handles GET /api/rollouts/:id
func (h *RolloutHandler) Get(c *gin.Context) {
	id, ok := rolloutID(c)
	if !ok {
		return
	}

	rollout, err := h.rollouts.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rollout)
}

// Advance handles POST /api/rollouts/:id/advance
func (h *RolloutHandler) Advance(c *gin.Context) {
	id, ok := rolloutID(c)
	if !ok {
		return
	}

	rollout, err := h.rollouts.Advance(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "rollout.advance", c.Param("id"), map[string]interface{}{
		"stage": rollout.CurrentStage,
	})
	c.JSON(http.StatusOK, rollout)
}

// Pause handles POST /api/rollouts/:id/pause
func (h *RolloutHandler) Pause(c *gin.Context) {
	id, ok := rolloutID(c)
	if !ok {
		return
	}

	rollout, err := h.rollouts.Pause(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "rollout.pause", c.Param("id"), nil)
	c.JSON(http.StatusOK, rollout)
}

// Resume handles POST /api/rollouts/:id/resume
func (h *RolloutHandler) Resume(c *gin.Context) {
	id, ok := rolloutID(c)
	if !ok {
		return
	}

	rollout, err := h.rollouts.Resume(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "rollout.resume", c.Param("id"), nil)
	c.JSON(http.StatusOK, rollout)
}

// Cancel handles DELETE /api/rollouts/:id
func (h *RolloutHandler) Cancel(c *gin.Context) {
	id, ok := rolloutID(c)
	if !ok {
		return
	}

	if err := h.rollouts.Cancel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}

	h.auditEntry(c, "rollout.cancel", c.Param("id"), nil)
	c.JSON(http.StatusOK, gin.H{"success": true})
}
