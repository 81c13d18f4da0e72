package handlers

import (
	"net/http"
	"strconv"

	"github.com/apsgrid/otaserver/api/middleware"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// CommandHandler serves operator command dispatch endpoints
type CommandHandler struct {
	commands service.CommandService
	audit    service.AuditRecorder
	logger   *logrus.Logger
}

// NewCommandHandler creates the command dispatch handler
func NewCommandHandler(commands service.CommandService, audit service.AuditRecorder, logger *logrus.Logger) *CommandHandler {
	return &CommandHandler{commands: commands, audit: audit, logger: logger}
}

type sendCommandRequest struct {
	Command string `json:"command" binding:"required"`
	Payload string `json:"payload"`
}

// Send handles POST /api/devices/:mac/commands
func (h *CommandHandler) Send(c *gin.Context) {
	var req sendCommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd, err := h.commands.Enqueue(c.Request.Context(), c.Param("mac"), req.Command, req.Payload)
	if err != nil {
		respondError(c, err)
		return
	}

	h.audit.Record(c.Request.Context(), service.AuditEntry{
		Username:   middleware.Operator(c),
		Action:     "command.send",
		EntityType: "command",
		EntityID:   strconv.FormatUint(uint64(cmd.ID), 10),
		EntityName: cmd.Command,
		Details:    map[string]interface{}{"mac": cmd.MACAddress},
		IPAddress:  c.ClientIP(),
	})

	c.JSON(http.StatusCreated, cmd)
}
