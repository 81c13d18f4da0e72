package handlers

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AuditHandler serves audit trail queries and export
type AuditHandler struct {
	audit  service.AuditRecorder
	logger *logrus.Logger
}

// NewAuditHandler creates the audit trail handler
func NewAuditHandler(audit service.AuditRecorder, logger *logrus.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

func auditFilter(c *gin.Context) repository.AuditFilter {
	filter := repository.AuditFilter{
		EntityType: c.Query("entityType"),
		Severity:   models.AuditSeverity(c.Query("severity")),
		Limit:      200,
	}

	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			filter.Limit = parsed
		}
	}
	if raw := c.Query("from"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.From = &t
		}
	}
	if raw := c.Query("to"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filter.To = &t
		}
	}

	return filter
}

// List handles GET /api/audit
func (h *AuditHandler) List(c *gin.Context) {
	entries, err := h.audit.List(c.Request.Context(), auditFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// ExportCSV handles GET /api/audit/export
func (h *AuditHandler) ExportCSV(c *gin.Context) {
	entries, err := h.audit.List(c.Request.Context(), auditFilter(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", `attachment; filename="audit-log.csv"`)

	w := csv.NewWriter(c.Writer)
	defer w.Flush()

	header := []string{"timestamp", "username", "action", "entityType", "entityId", "entityName", "severity", "ipAddress", "details"}
	if err := w.Write(header); err != nil {
		h.logger.WithError(err).Warn("CSV export interrupted")
		return
	}

	for _, e := range entries {
		row := []string{
			e.CreatedAt.UTC().Format(time.RFC3339),
			e.Username,
			e.Action,
			e.EntityType,
			e.EntityID,
			e.EntityName,
			string(e.Severity),
			e.IPAddress,
			e.Details,
		}
		if err := w.Write(row); err != nil {
			h.logger.WithError(err).Warn("CSV export interrupted")
			return
		}
	}
}
