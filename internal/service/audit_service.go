package service

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/sirupsen/logrus"
)

// sensitiveKey matches detail keys whose values must never reach the
// audit trail.
var sensitiveKey = regexp.MustCompile(`(?i)secret|password|token|api[_-]?key|authorization`)

// AuditEntry describes one operator-initiated action
type AuditEntry struct {
	Username   string
	Action     string
	EntityType string
	EntityID   string
	EntityName string
	Details    map[string]interface{}
	IPAddress  string
	Severity   models.AuditSeverity
}

// AuditRecorder persists the operator audit trail. Recording is
// fire-and-forget: a failed write is logged and swallowed so it can
// never fail the operation being audited.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
	List(ctx context.Context, filter repository.AuditFilter) ([]*models.AuditLog, error)
}

type auditRecorder struct {
	repo   repository.Repository
	logger *logrus.Logger
}

// NewAuditRecorder creates an audit recorder
func NewAuditRecorder(repo repository.Repository, logger *logrus.Logger) AuditRecorder {
	return &auditRecorder{repo: repo, logger: logger}
}

func (a *auditRecorder) Record(ctx context.Context, entry AuditEntry) {
	if entry.Severity == "" {
		entry.Severity = models.AuditInfo
	}

	var details string
	if len(entry.Details) > 0 {
		data, err := json.Marshal(redact(entry.Details))
		if err != nil {
			a.logger.WithError(err).Warn("Failed to marshal audit details")
		} else {
			details = string(data)
		}
	}

	record := &models.AuditLog{
		Username:   entry.Username,
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   entry.EntityID,
		EntityName: entry.EntityName,
		Details:    details,
		IPAddress:  entry.IPAddress,
		Severity:   entry.Severity,
	}

	if err := a.repo.CreateAuditLog(ctx, record); err != nil {
		a.logger.WithError(err).WithFields(logrus.Fields{
			"action": entry.Action,
			"entity": entry.EntityType,
		}).Error("Failed to write audit entry")
	}
}

func (a *auditRecorder) List(ctx context.Context, filter repository.AuditFilter) ([]*models.AuditLog, error) {
	return a.repo.ListAuditLogs(ctx, filter)
}

// redact replaces sensitive values recursively, keeping the key so the
// trail still shows what was touched.
func redact(details map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(details))
	for k, v := range details {
		if sensitiveKey.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok {
			out[k] = redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}
