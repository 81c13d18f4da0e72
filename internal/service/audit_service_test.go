package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditRecordPersistsEntry(t *testing.T) {
	repo := repository.NewMemoryRepository()
	recorder := NewAuditRecorder(repo, testLogger())

	recorder.Record(context.Background(), AuditEntry{
		Username:   "operator",
		Action:     "device.deploy",
		EntityType: "device",
		EntityID:   "AABBCCDDEEFF",
		EntityName: "bench-01",
		Details:    map[string]interface{}{"version": "v1.1.0"},
		IPAddress:  "10.0.0.5",
	})

	logs, err := recorder.List(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	entry := logs[0]
	assert.Equal(t, "operator", entry.Username)
	assert.Equal(t, "device.deploy", entry.Action)
	assert.Equal(t, models.AuditInfo, entry.Severity) // defaulted
	assert.JSONEq(t, `{"version":"v1.1.0"}`, entry.Details)
}

func TestAuditRedactsSensitiveDetailKeys(t *testing.T) {
	repo := repository.NewMemoryRepository()
	recorder := NewAuditRecorder(repo, testLogger())

	recorder.Record(context.Background(), AuditEntry{
		Username:   "operator",
		Action:     "webhook.create",
		EntityType: "webhook",
		Details: map[string]interface{}{
			"url":           "https://hooks.example.com/ota",
			"secret":        "hunter2",
			"Password":      "pass",
			"api_key":       "abc123",
			"api-key":       "def456",
			"authToken":     "tok",
			"Authorization": "Bearer xyz",
			"nested": map[string]interface{}{
				"webhookSecret": "deep",
				"kept":          "visible",
			},
		},
	})

	logs, err := recorder.List(context.Background(), repository.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	var details map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(logs[0].Details), &details))

	assert.Equal(t, "https://hooks.example.com/ota", details["url"])
	assert.Equal(t, "[REDACTED]", details["secret"])
	assert.Equal(t, "[REDACTED]", details["Password"])
	assert.Equal(t, "[REDACTED]", details["api_key"])
	assert.Equal(t, "[REDACTED]", details["api-key"])
	assert.Equal(t, "[REDACTED]", details["authToken"])
	assert.Equal(t, "[REDACTED]", details["Authorization"])

	nested, ok := details["nested"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "[REDACTED]", nested["webhookSecret"])
	assert.Equal(t, "visible", nested["kept"])
}

func TestAuditListFilters(t *testing.T) {
	repo := repository.NewMemoryRepository()
	recorder := NewAuditRecorder(repo, testLogger())

	recorder.Record(context.Background(), AuditEntry{
		Username: "operator", Action: "device.delete",
		EntityType: "device", Severity: models.AuditWarning,
	})
	recorder.Record(context.Background(), AuditEntry{
		Username: "operator", Action: "firmware.upload",
		EntityType: "firmware",
	})

	logs, err := recorder.List(context.Background(), repository.AuditFilter{EntityType: "device"})
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, "device.delete", logs[0].Action)

	logs, err = recorder.List(context.Background(), repository.AuditFilter{Severity: models.AuditWarning})
	require.NoError(t, err)
	require.Len(t, logs, 1)

	future := time.Now().Add(time.Hour)
	logs, err = recorder.List(context.Background(), repository.AuditFilter{From: &future})
	require.NoError(t, err)
	assert.Empty(t, logs)
}
