package service

import (
	"context"
	"testing"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchdogFlagsDevicePastCheckinDeadline(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	started := time.Now().Add(-12 * time.Minute)
	deadline := time.Now().Add(-2 * time.Minute)
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status":          models.OTAStatusUpdating,
		"target_version":      "v1.1.0",
		"update_started_at":   started,
		"expected_checkin_by": deadline,
	}))

	w := NewWatchdog(repo, nil, nil, testLogger(), 15*time.Minute)
	w.Tick(context.Background())

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.True(t, device.IsAtRisk)
	// Already flagged: the next tick must not re-flag
	w.Tick(context.Background())
}

func TestWatchdogFlagsStuckDeviceWithoutDeadline(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	started := time.Now().Add(-30 * time.Minute)
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status":        models.OTAStatusUpdating,
		"update_started_at": started,
	}))

	w := NewWatchdog(repo, nil, nil, testLogger(), 15*time.Minute)
	w.Tick(context.Background())

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.True(t, device.IsAtRisk)
}

func TestWatchdogLeavesHealthyDevicesAlone(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	future := time.Now().Add(8 * time.Minute)
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status":          models.OTAStatusUpdating,
		"update_started_at":   time.Now(),
		"expected_checkin_by": future,
	}))

	w := NewWatchdog(repo, nil, nil, testLogger(), 15*time.Minute)
	w.Tick(context.Background())

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.False(t, device.IsAtRisk)
}

func TestWatchdogClearsRecoveredDevice(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.1.0")

	started := time.Now().Add(-20 * time.Minute)
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status":        models.OTAStatusUpdated,
		"is_at_risk":        true,
		"update_started_at": started,
	}))
	// Recently seen, so the device derives online
	require.NoError(t, repo.TouchLastSeen(context.Background(), "AABBCCDDEEFF", time.Now()))

	w := NewWatchdog(repo, nil, nil, testLogger(), 15*time.Minute)
	w.Tick(context.Background())

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.False(t, device.IsAtRisk)
	assert.Nil(t, device.UpdateStartedAt)
	assert.Nil(t, device.ExpectedCheckinBy)
}

func TestWatchdogKeepsOfflineAtRiskDeviceFlagged(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status": models.OTAStatusFailed,
		"is_at_risk": true,
	}))
	// Last seen long ago: still offline, flag stays
	require.NoError(t, repo.TouchLastSeen(context.Background(), "AABBCCDDEEFF", time.Now().Add(-time.Hour)))

	w := NewWatchdog(repo, nil, nil, testLogger(), 15*time.Minute)
	w.Tick(context.Background())

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.True(t, device.IsAtRisk)
}
