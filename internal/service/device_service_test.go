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

func newDeviceFixture(t *testing.T) (repository.Repository, DeviceService) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	queue := NewUpdateQueue(repo, nil, testLogger(), 5, time.Minute)
	t.Cleanup(queue.Stop)

	return repo, NewDeviceService(repo, queue, nil, testLogger())
}

func TestRegisterNormalizesAndLogs(t *testing.T) {
	repo, svc := newDeviceFixture(t)

	device, err := svc.Register(context.Background(), RegisterDeviceInput{
		MACAddress:     "aa:bb:cc:dd:ee:ff",
		Name:           "bench-01",
		DeviceGroup:    "lab",
		CurrentVersion: "1.0.0",
	})
	require.NoError(t, err)

	assert.Equal(t, "AABBCCDDEEFF", device.MACAddress)
	assert.Equal(t, "v1.0.0", device.CurrentVersion)
	assert.Equal(t, models.OTAStatusIdle, device.OTAStatus)
	assert.Equal(t, 100, device.HealthScore)

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LogActionRegister, logs[0].Action)
}

func TestRegisterRejectsDuplicateMAC(t *testing.T) {
	_, svc := newDeviceFixture(t)

	_, err := svc.Register(context.Background(), RegisterDeviceInput{MACAddress: "AABBCCDDEEFF"})
	require.NoError(t, err)

	// Same device under a different representation
	_, err = svc.Register(context.Background(), RegisterDeviceInput{MACAddress: "aa:bb:cc:dd:ee:ff"})
	assert.ErrorIs(t, err, ErrDeviceExists)
}

func TestDeployReportsPerDeviceOutcomes(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	seedFirmware(t, repo, "v1.1.0")

	results, err := svc.Deploy(context.Background(), []string{"AABBCCDDEEFF", "112233445566", "garbage"}, "v1.1.0")
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "queued", results[0].Status)
	assert.Equal(t, "AABBCCDDEEFF", results[0].DeviceID)
	assert.Equal(t, "failed", results[1].Status)
	assert.Equal(t, "failed", results[2].Status)
	assert.Equal(t, "garbage", results[2].DeviceID)
}

func TestDeployDuplicateWithinWindow(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	seedFirmware(t, repo, "v1.1.0")

	results, err := svc.Deploy(context.Background(), []string{"AABBCCDDEEFF"}, "v1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "queued", results[0].Status)

	waitForStatus(t, repo, "AABBCCDDEEFF", models.OTAStatusPending)

	results, err = svc.Deploy(context.Background(), []string{"AABBCCDDEEFF"}, "v1.1.0")
	require.NoError(t, err)
	assert.Equal(t, "failed", results[0].Status)
	assert.Equal(t, "Same version was recently deployed to this device", results[0].Message)
}

func TestDeployRejectsUnknownFirmware(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	_, err := svc.Deploy(context.Background(), []string{"AABBCCDDEEFF"}, "v9.9.9")
	assert.ErrorIs(t, err, ErrFirmwareNotFound)
}

func TestResetReturnsDeviceToIdle(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"ota_status":        models.OTAStatusFailed,
		"target_version":    "v1.1.0",
		"is_at_risk":        true,
		"update_started_at": time.Now(),
	}))

	device, err := svc.Reset(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)

	assert.Equal(t, models.OTAStatusIdle, device.OTAStatus)
	assert.Empty(t, device.TargetVersion)
	assert.False(t, device.IsAtRisk)
	assert.Nil(t, device.UpdateStartedAt)
}

func TestRollbackRequiresPreviousVersion(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.1.0")

	_, err := svc.Rollback(context.Background(), "AABBCCDDEEFF")
	assert.ErrorIs(t, err, ErrNoPreviousVersion)

	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"previous_version": "v1.0.0",
	}))

	device, err := svc.Rollback(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, "v1.0.0", device.TargetVersion)
	assert.Equal(t, models.OTAStatusPending, device.OTAStatus)

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogActionRollback, logs[0].Action)
}

func TestDeleteLogsReason(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	require.NoError(t, svc.Delete(context.Background(), "AABBCCDDEEFF", "decommissioned"))

	_, err := svc.Get(context.Background(), "AABBCCDDEEFF")
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	// The delete reason outlives the device row
	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogActionDelete, logs[0].Action)
	assert.Equal(t, "decommissioned", logs[0].Message)

	assert.ErrorIs(t, svc.Delete(context.Background(), "AABBCCDDEEFF", "again"), ErrDeviceNotFound)
}

func TestStatsAggregatesFleet(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEE01", "v1.0.0")
	seedDevice(t, repo, "AABBCCDDEE02", "v1.0.0")
	seedDevice(t, repo, "AABBCCDDEE03", "v1.1.0")

	require.NoError(t, repo.TouchLastSeen(context.Background(), "AABBCCDDEE01", time.Now()))
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEE02", map[string]interface{}{
		"ota_status": models.OTAStatusFailed,
		"is_at_risk": true,
	}))

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.Online)
	assert.Equal(t, 2, stats.Offline)
	assert.Equal(t, 1, stats.AtRisk)
	assert.Equal(t, 2, stats.ByOTAStatus["idle"])
	assert.Equal(t, 1, stats.ByOTAStatus["failed"])
	assert.InDelta(t, 100.0, stats.AvgHealthScore, 0.01)
}

func TestListAtRisk(t *testing.T) {
	repo, svc := newDeviceFixture(t)
	seedDevice(t, repo, "AABBCCDDEE01", "v1.0.0")
	seedDevice(t, repo, "AABBCCDDEE02", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEE02", map[string]interface{}{
		"is_at_risk": true,
	}))

	atRisk, err := svc.ListAtRisk(context.Background())
	require.NoError(t, err)
	require.Len(t, atRisk, 1)
	assert.Equal(t, "AABBCCDDEE02", atRisk[0].MACAddress)
}
