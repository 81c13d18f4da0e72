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

func intPtr(v int) *int { return &v }

func seedFirmware(t *testing.T, repo repository.Repository, version string) {
	t.Helper()
	require.NoError(t, repo.CreateFirmware(context.Background(), &models.Firmware{
		Version:  version,
		Filename: "default_" + version + ".ino.bin",
		Size:     1024,
		Checksum: "deadbeef",
	}))
}

func TestCheckHandsOutPendingUpdate(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	seedFirmware(t, repo, "v1.1.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"target_version": "v1.1.0",
		"ota_status":     models.OTAStatusPending,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	before := time.Now()
	result, err := svc.Check(context.Background(), "aa:bb:cc:dd:ee:ff", "v1.0.0")
	require.NoError(t, err)

	assert.True(t, result.UpdateAvailable)
	assert.Equal(t, "v1.0.0", result.CurrentVersion)
	assert.Equal(t, "v1.1.0", result.TargetVersion)
	require.NotNil(t, result.Firmware)
	assert.Equal(t, "default_v1.1.0.ino.bin", result.Firmware.Filename)

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusUpdating, device.OTAStatus)
	assert.Equal(t, 1, device.UpdateAttempts)
	require.NotNil(t, device.UpdateStartedAt)
	require.NotNil(t, device.ExpectedCheckinBy)
	assert.WithinDuration(t, before.Add(10*time.Minute), *device.ExpectedCheckinBy, 2*time.Second)
	require.NotNil(t, device.LastSeen)
}

func TestCheckWithoutTargetReportsNothingPending(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	result, err := svc.Check(context.Background(), "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, result.UpdateAvailable)

	// A second poll is idempotent
	result, err = svc.Check(context.Background(), "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, result.UpdateAvailable)

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusIdle, device.OTAStatus)
}

func TestCheckCompletesUpdateWhenDeviceReportsTargetVersion(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"target_version": "v1.1.0",
		"ota_status":     models.OTAStatusUpdating,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	// Device rebooted onto the target and polls with the new version
	result, err := svc.Check(context.Background(), "AABBCCDDEEFF", "v1.1.0")
	require.NoError(t, err)
	assert.False(t, result.UpdateAvailable)

	device, err := repo.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusUpdated, device.OTAStatus)
	assert.Equal(t, "v1.1.0", device.CurrentVersion)
	assert.Nil(t, device.UpdateStartedAt)
	assert.Nil(t, device.ExpectedCheckinBy)
}

func TestCheckReportsMissingTargetFirmware(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"target_version": "v9.9.9",
		"ota_status":     models.OTAStatusPending,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	result, err := svc.Check(context.Background(), "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, err)
	assert.False(t, result.UpdateAvailable)
	assert.Equal(t, "target firmware not found", result.Error)
}

func TestReportSuccessAdvancesVersions(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"target_version": "v1.1.0",
		"ota_status":     models.OTAStatusUpdating,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	device, err := svc.Report(context.Background(), "AABBCCDDEEFF", "success", "", "")
	require.NoError(t, err)

	assert.Equal(t, "v1.1.0", device.CurrentVersion)
	assert.Equal(t, "v1.0.0", device.PreviousVersion)
	assert.Equal(t, models.OTAStatusUpdated, device.OTAStatus)
	assert.False(t, device.IsAtRisk)
	assert.Nil(t, device.UpdateStartedAt)
	assert.Nil(t, device.ExpectedCheckinBy)

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogActionReport, logs[0].Action)
	assert.Equal(t, models.LogStatusSuccess, logs[0].Status)
}

func TestReportFailureCountsConsecutiveFailures(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"target_version": "v1.1.0",
		"ota_status":     models.OTAStatusUpdating,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	device, err := svc.Report(context.Background(), "AABBCCDDEEFF", "failed", "", "flash verify error")
	require.NoError(t, err)

	assert.Equal(t, models.OTAStatusFailed, device.OTAStatus)
	assert.Equal(t, 1, device.ConsecutiveFailures)
	assert.Equal(t, "v1.0.0", device.CurrentVersion)

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, "flash verify error", logs[0].Message)
}

func TestReportRejectsUnknownStatus(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	_, err := svc.Report(context.Background(), "AABBCCDDEEFF", "exploded", "", "")
	assert.ErrorIs(t, err, ErrInvalidReport)
}

func TestHeartbeatUpdatesHealthAndClearsFailures(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), "AABBCCDDEEFF", map[string]interface{}{
		"consecutive_failures": 3,
	}))

	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	device, err := svc.Heartbeat(context.Background(), "AABBCCDDEEFF", HeartbeatInput{
		SignalStrength: intPtr(-75),
		FreeHeap:       intPtr(25_000),
		Uptime:         intPtr(3600),
	})
	require.NoError(t, err)

	assert.Equal(t, 75, device.HealthScore) // -15 for rssi, -10 for heap
	assert.Equal(t, 0, device.ConsecutiveFailures)
	assert.Equal(t, models.DeviceOnline, device.Status)
	require.NotNil(t, device.LastHeartbeat)

	beats, err := repo.ListHeartbeats(context.Background(), "AABBCCDDEEFF", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, beats, 1)
	assert.Equal(t, -75, *beats[0].SignalStrength)
}

func TestHeartbeatSelfRegistersUnknownDevice(t *testing.T) {
	repo := repository.NewMemoryRepository()
	svc := NewOTAService(repo, nil, nil, testLogger(), 10*time.Minute)

	device, err := svc.Heartbeat(context.Background(), "aa:bb:cc:dd:ee:ff", HeartbeatInput{})
	require.NoError(t, err)

	assert.Equal(t, "AABBCCDDEEFF", device.MACAddress)
	assert.Equal(t, models.OTAStatusIdle, device.OTAStatus)
	assert.Equal(t, models.DeviceOnline, device.Status) // just seen

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogActionRegister, logs[len(logs)-1].Action)
}

func TestComputeHealthScore(t *testing.T) {
	tests := []struct {
		name     string
		rssi     *int
		freeHeap *int
		want     int
	}{
		{"no metrics", nil, nil, 100},
		{"strong signal, plenty of heap", intPtr(-50), intPtr(50_000), 100},
		{"weak signal", intPtr(-65), nil, 95},
		{"weaker signal", intPtr(-75), nil, 85},
		{"very weak signal", intPtr(-85), nil, 70},
		{"low heap", intPtr(-50), intPtr(25_000), 90},
		{"lower heap", intPtr(-50), intPtr(15_000), 80},
		{"critical heap", intPtr(-50), intPtr(5_000), 60},
		{"worst case", intPtr(-90), intPtr(1_000), 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ComputeHealthScore(tt.rssi, tt.freeHeap))
		})
	}
}
