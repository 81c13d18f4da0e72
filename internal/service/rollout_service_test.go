package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStageCut(t *testing.T) {
	tests := []struct {
		total, percent, want int
	}{
		{20, 5, 1},
		{20, 25, 5},
		{20, 50, 10},
		{20, 100, 20},
		{3, 5, 1},   // rounds up, never zero
		{10, 33, 4}, // ceil(3.3)
		{1, 100, 1},
		{5, 100, 5},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, stageCut(tt.total, tt.percent),
			"stageCut(%d, %d)", tt.total, tt.percent)
	}
}

func seedFleet(t *testing.T, repo repository.Repository, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		mac := fmt.Sprintf("AABBCCDDEE%02X", i)
		seedDevice(t, repo, mac, "v1.0.0")
	}
}

// countTargeted reports how many devices have been handed the version
func countTargeted(t *testing.T, repo repository.Repository, version string) int {
	t.Helper()
	devices, err := repo.ListDevices(context.Background())
	require.NoError(t, err)

	count := 0
	for _, d := range devices {
		if d.TargetVersion == version {
			count++
		}
	}
	return count
}

func waitTargeted(t *testing.T, repo repository.Repository, version string, want int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return countTargeted(t, repo, version) == want
	}, 2*time.Second, 10*time.Millisecond)
}

func newRolloutFixture(t *testing.T, devices int) (repository.Repository, RolloutService, UpdateQueue) {
	t.Helper()

	repo := repository.NewMemoryRepository()
	seedFleet(t, repo, devices)
	seedFirmware(t, repo, "v2.0.0")

	queue := NewUpdateQueue(repo, nil, testLogger(), 5, time.Minute)
	t.Cleanup(queue.Stop)

	svc := NewRolloutService(repo, queue, nil, testLogger())
	return repo, svc, queue
}

func TestRolloutStagesCoverFleetProgressively(t *testing.T) {
	repo, svc, _ := newRolloutFixture(t, 20)

	rollout, err := svc.Create(context.Background(), CreateRolloutInput{
		Version:          "2.0.0",
		StagePercentages: []int{5, 25, 50, 100},
	})
	require.NoError(t, err)
	assert.Equal(t, models.RolloutActive, rollout.Status)
	assert.Equal(t, 1, rollout.CurrentStage)
	assert.Equal(t, 20, rollout.TotalDevices)

	waitTargeted(t, repo, "v2.0.0", 1)

	rollout, err = svc.Advance(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rollout.CurrentStage)
	waitTargeted(t, repo, "v2.0.0", 5)

	rollout, err = svc.Advance(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, rollout.CurrentStage)
	waitTargeted(t, repo, "v2.0.0", 10)

	rollout, err = svc.Advance(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, rollout.CurrentStage)
	assert.Equal(t, models.RolloutCompleting, rollout.Status)
	waitTargeted(t, repo, "v2.0.0", 20)

	_, err = svc.Advance(context.Background(), rollout.ID)
	assert.ErrorIs(t, err, ErrRolloutNotActive)
}

func TestRolloutCreateUsesDefaultStages(t *testing.T) {
	_, svc, _ := newRolloutFixture(t, 20)

	rollout, err := svc.Create(context.Background(), CreateRolloutInput{Version: "v2.0.0"})
	require.NoError(t, err)
	assert.Equal(t, models.IntList(DefaultStagePercentages), rollout.StagePercentages)
}

func TestRolloutCreateRejectsUnknownFirmware(t *testing.T) {
	_, svc, _ := newRolloutFixture(t, 5)

	_, err := svc.Create(context.Background(), CreateRolloutInput{Version: "v9.9.9"})
	assert.ErrorIs(t, err, ErrFirmwareNotFound)
}

func TestRolloutCreateRejectsMalformedStageLadder(t *testing.T) {
	_, svc, _ := newRolloutFixture(t, 20)

	tests := []struct {
		name   string
		stages []int
	}{
		{"decreasing", []int{50, 25, 10}},
		{"ends below full coverage", []int{5, 25, 50}},
		{"zero percent stage", []int{0, 100}},
		{"over one hundred", []int{5, 101}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(context.Background(), CreateRolloutInput{
				Version:          "v2.0.0",
				StagePercentages: tt.stages,
			})
			assert.ErrorIs(t, err, ErrInvalidStages)
		})
	}

	// A repeated percentage holds the covered set steady, which is fine
	_, err := svc.Create(context.Background(), CreateRolloutInput{
		Version:          "v2.0.0",
		StagePercentages: []int{25, 25, 100},
	})
	assert.NoError(t, err)
}

func TestRolloutPauseResumeCancel(t *testing.T) {
	_, svc, _ := newRolloutFixture(t, 5)

	rollout, err := svc.Create(context.Background(), CreateRolloutInput{
		Version:          "v2.0.0",
		StagePercentages: []int{20, 100},
	})
	require.NoError(t, err)

	paused, err := svc.Pause(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutPaused, paused.Status)

	// Cannot advance while paused
	_, err = svc.Advance(context.Background(), rollout.ID)
	assert.ErrorIs(t, err, ErrRolloutNotActive)

	resumed, err := svc.Resume(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutActive, resumed.Status)

	require.NoError(t, svc.Cancel(context.Background(), rollout.ID))
	_, err = svc.Get(context.Background(), rollout.ID)
	assert.ErrorIs(t, err, ErrRolloutNotFound)
}

func TestAutoExpandPausesOverFailureThreshold(t *testing.T) {
	repo, svc, _ := newRolloutFixture(t, 10)

	rollout, err := svc.Create(context.Background(), CreateRolloutInput{
		Version:          "v2.0.0",
		StagePercentages: []int{20, 100},
		AutoExpand:       true,
		ExpandAfterMin:   0,
		FailureThreshold: 50,
	})
	require.NoError(t, err)

	waitTargeted(t, repo, "v2.0.0", 2)

	// One device updated, one failed: 100% failure rate over updated
	devices, err := repo.ListDevices(context.Background())
	require.NoError(t, err)
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), devices[0].MACAddress, map[string]interface{}{
		"current_version": "v2.0.0",
		"ota_status":      models.OTAStatusUpdated,
	}))
	require.NoError(t, repo.UpdateDeviceFields(context.Background(), devices[1].MACAddress, map[string]interface{}{
		"ota_status": models.OTAStatusFailed,
	}))

	svc.AutoExpandTick(context.Background())

	rollout, err = svc.Get(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RolloutPaused, rollout.Status)
}

func TestAutoExpandAdvancesUnderThreshold(t *testing.T) {
	repo, svc, _ := newRolloutFixture(t, 10)

	rollout, err := svc.Create(context.Background(), CreateRolloutInput{
		Version:          "v2.0.0",
		StagePercentages: []int{20, 100},
		AutoExpand:       true,
		ExpandAfterMin:   0,
		FailureThreshold: 50,
	})
	require.NoError(t, err)

	waitTargeted(t, repo, "v2.0.0", 2)

	devices, err := repo.ListDevices(context.Background())
	require.NoError(t, err)
	for _, d := range devices[:2] {
		require.NoError(t, repo.UpdateDeviceFields(context.Background(), d.MACAddress, map[string]interface{}{
			"current_version": "v2.0.0",
			"ota_status":      models.OTAStatusUpdated,
		}))
	}

	svc.AutoExpandTick(context.Background())

	rollout, err = svc.Get(context.Background(), rollout.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rollout.CurrentStage)
	waitTargeted(t, repo, "v2.0.0", 10)
}
