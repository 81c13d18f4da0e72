package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func seedDevice(t *testing.T, repo repository.Repository, mac, current string) {
	t.Helper()
	require.NoError(t, repo.CreateDevice(context.Background(), &models.Device{
		MACAddress:     mac,
		Name:           "bench-" + mac[8:],
		CurrentVersion: current,
		OTAStatus:      models.OTAStatusIdle,
	}))
}

func waitForStatus(t *testing.T, repo repository.Repository, mac string, want models.OTAStatus) *models.Device {
	t.Helper()

	var device *models.Device
	require.Eventually(t, func() bool {
		d, err := repo.FindDeviceByMAC(context.Background(), mac)
		if err != nil {
			return false
		}
		device = d
		return d.OTAStatus == want
	}, 2*time.Second, 10*time.Millisecond)
	return device
}

func TestQueueUpdateTransitionsDeviceToPending(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	queue := NewUpdateQueue(repo, nil, testLogger(), 2, time.Minute)
	defer queue.Stop()

	require.NoError(t, queue.QueueUpdate(context.Background(), "aa:bb:cc:dd:ee:ff", "1.1.0"))

	device := waitForStatus(t, repo, "AABBCCDDEEFF", models.OTAStatusPending)
	assert.Equal(t, "v1.1.0", device.TargetVersion)
	assert.Equal(t, "v1.0.0", device.PreviousVersion)
	assert.Equal(t, "v1.0.0", device.CurrentVersion)

	logs, err := repo.ListDeviceLogs(context.Background(), "AABBCCDDEEFF", 10)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogActionDeploy, logs[0].Action)
	assert.Equal(t, models.LogStatusPending, logs[0].Status)
}

func TestQueueUpdateRejectsUnknownDevice(t *testing.T) {
	repo := repository.NewMemoryRepository()
	queue := NewUpdateQueue(repo, nil, testLogger(), 2, time.Minute)
	defer queue.Stop()

	err := queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.0.0")
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestQueueUpdateSuppressesDuplicateWithinWindow(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")

	queue := NewUpdateQueue(repo, nil, testLogger(), 2, time.Minute)
	defer queue.Stop()

	require.NoError(t, queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.1.0"))
	waitForStatus(t, repo, "AABBCCDDEEFF", models.OTAStatusPending)

	err := queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.1.0")
	assert.ErrorIs(t, err, ErrDuplicateRecent)

	// A different version is not a duplicate
	require.NoError(t, queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.2.0"))
}

// failLogRepo makes the first log write inside a transaction fail, so
// the transition must be rolled back. The rollback's own log write is
// allowed through.
type failLogRepo struct {
	*repository.MemoryRepository
	mu     sync.Mutex
	failed bool
}

type failLogTx struct {
	repository.Repository
	parent *failLogRepo
}

func (f *failLogRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	return f.MemoryRepository.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		return fn(ctx, &failLogTx{Repository: tx, parent: f})
	})
}

func (f *failLogTx) CreateDeviceLog(ctx context.Context, entry *models.DeviceLog) error {
	f.parent.mu.Lock()
	first := !f.parent.failed
	f.parent.failed = true
	f.parent.mu.Unlock()

	if first {
		return errors.New("log write refused")
	}
	return f.Repository.CreateDeviceLog(ctx, entry)
}

func TestQueueUpdateRestoresDeviceWhenTransitionFails(t *testing.T) {
	mem := repository.NewMemoryRepository()
	seedDevice(t, mem, "AABBCCDDEEFF", "v1.0.0")
	repo := &failLogRepo{MemoryRepository: mem}

	queue := NewUpdateQueue(repo, nil, testLogger(), 2, time.Minute)
	defer queue.Stop()

	require.NoError(t, queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.1.0"))

	device := waitForStatus(t, mem, "AABBCCDDEEFF", models.OTAStatusFailed)
	assert.Equal(t, "v1.0.0", device.CurrentVersion)
	assert.Empty(t, device.TargetVersion)
	assert.Equal(t, models.OTAStatusFailed, device.OTAStatus)
}

// gateRepo holds every transaction at a gate so a task can be kept
// occupying the semaphore for as long as a test needs.
type gateRepo struct {
	*repository.MemoryRepository
	gate chan struct{}
}

func (r *gateRepo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo repository.Repository) error) error {
	<-r.gate
	return r.MemoryRepository.WithTransaction(ctx, fn)
}

func TestQueueUpdateWaitingTaskSurfacesShutdownDrop(t *testing.T) {
	mem := repository.NewMemoryRepository()
	seedDevice(t, mem, "AABBCCDDEEFF", "v1.0.0")
	seedDevice(t, mem, "112233445566", "v1.0.0")
	repo := &gateRepo{MemoryRepository: mem, gate: make(chan struct{})}

	queue := NewUpdateQueue(repo, nil, testLogger(), 1, time.Minute)

	// First task occupies the single slot at the gate
	require.NoError(t, queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v1.1.0"))
	require.Eventually(t, func() bool {
		return queue.Status().Running == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Second task is accepted but waits on admission
	require.NoError(t, queue.QueueUpdate(context.Background(), "112233445566", "v1.1.0"))

	stopped := make(chan struct{})
	go func() {
		queue.Stop()
		close(stopped)
	}()

	// Shutdown cancels the waiting task; the drop lands in the device log
	require.Eventually(t, func() bool {
		logs, err := mem.ListDeviceLogs(context.Background(), "112233445566", 10)
		return err == nil && len(logs) == 1 &&
			logs[0].Status == models.LogStatusFailed &&
			logs[0].ToVersion == "v1.1.0"
	}, 2*time.Second, 10*time.Millisecond)

	close(repo.gate)
	<-stopped

	logs, err := mem.ListDeviceLogs(context.Background(), "112233445566", 10)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Contains(t, logs[0].Message, "abandoned before admission")

	// The dropped device was never transitioned
	device, err := mem.FindDeviceByMAC(context.Background(), "112233445566")
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusIdle, device.OTAStatus)
	assert.Empty(t, device.TargetVersion)

	// The running task finished normally once the gate opened
	device, err = mem.FindDeviceByMAC(context.Background(), "AABBCCDDEEFF")
	require.NoError(t, err)
	assert.Equal(t, models.OTAStatusPending, device.OTAStatus)
}

func TestQueueStatusTracksActiveDevices(t *testing.T) {
	repo := repository.NewMemoryRepository()
	seedDevice(t, repo, "AABBCCDDEEFF", "v1.0.0")
	seedDevice(t, repo, "112233445566", "v1.0.0")

	queue := NewUpdateQueue(repo, nil, testLogger(), 2, time.Minute)
	defer queue.Stop()

	require.NoError(t, queue.QueueUpdate(context.Background(), "AABBCCDDEEFF", "v2.0.0"))
	require.NoError(t, queue.QueueUpdate(context.Background(), "112233445566", "v2.0.0"))

	// Tasks drain quickly against the in-memory store; once both devices
	// reach pending the queue must be empty again.
	waitForStatus(t, repo, "AABBCCDDEEFF", models.OTAStatusPending)
	waitForStatus(t, repo, "112233445566", models.OTAStatusPending)

	require.Eventually(t, func() bool {
		st := queue.Status()
		return st.QueueSize == 0 && st.Running == 0 && len(st.ActiveMACs) == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.False(t, queue.IsDeviceUpdating("AABBCCDDEEFF"))
}
