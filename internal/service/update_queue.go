package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

// QueueStatus is a point-in-time snapshot of queue occupancy
type QueueStatus struct {
	QueueSize  int      `json:"queueSize"`
	Running    int      `json:"running"`
	ActiveMACs []string `json:"activeMacs"`
}

// UpdateQueue admits firmware deployments one per device at a time.
// Duplicate (MAC, version) submissions inside the suppression window
// are rejected, and task execution is bounded by a global concurrency
// limit.
type UpdateQueue interface {
	QueueUpdate(ctx context.Context, mac, version string) error
	IsDeviceUpdating(mac string) bool
	Status() QueueStatus
	Stop()
}

type updateQueue struct {
	repo        repository.Repository
	broadcaster Broadcaster
	logger      *logrus.Logger

	sem      *semaphore.Weighted
	history  *ttlcache.Cache[string, time.Time]
	lifetime context.Context
	shutdown context.CancelFunc

	mu      sync.Mutex
	active  map[string]bool
	waiting int
	running int

	wg sync.WaitGroup
}

// NewUpdateQueue creates an update queue with the given concurrency
// bound and duplicate suppression window.
func NewUpdateQueue(repo repository.Repository, broadcaster Broadcaster, logger *logrus.Logger, maxConcurrent int, duplicateWindow time.Duration) UpdateQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if broadcaster == nil {
		broadcaster = NoopBroadcaster()
	}

	history := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](duplicateWindow),
	)
	go history.Start()

	lifetime, shutdown := context.WithCancel(context.Background())

	return &updateQueue{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger,
		sem:         semaphore.NewWeighted(int64(maxConcurrent)),
		history:     history,
		lifetime:    lifetime,
		shutdown:    shutdown,
		active:      make(map[string]bool),
	}
}

func historyKey(mac, version string) string {
	return fmt.Sprintf("%s:%s", mac, version)
}

// QueueUpdate admits one deployment for a device. It returns once the
// task is accepted; the state transition itself runs asynchronously.
func (q *updateQueue) QueueUpdate(ctx context.Context, mac, version string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}
	version, err = utils.NormalizeVersion(version)
	if err != nil {
		return err
	}

	if _, err := q.repo.FindDeviceByMAC(ctx, mac); err != nil {
		if err == repository.ErrNotFound {
			return ErrDeviceNotFound
		}
		return err
	}

	q.mu.Lock()
	if q.active[mac] {
		q.mu.Unlock()
		return ErrAlreadyUpdating
	}
	if q.history.Has(historyKey(mac, version)) {
		q.mu.Unlock()
		return ErrDuplicateRecent
	}
	q.active[mac] = true
	q.waiting++
	q.mu.Unlock()

	q.wg.Add(1)
	go q.run(mac, version)

	return nil
}

func (q *updateQueue) run(mac, version string) {
	defer q.wg.Done()

	// Admission waits as long as it takes; the semaphore bounds how many
	// tasks run, not how long one may wait. Only queue shutdown can
	// cancel an accepted task, and that is surfaced in the device log.
	if err := q.sem.Acquire(q.lifetime, 1); err != nil {
		q.finish(mac, false)
		q.abandon(mac, version, err)
		return
	}
	defer q.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q.mu.Lock()
	q.waiting--
	q.running++
	q.mu.Unlock()

	err := q.execute(ctx, mac, version)
	q.finish(mac, true)
	if err != nil {
		q.logger.WithError(err).WithFields(logrus.Fields{
			"mac":     mac,
			"version": version,
		}).Error("Update task failed")
		return
	}

	if device, derr := q.repo.FindDeviceByMAC(ctx, mac); derr == nil {
		device.DeriveStatus(time.Now())
		q.broadcaster.BroadcastDeviceUpdate(device)
	}
}

// abandon records an accepted task that was never admitted, so the drop
// shows up in the device history rather than only in the server log.
func (q *updateQueue) abandon(mac, version string, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q.logger.WithError(cause).WithFields(logrus.Fields{
		"mac":     mac,
		"version": version,
	}).Error("Update task never admitted")

	if err := q.repo.CreateDeviceLog(ctx, &models.DeviceLog{
		MACAddress: mac,
		Action:     models.LogActionDeploy,
		Status:     models.LogStatusFailed,
		ToVersion:  version,
		Message:    "update abandoned before admission: " + cause.Error(),
	}); err != nil {
		q.logger.WithError(err).WithField("mac", mac).
			Error("Failed to record abandoned update")
	}
}

func (q *updateQueue) finish(mac string, wasRunning bool) {
	q.mu.Lock()
	delete(q.active, mac)
	if wasRunning {
		q.running--
	} else {
		q.waiting--
	}
	q.mu.Unlock()
}

// execute performs the queued state transition. On any failure the
// device's version triple is restored and the status forced to failed.
func (q *updateQueue) execute(ctx context.Context, mac, version string) error {
	device, err := q.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		return err
	}

	prior := map[string]interface{}{
		"previous_version": device.PreviousVersion,
		"current_version":  device.CurrentVersion,
		"target_version":   device.TargetVersion,
		"ota_status":       device.OTAStatus,
	}

	err = q.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
			"previous_version": device.CurrentVersion,
			"target_version":   version,
			"ota_status":       models.OTAStatusPending,
		}); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress:  mac,
			Action:      models.LogActionDeploy,
			Status:      models.LogStatusPending,
			FromVersion: device.CurrentVersion,
			ToVersion:   version,
		})
	})
	if err != nil {
		q.rollback(mac, prior, err)
		return err
	}

	q.history.Set(historyKey(mac, version), time.Now(), ttlcache.DefaultTTL)

	q.logger.WithFields(logrus.Fields{
		"mac":  mac,
		"from": device.CurrentVersion,
		"to":   version,
	}).Info("Update queued for device")

	return nil
}

// rollback restores the pre-deploy snapshot and marks the attempt failed
func (q *updateQueue) rollback(mac string, prior map[string]interface{}, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	prior["ota_status"] = models.OTAStatusFailed
	err := q.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.UpdateDeviceFields(ctx, mac, prior); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress: mac,
			Action:     models.LogActionDeploy,
			Status:     models.LogStatusFailed,
			Message:    cause.Error(),
		})
	})
	if err != nil {
		q.logger.WithError(err).WithField("mac", mac).
			Error("Failed to restore device after deploy failure")
	}
}

func (q *updateQueue) IsDeviceUpdating(mac string) bool {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[mac]
}

func (q *updateQueue) Status() QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()

	macs := make([]string, 0, len(q.active))
	for mac := range q.active {
		macs = append(macs, mac)
	}

	return QueueStatus{
		QueueSize:  q.waiting,
		Running:    q.running,
		ActiveMACs: macs,
	}
}

// Stop cancels admission for tasks still waiting, waits for running
// tasks to finish, and releases the history cache.
func (q *updateQueue) Stop() {
	q.shutdown()
	q.wg.Wait()
	q.history.Stop()
}
