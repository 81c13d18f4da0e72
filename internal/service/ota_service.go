package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"
	"github.com/apsgrid/otaserver/internal/webhook"

	"github.com/sirupsen/logrus"
)

// CheckResult is the outcome of a device update check
type CheckResult struct {
	UpdateAvailable bool             `json:"updateAvailable"`
	CurrentVersion  string           `json:"currentVersion,omitempty"`
	TargetVersion   string           `json:"targetVersion,omitempty"`
	Error           string           `json:"error,omitempty"`
	Firmware        *models.Firmware `json:"-"`
}

// HeartbeatInput carries the metrics a device posts with a heartbeat
type HeartbeatInput struct {
	SignalStrength *int
	FreeHeap       *int
	Uptime         *int
	CPUTemp        *float64
}

// ProgressUpdate is a device's in-flight download progress
type ProgressUpdate struct {
	Progress      int   `json:"progress"`
	BytesReceived int64 `json:"bytesReceived,omitempty"`
	TotalBytes    int64 `json:"totalBytes,omitempty"`
}

// OTAService implements the device-facing update protocol. Per-device
// transitions are serialized under a per-MAC lock so no two callers
// commit against the same prior state.
type OTAService interface {
	Check(ctx context.Context, mac, reportedVersion string) (*CheckResult, error)
	Report(ctx context.Context, mac, status, version, message string) (*models.Device, error)
	Progress(ctx context.Context, mac string, update ProgressUpdate) error
	Heartbeat(ctx context.Context, mac string, input HeartbeatInput) (*models.Device, error)
	RecordDownload(mac, version string, success bool, message string)
}

type otaService struct {
	repo        repository.Repository
	broadcaster Broadcaster
	dispatcher  webhook.Dispatcher
	logger      *logrus.Logger

	checkinWindow time.Duration

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewOTAService creates the OTA protocol service. checkinWindow is how
// long a device has to check back in after being handed an update.
func NewOTAService(repo repository.Repository, broadcaster Broadcaster, dispatcher webhook.Dispatcher, logger *logrus.Logger, checkinWindow time.Duration) OTAService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster()
	}
	if checkinWindow <= 0 {
		checkinWindow = 10 * time.Minute
	}

	return &otaService{
		repo:          repo,
		broadcaster:   broadcaster,
		dispatcher:    dispatcher,
		logger:        logger,
		checkinWindow: checkinWindow,
		locks:         make(map[string]*sync.Mutex),
	}
}

// lockMAC returns the per-device lock, creating it on first use
func (s *otaService) lockMAC(mac string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	if l, ok := s.locks[mac]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[mac] = l
	return l
}

// Check handles a device's poll for new firmware
func (s *otaService) Check(ctx context.Context, mac, reportedVersion string) (*CheckResult, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	l := s.lockMAC(mac)
	l.Lock()
	defer l.Unlock()

	device, err := s.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	now := time.Now()
	fields := map[string]interface{}{
		"last_ota_check": now,
		"status":         models.DeviceOnline,
	}
	if reportedVersion != "" {
		v, verr := utils.NormalizeVersion(reportedVersion)
		if verr != nil {
			return nil, verr
		}
		fields["current_version"] = v
		device.CurrentVersion = v
	}
	if err := s.repo.UpdateDeviceFields(ctx, mac, fields); err != nil {
		return nil, err
	}
	if err := s.repo.TouchLastSeen(ctx, mac, now); err != nil {
		return nil, err
	}

	// No pending target, or the device already runs it: nothing to hand
	// out. An update in flight completes here idempotently.
	if device.TargetVersion == "" || device.TargetVersion == device.CurrentVersion {
		if device.OTAStatus == models.OTAStatusPending || device.OTAStatus == models.OTAStatusUpdating {
			err := s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
				if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
					"ota_status":          models.OTAStatusUpdated,
					"update_started_at":   nil,
					"expected_checkin_by": nil,
					"is_at_risk":          false,
				}); err != nil {
					return err
				}
				return tx.CreateDeviceLog(ctx, &models.DeviceLog{
					MACAddress: mac,
					Action:     models.LogActionReport,
					Status:     models.LogStatusUpdated,
					ToVersion:  device.CurrentVersion,
				})
			})
			if err != nil {
				return nil, err
			}
		}
		return &CheckResult{UpdateAvailable: false, CurrentVersion: device.CurrentVersion}, nil
	}

	fw, err := s.repo.FindFirmwareByVersion(ctx, device.TargetVersion)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &CheckResult{
				UpdateAvailable: false,
				CurrentVersion:  device.CurrentVersion,
				Error:           "target firmware not found",
			}, nil
		}
		return nil, err
	}

	checkinBy := now.Add(s.checkinWindow)
	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
			"ota_status":          models.OTAStatusUpdating,
			"update_started_at":   now,
			"expected_checkin_by": checkinBy,
			"update_attempts":     device.UpdateAttempts + 1,
		}); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress:  mac,
			Action:      models.LogActionCheck,
			Status:      models.LogStatusSuccess,
			FromVersion: device.CurrentVersion,
			ToVersion:   device.TargetVersion,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"mac":  mac,
		"from": device.CurrentVersion,
		"to":   device.TargetVersion,
	}).Info("Handing update to device")

	return &CheckResult{
		UpdateAvailable: true,
		CurrentVersion:  device.CurrentVersion,
		TargetVersion:   device.TargetVersion,
		Firmware:        fw,
	}, nil
}

// Report handles a device's update outcome
func (s *otaService) Report(ctx context.Context, mac, status, version, message string) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	if status != "success" && status != "updated" && status != "failed" {
		return nil, ErrInvalidReport
	}

	l := s.lockMAC(mac)
	l.Lock()
	defer l.Unlock()

	device, err := s.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	now := time.Now()
	priorCurrent := device.CurrentVersion

	if status == "failed" {
		err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
			if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
				"ota_status":           models.OTAStatusFailed,
				"consecutive_failures": device.ConsecutiveFailures + 1,
				"status":               models.DeviceOnline,
			}); err != nil {
				return err
			}
			return tx.CreateDeviceLog(ctx, &models.DeviceLog{
				MACAddress:  mac,
				Action:      models.LogActionReport,
				Status:      models.LogStatusFailed,
				FromVersion: priorCurrent,
				ToVersion:   device.TargetVersion,
				Message:     message,
			})
		})
		if err != nil {
			return nil, err
		}
		s.repo.TouchLastSeen(ctx, mac, now)

		if s.dispatcher != nil {
			s.dispatcher.Dispatch(webhook.EventUpdateFailed, map[string]interface{}{
				"macAddress": mac,
				"version":    device.TargetVersion,
				"message":    message,
			})
		}
	} else {
		newVersion := version
		if newVersion == "" {
			newVersion = device.TargetVersion
		}
		if newVersion != "" {
			if newVersion, err = utils.NormalizeVersion(newVersion); err != nil {
				return nil, err
			}
		}

		err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
			if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
				"current_version":     newVersion,
				"previous_version":    priorCurrent,
				"ota_status":          models.OTAStatusUpdated,
				"status":              models.DeviceOnline,
				"update_started_at":   nil,
				"expected_checkin_by": nil,
				"is_at_risk":          false,
			}); err != nil {
				return err
			}
			return tx.CreateDeviceLog(ctx, &models.DeviceLog{
				MACAddress:  mac,
				Action:      models.LogActionReport,
				Status:      models.LogStatusSuccess,
				FromVersion: priorCurrent,
				ToVersion:   newVersion,
			})
		})
		if err != nil {
			return nil, err
		}
		s.repo.TouchLastSeen(ctx, mac, now)

		if s.dispatcher != nil {
			s.dispatcher.Dispatch(webhook.EventUpdateSuccess, map[string]interface{}{
				"macAddress":  mac,
				"fromVersion": priorCurrent,
				"toVersion":   newVersion,
			})
		}
	}

	updated, err := s.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	updated.DeriveStatus(time.Now())
	s.broadcaster.BroadcastDeviceUpdate(updated)

	return updated, nil
}

// Progress relays download progress to live subscribers. Nothing is
// persisted.
func (s *otaService) Progress(ctx context.Context, mac string, update ProgressUpdate) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	s.broadcaster.BroadcastUpdateProgress(mac, update)
	s.broadcaster.BroadcastDeviceLog(mac, map[string]interface{}{
		"macAddress": mac,
		"action":     "progress",
		"message":    progressLine(update),
		"createdAt":  time.Now().UTC().Format(time.RFC3339),
	})
	return nil
}

func progressLine(u ProgressUpdate) string {
	if u.TotalBytes > 0 {
		return fmt.Sprintf("download %d%% (%d/%d bytes)", u.Progress, u.BytesReceived, u.TotalBytes)
	}
	return fmt.Sprintf("download %d%%", u.Progress)
}

// Heartbeat persists a health sample and recomputes the device's
// health score.
func (s *otaService) Heartbeat(ctx context.Context, mac string, input HeartbeatInput) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	l := s.lockMAC(mac)
	l.Lock()
	defer l.Unlock()

	device, err := s.repo.FindDeviceByMAC(ctx, mac)
	if errors.Is(err, repository.ErrNotFound) {
		// First contact: the device registers itself by heartbeating
		device = &models.Device{
			MACAddress:  mac,
			Name:        mac,
			OTAStatus:   models.OTAStatusIdle,
			Status:      models.DeviceOffline,
			HealthScore: 100,
		}
		err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
			if err := tx.CreateDevice(ctx, device); err != nil {
				return err
			}
			return tx.CreateDeviceLog(ctx, &models.DeviceLog{
				MACAddress: mac,
				Action:     models.LogActionRegister,
				Status:     models.LogStatusSuccess,
				Message:    "self-registered on first heartbeat",
			})
		})
	}
	if err != nil {
		return nil, err
	}

	now := time.Now()
	if err := s.repo.CreateHeartbeat(ctx, &models.DeviceHeartbeat{
		MACAddress:     mac,
		SignalStrength: input.SignalStrength,
		FreeHeap:       input.FreeHeap,
		Uptime:         input.Uptime,
		CPUTemp:        input.CPUTemp,
	}); err != nil {
		return nil, err
	}

	fields := map[string]interface{}{
		"last_heartbeat":       now,
		"status":               models.DeviceOnline,
		"health_score":         ComputeHealthScore(input.SignalStrength, input.FreeHeap),
		"consecutive_failures": 0,
	}
	if input.SignalStrength != nil {
		fields["signal_strength"] = input.SignalStrength
	}
	if input.FreeHeap != nil {
		fields["free_heap"] = input.FreeHeap
	}
	if input.Uptime != nil {
		fields["uptime"] = input.Uptime
	}
	if err := s.repo.UpdateDeviceFields(ctx, mac, fields); err != nil {
		return nil, err
	}
	if err := s.repo.TouchLastSeen(ctx, mac, now); err != nil {
		return nil, err
	}

	device, err = s.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		return nil, err
	}
	device.DeriveStatus(now)

	s.broadcaster.BroadcastDeviceUpdate(device)
	s.broadcaster.BroadcastDeviceLog(mac, map[string]interface{}{
		"macAddress": mac,
		"action":     "heartbeat",
		"message":    "heartbeat received",
		"createdAt":  now.UTC().Format(time.RFC3339),
	})

	return device, nil
}

// RecordDownload appends the download outcome log entry without
// blocking the response stream that triggered it.
func (s *otaService) RecordDownload(mac, version string, success bool, message string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		status := models.LogStatusSuccess
		if !success {
			status = models.LogStatusFailed
		}

		entry := &models.DeviceLog{
			MACAddress: mac,
			Action:     models.LogActionDownload,
			Status:     status,
			ToVersion:  version,
			Message:    message,
		}
		if err := s.repo.CreateDeviceLog(ctx, entry); err != nil {
			s.logger.WithError(err).WithField("mac", mac).
				Error("Failed to record download outcome")
			return
		}
		s.broadcaster.BroadcastDeviceLog(entry.MACAddress, entry)
	}()
}

// ComputeHealthScore derives a 0-100 score from the latest heartbeat
// metrics. Missing metrics incur no penalty.
func ComputeHealthScore(rssi, freeHeap *int) int {
	score := 100

	if rssi != nil {
		switch {
		case *rssi < -80:
			score -= 30
		case *rssi < -70:
			score -= 15
		case *rssi < -60:
			score -= 5
		}
	}

	if freeHeap != nil {
		switch {
		case *freeHeap < 10_000:
			score -= 40
		case *freeHeap < 20_000:
			score -= 20
		case *freeHeap < 30_000:
			score -= 10
		}
	}

	if score < 0 {
		score = 0
	}
	return score
}
