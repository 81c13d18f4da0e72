package service

import (
	"context"
	"errors"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/sirupsen/logrus"
)

// RegisterDeviceInput carries the fields accepted when creating a device
type RegisterDeviceInput struct {
	MACAddress     string
	Name           string
	DeviceGroup    string
	Location       string
	CurrentVersion string
}

// UpdateDeviceInput carries the mutable operator-editable fields
type UpdateDeviceInput struct {
	Name        *string
	DeviceGroup *string
	Location    *string
}

// DeployResult is the per-device outcome of a deploy request
type DeployResult struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"` // queued, failed
	Message  string `json:"message,omitempty"`
}

// FleetStats is an aggregate snapshot of the fleet
type FleetStats struct {
	Total          int            `json:"total"`
	Online         int            `json:"online"`
	Offline        int            `json:"offline"`
	AtRisk         int            `json:"atRisk"`
	ByOTAStatus    map[string]int `json:"byOtaStatus"`
	ByVersion      map[string]int `json:"byVersion"`
	AvgHealthScore float64        `json:"avgHealthScore"`
}

// DeviceService exposes operator-facing device management
type DeviceService interface {
	Register(ctx context.Context, input RegisterDeviceInput) (*models.Device, error)
	Update(ctx context.Context, mac string, input UpdateDeviceInput) (*models.Device, error)
	Get(ctx context.Context, mac string) (*models.Device, error)
	List(ctx context.Context) ([]*models.Device, error)
	ListAtRisk(ctx context.Context) ([]*models.Device, error)
	Delete(ctx context.Context, mac, reason string) error

	Deploy(ctx context.Context, macs []string, version string) ([]DeployResult, error)
	Reset(ctx context.Context, mac string) (*models.Device, error)
	Rollback(ctx context.Context, mac string) (*models.Device, error)
	ClearAtRisk(ctx context.Context, mac string) (*models.Device, error)

	Stats(ctx context.Context) (*FleetStats, error)
	Logs(ctx context.Context, mac string, limit int) ([]*models.DeviceLog, error)
	ClearLogs(ctx context.Context, mac string) error
	Heartbeats(ctx context.Context, mac string, since time.Time) ([]*models.DeviceHeartbeat, error)
}

type deviceService struct {
	repo        repository.Repository
	queue       UpdateQueue
	broadcaster Broadcaster
	logger      *logrus.Logger
}

// NewDeviceService creates the device management service
func NewDeviceService(repo repository.Repository, queue UpdateQueue, broadcaster Broadcaster, logger *logrus.Logger) DeviceService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster()
	}
	return &deviceService{
		repo:        repo,
		queue:       queue,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (s *deviceService) Register(ctx context.Context, input RegisterDeviceInput) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(input.MACAddress)
	if err != nil {
		return nil, err
	}

	if _, err := s.repo.FindDeviceByMAC(ctx, mac); err == nil {
		return nil, ErrDeviceExists
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	version := input.CurrentVersion
	if version != "" {
		if version, err = utils.NormalizeVersion(version); err != nil {
			return nil, err
		}
	}

	device := &models.Device{
		MACAddress:     mac,
		Name:           input.Name,
		DeviceGroup:    input.DeviceGroup,
		Location:       input.Location,
		CurrentVersion: version,
		OTAStatus:      models.OTAStatusIdle,
		Status:         models.DeviceOffline,
		HealthScore:    100,
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.CreateDevice(ctx, device); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress: mac,
			Action:     models.LogActionRegister,
			Status:     models.LogStatusSuccess,
			ToVersion:  version,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"mac": mac, "name": input.Name}).Info("Device registered")
	s.broadcaster.BroadcastDeviceUpdate(device)

	return device, nil
}

func (s *deviceService) Update(ctx context.Context, mac string, input UpdateDeviceInput) (*models.Device, error) {
	fields := map[string]interface{}{}
	if input.Name != nil {
		fields["name"] = *input.Name
	}
	if input.DeviceGroup != nil {
		fields["device_group"] = *input.DeviceGroup
	}
	if input.Location != nil {
		fields["location"] = *input.Location
	}

	if len(fields) > 0 {
		if err := s.repo.UpdateDeviceFields(ctx, mac, fields); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, ErrDeviceNotFound
			}
			return nil, err
		}
	}

	return s.Get(ctx, mac)
}

func (s *deviceService) Get(ctx context.Context, mac string) (*models.Device, error) {
	device, err := s.repo.FindDeviceByMAC(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	device.DeriveStatus(time.Now())
	return device, nil
}

func (s *deviceService) List(ctx context.Context) ([]*models.Device, error) {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	for _, d := range devices {
		d.DeriveStatus(now)
	}
	return devices, nil
}

func (s *deviceService) ListAtRisk(ctx context.Context) ([]*models.Device, error) {
	devices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	atRisk := devices[:0]
	for _, d := range devices {
		if d.IsAtRisk {
			atRisk = append(atRisk, d)
		}
	}
	return atRisk, nil
}

func (s *deviceService) Delete(ctx context.Context, mac, reason string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress: mac,
			Action:     models.LogActionDelete,
			Status:     models.LogStatusSuccess,
			Message:    reason,
		}); err != nil {
			return err
		}
		return tx.DeleteDevice(ctx, mac)
	})
	if errors.Is(err, repository.ErrNotFound) {
		return ErrDeviceNotFound
	}
	if err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{"mac": mac, "reason": reason}).Info("Device deleted")
	return nil
}

// Deploy queues the target version for each requested device. One bad
// device never blocks the rest; each gets its own result row.
func (s *deviceService) Deploy(ctx context.Context, macs []string, version string) ([]DeployResult, error) {
	version, err := utils.NormalizeVersion(version)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.FindFirmwareByVersion(ctx, version); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrFirmwareNotFound
		}
		return nil, err
	}

	results := make([]DeployResult, 0, len(macs))
	for _, raw := range macs {
		mac, merr := utils.NormalizeMAC(raw)
		if merr != nil {
			results = append(results, DeployResult{DeviceID: raw, Status: "failed", Message: merr.Error()})
			continue
		}

		switch err := s.queue.QueueUpdate(ctx, mac, version); {
		case err == nil:
			results = append(results, DeployResult{DeviceID: mac, Status: "queued"})
		case errors.Is(err, ErrDuplicateRecent):
			results = append(results, DeployResult{
				DeviceID: mac,
				Status:   "failed",
				Message:  "Same version was recently deployed to this device",
			})
		default:
			results = append(results, DeployResult{DeviceID: mac, Status: "failed", Message: err.Error()})
		}
	}

	return results, nil
}

// Reset returns a device to idle, abandoning any pending update
func (s *deviceService) Reset(ctx context.Context, mac string) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.UpdateDeviceFields(ctx, mac, map[string]interface{}{
			"ota_status":          models.OTAStatusIdle,
			"target_version":      "",
			"update_started_at":   nil,
			"expected_checkin_by": nil,
			"is_at_risk":          false,
		}); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress: mac,
			Action:     models.LogActionReset,
			Status:     models.LogStatusSuccess,
		})
	})
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, err
	}

	device, err := s.Get(ctx, mac)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastDeviceUpdate(device)
	return device, nil
}

// Rollback re-targets the device at its previous version. Used both by
// operators and the watchdog's force-rollback path.
func (s *deviceService) Rollback(ctx context.Context, mac string) (*models.Device, error) {
	device, err := s.Get(ctx, mac)
	if err != nil {
		return nil, err
	}
	if device.PreviousVersion == "" || device.PreviousVersion == device.CurrentVersion {
		return nil, ErrNoPreviousVersion
	}

	err = s.repo.WithTransaction(ctx, func(ctx context.Context, tx repository.Repository) error {
		if err := tx.UpdateDeviceFields(ctx, device.MACAddress, map[string]interface{}{
			"target_version":      device.PreviousVersion,
			"ota_status":          models.OTAStatusPending,
			"update_started_at":   nil,
			"expected_checkin_by": nil,
			"is_at_risk":          false,
		}); err != nil {
			return err
		}
		return tx.CreateDeviceLog(ctx, &models.DeviceLog{
			MACAddress:  device.MACAddress,
			Action:      models.LogActionRollback,
			Status:      models.LogStatusPending,
			FromVersion: device.CurrentVersion,
			ToVersion:   device.PreviousVersion,
		})
	})
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"mac": device.MACAddress,
		"to":  device.PreviousVersion,
	}).Info("Rollback queued")

	updated, err := s.Get(ctx, device.MACAddress)
	if err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastDeviceUpdate(updated)
	return updated, nil
}

func (s *deviceService) ClearAtRisk(ctx context.Context, mac string) (*models.Device, error) {
	if err := s.repo.UpdateDeviceFields(ctx, mac, map[string]interface{}{
		"is_at_risk":          false,
		"update_started_at":   nil,
		"expected_checkin_by": nil,
	}); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}
	return s.Get(ctx, mac)
}

func (s *deviceService) Stats(ctx context.Context) (*FleetStats, error) {
	devices, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &FleetStats{
		Total:       len(devices),
		ByOTAStatus: make(map[string]int),
		ByVersion:   make(map[string]int),
	}

	var healthSum int
	for _, d := range devices {
		if d.Status == models.DeviceOnline {
			stats.Online++
		} else {
			stats.Offline++
		}
		if d.IsAtRisk {
			stats.AtRisk++
		}
		stats.ByOTAStatus[string(d.OTAStatus)]++
		if d.CurrentVersion != "" {
			stats.ByVersion[d.CurrentVersion]++
		}
		healthSum += d.HealthScore
	}
	if len(devices) > 0 {
		stats.AvgHealthScore = float64(healthSum) / float64(len(devices))
	}

	return stats, nil
}

func (s *deviceService) Logs(ctx context.Context, mac string, limit int) ([]*models.DeviceLog, error) {
	return s.repo.ListDeviceLogs(ctx, mac, limit)
}

func (s *deviceService) ClearLogs(ctx context.Context, mac string) error {
	return s.repo.ClearDeviceLogs(ctx, mac)
}

func (s *deviceService) Heartbeats(ctx context.Context, mac string, since time.Time) ([]*models.DeviceHeartbeat, error) {
	return s.repo.ListHeartbeats(ctx, mac, since)
}
