package service

import (
	"context"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/webhook"

	"github.com/sirupsen/logrus"
)

// WatchdogTickInterval is the cadence of the at-risk scan
const WatchdogTickInterval = 60 * time.Second

// Watchdog scans the fleet for devices whose update has gone quiet.
// One cooperative loop owns all flagging and recovery; nothing else
// sets is_at_risk.
type Watchdog struct {
	repo        repository.Repository
	broadcaster Broadcaster
	dispatcher  webhook.Dispatcher
	logger      *logrus.Logger
	stuckAfter  time.Duration
}

// NewWatchdog creates the watchdog. stuckAfter bounds how long a device
// may sit in updating before being flagged regardless of its check-in
// deadline.
func NewWatchdog(repo repository.Repository, broadcaster Broadcaster, dispatcher webhook.Dispatcher, logger *logrus.Logger, stuckAfter time.Duration) *Watchdog {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster()
	}
	if stuckAfter <= 0 {
		stuckAfter = 15 * time.Minute
	}
	return &Watchdog{
		repo:        repo,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		logger:      logger,
		stuckAfter:  stuckAfter,
	}
}

// Run ticks until the context is cancelled
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(WatchdogTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick evaluates every device once. Exported so tests and the
// scheduler can drive it directly.
func (w *Watchdog) Tick(ctx context.Context) {
	devices, err := w.repo.ListDevices(ctx)
	if err != nil {
		w.logger.WithError(err).Error("Watchdog failed to list devices")
		return
	}

	now := time.Now()
	var flagged []*models.Device

	for _, device := range devices {
		device.DeriveStatus(now)

		switch {
		case device.OTAStatus == models.OTAStatusUpdating && !device.IsAtRisk &&
			device.ExpectedCheckinBy != nil && device.ExpectedCheckinBy.Before(now):
			if w.flag(ctx, device) {
				flagged = append(flagged, device)
				w.logger.WithFields(logrus.Fields{
					"mac":      device.MACAddress,
					"deadline": device.ExpectedCheckinBy,
				}).Warn("Device missed its update check-in window")

				if w.dispatcher != nil {
					w.dispatcher.Dispatch(webhook.EventDeviceAtRisk, map[string]interface{}{
						"macAddress":    device.MACAddress,
						"targetVersion": device.TargetVersion,
						"deadline":      device.ExpectedCheckinBy,
					})
				}
			}

		case device.OTAStatus == models.OTAStatusUpdating && !device.IsAtRisk &&
			device.UpdateStartedAt != nil && now.Sub(*device.UpdateStartedAt) > w.stuckAfter:
			if w.flag(ctx, device) {
				flagged = append(flagged, device)
				w.logger.WithField("mac", device.MACAddress).
					Warn("Device stuck in updating state")
			}

		case device.IsAtRisk && device.Status == models.DeviceOnline &&
			device.OTAStatus != models.OTAStatusUpdating:
			if err := w.repo.UpdateDeviceFields(ctx, device.MACAddress, map[string]interface{}{
				"is_at_risk":          false,
				"update_started_at":   nil,
				"expected_checkin_by": nil,
			}); err != nil {
				w.logger.WithError(err).WithField("mac", device.MACAddress).
					Error("Watchdog failed to clear at-risk flag")
				continue
			}
			device.IsAtRisk = false
			w.logger.WithField("mac", device.MACAddress).Info("Device recovered, at-risk cleared")
		}
	}

	if len(flagged) > 0 {
		refreshed, err := w.repo.ListDevices(ctx)
		if err == nil {
			for _, d := range refreshed {
				d.DeriveStatus(now)
			}
			w.broadcaster.BroadcastDevicesList(refreshed)
		}
		w.broadcaster.BroadcastAtRiskAlert(flagged)
	}
}

func (w *Watchdog) flag(ctx context.Context, device *models.Device) bool {
	if err := w.repo.UpdateDeviceFields(ctx, device.MACAddress, map[string]interface{}{
		"is_at_risk": true,
	}); err != nil {
		w.logger.WithError(err).WithField("mac", device.MACAddress).
			Error("Watchdog failed to flag device at risk")
		return false
	}
	device.IsAtRisk = true
	return true
}
