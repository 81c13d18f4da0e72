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

// CommandService queues remote commands for devices to pull. Delivery
// is pull-based: the device drains its pending commands on its next
// poll, and anything unclaimed past its TTL expires.
type CommandService interface {
	Enqueue(ctx context.Context, mac, command, payload string) (*models.DeviceCommand, error)
	DrainPending(ctx context.Context, mac string) ([]*models.DeviceCommand, error)
	Acknowledge(ctx context.Context, id uint, status, response string) (*models.DeviceCommand, error)
	ExpireTick(ctx context.Context)
}

type commandService struct {
	repo        repository.Repository
	broadcaster Broadcaster
	logger      *logrus.Logger
}

// NewCommandService creates the command pipe
func NewCommandService(repo repository.Repository, broadcaster Broadcaster, logger *logrus.Logger) CommandService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster()
	}
	return &commandService{
		repo:        repo,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

func (s *commandService) Enqueue(ctx context.Context, mac, command, payload string) (*models.DeviceCommand, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.FindDeviceByMAC(ctx, mac); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrDeviceNotFound
		}
		return nil, err
	}

	cmd := &models.DeviceCommand{
		MACAddress: mac,
		Command:    command,
		Payload:    payload,
		Status:     models.CommandPending,
		ExpiresAt:  time.Now().Add(models.CommandTTL),
	}
	if err := s.repo.CreateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{"mac": mac, "command": command}).Info("Command queued")
	return cmd, nil
}

// DrainPending hands all live pending commands to the device, marking
// them sent. Commands past their TTL are expired and withheld.
func (s *commandService) DrainPending(ctx context.Context, mac string) ([]*models.DeviceCommand, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	pending, err := s.repo.ListPendingCommands(ctx, mac)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	delivered := make([]*models.DeviceCommand, 0, len(pending))
	for _, cmd := range pending {
		if cmd.ExpiresAt.Before(now) {
			cmd.Status = models.CommandExpired
			if err := s.repo.UpdateCommand(ctx, cmd); err != nil {
				s.logger.WithError(err).WithField("command", cmd.ID).Warn("Failed to expire command")
			}
			continue
		}

		cmd.Status = models.CommandSent
		sentAt := now
		cmd.SentAt = &sentAt
		if err := s.repo.UpdateCommand(ctx, cmd); err != nil {
			return nil, err
		}
		delivered = append(delivered, cmd)
	}

	return delivered, nil
}

// Acknowledge records the device's execution outcome and relays it to
// console subscribers.
func (s *commandService) Acknowledge(ctx context.Context, id uint, status, response string) (*models.DeviceCommand, error) {
	cmd, err := s.repo.FindCommandByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrCommandNotFound
		}
		return nil, err
	}

	switch status {
	case "success", "acknowledged":
		cmd.Status = models.CommandAcknowledged
	case "failed":
		cmd.Status = models.CommandFailed
	default:
		return nil, errors.New("invalid acknowledgement status")
	}

	now := time.Now()
	cmd.AcknowledgedAt = &now
	cmd.Response = response
	if err := s.repo.UpdateCommand(ctx, cmd); err != nil {
		return nil, err
	}

	s.broadcaster.BroadcastCommandAck(cmd.MACAddress, map[string]interface{}{
		"commandId": cmd.ID,
		"command":   cmd.Command,
		"status":    cmd.Status,
		"response":  response,
	})
	if response != "" {
		s.broadcaster.BroadcastConsoleOutput(cmd.MACAddress, response)
	}

	return cmd, nil
}

// ExpireTick is the periodic scan that expires unclaimed commands
func (s *commandService) ExpireTick(ctx context.Context) {
	n, err := s.repo.ExpireCommands(ctx, time.Now())
	if err != nil {
		s.logger.WithError(err).Error("Command expiry scan failed")
		return
	}
	if n > 0 {
		s.logger.WithField("expired", n).Debug("Expired unclaimed commands")
	}
}
