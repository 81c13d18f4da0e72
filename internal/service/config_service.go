package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/repository"
	"github.com/apsgrid/otaserver/internal/utils"

	"github.com/sirupsen/logrus"
)

// PendingConfig is what a device receives when polling for config
type PendingConfig struct {
	HasConfig     bool            `json:"hasConfig"`
	ConfigID      uint            `json:"configId,omitempty"`
	ConfigVersion int             `json:"configVersion,omitempty"`
	ConfigData    json.RawMessage `json:"configData,omitempty"`
}

// PushResult is the per-device outcome of a config push
type PushResult struct {
	MACAddress string `json:"macAddress"`
	Status     string `json:"status"` // assigned, failed
	Message    string `json:"message,omitempty"`
}

// ConfigService manages named configuration blobs and their pull-based
// delivery to devices.
type ConfigService interface {
	Create(ctx context.Context, name, configData string) (*models.DeviceConfig, error)
	Update(ctx context.Context, id uint, name, configData string) (*models.DeviceConfig, error)
	Get(ctx context.Context, id uint) (*models.DeviceConfig, error)
	List(ctx context.Context) ([]*models.DeviceConfig, error)
	Delete(ctx context.Context, id uint) error

	Push(ctx context.Context, id uint, macs []string) ([]PushResult, error)
	GetPending(ctx context.Context, mac string) (*PendingConfig, error)
	Ack(ctx context.Context, mac string, configVersion int) error
}

type configService struct {
	repo   repository.Repository
	logger *logrus.Logger
}

// NewConfigService creates the config pipe
func NewConfigService(repo repository.Repository, logger *logrus.Logger) ConfigService {
	return &configService{repo: repo, logger: logger}
}

func validateConfigData(configData string) error {
	if !json.Valid([]byte(configData)) {
		return errors.New("configData must be valid JSON")
	}
	return nil
}

func (s *configService) Create(ctx context.Context, name, configData string) (*models.DeviceConfig, error) {
	if err := validateConfigData(configData); err != nil {
		return nil, err
	}

	cfg := &models.DeviceConfig{
		Name:       name,
		ConfigData: configData,
		Version:    1,
	}
	if err := s.repo.CreateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Update replaces the config body and bumps its monotonic version
func (s *configService) Update(ctx context.Context, id uint, name, configData string) (*models.DeviceConfig, error) {
	if err := validateConfigData(configData); err != nil {
		return nil, err
	}

	cfg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if name != "" {
		cfg.Name = name
	}
	cfg.ConfigData = configData
	if err := s.repo.UpdateConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (s *configService) Get(ctx context.Context, id uint) (*models.DeviceConfig, error) {
	cfg, err := s.repo.FindConfigByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, err
	}
	return cfg, nil
}

func (s *configService) List(ctx context.Context) ([]*models.DeviceConfig, error) {
	return s.repo.ListConfigs(ctx)
}

func (s *configService) Delete(ctx context.Context, id uint) error {
	err := s.repo.DeleteConfig(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return ErrConfigNotFound
	}
	return err
}

// Push assigns the config at its current version to each device. The
// device picks it up on its next config poll.
func (s *configService) Push(ctx context.Context, id uint, macs []string) ([]PushResult, error) {
	cfg, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	results := make([]PushResult, 0, len(macs))
	for _, raw := range macs {
		mac, merr := utils.NormalizeMAC(raw)
		if merr != nil {
			results = append(results, PushResult{MACAddress: raw, Status: "failed", Message: merr.Error()})
			continue
		}
		if _, derr := s.repo.FindDeviceByMAC(ctx, mac); derr != nil {
			results = append(results, PushResult{MACAddress: mac, Status: "failed", Message: "device not found"})
			continue
		}

		err := s.repo.UpsertConfigAssignment(ctx, &models.DeviceConfigAssignment{
			MACAddress:    mac,
			ConfigID:      cfg.ID,
			ConfigVersion: cfg.Version,
			Status:        models.ConfigPending,
			AppliedAt:     nil,
		})
		if err != nil {
			results = append(results, PushResult{MACAddress: mac, Status: "failed", Message: err.Error()})
			continue
		}
		results = append(results, PushResult{MACAddress: mac, Status: "assigned"})
	}

	s.logger.WithFields(logrus.Fields{
		"config":  cfg.Name,
		"version": cfg.Version,
		"devices": len(macs),
	}).Info("Config pushed")

	return results, nil
}

// GetPending returns the device's unapplied config, if any
func (s *configService) GetPending(ctx context.Context, mac string) (*PendingConfig, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	assignment, err := s.repo.FindConfigAssignment(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &PendingConfig{HasConfig: false}, nil
		}
		return nil, err
	}
	if assignment.Status == models.ConfigApplied {
		return &PendingConfig{HasConfig: false}, nil
	}

	cfg, err := s.repo.FindConfigByID(ctx, assignment.ConfigID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &PendingConfig{HasConfig: false}, nil
		}
		return nil, err
	}

	return &PendingConfig{
		HasConfig:     true,
		ConfigID:      cfg.ID,
		ConfigVersion: assignment.ConfigVersion,
		ConfigData:    json.RawMessage(cfg.ConfigData),
	}, nil
}

// Ack marks the assignment applied and records the version on the device
func (s *configService) Ack(ctx context.Context, mac string, configVersion int) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	assignment, err := s.repo.FindConfigAssignment(ctx, mac)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrConfigNotFound
		}
		return err
	}

	now := time.Now()
	assignment.Status = models.ConfigApplied
	assignment.AppliedAt = &now
	if err := s.repo.UpdateConfigAssignment(ctx, assignment); err != nil {
		return err
	}

	if err := s.repo.UpdateDeviceFields(ctx, mac, map[string]interface{}{
		"config_version": configVersion,
	}); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	s.logger.WithFields(logrus.Fields{"mac": mac, "version": configVersion}).Info("Config applied")
	return nil
}
