package repository

import (
	"context"
	"time"

	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/utils"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Webhook operations implementation

func (r *repo) CreateWebhook(ctx context.Context, webhook *models.Webhook) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(webhook).Error
}

func (r *repo) UpdateWebhook(ctx context.Context, webhook *models.Webhook) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(webhook).Error
}

func (r *repo) FindWebhookByID(ctx context.Context, id uint) (*models.Webhook, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var webhook models.Webhook
	if err := gormDB.WithContext(ctx).First(&webhook, id).Error; err != nil {
		return nil, translate(err)
	}

	return &webhook, nil
}

func (r *repo) ListWebhooks(ctx context.Context) ([]*models.Webhook, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var webhooks []*models.Webhook
	if err := gormDB.WithContext(ctx).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	return webhooks, nil
}

func (r *repo) ListActiveWebhooks(ctx context.Context) ([]*models.Webhook, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var webhooks []*models.Webhook
	if err := gormDB.WithContext(ctx).Where("active = ?", true).Find(&webhooks).Error; err != nil {
		return nil, err
	}

	return webhooks, nil
}

func (r *repo) DeleteWebhook(ctx context.Context, id uint) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	result := gormDB.WithContext(ctx).Delete(&models.Webhook{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeviceConfig operations implementation

func (r *repo) CreateConfig(ctx context.Context, cfg *models.DeviceConfig) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return gormDB.WithContext(ctx).Create(cfg).Error
}

// UpdateConfig persists config changes and bumps the monotonic version
func (r *repo) UpdateConfig(ctx context.Context, cfg *models.DeviceConfig) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	cfg.Version++
	return gormDB.WithContext(ctx).Save(cfg).Error
}

func (r *repo) FindConfigByID(ctx context.Context, id uint) (*models.DeviceConfig, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var cfg models.DeviceConfig
	if err := gormDB.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, translate(err)
	}

	return &cfg, nil
}

func (r *repo) ListConfigs(ctx context.Context) ([]*models.DeviceConfig, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var configs []*models.DeviceConfig
	if err := gormDB.WithContext(ctx).Find(&configs).Error; err != nil {
		return nil, err
	}

	return configs, nil
}

// DeleteConfig removes a config and cascades to its assignments
func (r *repo) DeleteConfig(ctx context.Context, id uint) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.Transaction(func(tx *gorm.DB) error {
		result := tx.WithContext(ctx).Delete(&models.DeviceConfig{}, id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.WithContext(ctx).
			Where("config_id = ?", id).
			Delete(&models.DeviceConfigAssignment{}).Error
	})
}

func (r *repo) UpsertConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error {
	mac, err := utils.NormalizeMAC(assignment.MACAddress)
	if err != nil {
		return err
	}
	assignment.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mac_address"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"config_id", "config_version", "status", "applied_at", "updated_at",
		}),
	}).Create(assignment).Error
}

func (r *repo) FindConfigAssignment(ctx context.Context, mac string) (*models.DeviceConfigAssignment, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var assignment models.DeviceConfigAssignment
	if err := gormDB.WithContext(ctx).Where("mac_address = ?", mac).First(&assignment).Error; err != nil {
		return nil, translate(err)
	}

	return &assignment, nil
}

func (r *repo) UpdateConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(assignment).Error
}

// DeviceCommand operations implementation

func (r *repo) CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	mac, err := utils.NormalizeMAC(cmd.MACAddress)
	if err != nil {
		return err
	}
	cmd.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(cmd).Error
}

func (r *repo) FindCommandByID(ctx context.Context, id uint) (*models.DeviceCommand, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var cmd models.DeviceCommand
	if err := gormDB.WithContext(ctx).First(&cmd, id).Error; err != nil {
		return nil, translate(err)
	}

	return &cmd, nil
}

func (r *repo) ListPendingCommands(ctx context.Context, mac string) ([]*models.DeviceCommand, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var cmds []*models.DeviceCommand
	if err := gormDB.WithContext(ctx).
		Where("mac_address = ? AND status = ?", mac, models.CommandPending).
		Order("created_at ASC").
		Find(&cmds).Error; err != nil {
		return nil, err
	}

	return cmds, nil
}

func (r *repo) UpdateCommand(ctx context.Context, cmd *models.DeviceCommand) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(cmd).Error
}

// ExpireCommands transitions pending commands past their expiry
func (r *repo) ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return 0, err
	}

	result := gormDB.WithContext(ctx).Model(&models.DeviceCommand{}).
		Where("status = ? AND expires_at < ?", models.CommandPending, cutoff).
		Update("status", models.CommandExpired)
	return result.RowsAffected, result.Error
}

// Audit operations implementation

func (r *repo) CreateAuditLog(ctx context.Context, entry *models.AuditLog) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	query := gormDB.WithContext(ctx).Order("created_at DESC")
	if filter.EntityType != "" {
		query = query.Where("entity_type = ?", filter.EntityType)
	}
	if filter.Severity != "" {
		query = query.Where("severity = ?", filter.Severity)
	}
	if filter.From != nil {
		query = query.Where("created_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("created_at <= ?", *filter.To)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var entries []*models.AuditLog
	if err := query.Find(&entries).Error; err != nil {
		return nil, err
	}

	return entries, nil
}
