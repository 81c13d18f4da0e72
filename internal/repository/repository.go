package repository

import (
	"context"
	"errors"
	"time"

	"github.com/apsgrid/otaserver/internal/database"
	"github.com/apsgrid/otaserver/internal/models"
	"github.com/apsgrid/otaserver/internal/utils"

	"gorm.io/gorm"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("record not found")

// AuditFilter narrows audit log queries
type AuditFilter struct {
	EntityType string
	Severity   models.AuditSeverity
	From       *time.Time
	To         *time.Time
	Limit      int
}

// Repository provides data access methods. All MAC parameters are
// normalized internally; callers may pass any accepted representation.
type Repository interface {
	// Transaction support
	WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error

	// Device operations
	CreateDevice(ctx context.Context, device *models.Device) error
	UpdateDevice(ctx context.Context, device *models.Device) error
	UpdateDeviceFields(ctx context.Context, mac string, fields map[string]interface{}) error
	TouchLastSeen(ctx context.Context, mac string, seen time.Time) error
	FindDeviceByID(ctx context.Context, id uint) (*models.Device, error)
	FindDeviceByMAC(ctx context.Context, mac string) (*models.Device, error)
	ListDevices(ctx context.Context) ([]*models.Device, error)
	DeleteDevice(ctx context.Context, mac string) error

	// DeviceLog operations
	CreateDeviceLog(ctx context.Context, entry *models.DeviceLog) error
	ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*models.DeviceLog, error)
	ClearDeviceLogs(ctx context.Context, mac string) error

	// Heartbeat operations
	CreateHeartbeat(ctx context.Context, hb *models.DeviceHeartbeat) error
	ListHeartbeats(ctx context.Context, mac string, since time.Time) ([]*models.DeviceHeartbeat, error)

	// Firmware operations
	CreateFirmware(ctx context.Context, fw *models.Firmware) error
	FindFirmwareByID(ctx context.Context, id uint) (*models.Firmware, error)
	FindFirmwareByVersion(ctx context.Context, version string) (*models.Firmware, error)
	ListFirmwares(ctx context.Context) ([]*models.Firmware, error)
	DeleteFirmware(ctx context.Context, version string) error
	IncrementDownloadCount(ctx context.Context, version string) error

	// StagedRollout operations
	CreateRollout(ctx context.Context, rollout *models.StagedRollout) error
	UpdateRollout(ctx context.Context, rollout *models.StagedRollout) error
	FindRolloutByID(ctx context.Context, id uint) (*models.StagedRollout, error)
	ListRollouts(ctx context.Context) ([]*models.StagedRollout, error)
	DeleteRollout(ctx context.Context, id uint) error

	// Webhook operations
	CreateWebhook(ctx context.Context, webhook *models.Webhook) error
	UpdateWebhook(ctx context.Context, webhook *models.Webhook) error
	FindWebhookByID(ctx context.Context, id uint) (*models.Webhook, error)
	ListWebhooks(ctx context.Context) ([]*models.Webhook, error)
	ListActiveWebhooks(ctx context.Context) ([]*models.Webhook, error)
	DeleteWebhook(ctx context.Context, id uint) error

	// DeviceConfig operations
	CreateConfig(ctx context.Context, cfg *models.DeviceConfig) error
	UpdateConfig(ctx context.Context, cfg *models.DeviceConfig) error
	FindConfigByID(ctx context.Context, id uint) (*models.DeviceConfig, error)
	ListConfigs(ctx context.Context) ([]*models.DeviceConfig, error)
	DeleteConfig(ctx context.Context, id uint) error
	UpsertConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error
	FindConfigAssignment(ctx context.Context, mac string) (*models.DeviceConfigAssignment, error)
	UpdateConfigAssignment(ctx context.Context, assignment *models.DeviceConfigAssignment) error

	// DeviceCommand operations
	CreateCommand(ctx context.Context, cmd *models.DeviceCommand) error
	FindCommandByID(ctx context.Context, id uint) (*models.DeviceCommand, error)
	ListPendingCommands(ctx context.Context, mac string) ([]*models.DeviceCommand, error)
	UpdateCommand(ctx context.Context, cmd *models.DeviceCommand) error
	ExpireCommands(ctx context.Context, cutoff time.Time) (int64, error)

	// Audit operations
	CreateAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, filter AuditFilter) ([]*models.AuditLog, error)
}

// repo is the gorm-backed implementation of the Repository interface
type repo struct {
	db database.DB
}

// dbWrapper adapts a transactional gorm handle to the database.DB interface
type dbWrapper struct {
	db *gorm.DB
}

func (w *dbWrapper) DB() (*gorm.DB, error) {
	return w.db, nil
}

func (w *dbWrapper) Close() error {
	return nil
}

// NewRepository creates a new repository instance
func NewRepository(db database.DB) Repository {
	return &repo{db: db}
}

// WithTransaction executes the given function within a database transaction
func (r *repo) WithTransaction(ctx context.Context, fn func(ctx context.Context, txRepo Repository) error) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.Transaction(func(tx *gorm.DB) error {
		txRepo := &repo{db: &dbWrapper{db: tx}}
		return fn(ctx, txRepo)
	})
}

// translate maps gorm errors to the repository error taxonomy
func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// Device operations implementation

func (r *repo) CreateDevice(ctx context.Context, device *models.Device) error {
	mac, err := utils.NormalizeMAC(device.MACAddress)
	if err != nil {
		return err
	}
	device.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(device).Error
}

func (r *repo) UpdateDevice(ctx context.Context, device *models.Device) error {
	mac, err := utils.NormalizeMAC(device.MACAddress)
	if err != nil {
		return err
	}
	device.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(device).Error
}

// UpdateDeviceFields applies a partial update by MAC. This is the
// primitive the update queue and the OTA handler build their
// transactional transitions on.
func (r *repo) UpdateDeviceFields(ctx context.Context, mac string, fields map[string]interface{}) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	result := gormDB.WithContext(ctx).Model(&models.Device{}).
		Where("mac_address = ?", mac).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen advances last_seen monotonically; concurrent writers
// take the max.
func (r *repo) TouchLastSeen(ctx context.Context, mac string, seen time.Time) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Model(&models.Device{}).
		Where("mac_address = ? AND (last_seen IS NULL OR last_seen < ?)", mac, seen).
		Update("last_seen", seen).Error
}

func (r *repo) FindDeviceByID(ctx context.Context, id uint) (*models.Device, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.WithContext(ctx).First(&device, id).Error; err != nil {
		return nil, translate(err)
	}

	return r.canonicalized(ctx, &device), nil
}

func (r *repo) FindDeviceByMAC(ctx context.Context, mac string) (*models.Device, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var device models.Device
	if err := gormDB.WithContext(ctx).Where("mac_address = ?", mac).First(&device).Error; err != nil {
		return nil, translate(err)
	}

	return &device, nil
}

func (r *repo) ListDevices(ctx context.Context) ([]*models.Device, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	// Stable ordering: staged rollouts slice the fleet by position in
	// this list, so the order must not depend on mutation time.
	var devices []*models.Device
	if err := gormDB.WithContext(ctx).Order("id ASC").Find(&devices).Error; err != nil {
		return nil, err
	}

	return devices, nil
}

func (r *repo) DeleteDevice(ctx context.Context, mac string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	result := gormDB.WithContext(ctx).Where("mac_address = ?", mac).Delete(&models.Device{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// canonicalized opportunistically rewrites legacy non-canonical MAC
// rows when they are read.
func (r *repo) canonicalized(ctx context.Context, device *models.Device) *models.Device {
	if utils.IsCanonicalMAC(device.MACAddress) {
		return device
	}
	mac, err := utils.NormalizeMAC(device.MACAddress)
	if err != nil {
		return device
	}
	if gormDB, dbErr := r.db.DB(); dbErr == nil {
		gormDB.WithContext(ctx).Model(&models.Device{}).
			Where("id = ?", device.ID).
			Update("mac_address", mac)
	}
	device.MACAddress = mac
	return device
}

// DeviceLog operations implementation

func (r *repo) CreateDeviceLog(ctx context.Context, entry *models.DeviceLog) error {
	mac, err := utils.NormalizeMAC(entry.MACAddress)
	if err != nil {
		return err
	}
	entry.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(entry).Error
}

func (r *repo) ListDeviceLogs(ctx context.Context, mac string, limit int) ([]*models.DeviceLog, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var logs []*models.DeviceLog
	query := gormDB.WithContext(ctx).
		Where("mac_address = ? AND cleared = ?", mac, false).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *repo) ClearDeviceLogs(ctx context.Context, mac string) error {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Model(&models.DeviceLog{}).
		Where("mac_address = ?", mac).
		Update("cleared", true).Error
}

// Heartbeat operations implementation

func (r *repo) CreateHeartbeat(ctx context.Context, hb *models.DeviceHeartbeat) error {
	mac, err := utils.NormalizeMAC(hb.MACAddress)
	if err != nil {
		return err
	}
	hb.MACAddress = mac

	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(hb).Error
}

func (r *repo) ListHeartbeats(ctx context.Context, mac string, since time.Time) ([]*models.DeviceHeartbeat, error) {
	mac, err := utils.NormalizeMAC(mac)
	if err != nil {
		return nil, err
	}

	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var beats []*models.DeviceHeartbeat
	if err := gormDB.WithContext(ctx).
		Where("mac_address = ? AND created_at >= ?", mac, since).
		Order("created_at ASC").
		Find(&beats).Error; err != nil {
		return nil, err
	}

	return beats, nil
}
