package repository

import (
	"context"

	"github.com/apsgrid/otaserver/internal/models"

	"gorm.io/gorm"
)

// Firmware operations implementation

func (r *repo) CreateFirmware(ctx context.Context, fw *models.Firmware) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(fw).Error
}

func (r *repo) FindFirmwareByID(ctx context.Context, id uint) (*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var fw models.Firmware
	if err := gormDB.WithContext(ctx).First(&fw, id).Error; err != nil {
		return nil, translate(err)
	}

	return &fw, nil
}

func (r *repo) FindFirmwareByVersion(ctx context.Context, version string) (*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var fw models.Firmware
	if err := gormDB.WithContext(ctx).Where("version = ?", version).First(&fw).Error; err != nil {
		return nil, translate(err)
	}

	return &fw, nil
}

func (r *repo) ListFirmwares(ctx context.Context) ([]*models.Firmware, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var firmwares []*models.Firmware
	if err := gormDB.WithContext(ctx).Order("created_at DESC").Find(&firmwares).Error; err != nil {
		return nil, err
	}

	return firmwares, nil
}

func (r *repo) DeleteFirmware(ctx context.Context, version string) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	result := gormDB.WithContext(ctx).Where("version = ?", version).Delete(&models.Firmware{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repo) IncrementDownloadCount(ctx context.Context, version string) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Model(&models.Firmware{}).
		Where("version = ?", version).
		Update("download_count", gorm.Expr("download_count + 1")).Error
}

// StagedRollout operations implementation

func (r *repo) CreateRollout(ctx context.Context, rollout *models.StagedRollout) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Create(rollout).Error
}

func (r *repo) UpdateRollout(ctx context.Context, rollout *models.StagedRollout) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	return gormDB.WithContext(ctx).Save(rollout).Error
}

func (r *repo) FindRolloutByID(ctx context.Context, id uint) (*models.StagedRollout, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var rollout models.StagedRollout
	if err := gormDB.WithContext(ctx).First(&rollout, id).Error; err != nil {
		return nil, translate(err)
	}

	return &rollout, nil
}

func (r *repo) ListRollouts(ctx context.Context) ([]*models.StagedRollout, error) {
	gormDB, err := r.db.DB()
	if err != nil {
		return nil, err
	}

	var rollouts []*models.StagedRollout
	if err := gormDB.WithContext(ctx).Order("created_at DESC").Find(&rollouts).Error; err != nil {
		return nil, err
	}

	return rollouts, nil
}

func (r *repo) DeleteRollout(ctx context.Context, id uint) error {
	gormDB, err := r.db.DB()
	if err != nil {
		return err
	}

	result := gormDB.WithContext(ctx).Delete(&models.StagedRollout{}, id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
