package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// settingsRepository 设置仓储实现
type settingsRepository struct {
	db *gorm.DB
}

// NewSettingsRepository 创建并返回一个新的 settingsRepository 实例。
func NewSettingsRepository(db *gorm.DB) domain.SettingsRepository {
	return &settingsRepository{db: db}
}

func (r *settingsRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

func (r *settingsRepository) GetFloat(ctx context.Context, key string, defaultValue float64) (float64, error) {
	var row domain.Setting
	err := r.getDB(ctx).WithContext(ctx).
		Where("setting_key = ?", key).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return defaultValue, nil
		}
		return defaultValue, err
	}
	return row.Value, nil
}

func (r *settingsRepository) SetFloat(ctx context.Context, key string, value float64) error {
	return r.getDB(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "setting_key"}},
			DoUpdates: clause.AssignmentColumns([]string{"setting_value"}),
		}).
		Create(&domain.Setting{Key: key, Value: value}).Error
}

func (r *settingsRepository) SaveSatelliteSettings(ctx context.Context, settings *domain.SatelliteSettings) error {
	return r.getDB(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_id"}},
			UpdateAll: true,
		}).
		Create(settings).Error
}

func (r *settingsRepository) GetSatelliteSettings(ctx context.Context, bucketID string) (*domain.SatelliteSettings, error) {
	var row domain.SatelliteSettings
	err := r.getDB(ctx).WithContext(ctx).
		Where("bucket_id = ?", bucketID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}
