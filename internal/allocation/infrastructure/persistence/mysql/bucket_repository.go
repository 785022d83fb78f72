package mysql

import (
	"context"
	"errors"

	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// bucketRepository 桶仓储实现
type bucketRepository struct {
	db *gorm.DB
}

// NewBucketRepository 创建并返回一个新的 bucketRepository 实例。
func NewBucketRepository(db *gorm.DB) domain.BucketRepository {
	return &bucketRepository{db: db}
}

func (r *bucketRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

// Save 按业务主键 upsert
func (r *bucketRepository) Save(ctx context.Context, bucket *domain.Bucket) error {
	return r.getDB(ctx).WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "bucket_id"}},
			UpdateAll: true,
		}).
		Create(bucket).Error
}

func (r *bucketRepository) Get(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	var bucket domain.Bucket
	err := r.getDB(ctx).WithContext(ctx).
		Where("bucket_id = ?", bucketID).
		First(&bucket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &bucket, nil
}

func (r *bucketRepository) List(ctx context.Context) ([]*domain.Bucket, error) {
	var buckets []*domain.Bucket
	err := r.getDB(ctx).WithContext(ctx).
		Order("bucket_id asc").
		Find(&buckets).Error
	return buckets, err
}

func (r *bucketRepository) ListSatellites(ctx context.Context) ([]*domain.Bucket, error) {
	var buckets []*domain.Bucket
	err := r.getDB(ctx).WithContext(ctx).
		Where("type = ?", domain.BucketTypeSatellite).
		Order("bucket_id asc").
		Find(&buckets).Error
	return buckets, err
}
