package mysql

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"gorm.io/gorm"
)

// ledgerRepository 账本仓储实现
// 余额调整用 UPDATE ... SET balance = balance + ? 在数据库侧原子完成，
// 避免读改写竞态；事务经 context 传递，余额与流水落在同一事务。
type ledgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository 创建并返回一个新的 ledgerRepository 实例。
func NewLedgerRepository(db *gorm.DB) domain.LedgerRepository {
	return &ledgerRepository{db: db}
}

func (r *ledgerRepository) getDB(ctx context.Context) *gorm.DB {
	return dbFromContext(ctx, r.db)
}

func (r *ledgerRepository) WithTx(ctx context.Context, fn func(txCtx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		// 已在事务内，直接复用
		return fn(ctx)
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(withTxContext(ctx, tx))
	})
}

func (r *ledgerRepository) GetBalance(ctx context.Context, bucketID, currency string) (*domain.BucketBalance, error) {
	var row domain.BucketBalance
	err := r.getDB(ctx).WithContext(ctx).
		Where("bucket_id = ? AND currency = ?", bucketID, currency).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &row, nil
}

func (r *ledgerRepository) ListBalancesByBucket(ctx context.Context, bucketID string) ([]*domain.BucketBalance, error) {
	var rows []*domain.BucketBalance
	err := r.getDB(ctx).WithContext(ctx).
		Where("bucket_id = ?", bucketID).
		Order("currency asc").
		Find(&rows).Error
	return rows, err
}

func (r *ledgerRepository) ListBalancesByCurrency(ctx context.Context, currency string) ([]*domain.BucketBalance, error) {
	var rows []*domain.BucketBalance
	err := r.getDB(ctx).WithContext(ctx).
		Where("currency = ?", currency).
		Order("bucket_id asc").
		Find(&rows).Error
	return rows, err
}

// AdjustBalance 余额加减 delta；(bucket_id, currency) 行不存在时先以零余额创建
func (r *ledgerRepository) AdjustBalance(ctx context.Context, bucketID, currency string, delta decimal.Decimal) (*domain.BucketBalance, error) {
	db := r.getDB(ctx).WithContext(ctx)

	result := db.Model(&domain.BucketBalance{}).
		Where("bucket_id = ? AND currency = ?", bucketID, currency).
		Update("balance", gorm.Expr("balance + ?", delta))
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		row := &domain.BucketBalance{
			BucketID: bucketID,
			Currency: currency,
			Balance:  delta,
		}
		if err := db.Create(row).Error; err != nil {
			return nil, err
		}
		return row, nil
	}
	return r.GetBalance(ctx, bucketID, currency)
}

// SetBalance 覆盖写；仅用于初始化引导与强制对账
func (r *ledgerRepository) SetBalance(ctx context.Context, bucketID, currency string, amount decimal.Decimal) (*domain.BucketBalance, error) {
	db := r.getDB(ctx).WithContext(ctx)

	result := db.Model(&domain.BucketBalance{}).
		Where("bucket_id = ? AND currency = ?", bucketID, currency).
		Update("balance", amount)
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		row := &domain.BucketBalance{
			BucketID: bucketID,
			Currency: currency,
			Balance:  amount,
		}
		if err := db.Create(row).Error; err != nil {
			return nil, err
		}
		return row, nil
	}
	return r.GetBalance(ctx, bucketID, currency)
}

func (r *ledgerRepository) SumByCurrency(ctx context.Context, currency string) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.getDB(ctx).WithContext(ctx).
		Model(&domain.BucketBalance{}).
		Where("currency = ?", currency).
		Select("COALESCE(SUM(balance), 0)").
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

func (r *ledgerRepository) InsertTransaction(ctx context.Context, tx *domain.BucketTransaction) error {
	return r.getDB(ctx).WithContext(ctx).Create(tx).Error
}

func (r *ledgerRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.BucketTransaction, error) {
	query := r.getDB(ctx).WithContext(ctx).Model(&domain.BucketTransaction{})
	if filter.BucketID != "" {
		query = query.Where("bucket_id = ?", filter.BucketID)
	}
	if filter.Currency != "" {
		query = query.Where("currency = ?", filter.Currency)
	}
	if filter.Type != nil {
		query = query.Where("type = ?", *filter.Type)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []*domain.BucketTransaction
	err := query.Order("id desc").Find(&rows).Error
	return rows, err
}
