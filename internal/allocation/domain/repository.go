package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// BucketRepository 桶仓储接口
// 查询未命中时返回 (nil, nil)，由应用层转换为 ErrBucketNotFound。
type BucketRepository interface {
	// Save 保存或更新桶
	Save(ctx context.Context, bucket *Bucket) error
	// Get 根据业务主键获取桶
	Get(ctx context.Context, bucketID string) (*Bucket, error)
	// List 列出全部桶
	List(ctx context.Context) ([]*Bucket, error)
	// ListSatellites 列出全部卫星仓
	ListSatellites(ctx context.Context) ([]*Bucket, error)
}

// TransactionFilter 流水查询条件
type TransactionFilter struct {
	BucketID string
	Currency string
	Type     *TransactionType
	// 返回条数上限，0 表示不限
	Limit int
}

// LedgerRepository 账本仓储接口
// WithTx 是账本的原子性边界：余额变更与流水插入必须在同一事务内。
type LedgerRepository interface {
	// WithTx 在单个存储事务中执行 fn，事务通过 context 向下传递
	WithTx(ctx context.Context, fn func(txCtx context.Context) error) error
	// GetBalance 获取余额行，未命中返回 (nil, nil)
	GetBalance(ctx context.Context, bucketID, currency string) (*BucketBalance, error)
	// ListBalancesByBucket 列出某桶全部币种余额
	ListBalancesByBucket(ctx context.Context, bucketID string) ([]*BucketBalance, error)
	// ListBalancesByCurrency 列出某币种全部桶余额
	ListBalancesByCurrency(ctx context.Context, currency string) ([]*BucketBalance, error)
	// AdjustBalance 余额加减 delta，行不存在时先以零余额创建
	AdjustBalance(ctx context.Context, bucketID, currency string, delta decimal.Decimal) (*BucketBalance, error)
	// SetBalance 覆盖写（upsert），仅用于带外初始化与强制对账
	SetBalance(ctx context.Context, bucketID, currency string, amount decimal.Decimal) (*BucketBalance, error)
	// SumByCurrency 某币种全部桶余额之和（不变量左侧）
	SumByCurrency(ctx context.Context, currency string) (decimal.Decimal, error)
	// InsertTransaction 追加审计流水
	InsertTransaction(ctx context.Context, tx *BucketTransaction) error
	// ListTransactions 按条件倒序查询流水
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*BucketTransaction, error)
}

// SettingsRepository 设置仓储接口
type SettingsRepository interface {
	// GetFloat 读取全局标量，未设置时返回 defaultValue
	GetFloat(ctx context.Context, key string, defaultValue float64) (float64, error)
	// SetFloat 写入全局标量
	SetFloat(ctx context.Context, key string, value float64) error
	// SaveSatelliteSettings 保存或更新卫星仓策略配置
	SaveSatelliteSettings(ctx context.Context, settings *SatelliteSettings) error
	// GetSatelliteSettings 获取卫星仓策略配置，未命中返回 (nil, nil)
	GetSatelliteSettings(ctx context.Context, bucketID string) (*SatelliteSettings, error)
}
