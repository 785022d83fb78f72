package domain

import (
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TransactionType 流水类型
type TransactionType string

const (
	// TxDeposit 入金分配
	TxDeposit TransactionType = "deposit"
	// TxReallocation 再平衡调仓（仅元分配器与对账修正使用）
	TxReallocation TransactionType = "reallocation"
	// TxTradeBuy 买入结算，金额按绝对值记录，方向由类型隐含
	TxTradeBuy TransactionType = "trade_buy"
	// TxTradeSell 卖出结算，金额按绝对值记录
	TxTradeSell TransactionType = "trade_sell"
	// TxDividend 股息入账
	TxDividend TransactionType = "dividend"
	// TxTransferIn 桶间转入
	TxTransferIn TransactionType = "transfer_in"
	// TxTransferOut 桶间转出
	TxTransferOut TransactionType = "transfer_out"
)

// BucketBalance 单个（桶，币种）的现金余额
// 每对 (bucket_id, currency) 至多一行；首次调整时以零余额惰性创建。
// 只允许通过账本服务的原子操作变更，禁止直接写。
type BucketBalance struct {
	gorm.Model
	BucketID string          `gorm:"column:bucket_id;type:varchar(64);uniqueIndex:idx_bucket_currency;not null" json:"bucket_id"`
	Currency string          `gorm:"column:currency;type:char(3);not null;uniqueIndex:idx_bucket_currency" json:"currency"`
	Balance  decimal.Decimal `gorm:"column:balance;type:decimal(32,18);not null;default:0" json:"balance"`
}

func (BucketBalance) TableName() string { return "allocation_bucket_balances" }

// BucketTransaction 只追加的审计流水
// 从不更新或删除；每次余额变更必须在同一事务内产生恰好一条
//（转账为两条）对应流水。
type BucketTransaction struct {
	gorm.Model
	BucketID string          `gorm:"column:bucket_id;type:varchar(64);index;not null" json:"bucket_id"`
	Type     TransactionType `gorm:"column:type;type:varchar(16);index;not null" json:"type"`
	// 有符号金额；trade_buy/trade_sell 存绝对值，方向由类型隐含
	Amount      decimal.Decimal `gorm:"column:amount;type:decimal(32,18);not null" json:"amount"`
	Currency    string          `gorm:"column:currency;type:char(3);not null" json:"currency"`
	Description string          `gorm:"column:description;type:varchar(255)" json:"description"`
}

func (BucketTransaction) TableName() string { return "allocation_bucket_transactions" }
