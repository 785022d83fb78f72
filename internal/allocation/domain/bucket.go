// Package domain 分仓（核心仓 + 卫星仓）领域模型
// 一个真实券商现金余额被虚拟拆分为若干记账桶：一个核心仓加零或多个卫星仓，
// 各桶余额之和必须与真实余额对账一致。
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// CoreBucketID 核心仓固定 ID，全局唯一
const CoreBucketID = "core"

// DefaultMaxConsecutiveLosses 连败熔断默认阈值
const DefaultMaxConsecutiveLosses = 5

// RetireDustTolerance 退休时允许残留的现金尘埃（所有币种合计）
var RetireDustTolerance = decimal.NewFromFloat(0.01)

// BucketType 桶类型
type BucketType string

const (
	BucketTypeCore      BucketType = "core"
	BucketTypeSatellite BucketType = "satellite"
)

// BucketStatus 桶生命周期状态
type BucketStatus string

const (
	// StatusResearch 研究中，尚未注资
	StatusResearch BucketStatus = "research"
	// StatusAccumulating 建仓中，接受入金但未满额
	StatusAccumulating BucketStatus = "accumulating"
	// StatusActive 正常运行
	StatusActive BucketStatus = "active"
	// StatusHibernating 休眠，保留资金但暂停交易
	StatusHibernating BucketStatus = "hibernating"
	// StatusPaused 暂停（人工或连败熔断）
	StatusPaused BucketStatus = "paused"
	// StatusRetired 退休，仅保留历史记录
	StatusRetired BucketStatus = "retired"
)

// Bucket 记账桶实体
// 核心仓在初始化时创建且永远 active；卫星仓经历完整生命周期。
// 桶从不物理删除，退休是状态而非移除。
type Bucket struct {
	gorm.Model
	// 业务主键，如 "core"、"momentum-eu"
	BucketID string     `gorm:"column:bucket_id;type:varchar(64);uniqueIndex;not null" json:"bucket_id"`
	Name     string     `gorm:"column:name;type:varchar(128);not null" json:"name"`
	Type     BucketType `gorm:"column:type;type:varchar(16);not null" json:"type"`
	Status   BucketStatus `gorm:"column:status;type:varchar(16);not null" json:"status"`
	Notes    string     `gorm:"column:notes;type:text" json:"notes"`
	// 目标占比，激活前允许为空
	TargetPct *decimal.Decimal `gorm:"column:target_pct;type:decimal(8,6)" json:"target_pct"`
	// 占比上下界，核心仓不设界
	MinPct *decimal.Decimal `gorm:"column:min_pct;type:decimal(8,6)" json:"min_pct"`
	MaxPct *decimal.Decimal `gorm:"column:max_pct;type:decimal(8,6)" json:"max_pct"`
	// 连续亏损计数
	ConsecutiveLosses int `gorm:"column:consecutive_losses;not null;default:0" json:"consecutive_losses"`
	// 连败熔断阈值
	MaxConsecutiveLosses int `gorm:"column:max_consecutive_losses;not null;default:5" json:"max_consecutive_losses"`
	// 历史最高观测市值
	HighWaterMark     decimal.Decimal `gorm:"column:high_water_mark;type:decimal(32,18);not null;default:0" json:"high_water_mark"`
	HighWaterMarkDate *time.Time      `gorm:"column:high_water_mark_date" json:"high_water_mark_date"`
	// 连败熔断触发时间
	LossStreakPausedAt *time.Time `gorm:"column:loss_streak_paused_at" json:"loss_streak_paused_at"`
}

func (Bucket) TableName() string { return "allocation_buckets" }

// NewCoreBucket 创建核心仓，始终 active 且无占比约束
func NewCoreBucket() *Bucket {
	return &Bucket{
		BucketID:             CoreBucketID,
		Name:                 "Core",
		Type:                 BucketTypeCore,
		Status:               StatusActive,
		MaxConsecutiveLosses: DefaultMaxConsecutiveLosses,
	}
}

// NewSatelliteBucket 创建卫星仓，初始状态为 research
func NewSatelliteBucket(bucketID, name string, minPct, maxPct decimal.Decimal) *Bucket {
	return &Bucket{
		BucketID:             bucketID,
		Name:                 name,
		Type:                 BucketTypeSatellite,
		Status:               StatusResearch,
		MinPct:               &minPct,
		MaxPct:               &maxPct,
		MaxConsecutiveLosses: DefaultMaxConsecutiveLosses,
	}
}

// IsCore 是否核心仓
func (b *Bucket) IsCore() bool { return b.BucketID == CoreBucketID }

// Activate 激活：仅允许 research|accumulating → active
func (b *Bucket) Activate() error {
	if b.Status != StatusResearch && b.Status != StatusAccumulating {
		return &TransitionError{BucketID: b.BucketID, From: b.Status, To: StatusActive}
	}
	b.Status = StatusActive
	return nil
}

// Pause 暂停：retired 与已 paused 之外的任意状态均可
func (b *Bucket) Pause() error {
	if b.Status == StatusRetired || b.Status == StatusPaused {
		return &TransitionError{BucketID: b.BucketID, From: b.Status, To: StatusPaused}
	}
	b.Status = StatusPaused
	return nil
}

// Resume 恢复：paused → active（target_pct ≥ min_pct 时）否则 accumulating
func (b *Bucket) Resume() error {
	if b.Status != StatusPaused {
		return &TransitionError{BucketID: b.BucketID, From: b.Status, To: StatusActive}
	}
	if b.IsCore() {
		b.Status = StatusActive
		return nil
	}
	if b.TargetPct != nil && b.MinPct != nil && b.TargetPct.GreaterThanOrEqual(*b.MinPct) {
		b.Status = StatusActive
	} else {
		b.Status = StatusAccumulating
	}
	b.ConsecutiveLosses = 0
	b.LossStreakPausedAt = nil
	return nil
}

// Hibernate 休眠：仅卫星仓，且不处于 retired/research/hibernating
func (b *Bucket) Hibernate() error {
	if b.IsCore() || b.Type != BucketTypeSatellite ||
		b.Status == StatusRetired || b.Status == StatusResearch || b.Status == StatusHibernating {
		return &TransitionError{BucketID: b.BucketID, From: b.Status, To: StatusHibernating}
	}
	b.Status = StatusHibernating
	return nil
}

// Retire 退休：仅卫星仓且必须先 paused；资金残留检查由应用层完成
func (b *Bucket) Retire() error {
	if b.IsCore() || b.Type != BucketTypeSatellite || b.Status != StatusPaused {
		return &TransitionError{BucketID: b.BucketID, From: b.Status, To: StatusRetired}
	}
	b.Status = StatusRetired
	return nil
}

// RecordTradeResult 记录交易胜负，驱动连败熔断
// 胜场清零连败计数；败场累加，达到阈值时强制 paused 并打上时间戳。
// 返回本次是否触发熔断。
func (b *Bucket) RecordTradeResult(isWin bool, now time.Time) bool {
	if isWin {
		b.ConsecutiveLosses = 0
		return false
	}
	b.ConsecutiveLosses++
	if b.ConsecutiveLosses >= b.MaxConsecutiveLosses &&
		b.Status != StatusPaused && b.Status != StatusRetired {
		b.Status = StatusPaused
		b.LossStreakPausedAt = &now
		return true
	}
	return false
}

// UpdateHighWaterMark 抬高水位线；仅当新值严格大于当前水位时生效
func (b *Bucket) UpdateHighWaterMark(currentValue decimal.Decimal, now time.Time) bool {
	if currentValue.LessThanOrEqual(b.HighWaterMark) {
		return false
	}
	b.HighWaterMark = currentValue
	b.HighWaterMarkDate = &now
	return true
}

// ValidateBounds 校验 min_pct ≤ target_pct ≤ max_pct（核心仓不设界）
func (b *Bucket) ValidateBounds() error {
	if b.IsCore() || b.TargetPct == nil {
		return nil
	}
	if b.MinPct != nil && b.TargetPct.LessThan(*b.MinPct) {
		return ErrValidation
	}
	if b.MaxPct != nil && b.TargetPct.GreaterThan(*b.MaxPct) {
		return ErrValidation
	}
	return nil
}
