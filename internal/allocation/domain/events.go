package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// 领域事件主题
const (
	// EventTransactionRecorded 账本流水已记录
	EventTransactionRecorded = "allocation.transaction.recorded"
	// EventCircuitBreakerTripped 连败熔断触发
	EventCircuitBreakerTripped = "allocation.bucket.circuit_breaker"
	// EventDriftCorrected 对账漂移已自动修正
	EventDriftCorrected = "allocation.reconcile.corrected"
	// EventRebalanceApplied 再平衡结果已应用
	EventRebalanceApplied = "allocation.rebalance.applied"
)

// EventPublisher 领域事件发布接口；实现必须容忍 nil（不发布）
type EventPublisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// TransactionRecordedEvent 流水记录事件
type TransactionRecordedEvent struct {
	BucketID    string          `json:"bucket_id"`
	Type        TransactionType `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// CircuitBreakerTrippedEvent 熔断事件
type CircuitBreakerTrippedEvent struct {
	BucketID          string    `json:"bucket_id"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	PausedAt          time.Time `json:"paused_at"`
}

// DriftCorrectedEvent 漂移修正事件
type DriftCorrectedEvent struct {
	Currency   string          `json:"currency"`
	Difference decimal.Decimal `json:"difference"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// RebalanceAppliedEvent 再平衡应用事件
type RebalanceAppliedEvent struct {
	Satellites int       `json:"satellites"`
	PeriodDays int       `json:"period_days"`
	AppliedAt  time.Time `json:"applied_at"`
}
