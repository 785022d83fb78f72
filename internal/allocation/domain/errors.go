package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrBucketNotFound 桶不存在
	ErrBucketNotFound = errors.New("bucket not found")
	// ErrBucketExists 桶已存在
	ErrBucketExists = errors.New("bucket already exists")
	// ErrInvalidAmount 金额非法（要求正数或非负数处出现零/负值）
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrInsufficientFunds 余额不足
	ErrInsufficientFunds = errors.New("insufficient funds")
	// ErrCoreMinimumViolation 转出会使核心仓低于最低占比
	ErrCoreMinimumViolation = errors.New("transfer would breach core minimum allocation")
	// ErrInvalidTransition 非法生命周期转换
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrFundsRemaining 桶内仍有资金，退休被阻止
	ErrFundsRemaining = errors.New("bucket still holds funds")
	// ErrValidation 设置或参数校验失败
	ErrValidation = errors.New("validation failed")
	// ErrInvariantViolation 虚实差额超过自动修正阈值
	ErrInvariantViolation = errors.New("ledger invariant violation")
	// ErrNotSatellite 操作仅适用于卫星仓
	ErrNotSatellite = errors.New("bucket is not a satellite")
)

// TransitionError 携带当前与目标状态的非法转换错误
type TransitionError struct {
	BucketID string
	From     BucketStatus
	To       BucketStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("bucket %s: illegal transition %s -> %s", e.BucketID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
