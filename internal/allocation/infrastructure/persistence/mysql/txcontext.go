package mysql

import (
	"context"

	"gorm.io/gorm"
)

// 事务通过 context 向下传递，仓储方法用 getDB 自动取当前事务句柄
type txKey struct{}

func withTxContext(ctx context.Context, tx *gorm.DB) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

func dbFromContext(ctx context.Context, fallback *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok && tx != nil {
		return tx
	}
	return fallback
}
