package messaging

import (
	"context"

	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

// noopPerformanceProvider 无业绩数据源时的占位实现
// 一律返回 (nil, nil)，元分配器对所有卫星仓取中性分，等价于平均分配。
type noopPerformanceProvider struct{}

// NewNoopPerformanceProvider 创建并返回一个新的 noopPerformanceProvider 实例。
func NewNoopPerformanceProvider() domain.PerformanceProvider {
	return noopPerformanceProvider{}
}

func (noopPerformanceProvider) GetPerformance(ctx context.Context, bucketID string, periodDays int) (*domain.PerformanceReport, error) {
	return nil, nil
}
