package domain

import "context"

// PerformanceReport 外部业绩指标
type PerformanceReport struct {
	// 综合得分，元分配器唯一消费的字段
	CompositeScore float64 `json:"composite_score"`
	Sharpe         float64 `json:"sharpe"`
	Sortino        float64 `json:"sortino"`
	WinRate        float64 `json:"win_rate"`
	ProfitFactor   float64 `json:"profit_factor"`
}

// PerformanceProvider 业绩指标提供方（外部协作者）
// 数据不足时返回 (nil, nil)；元分配器以 0.0 中性分代替，不中断整轮评估。
type PerformanceProvider interface {
	GetPerformance(ctx context.Context, bucketID string, periodDays int) (*PerformanceReport, error)
}
