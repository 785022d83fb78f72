package domain

// 仓位激进度策略：从资金到位比例与回撤推导 0–1 的交易强度标量。
// 纯函数，无副作用无 I/O，两个阶梯函数取较小者。

// LimitingFactor 最终激进度由哪一项约束
const (
	LimitingAllocation = "allocation"
	LimitingDrawdown   = "drawdown"
	LimitingEqual      = "equal"
)

// AggressionResult 激进度计算结果
type AggressionResult struct {
	// 最终激进度 = min(分配项, 回撤项)
	Aggression float64 `json:"aggression"`
	// 分配到位比例对应的阶梯值
	AllocationAggression float64 `json:"allocation_aggression"`
	// 回撤深度对应的阶梯值
	DrawdownAggression float64 `json:"drawdown_aggression"`
	// "allocation" / "drawdown" / "equal"
	LimitingFactor string  `json:"limiting_factor"`
	PctOfTarget    float64 `json:"pct_of_target"`
	Drawdown       float64 `json:"drawdown"`
	// 激进度为 0 时视为休眠
	InHibernation bool `json:"in_hibernation"`
}

// CalculateAggression 计算桶的交易激进度
// highWaterMark ≤ 0 视为未设置水位线（回撤项为 1.0）。
func CalculateAggression(currentValue, targetValue, highWaterMark float64) AggressionResult {
	pctOfTarget := 0.0
	if targetValue > 0 {
		pctOfTarget = currentValue / targetValue
	}
	allocation := allocationStep(pctOfTarget)

	drawdown := 0.0
	if highWaterMark > 0 && currentValue < highWaterMark {
		drawdown = (highWaterMark - currentValue) / highWaterMark
	}
	dd := drawdownStep(drawdown)

	aggression := allocation
	limiting := LimitingEqual
	switch {
	case allocation < dd:
		limiting = LimitingAllocation
	case dd < allocation:
		aggression = dd
		limiting = LimitingDrawdown
	}

	return AggressionResult{
		Aggression:           aggression,
		AllocationAggression: allocation,
		DrawdownAggression:   dd,
		LimitingFactor:       limiting,
		PctOfTarget:          pctOfTarget,
		Drawdown:             drawdown,
		InHibernation:        aggression == 0.0,
	}
}

// allocationStep 资金到位比例阶梯
func allocationStep(pctOfTarget float64) float64 {
	switch {
	case pctOfTarget >= 1.0:
		return 1.0
	case pctOfTarget >= 0.8:
		return 0.8
	case pctOfTarget >= 0.6:
		return 0.6
	case pctOfTarget >= 0.4:
		return 0.4
	default:
		return 0.0
	}
}

// drawdownStep 回撤深度阶梯
func drawdownStep(drawdown float64) float64 {
	switch {
	case drawdown >= 0.35:
		return 0.0
	case drawdown >= 0.25:
		return 0.3
	case drawdown >= 0.15:
		return 0.7
	default:
		return 1.0
	}
}

// ScalePositionSize 按激进度缩放基准仓位
func ScalePositionSize(baseSize, aggression float64) float64 {
	return baseSize * aggression
}
