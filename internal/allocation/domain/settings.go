package domain

import (
	"fmt"

	"gorm.io/gorm"
)

// 全局设置键
const (
	// SettingSatelliteBudgetPct 所有卫星仓合计预算占比，硬上限 0.30
	SettingSatelliteBudgetPct = "satellite_budget_pct"
	// SettingSatelliteMinPct 单个卫星仓默认最小占比
	SettingSatelliteMinPct = "satellite_min_pct"
	// SettingSatelliteMaxPct 单个卫星仓默认最大占比
	SettingSatelliteMaxPct = "satellite_max_pct"
)

// 全局设置默认值与硬约束
const (
	DefaultSatelliteBudgetPct = 0.20
	DefaultSatelliteMinPct    = 0.03
	DefaultSatelliteMaxPct    = 0.12
	// SatelliteBudgetHardCap 卫星仓总预算硬上限，任何配置不得超过
	SatelliteBudgetHardCap = 0.30
)

// Setting 全局标量设置行
type Setting struct {
	gorm.Model
	Key   string  `gorm:"column:setting_key;type:varchar(64);uniqueIndex;not null" json:"key"`
	Value float64 `gorm:"column:setting_value;not null" json:"value"`
}

func (Setting) TableName() string { return "allocation_settings" }

// AllocationSettings 聚合后的全局分仓参数
type AllocationSettings struct {
	SatelliteBudgetPct float64 `json:"satellite_budget_pct"`
	SatelliteMinPct    float64 `json:"satellite_min_pct"`
	SatelliteMaxPct    float64 `json:"satellite_max_pct"`
}

// Clamp 应用硬约束：卫星仓总预算不超过 0.30
func (s AllocationSettings) Clamp() AllocationSettings {
	if s.SatelliteBudgetPct > SatelliteBudgetHardCap {
		s.SatelliteBudgetPct = SatelliteBudgetHardCap
	}
	return s
}

// DividendHandling 股息处理方式
type DividendHandling string

const (
	// DividendReinvestSame 股息留在本桶再投资
	DividendReinvestSame DividendHandling = "reinvest_same"
	// DividendSendToCore 股息划入核心仓
	DividendSendToCore DividendHandling = "send_to_core"
	// DividendAccumulateCash 股息以现金形式累积
	DividendAccumulateCash DividendHandling = "accumulate_cash"
)

// SatelliteSettings 单个卫星仓策略配置
// 仅卫星仓可持有；持久化前必须通过 Validate。
type SatelliteSettings struct {
	gorm.Model
	BucketID string `gorm:"column:bucket_id;type:varchar(64);uniqueIndex;not null" json:"bucket_id"`
	// 五个 0.0–1.0 的策略滑杆
	RiskTolerance    float64 `gorm:"column:risk_tolerance;not null;default:0.5" json:"risk_tolerance"`
	Momentum         float64 `gorm:"column:momentum;not null;default:0.5" json:"momentum"`
	MeanReversion    float64 `gorm:"column:mean_reversion;not null;default:0.5" json:"mean_reversion"`
	VolatilityTarget float64 `gorm:"column:volatility_target;not null;default:0.5" json:"volatility_target"`
	MaxPositionPct   float64 `gorm:"column:max_position_pct;not null;default:0.5" json:"max_position_pct"`
	// 开关
	AutoRebalance   bool `gorm:"column:auto_rebalance;not null;default:false" json:"auto_rebalance"`
	ReinvestProfits bool `gorm:"column:reinvest_profits;not null;default:true" json:"reinvest_profits"`
	// 股息处理方式
	DividendHandling DividendHandling `gorm:"column:dividend_handling;type:varchar(16);not null;default:'reinvest_same'" json:"dividend_handling"`
}

func (SatelliteSettings) TableName() string { return "allocation_satellite_settings" }

// Validate 校验滑杆范围与股息枚举
func (s *SatelliteSettings) Validate() error {
	sliders := map[string]float64{
		"risk_tolerance":    s.RiskTolerance,
		"momentum":          s.Momentum,
		"mean_reversion":    s.MeanReversion,
		"volatility_target": s.VolatilityTarget,
		"max_position_pct":  s.MaxPositionPct,
	}
	for name, v := range sliders {
		if v < 0.0 || v > 1.0 {
			return fmt.Errorf("%w: slider %s=%.4f outside [0,1]", ErrValidation, name, v)
		}
	}
	switch s.DividendHandling {
	case DividendReinvestSame, DividendSendToCore, DividendAccumulateCash:
	default:
		return fmt.Errorf("%w: unknown dividend_handling %q", ErrValidation, s.DividendHandling)
	}
	return nil
}
