package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/pkg/metrics"
)

// 归一化平移量，保证最差的卫星仓也拿到非零权重
const scoreShift = 0.01

// 应用前允许的目标占比合计误差
var rebalanceSumTolerance = decimal.NewFromFloat(0.001)

// Recommendation 单个卫星仓的再平衡建议
type Recommendation struct {
	BucketID      string          `json:"bucket_id"`
	Score         float64         `json:"score"`
	CurrentPct    decimal.Decimal `json:"current_pct"`
	TargetPct     decimal.Decimal `json:"target_pct"`
	AdjustmentPct decimal.Decimal `json:"adjustment_pct"`
	Reason        string          `json:"reason"`
}

// RebalancePlan 一轮评估的完整输出
type RebalancePlan struct {
	Recommendations []Recommendation `json:"recommendations"`
	BudgetPct       decimal.Decimal  `json:"budget_pct"`
	PeriodDays      int              `json:"period_days"`
	Dampening       float64          `json:"dampening"`
	Applied         bool             `json:"applied"`
	EvaluatedAt     time.Time        `json:"evaluated_at"`
}

// RebalanceService 季度元分配器
// 按业绩得分在卫星仓之间重新分配 target_pct，受预算与上下界约束，
// 并用阻尼系数平滑向新目标靠拢。只改目标占比，不动实际余额。
type RebalanceService struct {
	bucketRepo   domain.BucketRepository
	settingsRepo domain.SettingsRepository
	performance  domain.PerformanceProvider
	publisher    domain.EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewRebalanceService 创建元分配器；publisher 与 m 允许为 nil
func NewRebalanceService(
	bucketRepo domain.BucketRepository,
	settingsRepo domain.SettingsRepository,
	performance domain.PerformanceProvider,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *RebalanceService {
	return &RebalanceService{
		bucketRepo:   bucketRepo,
		settingsRepo: settingsRepo,
		performance:  performance,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock 注入时间源，测试用
func (s *RebalanceService) WithClock(now func() time.Time) *RebalanceService {
	s.now = now
	return s
}

// PreviewReallocation 只评估不落库
func (s *RebalanceService) PreviewReallocation(ctx context.Context, periodDays int, dampening float64) (*RebalancePlan, error) {
	return s.EvaluateAndReallocate(ctx, periodDays, dampening, false)
}

// ApplyReallocation 评估并写回新目标占比
func (s *RebalanceService) ApplyReallocation(ctx context.Context, periodDays int, dampening float64) (*RebalancePlan, error) {
	return s.EvaluateAndReallocate(ctx, periodDays, dampening, true)
}

// EvaluateAndReallocate 执行一轮元分配
// 流程：取卫星仓（已退役不参与）→ 取业绩得分 → 归一化成原始目标 →
// 全局上下界截断 → 从当前占比阻尼过渡 → 必要时整体缩放回预算。
func (s *RebalanceService) EvaluateAndReallocate(ctx context.Context, periodDays int, dampening float64, applyChanges bool) (*RebalancePlan, error) {
	if dampening < 0 || dampening > 1 {
		return nil, fmt.Errorf("%w: dampening %v outside [0, 1]", domain.ErrValidation, dampening)
	}
	if s.metrics != nil {
		s.metrics.RebalanceRunsTotal.Inc()
	}

	settings, err := s.loadSettings(ctx)
	if err != nil {
		return nil, err
	}
	budgetPct := decimal.NewFromFloat(settings.SatelliteBudgetPct)
	minPct := decimal.NewFromFloat(settings.SatelliteMinPct)
	maxPct := decimal.NewFromFloat(settings.SatelliteMaxPct)

	satellites, err := s.bucketRepo.ListSatellites(ctx)
	if err != nil {
		return nil, err
	}
	eligible := make([]*domain.Bucket, 0, len(satellites))
	for _, b := range satellites {
		if b.Status == domain.StatusRetired {
			continue
		}
		eligible = append(eligible, b)
	}
	sort.Slice(eligible, func(i, j int) bool { return eligible[i].BucketID < eligible[j].BucketID })

	plan := &RebalancePlan{
		Recommendations: []Recommendation{},
		BudgetPct:       budgetPct,
		PeriodDays:      periodDays,
		Dampening:       dampening,
		EvaluatedAt:     s.now(),
	}
	if len(eligible) == 0 {
		return plan, nil
	}

	scores := s.collectScores(ctx, eligible, periodDays)

	// 平移归一化：normalized = score − min + shift，全部非负且非零
	minScore := scores[eligible[0].BucketID]
	for _, b := range eligible {
		if scores[b.BucketID] < minScore {
			minScore = scores[b.BucketID]
		}
	}
	normalized := make(map[string]decimal.Decimal, len(eligible))
	totalNormalized := decimal.Zero
	for _, b := range eligible {
		n := decimal.NewFromFloat(scores[b.BucketID] - minScore + scoreShift)
		normalized[b.BucketID] = n
		totalNormalized = totalNormalized.Add(n)
	}

	equalShare := budgetPct.Div(decimal.NewFromInt(int64(len(eligible))))

	type proposal struct {
		bucket  *domain.Bucket
		target  decimal.Decimal
		clamped string
	}
	proposals := make([]proposal, 0, len(eligible))
	dampen := decimal.NewFromFloat(dampening)
	newTotal := decimal.Zero

	for _, b := range eligible {
		var raw decimal.Decimal
		if totalNormalized.IsZero() {
			raw = equalShare
		} else {
			raw = normalized[b.BucketID].Div(totalNormalized).Mul(budgetPct)
		}

		clamped := ""
		if raw.LessThan(minPct) {
			raw = minPct
			clamped = "floor"
		} else if raw.GreaterThan(maxPct) {
			raw = maxPct
			clamped = "ceiling"
		}

		current := decimal.Zero
		if b.TargetPct != nil {
			current = *b.TargetPct
		}
		// dampened = current + (raw − current) × dampening
		target := current.Add(raw.Sub(current).Mul(dampen))

		proposals = append(proposals, proposal{bucket: b, target: target, clamped: clamped})
		newTotal = newTotal.Add(target)
	}

	// 阻尼与截断会让合计偏离预算，偏差超容差时整体缩放回预算。
	// 缩放可能把个别仓推出截断界，保留可见而不是迭代收敛。
	if newTotal.Sub(budgetPct).Abs().GreaterThan(rebalanceSumTolerance) && newTotal.GreaterThan(decimal.Zero) {
		scale := budgetPct.Div(newTotal)
		for i := range proposals {
			proposals[i].target = proposals[i].target.Mul(scale)
		}
	}

	for _, p := range proposals {
		current := decimal.Zero
		if p.bucket.TargetPct != nil {
			current = *p.bucket.TargetPct
		}
		reason := "performance-driven reallocation"
		switch p.clamped {
		case "floor":
			reason = "constrained by satellite floor"
		case "ceiling":
			reason = "constrained by satellite ceiling"
		}
		plan.Recommendations = append(plan.Recommendations, Recommendation{
			BucketID:      p.bucket.BucketID,
			Score:         scores[p.bucket.BucketID],
			CurrentPct:    current,
			TargetPct:     p.target,
			AdjustmentPct: p.target.Sub(current),
			Reason:        reason,
		})
	}

	if !applyChanges {
		return plan, nil
	}

	for _, p := range proposals {
		target := p.target
		p.bucket.TargetPct = &target
		if err := s.bucketRepo.Save(ctx, p.bucket); err != nil {
			return nil, fmt.Errorf("save target pct for %s: %w", p.bucket.BucketID, err)
		}
	}
	plan.Applied = true

	s.logger.InfoContext(ctx, "rebalance applied",
		"satellites", len(proposals),
		"period_days", periodDays,
		"budget_pct", budgetPct,
	)
	if s.publisher != nil {
		event := domain.RebalanceAppliedEvent{
			Satellites: len(proposals),
			PeriodDays: periodDays,
			AppliedAt:  s.now(),
		}
		if err := s.publisher.Publish(ctx, domain.EventRebalanceApplied, "rebalance", event); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish rebalance event", "error", err)
		}
	}
	return plan, nil
}

func (s *RebalanceService) loadSettings(ctx context.Context) (*domain.AllocationSettings, error) {
	budget, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteBudgetPct, domain.DefaultSatelliteBudgetPct)
	if err != nil {
		return nil, err
	}
	minPct, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteMinPct, domain.DefaultSatelliteMinPct)
	if err != nil {
		return nil, err
	}
	maxPct, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteMaxPct, domain.DefaultSatelliteMaxPct)
	if err != nil {
		return nil, err
	}
	settings := domain.AllocationSettings{
		SatelliteBudgetPct: budget,
		SatelliteMinPct:    minPct,
		SatelliteMaxPct:    maxPct,
	}.Clamp()
	return &settings, nil
}

// collectScores 逐仓取业绩；缺数据或出错都按 0.0 中性分处理
func (s *RebalanceService) collectScores(ctx context.Context, buckets []*domain.Bucket, periodDays int) map[string]float64 {
	scores := make(map[string]float64, len(buckets))
	for _, b := range buckets {
		scores[b.BucketID] = 0.0
		if s.performance == nil {
			continue
		}
		report, err := s.performance.GetPerformance(ctx, b.BucketID, periodDays)
		if err != nil {
			s.logger.WarnContext(ctx, "performance lookup failed, using neutral score",
				"bucket_id", b.BucketID, "error", err)
			continue
		}
		if report == nil {
			continue
		}
		scores[b.BucketID] = report.CompositeScore
	}
	return scores
}
