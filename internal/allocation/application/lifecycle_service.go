package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/pkg/metrics"
)

// LifecycleService 桶注册与生命周期状态机服务
type LifecycleService struct {
	bucketRepo   domain.BucketRepository
	ledgerRepo   domain.LedgerRepository
	settingsRepo domain.SettingsRepository
	publisher    domain.EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewLifecycleService 创建生命周期服务；publisher 与 m 允许为 nil
func NewLifecycleService(
	bucketRepo domain.BucketRepository,
	ledgerRepo domain.LedgerRepository,
	settingsRepo domain.SettingsRepository,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LifecycleService {
	return &LifecycleService{
		bucketRepo:   bucketRepo,
		ledgerRepo:   ledgerRepo,
		settingsRepo: settingsRepo,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock 注入时间源，测试用
func (s *LifecycleService) WithClock(now func() time.Time) *LifecycleService {
	s.now = now
	return s
}

// EnsureCoreBucket 幂等初始化核心仓
func (s *LifecycleService) EnsureCoreBucket(ctx context.Context) (*domain.Bucket, error) {
	existing, err := s.bucketRepo.Get(ctx, domain.CoreBucketID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	core := domain.NewCoreBucket()
	if err := s.bucketRepo.Save(ctx, core); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "core bucket created")
	return core, nil
}

// RegisterSatelliteCommand 注册卫星仓命令
type RegisterSatelliteCommand struct {
	BucketID string
	Name     string
	Notes    string
	// 可选初始目标占比；留空表示激活前再设定
	TargetPct *float64
}

// RegisterSatellite 注册卫星仓
// 初始状态 research，占比上下界取全局默认，同时写入默认策略配置。
func (s *LifecycleService) RegisterSatellite(ctx context.Context, cmd RegisterSatelliteCommand) (*domain.Bucket, error) {
	if cmd.BucketID == "" || cmd.BucketID == domain.CoreBucketID {
		return nil, fmt.Errorf("%w: invalid satellite id %q", domain.ErrValidation, cmd.BucketID)
	}
	existing, err := s.bucketRepo.Get(ctx, cmd.BucketID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBucketExists, cmd.BucketID)
	}

	minPct, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteMinPct, domain.DefaultSatelliteMinPct)
	if err != nil {
		return nil, err
	}
	maxPct, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteMaxPct, domain.DefaultSatelliteMaxPct)
	if err != nil {
		return nil, err
	}

	bucket := domain.NewSatelliteBucket(cmd.BucketID, cmd.Name, decimal.NewFromFloat(minPct), decimal.NewFromFloat(maxPct))
	bucket.Notes = cmd.Notes
	if cmd.TargetPct != nil {
		target := decimal.NewFromFloat(*cmd.TargetPct)
		bucket.TargetPct = &target
		if err := bucket.ValidateBounds(); err != nil {
			return nil, fmt.Errorf("%w: target_pct %.4f outside [%.4f, %.4f]", domain.ErrValidation, *cmd.TargetPct, minPct, maxPct)
		}
	}

	if err := s.bucketRepo.Save(ctx, bucket); err != nil {
		return nil, err
	}

	defaults := &domain.SatelliteSettings{
		BucketID:         cmd.BucketID,
		RiskTolerance:    0.5,
		Momentum:         0.5,
		MeanReversion:    0.5,
		VolatilityTarget: 0.5,
		MaxPositionPct:   0.5,
		ReinvestProfits:  true,
		DividendHandling: domain.DividendReinvestSame,
	}
	if err := s.settingsRepo.SaveSatelliteSettings(ctx, defaults); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "satellite registered", "bucket_id", cmd.BucketID, "name", cmd.Name)
	return bucket, nil
}

// Activate 激活：research|accumulating → active
func (s *LifecycleService) Activate(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	return s.transition(ctx, bucketID, (*domain.Bucket).Activate)
}

// Pause 暂停
func (s *LifecycleService) Pause(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	return s.transition(ctx, bucketID, (*domain.Bucket).Pause)
}

// Resume 恢复：paused → active 或 accumulating
func (s *LifecycleService) Resume(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	return s.transition(ctx, bucketID, (*domain.Bucket).Resume)
}

// Hibernate 休眠，仅卫星仓
func (s *LifecycleService) Hibernate(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	return s.transition(ctx, bucketID, (*domain.Bucket).Hibernate)
}

// Retire 退休：要求 paused 且所有币种现金残留合计 ≤ 0.01，
// 否则以 FundsRemaining 阻止，迫使先行转出资金。
func (s *LifecycleService) Retire(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	balances, err := s.ledgerRepo.ListBalancesByBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	residual := decimal.Zero
	for _, b := range balances {
		residual = residual.Add(b.Balance.Abs())
	}
	if residual.GreaterThan(domain.RetireDustTolerance) {
		return nil, fmt.Errorf("%w: bucket %s still holds %s across currencies", domain.ErrFundsRemaining, bucketID, residual)
	}

	if err := bucket.Retire(); err != nil {
		return nil, err
	}
	if err := s.bucketRepo.Save(ctx, bucket); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "bucket retired", "bucket_id", bucketID)
	s.refreshActiveSatellites(ctx)
	return bucket, nil
}

// RecordTradeResult 记录交易胜负，驱动连败熔断
// 熔断为自动转换：达到阈值时桶被强制 paused 并打时间戳。
func (s *LifecycleService) RecordTradeResult(ctx context.Context, bucketID string, isWin bool, pnl decimal.Decimal) (*domain.Bucket, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	tripped := bucket.RecordTradeResult(isWin, now)
	if err := s.bucketRepo.Save(ctx, bucket); err != nil {
		return nil, err
	}

	if tripped {
		if s.metrics != nil {
			s.metrics.CircuitBreakerTripsTotal.Inc()
		}
		s.refreshActiveSatellites(ctx)
		s.logger.WarnContext(ctx, "loss streak circuit breaker tripped",
			"bucket_id", bucketID,
			"consecutive_losses", bucket.ConsecutiveLosses,
			"pnl", pnl,
		)
		if s.publisher != nil {
			event := domain.CircuitBreakerTrippedEvent{
				BucketID:          bucketID,
				ConsecutiveLosses: bucket.ConsecutiveLosses,
				PausedAt:          now,
			}
			if err := s.publisher.Publish(ctx, domain.EventCircuitBreakerTripped, bucketID, event); err != nil {
				s.logger.ErrorContext(ctx, "failed to publish circuit breaker event", "bucket_id", bucketID, "error", err)
			}
		}
	}
	return bucket, nil
}

// UpdateHighWaterMark 抬高水位线（仅在新值更高时）
func (s *LifecycleService) UpdateHighWaterMark(ctx context.Context, bucketID string, currentValue decimal.Decimal) (*domain.Bucket, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if bucket.UpdateHighWaterMark(currentValue, s.now()) {
		if err := s.bucketRepo.Save(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return bucket, nil
}

// UpdateDetails 更新名称与备注；nil 表示保持不变
func (s *LifecycleService) UpdateDetails(ctx context.Context, bucketID string, name, notes *string) (*domain.Bucket, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if name != nil {
		if *name == "" {
			return nil, fmt.Errorf("%w: bucket name cannot be empty", domain.ErrValidation)
		}
		bucket.Name = *name
	}
	if notes != nil {
		bucket.Notes = *notes
	}
	if err := s.bucketRepo.Save(ctx, bucket); err != nil {
		return nil, err
	}
	return bucket, nil
}

// GetBucket 查询单个桶
func (s *LifecycleService) GetBucket(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	return s.getBucket(ctx, bucketID)
}

// ListBuckets 列出全部桶，status 非空时按状态过滤
func (s *LifecycleService) ListBuckets(ctx context.Context, status domain.BucketStatus) ([]*domain.Bucket, error) {
	buckets, err := s.bucketRepo.List(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return buckets, nil
	}
	filtered := make([]*domain.Bucket, 0, len(buckets))
	for _, b := range buckets {
		if b.Status == status {
			filtered = append(filtered, b)
		}
	}
	return filtered, nil
}

// SaveSatelliteSettings 校验并保存卫星仓策略配置
func (s *LifecycleService) SaveSatelliteSettings(ctx context.Context, settings *domain.SatelliteSettings) error {
	bucket, err := s.getBucket(ctx, settings.BucketID)
	if err != nil {
		return err
	}
	if bucket.Type != domain.BucketTypeSatellite {
		return fmt.Errorf("%w: %s", domain.ErrNotSatellite, settings.BucketID)
	}
	if err := settings.Validate(); err != nil {
		return err
	}
	return s.settingsRepo.SaveSatelliteSettings(ctx, settings)
}

// GetSatelliteSettings 查询卫星仓策略配置
func (s *LifecycleService) GetSatelliteSettings(ctx context.Context, bucketID string) (*domain.SatelliteSettings, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	settings, err := s.settingsRepo.GetSatelliteSettings(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if settings == nil {
		return nil, fmt.Errorf("%w: no settings for bucket %s", domain.ErrBucketNotFound, bucketID)
	}
	return settings, nil
}

// EvaluateAggression 计算某桶在指定币种下的交易激进度
// 当前值取桶余额，目标值取 target_pct × 该币种账本总额。
func (s *LifecycleService) EvaluateAggression(ctx context.Context, bucketID, currency string) (*domain.AggressionResult, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	currency = normalizeCurrency(currency)
	current := decimal.Zero
	if row, err := s.ledgerRepo.GetBalance(ctx, bucketID, currency); err != nil {
		return nil, err
	} else if row != nil {
		current = row.Balance
	}

	target := decimal.Zero
	if bucket.TargetPct != nil {
		total, err := s.ledgerRepo.SumByCurrency(ctx, currency)
		if err != nil {
			return nil, err
		}
		target = bucket.TargetPct.Mul(total)
	}

	result := domain.CalculateAggression(
		current.InexactFloat64(),
		target.InexactFloat64(),
		bucket.HighWaterMark.InexactFloat64(),
	)
	return &result, nil
}

// transition 加载桶、执行状态转换并保存
func (s *LifecycleService) transition(ctx context.Context, bucketID string, fn func(*domain.Bucket) error) (*domain.Bucket, error) {
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	from := bucket.Status
	if err := fn(bucket); err != nil {
		return nil, err
	}
	if err := s.bucketRepo.Save(ctx, bucket); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "bucket transitioned",
		"bucket_id", bucketID,
		"from", from,
		"to", bucket.Status,
	)
	s.refreshActiveSatellites(ctx)
	return bucket, nil
}

// refreshActiveSatellites 更新活跃卫星仓数量指标，失败忽略
func (s *LifecycleService) refreshActiveSatellites(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	satellites, err := s.bucketRepo.ListSatellites(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, b := range satellites {
		if b.Status == domain.StatusActive {
			active++
		}
	}
	s.metrics.ActiveSatellites.Set(float64(active))
}

func (s *LifecycleService) getBucket(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	bucket, err := s.bucketRepo.Get(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBucketNotFound, bucketID)
	}
	return bucket, nil
}
