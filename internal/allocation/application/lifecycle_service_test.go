package application

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

func newLifecycleFixture(t *testing.T) (*LifecycleService, *fakeRepo, *fakePublisher) {
	t.Helper()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewLifecycleService(repo, repo, repo, pub, nil, testLogger()).WithClock(fixedClock())
	return svc, repo, pub
}

func TestEnsureCoreBucket_Idempotent(t *testing.T) {
	svc, repo, _ := newLifecycleFixture(t)
	ctx := context.Background()

	core, err := svc.EnsureCoreBucket(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.CoreBucketID, core.BucketID)
	assert.Equal(t, domain.StatusActive, core.Status)

	// 再次调用复用已有核心仓
	again, err := svc.EnsureCoreBucket(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.BucketID, again.BucketID)

	buckets, err := repo.List(ctx)
	require.NoError(t, err)
	assert.Len(t, buckets, 1)
}

func TestRegisterSatellite(t *testing.T) {
	svc, repo, _ := newLifecycleFixture(t)
	ctx := context.Background()

	target := 0.08
	bucket, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{
		BucketID:  "momentum-eu",
		Name:      "Momentum EU",
		Notes:     "trend following",
		TargetPct: &target,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusResearch, bucket.Status)
	assert.Equal(t, domain.BucketTypeSatellite, bucket.Type)
	require.NotNil(t, bucket.TargetPct)
	assert.True(t, bucket.TargetPct.Equal(decimal.NewFromFloat(0.08)))

	// 注册同时写入默认策略配置
	settings, err := repo.GetSatelliteSettings(ctx, "momentum-eu")
	require.NoError(t, err)
	require.NotNil(t, settings)
	assert.Equal(t, domain.DividendReinvestSame, settings.DividendHandling)
	assert.True(t, settings.ReinvestProfits)

	// 重复注册被拒绝
	_, err = svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "momentum-eu", Name: "dup"})
	assert.ErrorIs(t, err, domain.ErrBucketExists)
}

func TestRegisterSatellite_Invalid(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "", Name: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: domain.CoreBucketID, Name: "x"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// 越界 target 被拒绝
	bad := 0.50
	_, err = svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-x", Name: "x", TargetPct: &bad})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestLifecycleFlow(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A"})
	require.NoError(t, err)

	bucket, err := svc.Activate(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, bucket.Status)

	bucket, err = svc.Hibernate(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusHibernating, bucket.Status)

	bucket, err = svc.Pause(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, bucket.Status)

	bucket, err = svc.Retire(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetired, bucket.Status)

	// 退休后任何转换都被拒绝
	_, err = svc.Pause(ctx, "sat-a")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestUpdateDetailsAndStatusFilter(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.EnsureCoreBucket(ctx)
	require.NoError(t, err)
	_, err = svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A"})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, "sat-a")
	require.NoError(t, err)

	name := "Momentum EU"
	notes := "renamed"
	bucket, err := svc.UpdateDetails(ctx, "sat-a", &name, &notes)
	require.NoError(t, err)
	assert.Equal(t, "Momentum EU", bucket.Name)
	assert.Equal(t, "renamed", bucket.Notes)

	empty := ""
	_, err = svc.UpdateDetails(ctx, "sat-a", &empty, nil)
	assert.ErrorIs(t, err, domain.ErrValidation)

	active, err := svc.ListBuckets(ctx, domain.StatusActive)
	require.NoError(t, err)
	require.Len(t, active, 2) // core + sat-a

	all, err := svc.ListBuckets(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	research, err := svc.ListBuckets(ctx, domain.StatusResearch)
	require.NoError(t, err)
	assert.Empty(t, research)
}

func TestRetire_BlockedByResidualFunds(t *testing.T) {
	svc, repo, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A"})
	require.NoError(t, err)
	_, err = svc.Pause(ctx, "sat-a")
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromFloat(12.50))
	require.NoError(t, err)

	_, err = svc.Retire(ctx, "sat-a")
	assert.ErrorIs(t, err, domain.ErrFundsRemaining)

	// 清空后放行；尘埃级残留不阻塞
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromFloat(0.005))
	require.NoError(t, err)
	bucket, err := svc.Retire(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRetired, bucket.Status)
}

func TestRecordTradeResult_TripPublishesEvent(t *testing.T) {
	svc, _, pub := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A"})
	require.NoError(t, err)
	_, err = svc.Activate(ctx, "sat-a")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		bucket, err := svc.RecordTradeResult(ctx, "sat-a", false, decimal.NewFromInt(-10))
		require.NoError(t, err)
		assert.Equal(t, domain.StatusActive, bucket.Status)
	}

	bucket, err := svc.RecordTradeResult(ctx, "sat-a", false, decimal.NewFromInt(-10))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, bucket.Status)
	assert.NotNil(t, bucket.LossStreakPausedAt)
	assert.Equal(t, 1, pub.published(domain.EventCircuitBreakerTripped))

	// 熔断状态持久化
	saved, err := svc.GetBucket(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPaused, saved.Status)
	assert.Equal(t, 5, saved.ConsecutiveLosses)
}

func TestSaveSatelliteSettings_Validation(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.EnsureCoreBucket(ctx)
	require.NoError(t, err)
	_, err = svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A"})
	require.NoError(t, err)

	// 核心仓不接受策略配置
	err = svc.SaveSatelliteSettings(ctx, &domain.SatelliteSettings{
		BucketID:         domain.CoreBucketID,
		DividendHandling: domain.DividendReinvestSame,
	})
	assert.ErrorIs(t, err, domain.ErrNotSatellite)

	// 非法滑杆被拒绝
	err = svc.SaveSatelliteSettings(ctx, &domain.SatelliteSettings{
		BucketID:         "sat-a",
		Momentum:         2.0,
		DividendHandling: domain.DividendReinvestSame,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	// 合法配置落库
	err = svc.SaveSatelliteSettings(ctx, &domain.SatelliteSettings{
		BucketID:         "sat-a",
		RiskTolerance:    0.9,
		DividendHandling: domain.DividendSendToCore,
	})
	require.NoError(t, err)
	settings, err := svc.GetSatelliteSettings(ctx, "sat-a")
	require.NoError(t, err)
	assert.Equal(t, domain.DividendSendToCore, settings.DividendHandling)
	assert.Equal(t, 0.9, settings.RiskTolerance)
}

func TestEvaluateAggression(t *testing.T) {
	svc, repo, _ := newLifecycleFixture(t)
	ctx := context.Background()

	target := 0.10
	_, err := svc.RegisterSatellite(ctx, RegisterSatelliteCommand{BucketID: "sat-a", Name: "A", TargetPct: &target})
	require.NoError(t, err)

	// 账本总额 10000，目标 10% = 1000；余额 1000 满额到位
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(9000))
	require.NoError(t, err)
	_, err = svc.UpdateHighWaterMark(ctx, "sat-a", decimal.NewFromInt(1000))
	require.NoError(t, err)

	result, err := svc.EvaluateAggression(ctx, "sat-a", "USD")
	require.NoError(t, err)
	assert.Equal(t, 1.0, result.Aggression)
	assert.False(t, result.InHibernation)

	// 回撤 20%：水位线不动，余额跌到 800
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromInt(800))
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(7200))
	require.NoError(t, err)

	result, err = svc.EvaluateAggression(ctx, "sat-a", "USD")
	require.NoError(t, err)
	assert.Equal(t, domain.LimitingDrawdown, result.LimitingFactor)
	assert.Equal(t, 0.7, result.Aggression)
}

func TestUnknownBucketOperations(t *testing.T) {
	svc, _, _ := newLifecycleFixture(t)
	ctx := context.Background()

	_, err := svc.Activate(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrBucketNotFound)
	_, err = svc.RecordTradeResult(ctx, "ghost", true, decimal.Zero)
	assert.ErrorIs(t, err, domain.ErrBucketNotFound)
	_, err = svc.EvaluateAggression(ctx, "ghost", "USD")
	assert.ErrorIs(t, err, domain.ErrBucketNotFound)
}
