package application

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

func newRebalanceFixture(t *testing.T, scores map[string]float64) (*RebalanceService, *fakeRepo, *fakePublisher) {
	t.Helper()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewRebalanceService(repo, repo, &fakePerformance{scores: scores}, pub, nil, testLogger()).WithClock(fixedClock())

	require.NoError(t, repo.Save(context.Background(), domain.NewCoreBucket()))
	return svc, repo, pub
}

func planTotal(plan *RebalancePlan) decimal.Decimal {
	total := decimal.Zero
	for _, rec := range plan.Recommendations {
		total = total.Add(rec.TargetPct)
	}
	return total
}

func recommendationFor(t *testing.T, plan *RebalancePlan, bucketID string) Recommendation {
	t.Helper()
	for _, rec := range plan.Recommendations {
		if rec.BucketID == bucketID {
			return rec
		}
	}
	t.Fatalf("no recommendation for %s", bucketID)
	return Recommendation{}
}

func TestRebalance_BudgetConservation(t *testing.T) {
	svc, repo, _ := newRebalanceFixture(t, map[string]float64{
		"sat-a": 2.0,
		"sat-b": 1.0,
		"sat-c": 0.0,
	})
	ctx := context.Background()
	addSatellite(t, repo, "sat-a", domain.StatusActive, 0.07)
	addSatellite(t, repo, "sat-b", domain.StatusActive, 0.07)
	addSatellite(t, repo, "sat-c", domain.StatusActive, 0.06)

	plan, err := svc.PreviewReallocation(ctx, 90, 1.0)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 3)

	// 新目标合计回到预算之内
	diff := planTotal(plan).Sub(plan.BudgetPct).Abs()
	assert.True(t, diff.LessThanOrEqual(decimal.NewFromFloat(0.001)), "sum deviates from budget by %s", diff)

	// 得分排序保持：高分者目标更高
	a := recommendationFor(t, plan, "sat-a")
	b := recommendationFor(t, plan, "sat-b")
	c := recommendationFor(t, plan, "sat-c")
	assert.True(t, a.TargetPct.GreaterThan(b.TargetPct))
	assert.True(t, b.TargetPct.GreaterThan(c.TargetPct))

	// 截断原因可见
	assert.Equal(t, "constrained by satellite ceiling", a.Reason)
	assert.Equal(t, "constrained by satellite floor", c.Reason)
	assert.Equal(t, "performance-driven reallocation", b.Reason)

	// 预览不落库
	assert.False(t, plan.Applied)
	saved, err := repo.Get(ctx, "sat-a")
	require.NoError(t, err)
	assert.True(t, saved.TargetPct.Equal(decimal.NewFromFloat(0.07)))
}

func TestRebalance_NeutralScoresSplitEqually(t *testing.T) {
	svc, repo, _ := newRebalanceFixture(t, nil)
	ctx := context.Background()
	addSatellite(t, repo, "sat-a", domain.StatusActive, 0.10)
	addSatellite(t, repo, "sat-b", domain.StatusActive, 0.04)
	addSatellite(t, repo, "sat-c", domain.StatusAccumulating, 0.06)
	addSatellite(t, repo, "sat-d", domain.StatusActive, 0)

	// 无业绩数据：全员中性分，预算平分
	plan, err := svc.PreviewReallocation(ctx, 90, 1.0)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 4)
	for _, rec := range plan.Recommendations {
		assert.True(t, rec.TargetPct.Equal(decimal.NewFromFloat(0.05)), "%s target = %s", rec.BucketID, rec.TargetPct)
	}
}

func TestRebalance_RetiredExcluded(t *testing.T) {
	svc, repo, _ := newRebalanceFixture(t, nil)
	ctx := context.Background()
	addSatellite(t, repo, "sat-a", domain.StatusActive, 0.10)
	addSatellite(t, repo, "sat-gone", domain.StatusRetired, 0)

	plan, err := svc.PreviewReallocation(ctx, 90, 1.0)
	require.NoError(t, err)
	require.Len(t, plan.Recommendations, 1)
	assert.Equal(t, "sat-a", plan.Recommendations[0].BucketID)
}

func TestRebalance_DampeningZeroKeepsCurrent(t *testing.T) {
	svc, repo, _ := newRebalanceFixture(t, map[string]float64{"sat-a": 5.0, "sat-b": 0.0})
	ctx := context.Background()
	addSatellite(t, repo, "sat-a", domain.StatusActive, 0.08)
	addSatellite(t, repo, "sat-b", domain.StatusActive, 0.12)

	plan, err := svc.PreviewReallocation(ctx, 90, 0.0)
	require.NoError(t, err)
	assert.True(t, recommendationFor(t, plan, "sat-a").TargetPct.Equal(decimal.NewFromFloat(0.08)))
	assert.True(t, recommendationFor(t, plan, "sat-b").TargetPct.Equal(decimal.NewFromFloat(0.12)))
	for _, rec := range plan.Recommendations {
		assert.True(t, rec.AdjustmentPct.IsZero())
	}
}

func TestRebalance_InvalidDampening(t *testing.T) {
	svc, _, _ := newRebalanceFixture(t, nil)
	_, err := svc.PreviewReallocation(context.Background(), 90, 1.5)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRebalance_NoSatellites(t *testing.T) {
	svc, _, _ := newRebalanceFixture(t, nil)
	plan, err := svc.PreviewReallocation(context.Background(), 90, 0.5)
	require.NoError(t, err)
	assert.Empty(t, plan.Recommendations)
}

func TestRebalance_ApplyPersistsTargets(t *testing.T) {
	svc, repo, pub := newRebalanceFixture(t, nil)
	ctx := context.Background()
	addSatellite(t, repo, "sat-a", domain.StatusActive, 0.10)
	addSatellite(t, repo, "sat-b", domain.StatusActive, 0.04)

	plan, err := svc.ApplyReallocation(ctx, 90, 1.0)
	require.NoError(t, err)
	assert.True(t, plan.Applied)
	assert.Equal(t, 1, pub.published(domain.EventRebalanceApplied))

	saved, err := repo.Get(ctx, "sat-a")
	require.NoError(t, err)
	require.NotNil(t, saved.TargetPct)
	assert.True(t, saved.TargetPct.Equal(decimal.NewFromFloat(0.10)), "two neutral satellites split the budget evenly")
}
