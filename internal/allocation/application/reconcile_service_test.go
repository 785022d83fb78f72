package application

import (
	"context"
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

func newReconcileFixture(t *testing.T) (*ReconcileService, *fakeRepo, *fakePublisher) {
	t.Helper()
	repo := newFakeRepo()
	pub := &fakePublisher{}
	svc := NewReconcileService(repo, repo, pub, nil, testLogger()).WithClock(fixedClock())

	require.NoError(t, repo.Save(context.Background(), domain.NewCoreBucket()))
	return svc, repo, pub
}

func TestCheckInvariant_Reconciled(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(10000))
	require.NoError(t, err)

	check, err := svc.CheckInvariant(ctx, "usd", decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, check.IsReconciled)
	assert.True(t, check.Difference.IsZero())
	assert.Equal(t, "USD", check.Currency)
}

func TestCheckInvariant_WithinTolerance(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromFloat(10000.005))
	require.NoError(t, err)

	check, err := svc.CheckInvariant(ctx, "USD", decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, check.IsReconciled, "0.005 drift is inside the 0.01 tolerance")
}

func TestCheckInvariant_ZeroActualWithVirtual(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(500))
	require.NoError(t, err)

	check, err := svc.CheckInvariant(ctx, "USD", decimal.Zero)
	require.NoError(t, err)
	assert.False(t, check.IsReconciled)
	assert.True(t, math.IsInf(check.DifferencePct, 1))

	// +Inf 必须可序列化
	data, err := check.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"difference_pct":"inf"`)
}

func TestReconcile_AutoCorrectsSmallDrift(t *testing.T) {
	svc, repo, pub := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(9999))
	require.NoError(t, err)

	result, err := svc.Reconcile(ctx, "USD", decimal.NewFromInt(10000), decimal.NewFromInt(5))
	require.NoError(t, err)
	require.Len(t, result.Adjustments, 1)
	assert.Equal(t, domain.CoreBucketID, result.Adjustments[0].BucketID)
	assert.True(t, result.Adjustments[0].Delta.Equal(decimal.NewFromInt(1)))
	assert.True(t, result.Check.IsReconciled, "recheck after correction must pass")
	assert.Equal(t, 1, pub.published(domain.EventDriftCorrected))

	// 修正本身留有审计流水
	txs, err := repo.ListTransactions(ctx, domain.TransactionFilter{BucketID: domain.CoreBucketID})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, domain.TxReallocation, txs[0].Type)

	// 幂等：再跑一轮不再产生修正
	result, err = svc.Reconcile(ctx, "USD", decimal.NewFromInt(10000), decimal.NewFromInt(5))
	require.NoError(t, err)
	assert.Empty(t, result.Adjustments)
	assert.True(t, result.Check.IsReconciled)
}

func TestReconcile_LargeDriftNotCorrected(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(9000))
	require.NoError(t, err)

	result, err := svc.Reconcile(ctx, "USD", decimal.NewFromInt(10000), decimal.NewFromInt(5))
	assert.ErrorIs(t, err, domain.ErrInvariantViolation)
	require.NotNil(t, result)
	assert.True(t, result.RequiresIntervention)
	assert.Empty(t, result.Adjustments)

	// 大漂移绝不静默修正
	total, err := repo.SumByCurrency(ctx, "USD")
	require.NoError(t, err)
	assert.True(t, total.Equal(decimal.NewFromInt(9000)))
}

func TestForceReconcileToCore(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(7000))
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromInt(2000))
	require.NoError(t, err)

	// 实际 10500：核心仓被置为 10500 − 2000 = 8500，卫星仓不动
	result, err := svc.ForceReconcileToCore(ctx, "USD", decimal.NewFromInt(10500))
	require.NoError(t, err)
	assert.True(t, result.Check.IsReconciled)
	require.Len(t, result.Adjustments, 1)
	assert.True(t, result.Adjustments[0].Delta.Equal(decimal.NewFromInt(1500)))

	core, err := repo.GetBalance(ctx, domain.CoreBucketID, "USD")
	require.NoError(t, err)
	assert.True(t, core.Balance.Equal(decimal.NewFromInt(8500)))
	sat, err := repo.GetBalance(ctx, "sat-a", "USD")
	require.NoError(t, err)
	assert.True(t, sat.Balance.Equal(decimal.NewFromInt(2000)))
}

func TestInitializeFromBrokerage(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()

	err := svc.InitializeFromBrokerage(ctx, map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(25000),
		"EUR": decimal.NewFromInt(3000),
	})
	require.NoError(t, err)

	usd, err := repo.GetBalance(ctx, domain.CoreBucketID, "USD")
	require.NoError(t, err)
	assert.True(t, usd.Balance.Equal(decimal.NewFromInt(25000)))
	eur, err := repo.GetBalance(ctx, domain.CoreBucketID, "EUR")
	require.NoError(t, err)
	assert.True(t, eur.Balance.Equal(decimal.NewFromInt(3000)))

	// 非空币种不重复引导
	err = svc.InitializeFromBrokerage(ctx, map[string]decimal.Decimal{"USD": decimal.NewFromInt(99999)})
	require.NoError(t, err)
	usd, err = repo.GetBalance(ctx, domain.CoreBucketID, "USD")
	require.NoError(t, err)
	assert.True(t, usd.Balance.Equal(decimal.NewFromInt(25000)), "bootstrap must not overwrite existing ledger")
}

func TestReconcileAll_SortedAndIsolated(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(1000))
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, domain.CoreBucketID, "EUR", decimal.NewFromInt(2000))
	require.NoError(t, err)

	results, err := svc.ReconcileAll(ctx, map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(1000),
		"EUR": decimal.NewFromInt(2000),
	}, decimal.NewFromInt(5))
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "EUR", results[0].Check.Currency)
	assert.Equal(t, "USD", results[1].Check.Currency)
}

func TestDiagnoseDiscrepancy(t *testing.T) {
	svc, repo, _ := newReconcileFixture(t)
	ctx := context.Background()
	_, err := repo.SetBalance(ctx, domain.CoreBucketID, "USD", decimal.NewFromInt(8000))
	require.NoError(t, err)
	_, err = repo.SetBalance(ctx, "sat-a", "USD", decimal.NewFromInt(1500))
	require.NoError(t, err)
	require.NoError(t, repo.InsertTransaction(ctx, &domain.BucketTransaction{
		BucketID: "sat-a", Type: domain.TxDeposit, Amount: decimal.NewFromInt(1500), Currency: "USD",
	}))

	report, err := svc.DiagnoseDiscrepancy(ctx, "USD", decimal.NewFromInt(10000))
	require.NoError(t, err)
	assert.True(t, report.VirtualTotal.Equal(decimal.NewFromInt(9500)))
	assert.True(t, report.Difference.Equal(decimal.NewFromInt(-500)))
	assert.Len(t, report.PerBucket, 2)
	assert.Len(t, report.RecentTransactions, 1)
}
