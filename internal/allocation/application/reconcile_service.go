package application

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/pkg/metrics"
)

// ReconcileTolerance 虚实余额视为一致的绝对容差（分级别）
var ReconcileTolerance = decimal.NewFromFloat(0.01)

// InvariantCheck 单币种不变量检查结果
type InvariantCheck struct {
	Currency     string          `json:"currency"`
	VirtualTotal decimal.Decimal `json:"virtual_total"`
	ActualTotal  decimal.Decimal `json:"actual_total"`
	// difference = virtual − actual
	Difference decimal.Decimal `json:"difference"`
	// difference / actual；actual 为零且 difference 非零时为 +Inf
	DifferencePct float64 `json:"-"`
	IsReconciled  bool    `json:"is_reconciled"`
}

// MarshalJSON 序列化时将无穷大的 difference_pct 渲染为字符串
func (c InvariantCheck) MarshalJSON() ([]byte, error) {
	type alias InvariantCheck
	out := struct {
		alias
		DifferencePct any `json:"difference_pct"`
	}{alias: alias(c), DifferencePct: c.DifferencePct}
	if math.IsInf(c.DifferencePct, 0) {
		out.DifferencePct = "inf"
	}
	return json.Marshal(out)
}

// Adjustment 对账修正记录
type Adjustment struct {
	BucketID string          `json:"bucket_id"`
	Currency string          `json:"currency"`
	Delta    decimal.Decimal `json:"delta"`
	Reason   string          `json:"reason"`
}

// ReconcileResult 对账执行结果
type ReconcileResult struct {
	Check       InvariantCheck `json:"check"`
	Adjustments []Adjustment   `json:"adjustments"`
	// 差额超过阈值而未修正时为 true
	RequiresIntervention bool `json:"requires_intervention"`
}

// Discrepancy 差异诊断报告（只读）
type Discrepancy struct {
	Currency           string                      `json:"currency"`
	VirtualTotal       decimal.Decimal             `json:"virtual_total"`
	ActualBalance      decimal.Decimal             `json:"actual_balance"`
	Difference         decimal.Decimal             `json:"difference"`
	PerBucket          []*domain.BucketBalance     `json:"per_bucket"`
	RecentTransactions []*domain.BucketTransaction `json:"recent_transactions"`
}

// ReconcileService 对账引擎
// 以外部上报的真实券商余额为准，检测并修复虚拟账本的漂移：
// 小漂移自动修正进核心仓，大漂移只上报不修正。
type ReconcileService struct {
	ledgerRepo domain.LedgerRepository
	bucketRepo domain.BucketRepository
	publisher  domain.EventPublisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewReconcileService 创建对账服务；publisher 与 m 允许为 nil
func NewReconcileService(
	ledgerRepo domain.LedgerRepository,
	bucketRepo domain.BucketRepository,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *ReconcileService {
	return &ReconcileService{
		ledgerRepo: ledgerRepo,
		bucketRepo: bucketRepo,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock 注入时间源，测试用
func (s *ReconcileService) WithClock(now func() time.Time) *ReconcileService {
	s.now = now
	return s
}

// CheckInvariant 只读且幂等的不变量检查
func (s *ReconcileService) CheckInvariant(ctx context.Context, currency string, actualBalance decimal.Decimal) (*InvariantCheck, error) {
	currency = normalizeCurrency(currency)
	virtual, err := s.ledgerRepo.SumByCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}

	diff := virtual.Sub(actualBalance)

	var diffPct float64
	switch {
	case actualBalance.IsZero() && diff.IsZero():
		diffPct = 0
	case actualBalance.IsZero():
		diffPct = math.Inf(1)
	default:
		diffPct = diff.Div(actualBalance).InexactFloat64()
	}

	check := &InvariantCheck{
		Currency:      currency,
		VirtualTotal:  virtual,
		ActualTotal:   actualBalance,
		Difference:    diff,
		DifferencePct: diffPct,
		IsReconciled:  diff.Abs().LessThan(ReconcileTolerance),
	}

	if s.metrics != nil {
		s.metrics.ReconcileDrift.WithLabelValues(currency).Set(diff.InexactFloat64())
	}
	return check, nil
}

// Reconcile 检测并在阈值内修正漂移
// 差额在 autoCorrectThreshold 之内时将整笔修正记入核心仓并复查；
// 超过阈值时不做任何变更，以 InvariantViolation 上报，绝不静默修正。
func (s *ReconcileService) Reconcile(ctx context.Context, currency string, actualBalance, autoCorrectThreshold decimal.Decimal) (*ReconcileResult, error) {
	currency = normalizeCurrency(currency)
	if s.metrics != nil {
		s.metrics.ReconcileRunsTotal.Inc()
	}

	check, err := s.CheckInvariant(ctx, currency, actualBalance)
	if err != nil {
		return nil, err
	}
	result := &ReconcileResult{Check: *check, Adjustments: []Adjustment{}}

	if check.IsReconciled {
		return result, nil
	}

	if check.Difference.Abs().GreaterThan(autoCorrectThreshold) {
		result.RequiresIntervention = true
		s.logger.WarnContext(ctx, "drift exceeds auto-correct threshold",
			"currency", currency,
			"difference", check.Difference,
			"threshold", autoCorrectThreshold,
		)
		return result, fmt.Errorf("%w: %s drift %s exceeds threshold %s",
			domain.ErrInvariantViolation, currency, check.Difference, autoCorrectThreshold)
	}

	// 修正量与修正流水在同一事务内落库，形态与普通账本变更一致
	correction := check.Difference.Neg()
	err = s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		if _, err := s.ledgerRepo.AdjustBalance(txCtx, domain.CoreBucketID, currency, correction); err != nil {
			return err
		}
		tx := &domain.BucketTransaction{
			BucketID:    domain.CoreBucketID,
			Type:        domain.TxReallocation,
			Amount:      correction,
			Currency:    currency,
			Description: fmt.Sprintf("automatic drift correction (%s)", check.Difference),
		}
		tx.CreatedAt = s.now()
		return s.ledgerRepo.InsertTransaction(txCtx, tx)
	})
	if err != nil {
		return nil, err
	}

	result.Adjustments = append(result.Adjustments, Adjustment{
		BucketID: domain.CoreBucketID,
		Currency: currency,
		Delta:    correction,
		Reason:   "automatic drift correction",
	})

	if s.metrics != nil {
		s.metrics.ReconcileCorrectionsTotal.Inc()
	}
	s.logger.InfoContext(ctx, "drift auto-corrected",
		"currency", currency,
		"difference", check.Difference,
	)
	if s.publisher != nil {
		event := domain.DriftCorrectedEvent{
			Currency:   currency,
			Difference: check.Difference,
			OccurredAt: s.now(),
		}
		if err := s.publisher.Publish(ctx, domain.EventDriftCorrected, currency, event); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish drift correction event", "currency", currency, "error", err)
		}
	}

	recheck, err := s.CheckInvariant(ctx, currency, actualBalance)
	if err != nil {
		return nil, err
	}
	result.Check = *recheck
	return result, nil
}

// ForceReconcileToCore 操作员逃生通道
// 无视阈值，把核心仓余额直接置为 actual − Σ(非核心余额)。始终记审计流水。
func (s *ReconcileService) ForceReconcileToCore(ctx context.Context, currency string, actualBalance decimal.Decimal) (*ReconcileResult, error) {
	currency = normalizeCurrency(currency)

	var delta decimal.Decimal
	err := s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		rows, err := s.ledgerRepo.ListBalancesByCurrency(txCtx, currency)
		if err != nil {
			return err
		}
		nonCore := decimal.Zero
		oldCore := decimal.Zero
		for _, row := range rows {
			if row.BucketID == domain.CoreBucketID {
				oldCore = row.Balance
				continue
			}
			nonCore = nonCore.Add(row.Balance)
		}

		newCore := actualBalance.Sub(nonCore)
		delta = newCore.Sub(oldCore)

		if _, err := s.ledgerRepo.SetBalance(txCtx, domain.CoreBucketID, currency, newCore); err != nil {
			return err
		}
		tx := &domain.BucketTransaction{
			BucketID:    domain.CoreBucketID,
			Type:        domain.TxReallocation,
			Amount:      delta,
			Currency:    currency,
			Description: "forced reconciliation to core",
		}
		tx.CreatedAt = s.now()
		return s.ledgerRepo.InsertTransaction(txCtx, tx)
	})
	if err != nil {
		return nil, err
	}

	s.logger.WarnContext(ctx, "forced reconciliation applied",
		"currency", currency,
		"actual_balance", actualBalance,
		"core_delta", delta,
	)

	check, err := s.CheckInvariant(ctx, currency, actualBalance)
	if err != nil {
		return nil, err
	}
	return &ReconcileResult{
		Check: *check,
		Adjustments: []Adjustment{{
			BucketID: domain.CoreBucketID,
			Currency: currency,
			Delta:    delta,
			Reason:   "forced reconciliation",
		}},
	}, nil
}

// ReconcileAll 逐币种对账；单币种失败不阻断其余币种
func (s *ReconcileService) ReconcileAll(ctx context.Context, actualBalances map[string]decimal.Decimal, autoCorrectThreshold decimal.Decimal) ([]*ReconcileResult, error) {
	currencies := make([]string, 0, len(actualBalances))
	for c := range actualBalances {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	results := make([]*ReconcileResult, 0, len(currencies))
	for _, c := range currencies {
		result, err := s.Reconcile(ctx, c, actualBalances[c], autoCorrectThreshold)
		if err != nil && result == nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

// InitializeFromBrokerage 账本为空时从券商余额引导
// 仅当某币种虚拟总额为零时，将全部实际余额记入核心仓并写 deposit 流水。
func (s *ReconcileService) InitializeFromBrokerage(ctx context.Context, actualBalances map[string]decimal.Decimal) error {
	currencies := make([]string, 0, len(actualBalances))
	for c := range actualBalances {
		currencies = append(currencies, c)
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		currency := normalizeCurrency(c)
		amount := actualBalances[c]

		virtual, err := s.ledgerRepo.SumByCurrency(ctx, currency)
		if err != nil {
			return err
		}
		if !virtual.IsZero() {
			s.logger.InfoContext(ctx, "skipping bootstrap for non-empty currency",
				"currency", currency,
				"virtual_total", virtual,
			)
			continue
		}

		err = s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
			if _, err := s.ledgerRepo.SetBalance(txCtx, domain.CoreBucketID, currency, amount); err != nil {
				return err
			}
			tx := &domain.BucketTransaction{
				BucketID:    domain.CoreBucketID,
				Type:        domain.TxDeposit,
				Amount:      amount,
				Currency:    currency,
				Description: "initial brokerage bootstrap",
			}
			tx.CreatedAt = s.now()
			return s.ledgerRepo.InsertTransaction(txCtx, tx)
		})
		if err != nil {
			return err
		}
		s.logger.InfoContext(ctx, "ledger bootstrapped from brokerage",
			"currency", currency,
			"amount", amount,
		)
	}
	return nil
}

// DiagnoseDiscrepancy 只读差异诊断：各桶余额分解与最近流水
func (s *ReconcileService) DiagnoseDiscrepancy(ctx context.Context, currency string, actualBalance decimal.Decimal) (*Discrepancy, error) {
	currency = normalizeCurrency(currency)

	virtual, err := s.ledgerRepo.SumByCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}
	perBucket, err := s.ledgerRepo.ListBalancesByCurrency(ctx, currency)
	if err != nil {
		return nil, err
	}
	recent, err := s.ledgerRepo.ListTransactions(ctx, domain.TransactionFilter{Currency: currency, Limit: 20})
	if err != nil {
		return nil, err
	}

	return &Discrepancy{
		Currency:           currency,
		VirtualTotal:       virtual,
		ActualBalance:      actualBalance,
		Difference:         virtual.Sub(actualBalance),
		PerBucket:          perBucket,
		RecentTransactions: recent,
	}, nil
}
