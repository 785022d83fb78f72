// Package application 分仓服务应用层
package application

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/pkg/metrics"
)

// LedgerService 虚拟账本服务
// 唯一允许变更桶余额的代码路径：每次余额变更与其审计流水在
// 同一存储事务内落库，两者要么都成功要么都失败。
type LedgerService struct {
	ledgerRepo   domain.LedgerRepository
	bucketRepo   domain.BucketRepository
	settingsRepo domain.SettingsRepository
	publisher    domain.EventPublisher
	metrics      *metrics.Metrics
	logger       *slog.Logger
	now          func() time.Time
}

// NewLedgerService 创建账本服务；publisher 与 m 允许为 nil
func NewLedgerService(
	ledgerRepo domain.LedgerRepository,
	bucketRepo domain.BucketRepository,
	settingsRepo domain.SettingsRepository,
	publisher domain.EventPublisher,
	m *metrics.Metrics,
	logger *slog.Logger,
) *LedgerService {
	return &LedgerService{
		ledgerRepo:   ledgerRepo,
		bucketRepo:   bucketRepo,
		settingsRepo: settingsRepo,
		publisher:    publisher,
		metrics:      m,
		logger:       logger,
		now:          time.Now,
	}
}

// WithClock 注入时间源，测试用
func (s *LedgerService) WithClock(now func() time.Time) *LedgerService {
	s.now = now
	return s
}

// AdjustBalance 余额加减 delta（任意符号），行不存在时以零余额创建。
// 不产生流水，调用方负责补记对应审计条目。
func (s *LedgerService) AdjustBalance(ctx context.Context, bucketID, currency string, delta decimal.Decimal) (*domain.BucketBalance, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	return s.ledgerRepo.AdjustBalance(ctx, bucketID, normalizeCurrency(currency), delta)
}

// SetBalance 覆盖写余额，仅用于带外初始化（如对账引导）
func (s *LedgerService) SetBalance(ctx context.Context, bucketID, currency string, amount decimal.Decimal) (*domain.BucketBalance, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	return s.ledgerRepo.SetBalance(ctx, bucketID, normalizeCurrency(currency), amount)
}

// RecordTradeSettlement 记录交易结算
// 买入现金流出（delta = −amount），卖出现金流入（delta = +amount）。
// 流水按绝对值记账，方向由类型隐含。不做余额充足性检查：
// 上游执行方在下单前负责校验资金，桶余额允许为负。
func (s *LedgerService) RecordTradeSettlement(ctx context.Context, bucketID string, amount decimal.Decimal, currency string, isBuy bool, description string) (*domain.BucketBalance, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("%w: settlement amount %s is negative", domain.ErrInvalidAmount, amount)
	}
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}

	currency = normalizeCurrency(currency)
	delta := amount
	txType := domain.TxTradeSell
	if isBuy {
		delta = amount.Neg()
		txType = domain.TxTradeBuy
	}

	var balance *domain.BucketBalance
	err := s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		balance, err = s.ledgerRepo.AdjustBalance(txCtx, bucketID, currency, delta)
		if err != nil {
			return err
		}
		return s.insertTx(txCtx, bucketID, txType, amount, currency, description)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransaction(ctx, bucketID, txType, amount, currency, description)
	return balance, nil
}

// RecordDividend 记录股息入账
// 当接收桶是卫星仓且其设置为 send_to_core 时，股息划入核心仓。
func (s *LedgerService) RecordDividend(ctx context.Context, bucketID string, amount decimal.Decimal, currency string, description string) (*domain.BucketBalance, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: dividend amount %s must be positive", domain.ErrInvalidAmount, amount)
	}
	bucket, err := s.getBucket(ctx, bucketID)
	if err != nil {
		return nil, err
	}

	currency = normalizeCurrency(currency)
	creditTo := bucketID
	if bucket.Type == domain.BucketTypeSatellite {
		settings, err := s.settingsRepo.GetSatelliteSettings(ctx, bucketID)
		if err != nil {
			return nil, err
		}
		if settings != nil && settings.DividendHandling == domain.DividendSendToCore {
			creditTo = domain.CoreBucketID
			description = fmt.Sprintf("%s (routed to core from %s)", description, bucketID)
		}
	}

	var balance *domain.BucketBalance
	err = s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		var err error
		balance, err = s.ledgerRepo.AdjustBalance(txCtx, creditTo, currency, amount)
		if err != nil {
			return err
		}
		return s.insertTx(txCtx, creditTo, domain.TxDividend, amount, currency, description)
	})
	if err != nil {
		return nil, err
	}

	s.afterTransaction(ctx, creditTo, domain.TxDividend, amount, currency, description)
	return balance, nil
}

// TransferBetweenBuckets 桶间手工转账
// 校验双方桶存在、余额充足；从核心仓转出时额外校验转出后核心仓
// 不低于 (1 − satellite_budget_pct) × 该币种账本总额。
// 两次余额调整与两条流水在同一事务内完成。
func (s *LedgerService) TransferBetweenBuckets(ctx context.Context, fromID, toID string, amount decimal.Decimal, currency, description string) (*domain.BucketBalance, *domain.BucketBalance, error) {
	return s.moveBetweenBuckets(ctx, fromID, toID, amount, currency, description, false)
}

// Reallocate 再平衡调仓，机制与转账相同但审计类别独立
// 仅供元分配器调用；流水以带符号金额直接记账。
func (s *LedgerService) Reallocate(ctx context.Context, fromID, toID string, amount decimal.Decimal, currency string) (*domain.BucketBalance, *domain.BucketBalance, error) {
	return s.moveBetweenBuckets(ctx, fromID, toID, amount, currency, "rebalance reallocation", true)
}

func (s *LedgerService) moveBetweenBuckets(ctx context.Context, fromID, toID string, amount decimal.Decimal, currency, description string, isReallocation bool) (*domain.BucketBalance, *domain.BucketBalance, error) {
	if !amount.IsPositive() {
		return nil, nil, fmt.Errorf("%w: transfer amount %s must be positive", domain.ErrInvalidAmount, amount)
	}
	if fromID == toID {
		return nil, nil, fmt.Errorf("%w: cannot transfer bucket %s to itself", domain.ErrValidation, fromID)
	}
	if _, err := s.getBucket(ctx, fromID); err != nil {
		return nil, nil, err
	}
	if _, err := s.getBucket(ctx, toID); err != nil {
		return nil, nil, err
	}

	currency = normalizeCurrency(currency)

	var fromBalance, toBalance *domain.BucketBalance
	err := s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		current, err := s.ledgerRepo.GetBalance(txCtx, fromID, currency)
		if err != nil {
			return err
		}
		available := decimal.Zero
		if current != nil {
			available = current.Balance
		}
		if available.LessThan(amount) {
			return fmt.Errorf("%w: bucket %s has %s %s, need %s", domain.ErrInsufficientFunds, fromID, available, currency, amount)
		}

		// 核心仓最低占比检查必须与扣款在同一事务内评估，
		// 避免与并发转账之间的丢失更新竞争。
		if fromID == domain.CoreBucketID {
			total, err := s.ledgerRepo.SumByCurrency(txCtx, currency)
			if err != nil {
				return err
			}
			budgetPct, err := s.satelliteBudgetPct(txCtx)
			if err != nil {
				return err
			}
			coreMin := total.Mul(decimal.NewFromInt(1).Sub(budgetPct))
			if available.Sub(amount).LessThan(coreMin) {
				return fmt.Errorf("%w: core would fall to %s %s, minimum %s", domain.ErrCoreMinimumViolation, available.Sub(amount), currency, coreMin)
			}
		}

		if fromBalance, err = s.ledgerRepo.AdjustBalance(txCtx, fromID, currency, amount.Neg()); err != nil {
			return err
		}
		if toBalance, err = s.ledgerRepo.AdjustBalance(txCtx, toID, currency, amount); err != nil {
			return err
		}

		outType, inType := domain.TxTransferOut, domain.TxTransferIn
		if isReallocation {
			outType, inType = domain.TxReallocation, domain.TxReallocation
		}
		if err := s.insertTx(txCtx, fromID, outType, amount.Neg(), currency, description); err != nil {
			return err
		}
		return s.insertTx(txCtx, toID, inType, amount, currency, description)
	})
	if err != nil {
		return nil, nil, err
	}

	txType := domain.TxTransferOut
	if isReallocation {
		txType = domain.TxReallocation
	}
	s.afterTransaction(ctx, fromID, txType, amount.Neg(), currency, description)
	return fromBalance, toBalance, nil
}

// AllocateDeposit 入金分配
// 核心仓优先补足到 (1 − satellite_budget_pct) × 新总额，余量按缺口
// 比例分给 accumulating/active 且 target_pct > 0 的卫星仓；
// 所有卫星仓均无缺口时余量不强行分配。
// 返回实际分配表，各项之和 ≤ totalAmount。
func (s *LedgerService) AllocateDeposit(ctx context.Context, totalAmount decimal.Decimal, currency, description string) (map[string]decimal.Decimal, error) {
	if !totalAmount.IsPositive() {
		return nil, fmt.Errorf("%w: deposit amount %s must be positive", domain.ErrInvalidAmount, totalAmount)
	}
	if _, err := s.getBucket(ctx, domain.CoreBucketID); err != nil {
		return nil, err
	}

	currency = normalizeCurrency(currency)
	allocations := make(map[string]decimal.Decimal)

	err := s.ledgerRepo.WithTx(ctx, func(txCtx context.Context) error {
		currentTotal, err := s.ledgerRepo.SumByCurrency(txCtx, currency)
		if err != nil {
			return err
		}
		newTotal := currentTotal.Add(totalAmount)

		budgetPct, err := s.satelliteBudgetPct(txCtx)
		if err != nil {
			return err
		}
		coreTarget := newTotal.Mul(decimal.NewFromInt(1).Sub(budgetPct))

		coreBalance := decimal.Zero
		if row, err := s.ledgerRepo.GetBalance(txCtx, domain.CoreBucketID, currency); err != nil {
			return err
		} else if row != nil {
			coreBalance = row.Balance
		}

		coreShare := coreTarget.Sub(coreBalance)
		if coreShare.IsNegative() {
			coreShare = decimal.Zero
		}
		if coreShare.GreaterThan(totalAmount) {
			coreShare = totalAmount
		}

		if coreShare.IsPositive() {
			if _, err := s.ledgerRepo.AdjustBalance(txCtx, domain.CoreBucketID, currency, coreShare); err != nil {
				return err
			}
			if err := s.insertTx(txCtx, domain.CoreBucketID, domain.TxDeposit, coreShare, currency, description); err != nil {
				return err
			}
			allocations[domain.CoreBucketID] = coreShare
		}

		remainder := totalAmount.Sub(coreShare)
		if !remainder.IsPositive() {
			return nil
		}

		satellites, err := s.bucketRepo.ListSatellites(txCtx)
		if err != nil {
			return err
		}

		type deficitEntry struct {
			bucketID string
			deficit  decimal.Decimal
		}
		var entries []deficitEntry
		totalDeficit := decimal.Zero
		for _, sat := range satellites {
			if sat.Status != domain.StatusAccumulating && sat.Status != domain.StatusActive {
				continue
			}
			if sat.TargetPct == nil || !sat.TargetPct.IsPositive() {
				continue
			}
			balance := decimal.Zero
			if row, err := s.ledgerRepo.GetBalance(txCtx, sat.BucketID, currency); err != nil {
				return err
			} else if row != nil {
				balance = row.Balance
			}
			deficit := sat.TargetPct.Mul(newTotal).Sub(balance)
			if !deficit.IsPositive() {
				continue
			}
			entries = append(entries, deficitEntry{bucketID: sat.BucketID, deficit: deficit})
			totalDeficit = totalDeficit.Add(deficit)
		}

		// 总缺口为零时余量留在未分配状态，不强行喂给已达标的桶
		if totalDeficit.IsZero() {
			return nil
		}

		sort.Slice(entries, func(i, j int) bool { return entries[i].bucketID < entries[j].bucketID })

		distributed := decimal.Zero
		for _, e := range entries {
			share := remainder.Mul(e.deficit).Div(totalDeficit)
			if left := remainder.Sub(distributed); share.GreaterThan(left) {
				share = left
			}
			if !share.IsPositive() {
				continue
			}
			if _, err := s.ledgerRepo.AdjustBalance(txCtx, e.bucketID, currency, share); err != nil {
				return err
			}
			if err := s.insertTx(txCtx, e.bucketID, domain.TxDeposit, share, currency, description); err != nil {
				return err
			}
			allocations[e.bucketID] = share
			distributed = distributed.Add(share)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.DepositsAllocatedTotal.Inc()
	}
	s.logger.InfoContext(ctx, "deposit allocated",
		"currency", currency,
		"total", totalAmount,
		"buckets", len(allocations),
	)
	return allocations, nil
}

// GetBalance 查询余额，行不存在时返回零余额
func (s *LedgerService) GetBalance(ctx context.Context, bucketID, currency string) (*domain.BucketBalance, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	currency = normalizeCurrency(currency)
	row, err := s.ledgerRepo.GetBalance(ctx, bucketID, currency)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return &domain.BucketBalance{BucketID: bucketID, Currency: currency, Balance: decimal.Zero}, nil
	}
	return row, nil
}

// GetAllBalances 查询某桶全部币种余额
func (s *LedgerService) GetAllBalances(ctx context.Context, bucketID string) ([]*domain.BucketBalance, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	return s.ledgerRepo.ListBalancesByBucket(ctx, bucketID)
}

// GetTotalByCurrency 某币种全部桶余额之和，即对账不变量的左侧
func (s *LedgerService) GetTotalByCurrency(ctx context.Context, currency string) (decimal.Decimal, error) {
	return s.ledgerRepo.SumByCurrency(ctx, normalizeCurrency(currency))
}

// GetTransactions 按条件倒序查询流水
func (s *LedgerService) GetTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.BucketTransaction, error) {
	if filter.Currency != "" {
		filter.Currency = normalizeCurrency(filter.Currency)
	}
	return s.ledgerRepo.ListTransactions(ctx, filter)
}

// GetRecentTransactions 查询某桶最近 limit 条流水
func (s *LedgerService) GetRecentTransactions(ctx context.Context, bucketID string, limit int) ([]*domain.BucketTransaction, error) {
	if _, err := s.getBucket(ctx, bucketID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	return s.ledgerRepo.ListTransactions(ctx, domain.TransactionFilter{BucketID: bucketID, Limit: limit})
}

// --- helpers ---

func (s *LedgerService) getBucket(ctx context.Context, bucketID string) (*domain.Bucket, error) {
	bucket, err := s.bucketRepo.Get(ctx, bucketID)
	if err != nil {
		return nil, err
	}
	if bucket == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrBucketNotFound, bucketID)
	}
	return bucket, nil
}

// satelliteBudgetPct 读取卫星仓总预算占比，应用 0.30 硬上限
func (s *LedgerService) satelliteBudgetPct(ctx context.Context) (decimal.Decimal, error) {
	v, err := s.settingsRepo.GetFloat(ctx, domain.SettingSatelliteBudgetPct, domain.DefaultSatelliteBudgetPct)
	if err != nil {
		return decimal.Zero, err
	}
	if v > domain.SatelliteBudgetHardCap {
		v = domain.SatelliteBudgetHardCap
	}
	return decimal.NewFromFloat(v), nil
}

func (s *LedgerService) insertTx(ctx context.Context, bucketID string, txType domain.TransactionType, amount decimal.Decimal, currency, description string) error {
	tx := &domain.BucketTransaction{
		BucketID:    bucketID,
		Type:        txType,
		Amount:      amount,
		Currency:    currency,
		Description: description,
	}
	tx.CreatedAt = s.now()
	return s.ledgerRepo.InsertTransaction(ctx, tx)
}

// afterTransaction 提交后的指标与事件，失败仅记日志
func (s *LedgerService) afterTransaction(ctx context.Context, bucketID string, txType domain.TransactionType, amount decimal.Decimal, currency, description string) {
	if s.metrics != nil {
		s.metrics.TransactionsTotal.WithLabelValues(string(txType)).Inc()
	}
	if s.publisher == nil {
		return
	}
	event := domain.TransactionRecordedEvent{
		BucketID:    bucketID,
		Type:        txType,
		Amount:      amount,
		Currency:    currency,
		Description: description,
		OccurredAt:  s.now(),
	}
	if err := s.publisher.Publish(ctx, domain.EventTransactionRecorded, bucketID, event); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish transaction event",
			"bucket_id", bucketID,
			"type", txType,
			"error", err,
		)
	}
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
