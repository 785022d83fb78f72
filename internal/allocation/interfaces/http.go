// Package interfaces 分仓服务接口层
package interfaces

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/application"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
)

// HTTPHandler HTTP 接口处理器
type HTTPHandler struct {
	ledgerService    *application.LedgerService
	lifecycleService *application.LifecycleService
	reconcileService *application.ReconcileService
	rebalanceService *application.RebalanceService

	// 请求未显式给出时使用的默认参数
	autoCorrectThreshold decimal.Decimal
	rebalancePeriodDays  int
	rebalanceDampening   float64
}

// NewHTTPHandler 创建 HTTP 处理器
func NewHTTPHandler(
	ledgerService *application.LedgerService,
	lifecycleService *application.LifecycleService,
	reconcileService *application.ReconcileService,
	rebalanceService *application.RebalanceService,
	autoCorrectThreshold decimal.Decimal,
	rebalancePeriodDays int,
	rebalanceDampening float64,
) *HTTPHandler {
	return &HTTPHandler{
		ledgerService:        ledgerService,
		lifecycleService:     lifecycleService,
		reconcileService:     reconcileService,
		rebalanceService:     rebalanceService,
		autoCorrectThreshold: autoCorrectThreshold,
		rebalancePeriodDays:  rebalancePeriodDays,
		rebalanceDampening:   rebalanceDampening,
	}
}

// RegisterRoutes 注册路由
func (h *HTTPHandler) RegisterRoutes(r *gin.RouterGroup) {
	allocation := r.Group("/allocation")
	{
		buckets := allocation.Group("/buckets")
		{
			buckets.POST("", h.RegisterSatellite)
			buckets.GET("", h.ListBuckets)
			buckets.GET("/:id", h.GetBucket)
			buckets.POST("/:id/activate", h.Activate)
			buckets.POST("/:id/pause", h.Pause)
			buckets.POST("/:id/resume", h.Resume)
			buckets.POST("/:id/hibernate", h.Hibernate)
			buckets.POST("/:id/retire", h.Retire)
			buckets.PUT("/:id", h.UpdateDetails)
			buckets.POST("/:id/trade-result", h.RecordTradeResult)
			buckets.POST("/:id/high-water-mark", h.UpdateHighWaterMark)
			buckets.GET("/:id/aggression", h.GetAggression)
			buckets.PUT("/:id/settings", h.SaveSatelliteSettings)
			buckets.GET("/:id/settings", h.GetSatelliteSettings)
			buckets.GET("/:id/balances", h.GetBucketBalances)
			buckets.GET("/:id/transactions", h.GetBucketTransactions)
		}

		allocation.POST("/deposits", h.AllocateDeposit)
		allocation.POST("/transfers", h.Transfer)
		allocation.POST("/reallocations", h.Reallocate)
		allocation.POST("/trades", h.RecordTradeSettlement)
		allocation.POST("/dividends", h.RecordDividend)
		allocation.GET("/transactions", h.ListTransactions)
		allocation.GET("/total", h.GetTotal)

		reconcile := allocation.Group("/reconcile")
		{
			reconcile.POST("/check", h.CheckInvariant)
			reconcile.POST("", h.Reconcile)
			reconcile.POST("/force", h.ForceReconcile)
			reconcile.POST("/bootstrap", h.Bootstrap)
			reconcile.POST("/diagnose", h.Diagnose)
		}

		rebalance := allocation.Group("/rebalance")
		{
			rebalance.POST("/preview", h.PreviewRebalance)
			rebalance.POST("/apply", h.ApplyRebalance)
		}
	}
}

// respondError 领域错误到 HTTP 状态码的统一映射
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrBucketNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidAmount),
		errors.Is(err, domain.ErrNotSatellite):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrBucketExists),
		errors.Is(err, domain.ErrInsufficientFunds),
		errors.Is(err, domain.ErrCoreMinimumViolation),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrFundsRemaining),
		errors.Is(err, domain.ErrInvariantViolation):
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func parseAmount(c *gin.Context, raw string) (decimal.Decimal, bool) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount: " + raw})
		return decimal.Zero, false
	}
	return amount, true
}

// RegisterSatelliteRequest 注册卫星仓请求
type RegisterSatelliteRequest struct {
	BucketID  string   `json:"bucket_id" binding:"required"`
	Name      string   `json:"name" binding:"required"`
	Notes     string   `json:"notes"`
	TargetPct *float64 `json:"target_pct"`
}

// RegisterSatellite 注册卫星仓
func (h *HTTPHandler) RegisterSatellite(c *gin.Context) {
	var req RegisterSatelliteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cmd := application.RegisterSatelliteCommand{
		BucketID:  req.BucketID,
		Name:      req.Name,
		Notes:     req.Notes,
		TargetPct: req.TargetPct,
	}

	bucket, err := h.lifecycleService.RegisterSatellite(c.Request.Context(), cmd)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bucket)
}

// ListBuckets 列出全部桶，支持 ?status= 过滤
func (h *HTTPHandler) ListBuckets(c *gin.Context) {
	buckets, err := h.lifecycleService.ListBuckets(c.Request.Context(), domain.BucketStatus(c.Query("status")))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"buckets": buckets})
}

// GetBucket 查询单个桶
func (h *HTTPHandler) GetBucket(c *gin.Context) {
	bucket, err := h.lifecycleService.GetBucket(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

// Activate 激活桶
func (h *HTTPHandler) Activate(c *gin.Context) {
	h.transition(c, h.lifecycleService.Activate)
}

// Pause 暂停桶
func (h *HTTPHandler) Pause(c *gin.Context) {
	h.transition(c, h.lifecycleService.Pause)
}

// Resume 恢复桶
func (h *HTTPHandler) Resume(c *gin.Context) {
	h.transition(c, h.lifecycleService.Resume)
}

// Hibernate 休眠桶
func (h *HTTPHandler) Hibernate(c *gin.Context) {
	h.transition(c, h.lifecycleService.Hibernate)
}

// Retire 退休桶
func (h *HTTPHandler) Retire(c *gin.Context) {
	h.transition(c, h.lifecycleService.Retire)
}

func (h *HTTPHandler) transition(c *gin.Context, fn func(ctx context.Context, bucketID string) (*domain.Bucket, error)) {
	bucket, err := fn(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

// UpdateDetailsRequest 更新名称/备注请求，缺省字段保持不变
type UpdateDetailsRequest struct {
	Name  *string `json:"name"`
	Notes *string `json:"notes"`
}

// UpdateDetails 更新名称与备注
func (h *HTTPHandler) UpdateDetails(c *gin.Context) {
	var req UpdateDetailsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	bucket, err := h.lifecycleService.UpdateDetails(c.Request.Context(), c.Param("id"), req.Name, req.Notes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

// TradeResultRequest 交易胜负上报请求
type TradeResultRequest struct {
	IsWin bool   `json:"is_win"`
	PnL   string `json:"pnl"`
}

// RecordTradeResult 记录交易胜负
func (h *HTTPHandler) RecordTradeResult(c *gin.Context) {
	var req TradeResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pnl := decimal.Zero
	if req.PnL != "" {
		var ok bool
		if pnl, ok = parseAmount(c, req.PnL); !ok {
			return
		}
	}

	bucket, err := h.lifecycleService.RecordTradeResult(c.Request.Context(), c.Param("id"), req.IsWin, pnl)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

// HighWaterMarkRequest 水位线上报请求
type HighWaterMarkRequest struct {
	CurrentValue string `json:"current_value" binding:"required"`
}

// UpdateHighWaterMark 上报当前市值，必要时抬高水位线
func (h *HTTPHandler) UpdateHighWaterMark(c *gin.Context) {
	var req HighWaterMarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	value, ok := parseAmount(c, req.CurrentValue)
	if !ok {
		return
	}

	bucket, err := h.lifecycleService.UpdateHighWaterMark(c.Request.Context(), c.Param("id"), value)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bucket)
}

// GetAggression 查询交易激进度
func (h *HTTPHandler) GetAggression(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USD")
	result, err := h.lifecycleService.EvaluateAggression(c.Request.Context(), c.Param("id"), currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// SatelliteSettingsRequest 卫星仓策略配置请求
type SatelliteSettingsRequest struct {
	RiskTolerance    float64 `json:"risk_tolerance"`
	Momentum         float64 `json:"momentum"`
	MeanReversion    float64 `json:"mean_reversion"`
	VolatilityTarget float64 `json:"volatility_target"`
	MaxPositionPct   float64 `json:"max_position_pct"`
	AutoRebalance    bool    `json:"auto_rebalance"`
	ReinvestProfits  bool    `json:"reinvest_profits"`
	DividendHandling string  `json:"dividend_handling" binding:"required"`
}

// SaveSatelliteSettings 保存卫星仓策略配置
func (h *HTTPHandler) SaveSatelliteSettings(c *gin.Context) {
	var req SatelliteSettingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	settings := &domain.SatelliteSettings{
		BucketID:         c.Param("id"),
		RiskTolerance:    req.RiskTolerance,
		Momentum:         req.Momentum,
		MeanReversion:    req.MeanReversion,
		VolatilityTarget: req.VolatilityTarget,
		MaxPositionPct:   req.MaxPositionPct,
		AutoRebalance:    req.AutoRebalance,
		ReinvestProfits:  req.ReinvestProfits,
		DividendHandling: domain.DividendHandling(req.DividendHandling),
	}

	if err := h.lifecycleService.SaveSatelliteSettings(c.Request.Context(), settings); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// GetSatelliteSettings 查询卫星仓策略配置
func (h *HTTPHandler) GetSatelliteSettings(c *gin.Context) {
	settings, err := h.lifecycleService.GetSatelliteSettings(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

// GetBucketBalances 查询某桶全部币种余额
func (h *HTTPHandler) GetBucketBalances(c *gin.Context) {
	if currency := c.Query("currency"); currency != "" {
		balance, err := h.ledgerService.GetBalance(c.Request.Context(), c.Param("id"), currency)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, balance)
		return
	}

	balances, err := h.ledgerService.GetAllBalances(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"balances": balances})
}

// GetBucketTransactions 查询某桶最近流水
func (h *HTTPHandler) GetBucketTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	txs, err := h.ledgerService.GetRecentTransactions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// DepositRequest 入金分配请求
type DepositRequest struct {
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Description string `json:"description"`
}

// AllocateDeposit 入金并按目标占比分配
func (h *HTTPHandler) AllocateDeposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	allocations, err := h.ledgerService.AllocateDeposit(c.Request.Context(), amount, req.Currency, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"allocations": allocations})
}

// TransferRequest 桶间转账请求
type TransferRequest struct {
	FromBucketID string `json:"from_bucket_id" binding:"required"`
	ToBucketID   string `json:"to_bucket_id" binding:"required"`
	Amount       string `json:"amount" binding:"required"`
	Currency     string `json:"currency" binding:"required"`
	Description  string `json:"description"`
}

// Transfer 桶间转账
func (h *HTTPHandler) Transfer(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	from, to, err := h.ledgerService.TransferBetweenBuckets(c.Request.Context(), req.FromBucketID, req.ToBucketID, amount, req.Currency, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to})
}

// Reallocate 再平衡调仓：机制同转账，但流水类别为 reallocation
func (h *HTTPHandler) Reallocate(c *gin.Context) {
	var req TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	from, to, err := h.ledgerService.Reallocate(c.Request.Context(), req.FromBucketID, req.ToBucketID, amount, req.Currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to})
}

// TradeSettlementRequest 交易结算请求
type TradeSettlementRequest struct {
	BucketID    string `json:"bucket_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Side        string `json:"side" binding:"required"`
	Description string `json:"description"`
}

// RecordTradeSettlement 记录交易结算
func (h *HTTPHandler) RecordTradeSettlement(c *gin.Context) {
	var req TradeSettlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	var isBuy bool
	switch req.Side {
	case "buy":
		isBuy = true
	case "sell":
		isBuy = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "side must be buy or sell"})
		return
	}

	balance, err := h.ledgerService.RecordTradeSettlement(c.Request.Context(), req.BucketID, amount, req.Currency, isBuy, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// DividendRequest 股息入账请求
type DividendRequest struct {
	BucketID    string `json:"bucket_id" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
	Currency    string `json:"currency" binding:"required"`
	Description string `json:"description"`
}

// RecordDividend 记录股息入账
func (h *HTTPHandler) RecordDividend(c *gin.Context) {
	var req DividendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, ok := parseAmount(c, req.Amount)
	if !ok {
		return
	}

	balance, err := h.ledgerService.RecordDividend(c.Request.Context(), req.BucketID, amount, req.Currency, req.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, balance)
}

// ListTransactions 按条件查询流水
func (h *HTTPHandler) ListTransactions(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	filter := domain.TransactionFilter{
		BucketID: c.Query("bucket_id"),
		Currency: c.Query("currency"),
		Limit:    limit,
	}
	if tStr := c.Query("type"); tStr != "" {
		tt := domain.TransactionType(tStr)
		filter.Type = &tt
	}

	txs, err := h.ledgerService.GetTransactions(c.Request.Context(), filter)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs})
}

// GetTotal 查询某币种账本总额
func (h *HTTPHandler) GetTotal(c *gin.Context) {
	currency := c.DefaultQuery("currency", "USD")
	total, err := h.ledgerService.GetTotalByCurrency(c.Request.Context(), currency)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"currency": currency, "total": total})
}

// ReconcileRequest 对账请求
type ReconcileRequest struct {
	Currency      string `json:"currency" binding:"required"`
	ActualBalance string `json:"actual_balance" binding:"required"`
	// 可选；缺省用服务配置的阈值
	AutoCorrectThreshold string `json:"auto_correct_threshold"`
}

// CheckInvariant 只读不变量检查
func (h *HTTPHandler) CheckInvariant(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actual, ok := parseAmount(c, req.ActualBalance)
	if !ok {
		return
	}

	check, err := h.reconcileService.CheckInvariant(c.Request.Context(), req.Currency, actual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

// Reconcile 对账并在阈值内自动修正
func (h *HTTPHandler) Reconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actual, ok := parseAmount(c, req.ActualBalance)
	if !ok {
		return
	}

	threshold := h.autoCorrectThreshold
	if req.AutoCorrectThreshold != "" {
		if threshold, ok = parseAmount(c, req.AutoCorrectThreshold); !ok {
			return
		}
	}

	result, err := h.reconcileService.Reconcile(c.Request.Context(), req.Currency, actual, threshold)
	if err != nil {
		if result != nil {
			c.JSON(http.StatusConflict, result)
			return
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ForceReconcile 操作员强制对账
func (h *HTTPHandler) ForceReconcile(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actual, ok := parseAmount(c, req.ActualBalance)
	if !ok {
		return
	}

	result, err := h.reconcileService.ForceReconcileToCore(c.Request.Context(), req.Currency, actual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// BootstrapRequest 账本引导请求
type BootstrapRequest struct {
	Balances map[string]string `json:"balances" binding:"required"`
}

// Bootstrap 从券商余额引导空账本
func (h *HTTPHandler) Bootstrap(c *gin.Context) {
	var req BootstrapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	balances := make(map[string]decimal.Decimal, len(req.Balances))
	for currency, raw := range req.Balances {
		amount, ok := parseAmount(c, raw)
		if !ok {
			return
		}
		balances[currency] = amount
	}

	if err := h.reconcileService.InitializeFromBrokerage(c.Request.Context(), balances); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Diagnose 差异诊断
func (h *HTTPHandler) Diagnose(c *gin.Context) {
	var req ReconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	actual, ok := parseAmount(c, req.ActualBalance)
	if !ok {
		return
	}

	report, err := h.reconcileService.DiagnoseDiscrepancy(c.Request.Context(), req.Currency, actual)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// RebalanceRequest 再平衡请求
type RebalanceRequest struct {
	PeriodDays *int     `json:"period_days"`
	Dampening  *float64 `json:"dampening"`
}

// PreviewRebalance 预览再平衡建议，不落库
func (h *HTTPHandler) PreviewRebalance(c *gin.Context) {
	h.rebalance(c, false)
}

// ApplyRebalance 应用再平衡建议
func (h *HTTPHandler) ApplyRebalance(c *gin.Context) {
	h.rebalance(c, true)
}

func (h *HTTPHandler) rebalance(c *gin.Context, apply bool) {
	var req RebalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	periodDays := h.rebalancePeriodDays
	if req.PeriodDays != nil {
		periodDays = *req.PeriodDays
	}
	dampening := h.rebalanceDampening
	if req.Dampening != nil {
		dampening = *req.Dampening
	}

	plan, err := h.rebalanceService.EvaluateAndReallocate(c.Request.Context(), periodDays, dampening, apply)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, plan)
}
