// Package metrics 提供 Prometheus helper，包含分仓业务指标
package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/wyfcoding/coresatellite/pkg/logger"
)

// Metrics 指标集合
type Metrics struct {
	// HTTP 请求计数
	HTTPRequestsTotal *prometheus.CounterVec
	// HTTP 请求耗时
	HTTPRequestDuration prometheus.Histogram

	// 账本流水计数（按交易类型）
	TransactionsTotal *prometheus.CounterVec
	// 入金分配计数
	DepositsAllocatedTotal prometheus.Counter
	// 对账执行计数
	ReconcileRunsTotal prometheus.Counter
	// 对账自动修正计数
	ReconcileCorrectionsTotal prometheus.Counter
	// 当前虚实差额（按币种）
	ReconcileDrift *prometheus.GaugeVec
	// 连败熔断计数
	CircuitBreakerTripsTotal prometheus.Counter
	// 再平衡执行计数
	RebalanceRunsTotal prometheus.Counter
	// 活跃卫星仓数量
	ActiveSatellites prometheus.Gauge
}

// New 创建指标实例
func New(serviceName string) *Metrics {
	return &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		TransactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "transactions_total",
			Help:      "Total ledger transactions recorded",
		}, []string{"type"}),
		DepositsAllocatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "deposits_allocated_total",
			Help:      "Total deposits split across buckets",
		}),
		ReconcileRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "reconcile_runs_total",
			Help:      "Total reconciliation runs",
		}),
		ReconcileCorrectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "reconcile_corrections_total",
			Help:      "Total automatic drift corrections applied",
		}),
		ReconcileDrift: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "reconcile_drift",
			Help:      "Last observed virtual minus actual balance difference",
		}, []string{"currency"}),
		CircuitBreakerTripsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total loss-streak circuit breaker trips",
		}),
		RebalanceRunsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "rebalance_runs_total",
			Help:      "Total meta-allocator runs",
		}),
		ActiveSatellites: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "allocation",
			Subsystem: serviceName,
			Name:      "active_satellites",
			Help:      "Number of satellites in active status",
		}),
	}
}

// Register 注册所有指标
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.TransactionsTotal,
		m.DepositsAllocatedTotal,
		m.ReconcileRunsTotal,
		m.ReconcileCorrectionsTotal,
		m.ReconcileDrift,
		m.CircuitBreakerTripsTotal,
		m.RebalanceRunsTotal,
		m.ActiveSatellites,
	}

	for _, c := range collectors {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			logger.Error(context.Background(), "failed to register metric", "error", err)
			return err
		}
	}

	return nil
}

// StartHTTPServer 启动 Prometheus HTTP 服务器
func StartHTTPServer(port int, path string) {
	if path == "" {
		path = "/metrics"
	}

	http.Handle(path, promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	logger.Info(context.Background(), "starting metrics server", "addr", addr, "path", path)

	go func() {
		if err := http.ListenAndServe(addr, nil); err != nil {
			logger.Error(context.Background(), "metrics server exited", "error", err)
		}
	}()
}
