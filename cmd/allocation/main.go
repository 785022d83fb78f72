package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/wyfcoding/coresatellite/internal/allocation/application"
	"github.com/wyfcoding/coresatellite/internal/allocation/domain"
	"github.com/wyfcoding/coresatellite/internal/allocation/infrastructure/messaging"
	"github.com/wyfcoding/coresatellite/internal/allocation/infrastructure/persistence/mysql"
	"github.com/wyfcoding/coresatellite/internal/allocation/interfaces"
	"github.com/wyfcoding/coresatellite/internal/allocation/interfaces/consumer"
	"github.com/wyfcoding/coresatellite/pkg/config"
	"github.com/wyfcoding/coresatellite/pkg/db"
	"github.com/wyfcoding/coresatellite/pkg/logger"
	"github.com/wyfcoding/coresatellite/pkg/metrics"
	"github.com/wyfcoding/coresatellite/pkg/middleware"
	"github.com/wyfcoding/coresatellite/pkg/mq"
	"golang.org/x/sync/errgroup"
)

var configPath = flag.String("config", "configs/allocation/config.toml", "config file path")

func main() {
	flag.Parse()

	// 1. 初始化配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 2. 初始化日志
	if err := logger.Init(logger.Config{
		Level:      cfg.Logger.Level,
		Format:     cfg.Logger.Format,
		Output:     cfg.Logger.Output,
		FilePath:   cfg.Logger.FilePath,
		MaxSize:    cfg.Logger.MaxSize,
		MaxBackups: cfg.Logger.MaxBackups,
		MaxAge:     cfg.Logger.MaxAge,
		Compress:   cfg.Logger.Compress,
		WithCaller: cfg.Logger.WithCaller,
	}); err != nil {
		panic(fmt.Sprintf("failed to init logger: %v", err))
	}
	log := logger.Get()

	// 3. 初始化指标
	m := metrics.New(cfg.ServiceName)
	if cfg.Metrics.Enabled {
		if err := m.Register(); err != nil {
			log.Error("failed to register metrics", "error", err)
			os.Exit(1)
		}
		metrics.StartHTTPServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	// 4. 初始化数据库
	database, err := db.Init(db.Config{
		Driver:             cfg.Database.Driver,
		DSN:                cfg.Database.DSN,
		MaxOpenConns:       cfg.Database.MaxOpenConns,
		MaxIdleConns:       cfg.Database.MaxIdleConns,
		ConnMaxLifetime:    cfg.Database.ConnMaxLifetime,
		LogEnabled:         cfg.Database.LogEnabled,
		SlowQueryThreshold: cfg.Database.SlowQueryThreshold,
	})
	if err != nil {
		log.Error("failed to connect database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Auto Migrate (仅用于开发方便)
	if cfg.Environment == "dev" {
		if err := database.AutoMigrate(
			&domain.Bucket{},
			&domain.BucketBalance{},
			&domain.BucketTransaction{},
			&domain.Setting{},
			&domain.SatelliteSettings{},
		); err != nil {
			log.Error("failed to migrate database", "error", err)
		}
	}

	// 5. 初始化仓储与事件发布
	bucketRepo := mysql.NewBucketRepository(database.DB)
	ledgerRepo := mysql.NewLedgerRepository(database.DB)
	settingsRepo := mysql.NewSettingsRepository(database.DB)

	var publisher domain.EventPublisher
	var producer *mq.KafkaProducer
	if cfg.Kafka.Enabled {
		producer, err = mq.NewProducer(mq.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			MaxRetries:   cfg.Kafka.MaxRetries,
			RetryBackoff: cfg.Kafka.RetryBackoff,
		})
		if err != nil {
			log.Error("failed to create kafka producer", "error", err)
			os.Exit(1)
		}
		defer producer.Close()
		publisher = messaging.NewKafkaPublisher(producer)
	}

	// 6. 初始化应用服务
	ledgerSvc := application.NewLedgerService(ledgerRepo, bucketRepo, settingsRepo, publisher, m, log)
	lifecycleSvc := application.NewLifecycleService(bucketRepo, ledgerRepo, settingsRepo, publisher, m, log)
	reconcileSvc := application.NewReconcileService(ledgerRepo, bucketRepo, publisher, m, log)
	rebalanceSvc := application.NewRebalanceService(bucketRepo, settingsRepo, messaging.NewNoopPerformanceProvider(), publisher, m, log)

	ctx := context.Background()

	// 核心仓幂等初始化，配置参数写入设置表（启动时配置为准）
	if _, err := lifecycleSvc.EnsureCoreBucket(ctx); err != nil {
		log.Error("failed to ensure core bucket", "error", err)
		os.Exit(1)
	}
	seedSettings := map[string]float64{
		domain.SettingSatelliteBudgetPct: cfg.Allocation.SatelliteBudgetPct,
		domain.SettingSatelliteMinPct:    cfg.Allocation.SatelliteMinPct,
		domain.SettingSatelliteMaxPct:    cfg.Allocation.SatelliteMaxPct,
	}
	for key, value := range seedSettings {
		if err := settingsRepo.SetFloat(ctx, key, value); err != nil {
			log.Error("failed to seed setting", "key", key, "error", err)
			os.Exit(1)
		}
	}

	// 7. 初始化接口层
	gin.SetMode(gin.ReleaseMode)
	if cfg.Environment == "dev" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(), middleware.RequestLogging())
	if cfg.Metrics.Enabled {
		r.Use(middleware.HTTPMetrics(m))
	}

	httpHandler := interfaces.NewHTTPHandler(
		ledgerSvc,
		lifecycleSvc,
		reconcileSvc,
		rebalanceSvc,
		decimal.NewFromFloat(cfg.Reconcile.AutoCorrectThreshold),
		cfg.Rebalance.PeriodDays,
		cfg.Rebalance.Dampening,
	)
	httpHandler.RegisterRoutes(r.Group("/api/v1"))

	// 8. 季度再平衡调度（调度只存在于 cmd 层，服务本身不感知时间）
	scheduler := cron.New()
	_, err = scheduler.AddFunc(cfg.Rebalance.CronSpec, func() {
		jobCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		plan, err := rebalanceSvc.EvaluateAndReallocate(jobCtx, cfg.Rebalance.PeriodDays, cfg.Rebalance.Dampening, cfg.Rebalance.AutoApply)
		if err != nil {
			log.Error("scheduled rebalance failed", "error", err)
			return
		}
		for _, rec := range plan.Recommendations {
			log.Info("rebalance recommendation",
				"bucket_id", rec.BucketID,
				"current_pct", rec.CurrentPct,
				"target_pct", rec.TargetPct,
				"reason", rec.Reason,
				"applied", plan.Applied,
			)
		}
	})
	if err != nil {
		log.Error("failed to schedule rebalance job", "cron_spec", cfg.Rebalance.CronSpec, "error", err)
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	// 9. 启动服务与优雅关闭
	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gCtx := errgroup.WithContext(runCtx)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		Handler:      r,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
	}
	g.Go(func() error {
		log.Info("HTTP server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if cfg.Kafka.Enabled && cfg.Kafka.SettlementTopic != "" {
		settlementConsumer, err := mq.NewConsumer(mq.KafkaConfig{
			Brokers:        cfg.Kafka.Brokers,
			GroupID:        cfg.Kafka.GroupID,
			SessionTimeout: cfg.Kafka.SessionTimeout,
		}, cfg.Kafka.SettlementTopic)
		if err != nil {
			log.Error("failed to create settlement consumer", "error", err)
			os.Exit(1)
		}
		defer settlementConsumer.Close()

		handler := consumer.NewSettlementHandler(ledgerSvc, log)
		g.Go(func() error {
			log.Info("settlement consumer starting", "topic", cfg.Kafka.SettlementTopic)
			err := settlementConsumer.Run(gCtx, handler.Handle)
			if err == context.Canceled {
				return nil
			}
			return err
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		log.Info("shutting down servers...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", "error", err)
	}
}
