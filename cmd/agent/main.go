package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/agent"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exit"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/feed"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/ledger"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/log"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/metrics"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/order"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/snapshot"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	gateway, err := exchange.NewClient(cfg.Exchange, logger)
	if err != nil {
		logger.Error("初始化交易所网关失败", zap.Error(err))
		os.Exit(1)
	}

	monitorSvc, err := monitor.NewService(sqliteStore, logger)
	if err != nil {
		logger.Error("初始化监控服务失败", zap.Error(err))
		os.Exit(1)
	}
	daily, err := monitor.NewDailyTracker(sqliteStore.DB(), logger)
	if err != nil {
		logger.Error("初始化日度计数器失败", zap.Error(err))
		os.Exit(1)
	}

	guard := recycle.NewGuard(recycle.GuardConfig{
		ReentryCooldown:    cfg.Orders.ReentryCooldown,
		ReentryCooldownMax: cfg.Orders.ReentryCooldownMax,
		PriceImproveBps:    cfg.Orders.PriceImproveBps,
		RecycleCooldown:    cfg.Recycle.Cooldown,
	})

	book := position.NewBook()
	cashLedger := ledger.New(gateway, cfg.Trading.BaseCurrency, logger)
	orders := order.NewManager(gateway, guard, cfg.Orders, cfg.Trading.MinTradeSize, monitorSvc, logger)
	exits := exit.NewEngine(gateway, book, guard, cfg.Exit, cfg.Trading, monitorSvc, logger)
	controller := recycle.NewController(cfg.Recycle, cfg.Trading, guard, logger)
	reconciler := position.NewReconciler(gateway, book, orders, cfg.Trading, monitorSvc, logger)
	snapshots := snapshot.NewStore(cfg.Snapshot.Path, logger)

	registry := prometheus.NewRegistry()
	metricSet := metrics.NewSet(registry)
	metricServer := metrics.NewServer(cfg.Metrics.Port, registry, logger)
	go metricServer.Start()

	// TODO: 对接真实机会评分服务后替换静态空源。
	opportunityFeed := &feed.Static{}

	trader := agent.New(agent.Deps{
		Config:     *cfg,
		Gateway:    gateway,
		Ledger:     cashLedger,
		Book:       book,
		Orders:     orders,
		Exits:      exits,
		Guard:      guard,
		Controller: controller,
		Reconciler: reconciler,
		Feed:       opportunityFeed,
		Snapshots:  snapshots,
		Daily:      daily,
		Monitor:    monitorSvc,
		Metrics:    metricSet,
		Logger:     logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := trader.Bootstrap(ctx); err != nil {
		logger.Error("启动恢复失败", zap.Error(err))
		os.Exit(1)
	}

	if err := trader.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	metricServer.Stop(shutdownCtx)

	logger.Info("系统已安全退出")
}
