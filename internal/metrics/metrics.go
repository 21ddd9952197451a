package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Set 聚合周期循环暴露的全部指标。
type Set struct {
	CyclesTotal       prometheus.Counter
	CycleErrorsTotal  prometheus.Counter
	OrdersPlaced      prometheus.Counter
	OrdersFilled      prometheus.Counter
	OrdersCanceled    prometheus.Counter
	RecycleCloses     prometheus.Counter
	ZombiePrunes      prometheus.Counter
	PositionsAdopted  prometheus.Counter
	GhostsDropped     prometheus.Counter
	DeployableGauge   prometheus.Gauge
	PositionsGauge    prometheus.Gauge
	PendingGauge      prometheus.Gauge
	CycleDuration     prometheus.Histogram
	RealizedPnlTotal  prometheus.Counter
	RealizedLossTotal prometheus.Counter
}

// NewSet 注册并返回指标集合。
func NewSet(reg prometheus.Registerer) *Set {
	factory := promauto.With(reg)
	return &Set{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_cycles_total",
			Help: "已执行的交易周期总数",
		}),
		CycleErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_cycle_errors_total",
			Help: "周期内发生错误的次数",
		}),
		OrdersPlaced: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_placed_total",
			Help: "已提交的买单总数",
		}),
		OrdersFilled: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_filled_total",
			Help: "已确认成交的买单总数",
		}),
		OrdersCanceled: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_orders_canceled_total",
			Help: "被撤销的陈旧买单总数",
		}),
		RecycleCloses: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_recycle_closes_total",
			Help: "为释放资金而平仓的次数",
		}),
		ZombiePrunes: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_zombie_prunes_total",
			Help: "被清退的僵尸持仓数",
		}),
		PositionsAdopted: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_positions_adopted_total",
			Help: "对账时收编的未跟踪持仓数",
		}),
		GhostsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_ghosts_dropped_total",
			Help: "对账时移除的幽灵持仓数",
		}),
		DeployableGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_deployable_capital",
			Help: "当前可部署资金",
		}),
		PositionsGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_open_positions",
			Help: "当前在管持仓数",
		}),
		PendingGauge: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agent_pending_orders",
			Help: "当前挂单数",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "agent_cycle_duration_seconds",
			Help:    "单个交易周期耗时",
			Buckets: prometheus.DefBuckets,
		}),
		RealizedPnlTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_realized_profit_total",
			Help: "累计已实现盈利",
		}),
		RealizedLossTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "agent_realized_loss_total",
			Help: "累计已实现亏损（绝对值）",
		}),
	}
}

// RecordPnl 将一笔已实现盈亏计入对应方向的累计指标。
func (s *Set) RecordPnl(pnl float64) {
	if pnl >= 0 {
		s.RealizedPnlTotal.Add(pnl)
	} else {
		s.RealizedLossTotal.Add(-pnl)
	}
}

// Server 通过 HTTP 暴露 /metrics，端口为0时不启动。
type Server struct {
	srv    *http.Server
	logger *zap.Logger
}

// NewServer 创建指标服务。
func NewServer(port int, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if port <= 0 {
		return &Server{logger: logger}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start 启动监听，服务关闭时正常返回。
func (s *Server) Start() {
	if s.srv == nil {
		return
	}
	s.logger.Info("指标服务启动", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		s.logger.Error("指标服务异常退出", zap.Error(err))
	}
}

// Stop 关闭指标服务。
func (s *Server) Stop(ctx context.Context) {
	if s.srv == nil {
		return
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		s.logger.Warn("指标服务关闭失败", zap.Error(err))
	}
}
