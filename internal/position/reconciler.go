package position

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
)

// pendingChecker 提供挂单查询能力，避免对订单管理器的直接依赖。
type pendingChecker interface {
	HasPendingBuy(symbol string) bool
}

// Report 汇总一次对账的处理结果。
type Report struct {
	Adopted         []string
	Synced          []string
	GhostsDropped   []string
	DustDropped     []string
	TargetsRepaired []string
}

// Changed 判断本次对账是否产生了任何修正。
func (r Report) Changed() bool {
	return len(r.Adopted)+len(r.Synced)+len(r.GhostsDropped)+len(r.DustDropped)+len(r.TargetsRepaired) > 0
}

// Reconciler 定期将本地登记簿与交易所实际余额对齐。
// 交易所是权威来源：收编未跟踪余额、修正数量漂移、清理幽灵与粉尘。
type Reconciler struct {
	gw      exchange.Gateway
	book    *Book
	orders  pendingChecker
	trading config.TradingConfig
	monitor *monitor.Service
	logger  *zap.Logger
}

// NewReconciler 创建对账器。
func NewReconciler(gw exchange.Gateway, book *Book, orders pendingChecker, trading config.TradingConfig, mon *monitor.Service, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		gw:      gw,
		book:    book,
		orders:  orders,
		trading: trading,
		monitor: mon,
		logger:  logger,
	}
}

// Reconcile 执行一轮完整对账。
func (r *Reconciler) Reconcile(ctx context.Context) (Report, error) {
	var report Report

	balances, err := r.gw.GetBalances(ctx)
	if err != nil {
		return report, fmt.Errorf("position: 获取余额失败: %w", err)
	}

	now := time.Now().UTC()

	// 先按交易所余额走一遍：收编、同步、粉尘。
	for asset, balance := range balances {
		if strings.EqualFold(asset, r.trading.BaseCurrency) || balance.Total <= 0 {
			continue
		}
		symbol := asset + "/" + r.trading.BaseCurrency

		price, priceErr := r.markPrice(ctx, symbol)
		if priceErr != nil {
			r.logger.Warn("对账取价失败，跳过该资产",
				zap.String("symbol", symbol),
				zap.Error(priceErr),
			)
			continue
		}
		value := balance.Total * price

		if existing, tracked := r.book.Get(symbol); tracked {
			r.syncTracked(ctx, existing, balance.Total, price, value, &report)
			continue
		}

		if value < r.trading.DustThreshold {
			continue
		}

		if r.orders != nil && r.orders.HasPendingBuy(symbol) {
			// 买单仍在撮合，部分成交余额由成交回报入账，收编会重复计量。
			continue
		}

		r.adopt(ctx, symbol, balance.Total, price, now, &report)
	}

	// 再反向检查登记簿：余额已消失的持仓是幽灵或已被粉尘化。
	for _, pos := range r.book.All() {
		asset := baseAssetOf(pos.Symbol)
		balance, has := balances[asset]
		if has && balance.Total > 0 {
			continue
		}
		if r.orders != nil && r.orders.HasPendingBuy(pos.Symbol) {
			// 买单还在撮合，余额为零是正常的。
			continue
		}
		r.book.Remove(pos.Symbol)
		report.GhostsDropped = append(report.GhostsDropped, pos.Symbol)
		r.logger.Warn("移除幽灵持仓",
			zap.String("symbol", pos.Symbol),
			zap.Float64("tracked_quantity", pos.Quantity),
		)
		r.recordAction(ctx, pos.Symbol, "drop_ghost", pos.Quantity, 0, "no_exchange_balance")
	}

	// 最后修复止盈止损漂移。
	r.repairTargets(ctx, &report)

	if report.Changed() {
		r.logger.Info("对账完成",
			zap.Int("adopted", len(report.Adopted)),
			zap.Int("synced", len(report.Synced)),
			zap.Int("ghosts", len(report.GhostsDropped)),
			zap.Int("dust", len(report.DustDropped)),
			zap.Int("targets_repaired", len(report.TargetsRepaired)),
		)
	}

	return report, nil
}

// syncTracked 将已跟踪持仓与交易所余额对齐。
func (r *Reconciler) syncTracked(ctx context.Context, pos Position, actualQty, price, value float64, report *Report) {
	if value < r.trading.DustThreshold {
		// 粉尘不值得一张卖单，直接放弃跟踪。
		r.book.Remove(pos.Symbol)
		report.DustDropped = append(report.DustDropped, pos.Symbol)
		r.logger.Info("放弃粉尘持仓",
			zap.String("symbol", pos.Symbol),
			zap.Float64("value", value),
		)
		r.recordAction(ctx, pos.Symbol, "drop_dust", actualQty, value, "below_dust_threshold")
		return
	}

	if relativeDiff(pos.Quantity, actualQty) > quantityTolerance {
		r.book.Mutate(pos.Symbol, func(p *Position) bool {
			p.Quantity = actualQty
			return true
		})
		report.Synced = append(report.Synced, pos.Symbol)
		r.logger.Info("同步持仓数量",
			zap.String("symbol", pos.Symbol),
			zap.Float64("tracked", pos.Quantity),
			zap.Float64("actual", actualQty),
		)
		r.recordAction(ctx, pos.Symbol, "sync_quantity", actualQty, value, "")
	}

	if pos.EntryPrice <= 0 {
		// 入场价缺失会让收益率与止盈止损全部失真，用当前价兜底。
		r.book.Mutate(pos.Symbol, func(p *Position) bool {
			p.EntryPrice = price
			p.SetTargets(r.trading.TakeProfitPercent, r.trading.StopLossPercent)
			return true
		})
		report.Synced = append(report.Synced, pos.Symbol)
		r.logger.Warn("修复缺失入场价",
			zap.String("symbol", pos.Symbol),
			zap.Float64("entry_price", price),
		)
		r.recordAction(ctx, pos.Symbol, "repair_entry", actualQty, value, "zero_entry_price")
	}
}

// adopt 收编交易所上未被跟踪的余额。
// 入场价优先取账户最近成交价，取不到再退化为当前行情价。
func (r *Reconciler) adopt(ctx context.Context, symbol string, qty, markPrice float64, now time.Time, report *Report) {
	entry, err := r.gw.LastTradePrice(ctx, symbol)
	if err != nil || entry <= 0 {
		entry = markPrice
	}

	pos := Position{
		Symbol:     symbol,
		Quantity:   qty,
		EntryPrice: entry,
		MarkPrice:  markPrice,
		OpenedAt:   now,
		Origin:     OriginAdopted,
	}
	pos.SetTargets(r.trading.TakeProfitPercent, r.trading.StopLossPercent)
	r.book.Upsert(pos)

	report.Adopted = append(report.Adopted, symbol)
	r.logger.Info("收编未跟踪持仓",
		zap.String("symbol", symbol),
		zap.Float64("quantity", qty),
		zap.Float64("entry_price", entry),
	)
	r.recordAction(ctx, symbol, "adopt", qty, qty*markPrice, "untracked_balance")
}

// repairTargets 校正止盈止损偏离。
// 期望值由入场价与策略比例推导，偏差超出容差即重算。
func (r *Reconciler) repairTargets(ctx context.Context, report *Report) {
	for _, pos := range r.book.All() {
		if pos.EntryPrice <= 0 {
			continue
		}
		expectedTP := pos.EntryPrice * (1 + r.trading.TakeProfitPercent)
		expectedSL := pos.EntryPrice * (1 - r.trading.StopLossPercent)

		tpDrift := relativeDiff(pos.TargetPrice, expectedTP)
		slDrift := relativeDiff(pos.StopPrice, expectedSL)
		if tpDrift <= r.trading.TPSLTolerance && slDrift <= r.trading.TPSLTolerance {
			continue
		}

		r.book.Mutate(pos.Symbol, func(p *Position) bool {
			p.SetTargets(r.trading.TakeProfitPercent, r.trading.StopLossPercent)
			return true
		})
		report.TargetsRepaired = append(report.TargetsRepaired, pos.Symbol)
		r.logger.Info("校正止盈止损",
			zap.String("symbol", pos.Symbol),
			zap.Float64("target_price", expectedTP),
			zap.Float64("stop_price", expectedSL),
		)
		r.recordAction(ctx, pos.Symbol, "repair_targets", pos.Quantity, 0, "tp_sl_drift")
	}
}

func (r *Reconciler) markPrice(ctx context.Context, symbol string) (float64, error) {
	ticker, err := r.gw.GetTicker(ctx, symbol)
	if err != nil {
		return 0, err
	}
	if ticker.Last <= 0 {
		return 0, fmt.Errorf("position: 行情价格无效 %s", symbol)
	}
	return ticker.Last, nil
}

func (r *Reconciler) recordAction(ctx context.Context, symbol, action string, qty, value float64, detail string) {
	if r.monitor == nil {
		return
	}
	r.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
		Symbol:   symbol,
		Action:   action,
		Quantity: qty,
		Value:    value,
		Detail:   detail,
	})
}

const quantityTolerance = 1e-9

func relativeDiff(actual, expected float64) float64 {
	if expected == 0 {
		if actual == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return math.Abs(actual-expected) / math.Abs(expected)
}

func baseAssetOf(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
