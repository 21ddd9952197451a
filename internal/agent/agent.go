package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exit"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/feed"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/ledger"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/metrics"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/order"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/snapshot"
)

// Deps 汇集周期循环依赖的全部组件。
type Deps struct {
	Config     config.Config
	Gateway    exchange.Gateway
	Ledger     *ledger.Ledger
	Book       *position.Book
	Orders     *order.Manager
	Exits      *exit.Engine
	Guard      *recycle.Guard
	Controller *recycle.Controller
	Reconciler *position.Reconciler
	Feed       feed.Feed
	Snapshots  *snapshot.Store
	Daily      *monitor.DailyTracker
	Monitor    *monitor.Service
	Metrics    *metrics.Set
	Logger     *zap.Logger
}

// Agent 是自治交易代理的周期循环。
// 每个周期按固定顺序执行：资金刷新、成交轮询、陈旧撤单、
// 持仓对账、退出检查、回收腾退、新仓准入、状态落盘。
// 单步失败记录后继续，整个周期失败等待下一个周期。
type Agent struct {
	deps   Deps
	logger *zap.Logger

	cycleCount int
}

// New 创建代理。
func New(deps Deps) *Agent {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{deps: deps, logger: logger}
}

// Bootstrap 启动时恢复状态：快照预热本地缓存，挂单以交易所为准收编。
func (a *Agent) Bootstrap(ctx context.Context) error {
	state, ok, err := a.deps.Snapshots.Load()
	if err != nil {
		return err
	}
	if ok {
		a.deps.Book.Restore(state.Positions)
		a.deps.Ledger.Restore(state.Ledger)
		a.deps.Guard.Restore(state.Guard)
		a.logger.Info("状态快照恢复完成",
			zap.Time("saved_at", state.SavedAt),
			zap.Int("positions", len(state.Positions)),
		)
	} else {
		a.logger.Info("无历史快照，冷启动")
	}

	if err := a.deps.Orders.Rehydrate(ctx); err != nil {
		return err
	}

	// 启动即做一轮对账，把重启窗口内的账实差异先抹平。
	if _, err := a.deps.Reconciler.Reconcile(ctx); err != nil {
		a.logger.Warn("启动对账失败，等待周期内重试", zap.Error(err))
	}

	return nil
}

// Run 以固定间隔驱动周期循环，直到上下文取消。
func (a *Agent) Run(ctx context.Context) error {
	interval := a.deps.Config.Scheduler.CycleInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.logger.Info("周期循环启动", zap.Duration("interval", interval))
	a.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("周期循环收到退出信号")
			return ctx.Err()
		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// Tick 执行一个完整周期。
func (a *Agent) Tick(parent context.Context) {
	started := time.Now()
	ctx, cancel := context.WithTimeout(parent, a.deps.Config.Scheduler.CycleTimeout)
	defer cancel()

	a.cycleCount++
	a.deps.Guard.BeginCycle()

	defer func() {
		if a.deps.Metrics != nil {
			a.deps.Metrics.CyclesTotal.Inc()
			a.deps.Metrics.CycleDuration.Observe(time.Since(started).Seconds())
			a.deps.Metrics.PositionsGauge.Set(float64(a.deps.Book.Len()))
			a.deps.Metrics.PendingGauge.Set(float64(a.deps.Orders.PendingCount()))
		}
	}()

	snap, err := a.deps.Ledger.Refresh(ctx)
	if err != nil {
		// 没有任何可用的资金视图，本周期不做任何交易动作。
		a.reportError(ctx, "资金台账刷新失败", err)
		return
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.DeployableGauge.Set(snap.Deployable())
	}

	a.applyFills(ctx)
	a.cancelStale(ctx, snap.Deployable())

	if a.deps.Config.Reconcile.CadenceCycles > 0 && a.cycleCount%a.deps.Config.Reconcile.CadenceCycles == 0 {
		a.reconcile(ctx)
	}

	a.updateMarks(snap)
	a.checkExits(ctx)

	opps, err := a.deps.Feed.Fetch(ctx)
	if err != nil {
		a.reportError(ctx, "拉取机会列表失败", err)
		opps = nil
	}

	if len(opps) > 0 {
		a.recycleCapital(ctx, snap.Deployable(), opps)
		a.admitEntries(ctx, opps)
	}

	a.persist(ctx)

	a.logger.Debug("周期完成",
		zap.Int("cycle", a.cycleCount),
		zap.Duration("elapsed", time.Since(started)),
		zap.Float64("deployable", snap.Deployable()),
		zap.Int("positions", a.deps.Book.Len()),
		zap.Int("pending", a.deps.Orders.PendingCount()),
	)
}

// applyFills 轮询挂单并把成交并入持仓登记簿。
func (a *Agent) applyFills(ctx context.Context) {
	fills, err := a.deps.Orders.PollPending(ctx)
	if err != nil {
		a.reportError(ctx, "轮询挂单失败", err)
		return
	}

	trading := a.deps.Config.Trading
	for _, fill := range fills {
		a.deps.Book.ApplyFill(fill.Symbol, fill.Quantity, fill.Price, fill.FilledAt)
		a.deps.Book.Mutate(fill.Symbol, func(p *position.Position) bool {
			p.SetTargets(trading.TakeProfitPercent, trading.StopLossPercent)
			return true
		})
		if a.deps.Metrics != nil {
			a.deps.Metrics.OrdersFilled.Inc()
		}
		if a.deps.Daily != nil {
			if _, err := a.deps.Daily.Add(ctx, fill.FilledAt, 0, 1, 0, fill.Latency.Milliseconds()); err != nil {
				a.logger.Warn("更新日度成交计数失败", zap.Error(err))
			}
		}
	}
}

// cancelStale 处理陈旧挂单，撤单时暴露的部分成交一并入账。
func (a *Agent) cancelStale(ctx context.Context, deployable float64) {
	cancels, fills, err := a.deps.Orders.CancelStale(ctx, deployable)
	if err != nil {
		a.reportError(ctx, "陈旧撤单失败", err)
		return
	}

	trading := a.deps.Config.Trading
	for _, fill := range fills {
		a.deps.Book.ApplyFill(fill.Symbol, fill.Quantity, fill.Price, fill.FilledAt)
		a.deps.Book.Mutate(fill.Symbol, func(p *position.Position) bool {
			p.SetTargets(trading.TakeProfitPercent, trading.StopLossPercent)
			return true
		})
	}

	if len(cancels) > 0 {
		if a.deps.Metrics != nil {
			a.deps.Metrics.OrdersCanceled.Add(float64(len(cancels)))
		}
		if a.deps.Daily != nil {
			if _, err := a.deps.Daily.Add(ctx, time.Now().UTC(), 0, 0, int64(len(cancels)), 0); err != nil {
				a.logger.Warn("更新日度撤单计数失败", zap.Error(err))
			}
		}
	}
}

func (a *Agent) reconcile(ctx context.Context) {
	report, err := a.deps.Reconciler.Reconcile(ctx)
	if err != nil {
		a.reportError(ctx, "持仓对账失败", err)
		return
	}
	if a.deps.Metrics != nil {
		a.deps.Metrics.PositionsAdopted.Add(float64(len(report.Adopted)))
		a.deps.Metrics.GhostsDropped.Add(float64(len(report.GhostsDropped)))
	}
}

// updateMarks 用资金快照中的行情价刷新全部持仓的标记价。
func (a *Agent) updateMarks(snap ledger.Snapshot) {
	for _, pos := range a.deps.Book.All() {
		price := snap.MarkPrice(pos.Symbol)
		if price <= 0 {
			continue
		}
		a.deps.Book.Mutate(pos.Symbol, func(p *position.Position) bool {
			p.UpdateMark(price)
			return true
		})
	}
}

// checkExits 对每个持仓评估止盈/止损/衰减退出条件。
func (a *Agent) checkExits(ctx context.Context) {
	trading := a.deps.Config.Trading
	now := time.Now().UTC()

	for _, pos := range a.deps.Book.All() {
		if pos.MarkPrice <= 0 {
			continue
		}

		var reason exit.CloseReason
		switch {
		case pos.TargetPrice > 0 && pos.MarkPrice >= pos.TargetPrice:
			reason = exit.ReasonTakeProfit
		case pos.StopPrice > 0 && pos.MarkPrice <= pos.StopPrice:
			reason = exit.ReasonStopLoss
		case trading.MaxHold > 0 && pos.Age(now) > trading.MaxHold && pos.PnlPercent() < trading.DecayMinPnlPercent:
			reason = exit.ReasonDecay
		default:
			continue
		}

		a.close(ctx, pos.Symbol, reason)
	}
}

// recycleCapital 在资金稀缺时腾退持仓并清退僵尸。
func (a *Agent) recycleCapital(ctx context.Context, deployable float64, opps []feed.Opportunity) {
	now := time.Now().UTC()
	positions := a.deps.Book.All()

	for _, symbol := range a.deps.Controller.SelectEvictions(positions, deployable, opps, now) {
		if a.close(ctx, symbol, exit.ReasonRecycle) && a.deps.Metrics != nil {
			a.deps.Metrics.RecycleCloses.Inc()
		}
	}

	hasOpenSell := a.openSellChecker(ctx)
	for _, symbol := range a.deps.Controller.PruneZombies(a.deps.Book.All(), deployable, opps, hasOpenSell, now) {
		if a.close(ctx, symbol, exit.ReasonPrune) && a.deps.Metrics != nil {
			a.deps.Metrics.ZombiePrunes.Inc()
		}
	}
}

// openSellChecker 构造基于当前交易所挂单的卖单查询，失败时保守地
// 认为所有标的都有卖单在挂，从而跳过僵尸清退。
func (a *Agent) openSellChecker(ctx context.Context) func(string) bool {
	openOrders, err := a.deps.Gateway.GetOpenOrders(ctx)
	if err != nil {
		a.logger.Warn("获取挂单失败，本周期跳过僵尸清退", zap.Error(err))
		return func(string) bool { return true }
	}
	sells := make(map[string]struct{})
	for _, o := range openOrders {
		if o.Side == exchange.SideSell && o.IsActive() {
			sells[o.Symbol] = struct{}{}
		}
	}
	return func(symbol string) bool {
		_, ok := sells[symbol]
		return ok
	}
}

// admitEntries 按边际分顺序准入新仓，直到资金、仓位或队列任一约束触顶。
func (a *Agent) admitEntries(ctx context.Context, opps []feed.Opportunity) {
	trading := a.deps.Config.Trading

	// 平仓可能刚释放了资金，准入前取最新视图。
	snap, err := a.deps.Ledger.Refresh(ctx)
	if err != nil {
		a.reportError(ctx, "准入前刷新资金失败", err)
		return
	}
	deployable := snap.Deployable()

	quality := recycle.ExecQuality{
		FeeRate:         trading.FrictionRate,
		AvgFillSeconds:  a.deps.Orders.AvgFillSeconds(),
		PendingBuyRatio: a.deps.Orders.PendingBuyRatio(),
		Spread:          a.collectSpreads(ctx, opps),
	}

	for _, cand := range a.deps.Controller.RankEntries(opps, quality) {
		if deployable < trading.MinTradeSize {
			break
		}
		if a.deps.Book.Len() >= trading.MaxPositions {
			break
		}
		if a.deps.Book.Has(cand.Symbol) || a.deps.Orders.HasPendingBuy(cand.Symbol) {
			continue
		}

		ticker, err := a.deps.Gateway.GetTicker(ctx, cand.Symbol)
		if err != nil || ticker.Bid <= 0 {
			a.logger.Warn("获取行情失败，跳过候选", zap.String("symbol", cand.Symbol), zap.Error(err))
			continue
		}
		rules, err := a.deps.Gateway.GetSymbolRules(ctx, cand.Symbol)
		if err != nil {
			a.logger.Warn("获取交易规则失败，跳过候选", zap.String("symbol", cand.Symbol), zap.Error(err))
			continue
		}

		allocation := deployable * trading.EntryFraction
		if allocation < trading.MinTradeSize {
			allocation = trading.MinTradeSize
		}
		if allocation > deployable {
			allocation = deployable
		}

		price := exchange.RoundDownToIncrement(ticker.Bid, rules.PriceIncrement)
		if price <= 0 {
			price = ticker.Bid
		}
		size := exchange.RoundDownToIncrement(allocation/price, rules.SizeIncrement)
		if size <= 0 || !exchange.MeetsMinNotional(price, size, rules.MinNotional) {
			continue
		}

		placed, err := a.deps.Orders.PlaceEntry(ctx, cand.Symbol, price, size, a.deps.Book)
		if err != nil {
			if errors.Is(err, order.ErrQueueFull) {
				break
			}
			if !errors.Is(err, order.ErrReentryBlocked) && !errors.Is(err, order.ErrDuplicatePending) && !errors.Is(err, order.ErrPositionExists) {
				a.reportError(ctx, "提交买单失败", err)
			}
			continue
		}

		deployable -= placed.Price * placed.Size
		if a.deps.Metrics != nil {
			a.deps.Metrics.OrdersPlaced.Inc()
		}
		if a.deps.Daily != nil {
			if _, err := a.deps.Daily.Add(ctx, time.Now().UTC(), 1, 0, 0, 0); err != nil {
				a.logger.Warn("更新日度下单计数失败", zap.Error(err))
			}
		}
	}
}

// collectSpreads 为候选标的采集当前盘口价差比例。
func (a *Agent) collectSpreads(ctx context.Context, opps []feed.Opportunity) map[string]float64 {
	spreads := make(map[string]float64, len(opps))
	for _, opp := range opps {
		ticker, err := a.deps.Gateway.GetTicker(ctx, opp.Symbol)
		if err != nil {
			continue
		}
		spreads[opp.Symbol] = ticker.SpreadPercent() * 100
	}
	return spreads
}

// close 执行一次平仓并登记结果。
func (a *Agent) close(ctx context.Context, symbol string, reason exit.CloseReason) bool {
	result, err := a.deps.Exits.Close(ctx, symbol, reason)
	if err != nil {
		if errors.Is(err, exit.ErrCloseInFlight) {
			return false
		}
		a.reportError(ctx, "平仓失败", err)
		return false
	}
	if a.deps.Metrics != nil && result.Quantity > 0 {
		a.deps.Metrics.RecordPnl(result.RealizedPnl)
	}
	return result.Outcome == exit.OutcomeConfirmed || result.Outcome == exit.OutcomePartial
}

// persist 落盘周期末状态。
func (a *Agent) persist(ctx context.Context) {
	ledgerSnap, _ := a.deps.Ledger.Last()

	var counters monitor.DailyCounters
	if a.deps.Daily != nil {
		current, err := a.deps.Daily.Current(ctx, time.Now().UTC())
		if err != nil {
			a.logger.Warn("读取日度计数失败", zap.Error(err))
		} else {
			counters = current
		}
	}

	state := snapshot.State{
		SavedAt:   time.Now().UTC(),
		Positions: a.deps.Book.All(),
		Ledger:    ledgerSnap,
		Guard:     a.deps.Guard.Export(),
		Counters:  counters,
	}
	if err := a.deps.Snapshots.Save(state); err != nil {
		a.reportError(ctx, "状态快照落盘失败", err)
	}
}

func (a *Agent) reportError(ctx context.Context, message string, err error) {
	a.logger.Error(message, zap.Error(err))
	if a.deps.Metrics != nil {
		a.deps.Metrics.CycleErrorsTotal.Inc()
	}
	if a.deps.Monitor != nil {
		a.deps.Monitor.RecordError(ctx, message, err, nil)
	}
}
