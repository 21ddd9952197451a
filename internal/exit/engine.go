package exit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
)

// CloseReason 标记平仓触发原因。
type CloseReason string

const (
	ReasonTakeProfit CloseReason = "take_profit"
	ReasonStopLoss   CloseReason = "stop_loss"
	ReasonDecay      CloseReason = "decay"
	ReasonRecycle    CloseReason = "recycle"
	ReasonPrune      CloseReason = "prune"
)

// Outcome 表示一次平仓请求的最终结果。
type Outcome string

const (
	OutcomeConfirmed Outcome = "CONFIRMED"
	OutcomePartial   Outcome = "PARTIAL"
	OutcomeRejected  Outcome = "REJECTED"
	OutcomeTimedOut  Outcome = "TIMED_OUT"
	OutcomeSkipped   Outcome = "SKIPPED"
)

// ErrCloseInFlight 表示该标的已有一笔平仓在进行中。
var ErrCloseInFlight = errors.New("exit: 该标的已有平仓在执行")

// Result 汇总单次平仓的执行结果。
type Result struct {
	Symbol      string
	Reason      CloseReason
	Outcome     Outcome
	Quantity    float64
	FillPrice   float64
	Fees        float64
	RealizedPnl float64
	Detail      string
}

// Engine 执行卖出平仓。
// 每标的并发互斥由进程内占位保证：第二个请求直接失败而不是排队，
// 避免同一持仓被重复卖出。
type Engine struct {
	gw      exchange.Gateway
	book    *position.Book
	guard   *recycle.Guard
	cfg     config.ExitConfig
	trading config.TradingConfig
	monitor *monitor.Service
	logger  *zap.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEngine 创建平仓引擎。
func NewEngine(gw exchange.Gateway, book *position.Book, guard *recycle.Guard, cfg config.ExitConfig, trading config.TradingConfig, mon *monitor.Service, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		gw:       gw,
		book:     book,
		guard:    guard,
		cfg:      cfg,
		trading:  trading,
		monitor:  mon,
		logger:   logger,
		inFlight: make(map[string]struct{}),
	}
}

// Close 对指定标的执行一次平仓。
// 止盈先尝试限价，确认窗口内未成交则撤单改市价；其余原因直接市价。
func (e *Engine) Close(ctx context.Context, symbol string, reason CloseReason) (Result, error) {
	if !e.acquire(symbol) {
		return Result{}, fmt.Errorf("%w: %s", ErrCloseInFlight, symbol)
	}
	defer e.release(symbol)

	pos, ok := e.book.Get(symbol)
	if !ok {
		return Result{}, fmt.Errorf("exit: 无此持仓 %s", symbol)
	}

	result := Result{Symbol: symbol, Reason: reason}

	rules, err := e.gw.GetSymbolRules(ctx, symbol)
	if err != nil {
		return result, fmt.Errorf("exit: 获取交易规则失败 %s: %w", symbol, err)
	}

	size := exchange.RoundDownToIncrement(pos.Quantity, rules.SizeIncrement)
	refPrice := pos.MarkPrice
	if refPrice <= 0 {
		refPrice = pos.EntryPrice
	}
	if size <= 0 || !exchange.MeetsMinNotional(refPrice, size, rules.MinNotional) {
		// 碎仓不提交卖单，留给对账路径按粉尘清理。
		result.Outcome = OutcomeSkipped
		result.Detail = "below_min_notional"
		e.recordSkip(ctx, symbol, reason, "below_min_notional")
		return result, nil
	}

	order, err := e.submit(ctx, pos, reason, size)
	if err != nil {
		return e.handleSubmitError(ctx, pos, reason, size, err)
	}

	final, timedOut := e.awaitTerminal(ctx, order)

	// 止盈限价在确认窗口内未走完就降级为市价吃掉剩余仓位。
	if reason == ReasonTakeProfit && final.Remaining() > 0 && (timedOut || final.IsActive()) {
		if cancelErr := e.gw.CancelOrder(ctx, final.ID, symbol); cancelErr != nil {
			e.logger.Warn("撤销止盈限价单失败", zap.String("symbol", symbol), zap.Error(cancelErr))
		}
		canceled, fetchErr := e.gw.GetOrder(ctx, final.ID, symbol)
		if fetchErr == nil {
			final = canceled
		}
		remaining := exchange.RoundDownToIncrement(final.Remaining(), rules.SizeIncrement)
		if remaining > 0 && exchange.MeetsMinNotional(refPrice, remaining, rules.MinNotional) {
			fallback, mktErr := e.gw.CreateOrder(ctx, symbol, exchange.SideSell, exchange.TypeMarket, 0, remaining, uuid.NewString())
			if mktErr != nil {
				e.logger.Warn("止盈市价降级失败", zap.String("symbol", symbol), zap.Error(mktErr))
			} else {
				mktFinal, mktTimedOut := e.awaitTerminal(ctx, fallback)
				final = mergeFills(final, mktFinal)
				timedOut = mktTimedOut
			}
		} else {
			timedOut = false
		}
	}

	return e.settle(ctx, pos, reason, final, timedOut)
}

// submit 按平仓原因选择订单类型并提交卖单。
func (e *Engine) submit(ctx context.Context, pos position.Position, reason CloseReason, size float64) (exchange.Order, error) {
	clientID := uuid.NewString()
	if reason == ReasonTakeProfit && pos.TargetPrice > 0 {
		return e.gw.CreateOrder(ctx, pos.Symbol, exchange.SideSell, exchange.TypeLimit, pos.TargetPrice, size, clientID)
	}
	return e.gw.CreateOrder(ctx, pos.Symbol, exchange.SideSell, exchange.TypeMarket, 0, size, clientID)
}

// handleSubmitError 处理卖单提交失败。
// 余额类错误说明本地账本与交易所已经脱节，以交易所实际余额为准
// 修正后重试一次；余额归零则直接移除幽灵持仓。
func (e *Engine) handleSubmitError(ctx context.Context, pos position.Position, reason CloseReason, size float64, submitErr error) (Result, error) {
	result := Result{Symbol: pos.Symbol, Reason: reason}

	kind := exchange.Classify(submitErr)
	if kind != exchange.KindBalanceState {
		return result, fmt.Errorf("exit: 提交卖单失败 %s: %w", pos.Symbol, submitErr)
	}

	balances, err := e.gw.GetBalances(ctx)
	if err != nil {
		return result, fmt.Errorf("exit: 余额核对失败 %s: %w", pos.Symbol, err)
	}

	asset := baseAsset(pos.Symbol)
	actual := balances[asset].Available

	rules, err := e.gw.GetSymbolRules(ctx, pos.Symbol)
	if err != nil {
		return result, fmt.Errorf("exit: 获取交易规则失败 %s: %w", pos.Symbol, err)
	}
	sellable := exchange.RoundDownToIncrement(actual, rules.SizeIncrement)

	if sellable <= 0 {
		// 交易所侧已无可卖余额：这是一条幽灵持仓，移出登记簿。
		e.book.Remove(pos.Symbol)
		result.Outcome = OutcomeRejected
		result.Detail = "no_balance"
		e.logger.Warn("卖单被拒且余额为零，移除幽灵持仓",
			zap.String("symbol", pos.Symbol),
			zap.Float64("tracked_quantity", pos.Quantity),
		)
		if e.monitor != nil {
			e.monitor.RecordReconcile(ctx, monitor.ReconcilePayload{
				Symbol: pos.Symbol,
				Action: "drop_ghost",
				Detail: "sell_rejected_no_balance",
			})
		}
		return result, nil
	}

	if sellable >= size {
		return result, fmt.Errorf("exit: 余额充足但卖单被拒 %s: %w", pos.Symbol, submitErr)
	}

	// 实际余额少于登记数量，用实际值重试。
	e.book.Mutate(pos.Symbol, func(p *position.Position) bool {
		p.Quantity = actual
		return true
	})
	e.logger.Warn("持仓数量与交易所不一致，按实际余额重试卖出",
		zap.String("symbol", pos.Symbol),
		zap.Float64("tracked", size),
		zap.Float64("actual", sellable),
	)

	pos.Quantity = actual
	order, err := e.submit(ctx, pos, reason, sellable)
	if err != nil {
		return result, fmt.Errorf("exit: 修正数量后卖单仍失败 %s: %w", pos.Symbol, err)
	}
	final, timedOut := e.awaitTerminal(ctx, order)
	return e.settle(ctx, pos, reason, final, timedOut)
}

// awaitTerminal 在确认窗口内轮询订单直至终态，超时返回最近一次状态。
func (e *Engine) awaitTerminal(ctx context.Context, order exchange.Order) (exchange.Order, bool) {
	if order.IsTerminal() {
		return order, false
	}

	deadline := time.Now().Add(e.cfg.ConfirmWait)
	latest := order

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return latest, true
		case <-time.After(e.cfg.PollInterval):
		}

		fetched, err := e.gw.GetOrder(ctx, order.ID, order.Symbol)
		if err != nil {
			e.logger.Warn("轮询卖单状态失败",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}
		latest = fetched
		if latest.IsTerminal() {
			return latest, false
		}
	}

	return latest, true
}

// settle 根据终态订单结算平仓结果并更新登记簿与守卫状态。
func (e *Engine) settle(ctx context.Context, pos position.Position, reason CloseReason, final exchange.Order, timedOut bool) (Result, error) {
	result := Result{Symbol: pos.Symbol, Reason: reason}

	fillPrice := final.AvgFillPrice
	if fillPrice <= 0 {
		fillPrice = final.Price
	}
	fees := final.Fee
	if fees <= 0 && final.Filled > 0 {
		fees = final.Filled * fillPrice * e.trading.FrictionRate
	}

	result.Quantity = final.Filled
	result.FillPrice = fillPrice
	result.Fees = fees
	result.RealizedPnl = final.Filled*(fillPrice-pos.EntryPrice) - fees

	switch {
	case timedOut && final.Filled <= 0:
		// 未确认也未见成交，持仓保持原样，下一周期由对账兜底。
		result.Outcome = OutcomeTimedOut
		e.logger.Warn("卖单确认超时",
			zap.String("symbol", pos.Symbol),
			zap.String("order_id", final.ID),
			zap.String("reason", string(reason)),
		)
	case final.Filled <= 0:
		result.Outcome = OutcomeRejected
		result.Detail = string(final.Status)
	default:
		if final.Remaining() > 0 {
			result.Outcome = OutcomePartial
			e.book.Mutate(pos.Symbol, func(p *position.Position) bool {
				p.Quantity -= final.Filled
				return p.Quantity > 0
			})
		} else {
			result.Outcome = OutcomeConfirmed
			e.book.Remove(pos.Symbol)
		}

		now := time.Now().UTC()
		e.guard.ResetEscalation(pos.Symbol)
		if reason == ReasonRecycle || reason == ReasonPrune {
			e.guard.RecordRecycleClose(pos.Symbol, now)
		}

		e.logger.Info("平仓完成",
			zap.String("symbol", pos.Symbol),
			zap.String("reason", string(reason)),
			zap.String("outcome", string(result.Outcome)),
			zap.Float64("quantity", result.Quantity),
			zap.Float64("fill_price", fillPrice),
			zap.Float64("realized_pnl", result.RealizedPnl),
		)
	}

	if e.monitor != nil && result.Quantity > 0 {
		e.monitor.RecordClose(ctx, monitor.ClosePayload{
			Symbol:      pos.Symbol,
			Reason:      string(reason),
			Quantity:    result.Quantity,
			FillPrice:   fillPrice,
			EntryPrice:  pos.EntryPrice,
			RealizedPnl: result.RealizedPnl,
			Outcome:     string(result.Outcome),
		})
	}

	return result, nil
}

func (e *Engine) recordSkip(ctx context.Context, symbol string, reason CloseReason, why string) {
	e.logger.Info("跳过平仓",
		zap.String("symbol", symbol),
		zap.String("reason", string(reason)),
		zap.String("skip", why),
	)
	if e.monitor != nil {
		e.monitor.RecordSkip(ctx, monitor.SkipPayload{Symbol: symbol, Action: "close", Reason: why})
	}
}

func (e *Engine) acquire(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inFlight[symbol]; busy {
		return false
	}
	e.inFlight[symbol] = struct{}{}
	return true
}

func (e *Engine) release(symbol string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inFlight, symbol)
}

// mergeFills 合并限价单与市价降级单的成交量与费用，均价按量加权。
func mergeFills(a, b exchange.Order) exchange.Order {
	total := a.Filled + b.Filled
	merged := b
	merged.Filled = total
	merged.Size = a.Size
	merged.Fee = a.Fee + b.Fee
	if total > 0 {
		aPrice := a.AvgFillPrice
		if aPrice <= 0 {
			aPrice = a.Price
		}
		bPrice := b.AvgFillPrice
		if bPrice <= 0 {
			bPrice = b.Price
		}
		merged.AvgFillPrice = (a.Filled*aPrice + b.Filled*bPrice) / total
	}
	return merged
}

func baseAsset(symbol string) string {
	if i := strings.Index(symbol, "/"); i > 0 {
		return symbol[:i]
	}
	return symbol
}
