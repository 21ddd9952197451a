package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
)

var (
	// ErrDuplicatePending 表示该标的已存在未完结买单。
	ErrDuplicatePending = errors.New("order: 该标的已存在挂单")
	// ErrPositionExists 表示该标的已有在管持仓。
	ErrPositionExists = errors.New("order: 该标的已有持仓")
	// ErrQueueFull 表示挂单队列已满。
	ErrQueueFull = errors.New("order: 挂单队列已满")
	// ErrReentryBlocked 表示处于撤单冷却期且候选价格改善不足。
	ErrReentryBlocked = errors.New("order: 再入场被冷却期拦截")
)

type positionChecker interface {
	Has(symbol string) bool
}

// Manager 管理买单生命周期：下单、轮询成交、陈旧撤单与升级冷却。
// 不变量：每个标的同一时刻至多存在一张未完结买单。
type Manager struct {
	gw      exchange.Gateway
	guard   *recycle.Guard
	cfg     config.OrdersConfig
	monitor *monitor.Service
	logger  *zap.Logger

	minTradeSize float64

	mu           sync.Mutex
	pending      map[string]exchange.Order
	applied      map[string]struct{}
	latencySum   time.Duration
	latencyCount int
}

// NewManager 创建订单生命周期管理器。
func NewManager(gw exchange.Gateway, guard *recycle.Guard, cfg config.OrdersConfig, minTradeSize float64, mon *monitor.Service, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		gw:           gw,
		guard:        guard,
		cfg:          cfg,
		monitor:      mon,
		logger:       logger,
		minTradeSize: minTradeSize,
		pending:      make(map[string]exchange.Order),
		applied:      make(map[string]struct{}),
	}
}

// PlaceEntry 提交一张限价买单。
// 本地登记只在交易所确认订单号之后提交，避免半提交状态；
// 去重检查（挂单、持仓）与冷却检查在预占阶段完成。
func (m *Manager) PlaceEntry(ctx context.Context, symbol string, price, size float64, book positionChecker) (exchange.Order, error) {
	now := time.Now().UTC()

	m.mu.Lock()
	if _, exists := m.pending[symbol]; exists {
		m.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("%w: %s", ErrDuplicatePending, symbol)
	}
	if book != nil && book.Has(symbol) {
		m.mu.Unlock()
		return exchange.Order{}, fmt.Errorf("%w: %s", ErrPositionExists, symbol)
	}
	if len(m.pending) >= m.cfg.MaxPending {
		m.mu.Unlock()
		return exchange.Order{}, ErrQueueFull
	}
	// 预占槽位，防止同一周期内重复下单；交易所拒单时回滚。
	m.pending[symbol] = exchange.Order{Symbol: symbol, Status: exchange.StatusPending, CreatedAt: now}
	m.mu.Unlock()

	rollback := func() {
		m.mu.Lock()
		if p, ok := m.pending[symbol]; ok && p.ID == "" {
			delete(m.pending, symbol)
		}
		m.mu.Unlock()
	}

	if !m.guard.AllowReentry(symbol, price, now) {
		rollback()
		if m.monitor != nil {
			m.monitor.RecordSkip(ctx, monitor.SkipPayload{
				Symbol: symbol,
				Action: "place_entry",
				Reason: "reentry_cooldown",
			})
		}
		return exchange.Order{}, fmt.Errorf("%w: %s", ErrReentryBlocked, symbol)
	}

	clientID := uuid.NewString()
	placed, err := m.gw.CreateOrder(ctx, symbol, exchange.SideBuy, exchange.TypeLimit, price, size, clientID)
	if err != nil {
		rollback()
		return exchange.Order{}, fmt.Errorf("order: 提交买单失败 %s: %w", symbol, err)
	}
	if placed.CreatedAt.IsZero() {
		placed.CreatedAt = now
	}

	m.mu.Lock()
	m.pending[symbol] = placed
	m.mu.Unlock()

	m.logger.Info("买单已提交",
		zap.String("symbol", symbol),
		zap.String("order_id", placed.ID),
		zap.Float64("price", price),
		zap.Float64("size", size),
	)
	if m.monitor != nil {
		m.monitor.RecordOrder(ctx, monitor.EventOrderPlaced, monitor.OrderPayload{
			Symbol:  symbol,
			OrderID: placed.ID,
			Side:    string(exchange.SideBuy),
			Price:   price,
			Size:    size,
		})
	}

	return placed, nil
}

// PollPending 轮询全部挂单的最新状态并分类：
// 零成交且仍活跃的保持挂单；非零成交且已完结的产生成交事件；
// 零成交且已完结的作为撤销/过期丢弃。同一订单的成交事件只产生一次。
func (m *Manager) PollPending(ctx context.Context) ([]FillEvent, error) {
	tracked := m.snapshotPending()
	if len(tracked) == 0 {
		return nil, nil
	}

	results := make([]exchange.Order, len(tracked))
	errs := make([]error, len(tracked))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(m.cfg.PollConcurrency)
	for i, order := range tracked {
		group.Go(func() error {
			if order.ID == "" {
				errs[i] = errors.New("order: 挂单缺少订单号")
				return nil
			}
			latest, err := m.gw.GetOrder(groupCtx, order.ID, order.Symbol)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = latest
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}

	var fills []FillEvent
	now := time.Now().UTC()

	for i, original := range tracked {
		if errs[i] != nil {
			// 单个订单查询失败不影响其余订单，下一周期重试。
			m.logger.Warn("查询挂单状态失败",
				zap.String("symbol", original.Symbol),
				zap.String("order_id", original.ID),
				zap.Error(errs[i]),
			)
			continue
		}
		latest := results[i]
		if latest.CreatedAt.IsZero() {
			latest.CreatedAt = original.CreatedAt
		}

		switch {
		case latest.IsActive():
			m.mu.Lock()
			m.pending[original.Symbol] = latest
			m.mu.Unlock()

		case latest.Filled > 0:
			if fill, ok := m.commitFill(original.Symbol, latest, now); ok {
				fills = append(fills, fill)
				if m.monitor != nil {
					m.monitor.RecordOrder(ctx, monitor.EventOrderFilled, monitor.OrderPayload{
						Symbol:    fill.Symbol,
						OrderID:   fill.OrderID,
						Side:      string(exchange.SideBuy),
						Price:     fill.Price,
						Size:      latest.Size,
						Filled:    fill.Quantity,
						LatencyMs: fill.Latency.Milliseconds(),
					})
				}
			}

		default:
			m.mu.Lock()
			delete(m.pending, original.Symbol)
			m.mu.Unlock()
			m.logger.Info("挂单未成交即完结，移出跟踪",
				zap.String("symbol", original.Symbol),
				zap.String("order_id", original.ID),
				zap.String("status", string(latest.Status)),
			)
		}
	}

	return fills, nil
}

// CancelStale 撤销陈旧挂单。
// 软阈值仅在排队或资金压力下生效，硬阈值无条件生效；
// 每周期最多处理配置数量的撤单以限制抖动。被撤订单若有部分成交，
// 同时产生成交事件，保证已买入数量被并入持仓。
func (m *Manager) CancelStale(ctx context.Context, deployable float64) ([]CancelEvent, []FillEvent, error) {
	tracked := m.snapshotPending()
	if len(tracked) == 0 {
		return nil, nil, nil
	}

	now := time.Now().UTC()
	pressure := len(tracked) >= m.cfg.PendingTrigger || deployable < m.minTradeSize

	// 最老的订单优先处理。
	sort.Slice(tracked, func(i, j int) bool {
		return tracked[i].CreatedAt.Before(tracked[j].CreatedAt)
	})

	var cancels []CancelEvent
	var fills []FillEvent

	for _, order := range tracked {
		if len(cancels) >= m.cfg.MaxCancelPerCycle {
			break
		}

		age := now.Sub(order.CreatedAt)
		var reason CancelReason
		switch {
		case age > m.cfg.HardStaleAfter:
			reason = CancelHardStale
		case age > m.cfg.SoftStaleAfter && pressure:
			reason = CancelSoftStale
		default:
			continue
		}

		if err := m.gw.CancelOrder(ctx, order.ID, order.Symbol); err != nil {
			m.logger.Warn("撤销陈旧挂单失败",
				zap.String("symbol", order.Symbol),
				zap.String("order_id", order.ID),
				zap.Error(err),
			)
			continue
		}

		// 读取终态以捕获撤单前的部分成交。
		final, err := m.gw.GetOrder(ctx, order.ID, order.Symbol)
		if err != nil {
			final = order
		}
		if final.Filled > 0 {
			if fill, ok := m.commitFill(order.Symbol, final, now); ok {
				fills = append(fills, fill)
			}
		} else {
			m.mu.Lock()
			delete(m.pending, order.Symbol)
			m.mu.Unlock()
		}

		cooldown := m.guard.RecordStaleCancel(order.Symbol, order.Price, now)
		event := CancelEvent{
			Symbol:   order.Symbol,
			OrderID:  order.ID,
			Price:    order.Price,
			Age:      age,
			Cooldown: cooldown,
			Reason:   reason,
		}
		cancels = append(cancels, event)

		m.logger.Info("已撤销陈旧挂单",
			zap.String("symbol", order.Symbol),
			zap.String("order_id", order.ID),
			zap.Duration("age", age),
			zap.Duration("reentry_cooldown", cooldown),
			zap.String("reason", string(reason)),
		)
		if m.monitor != nil {
			m.monitor.RecordOrder(ctx, monitor.EventOrderCanceled, monitor.OrderPayload{
				Symbol:  order.Symbol,
				OrderID: order.ID,
				Side:    string(exchange.SideBuy),
				Price:   order.Price,
				Size:    order.Size,
				Filled:  final.Filled,
				Reason:  string(reason),
			})
		}
	}

	return cancels, fills, nil
}

// Rehydrate 启动时从交易所挂单恢复本地跟踪，交易所永远是权威来源。
func (m *Manager) Rehydrate(ctx context.Context) error {
	openOrders, err := m.gw.GetOpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("order: 恢复挂单失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, order := range openOrders {
		if order.Side != exchange.SideBuy || !order.IsActive() {
			continue
		}
		if existing, ok := m.pending[order.Symbol]; ok {
			m.logger.Warn("交易所存在同标的多张买单，保留较早一张",
				zap.String("symbol", order.Symbol),
				zap.String("kept_order_id", existing.ID),
				zap.String("ignored_order_id", order.ID),
			)
			continue
		}
		m.pending[order.Symbol] = order
	}

	m.logger.Info("挂单跟踪恢复完成", zap.Int("pending", len(m.pending)))
	return nil
}

// HasPendingBuy 判断该标的是否有未完结买单。
func (m *Manager) HasPendingBuy(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[symbol]
	return ok
}

// PendingCount 返回当前挂单数。
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingBuyRatio 返回挂单占队列上限的比例，用于准入排队惩罚。
func (m *Manager) PendingBuyRatio() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.MaxPending <= 0 {
		return 0
	}
	return float64(len(m.pending)) / float64(m.cfg.MaxPending)
}

// AvgFillSeconds 返回滚动平均成交时延（秒），用于准入时延惩罚。
func (m *Manager) AvgFillSeconds() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latencyCount == 0 {
		return 0
	}
	return (m.latencySum / time.Duration(m.latencyCount)).Seconds()
}

func (m *Manager) snapshotPending() []exchange.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]exchange.Order, 0, len(m.pending))
	for _, order := range m.pending {
		if order.ID == "" {
			continue
		}
		out = append(out, order)
	}
	return out
}

// commitFill 原子地完成一次成交登记：幂等去重、移出挂单跟踪、
// 累计时延统计并重置该标的的撤单升级状态。
func (m *Manager) commitFill(symbol string, final exchange.Order, now time.Time) (FillEvent, bool) {
	m.mu.Lock()
	if _, seen := m.applied[final.ID]; seen {
		// 重复观察到的终态订单只清理跟踪，不重复入账。
		delete(m.pending, symbol)
		m.mu.Unlock()
		return FillEvent{}, false
	}
	m.applied[final.ID] = struct{}{}
	delete(m.pending, symbol)

	latency := now.Sub(final.CreatedAt)
	if latency < 0 {
		latency = 0
	}
	m.latencySum += latency
	m.latencyCount++
	m.mu.Unlock()

	m.guard.ResetEscalation(symbol)

	price := final.AvgFillPrice
	if price <= 0 {
		price = final.Price
	}

	fill := FillEvent{
		Symbol:   symbol,
		OrderID:  final.ID,
		Quantity: final.Filled,
		Price:    price,
		Fee:      final.Fee,
		Latency:  latency,
		FilledAt: now,
	}

	m.logger.Info("买单成交确认",
		zap.String("symbol", symbol),
		zap.String("order_id", final.ID),
		zap.Float64("filled", final.Filled),
		zap.Float64("price", price),
		zap.Duration("latency", latency),
	)

	return fill, true
}
