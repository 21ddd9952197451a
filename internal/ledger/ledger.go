package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
)

// Snapshot 是一次从交易所真实数据推导出的资金视图。
// 交易所余额永远是权威数据源，快照只是读穿缓存，从不反向回写。
type Snapshot struct {
	BaseCurrency  string             `json:"base_currency"`
	Total         float64            `json:"total"`
	Available     float64            `json:"available"`
	LockedInBuys  float64            `json:"locked_in_buys"`
	LockedInSells float64            `json:"locked_in_sells"`
	HoldingsValue float64            `json:"holdings_value"`
	TotalAssets   float64            `json:"total_assets"`
	Prices        map[string]float64 `json:"prices"`
	RefreshedAt   time.Time          `json:"refreshed_at"`
}

// Deployable 返回可部署资金。
// 交易所的可用余额已经扣除了买单占用的资金，这里绝不能再减一次 LockedInBuys。
func (s Snapshot) Deployable() float64 {
	return s.Available
}

// MarkPrice 返回快照中记录的标记价格，缺失时返回0。
func (s Snapshot) MarkPrice(symbol string) float64 {
	return s.Prices[symbol]
}

// Ledger 维护资金台账，每个周期从交易所真实数据重算一次。
type Ledger struct {
	gw     exchange.Gateway
	base   string
	logger *zap.Logger

	mu      sync.Mutex
	last    Snapshot
	hasLast bool
}

// New 创建资金台账。
func New(gw exchange.Gateway, baseCurrency string, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		gw:     gw,
		base:   strings.ToUpper(baseCurrency),
		logger: logger,
	}
}

// SymbolFor 返回资产对应的交易对符号。
func (l *Ledger) SymbolFor(asset string) string {
	return strings.ToUpper(asset) + "/" + l.base
}

// Refresh 重算资金快照。
// 任何单次余额/行情拉取失败都降级为上一份快照，而不是让整个周期失败。
func (l *Ledger) Refresh(ctx context.Context) (Snapshot, error) {
	snap, err := l.compute(ctx)
	if err != nil {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.hasLast {
			l.logger.Warn("资金台账刷新失败，降级使用上一份快照",
				zap.Time("last_refreshed_at", l.last.RefreshedAt),
				zap.Error(err),
			)
			return l.last, nil
		}
		return Snapshot{}, fmt.Errorf("ledger: 刷新资金台账失败且无历史快照可降级: %w", err)
	}

	l.mu.Lock()
	l.last = snap
	l.hasLast = true
	l.mu.Unlock()

	return snap, nil
}

// Last 返回最近一次成功的快照。
func (l *Ledger) Last() (Snapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last, l.hasLast
}

// Restore 用持久化快照预热缓存，仅在启动时调用。
func (l *Ledger) Restore(snap Snapshot) {
	if snap.RefreshedAt.IsZero() {
		return
	}
	l.mu.Lock()
	l.last = snap
	l.hasLast = true
	l.mu.Unlock()
}

func (l *Ledger) compute(ctx context.Context) (Snapshot, error) {
	balances, err := l.gw.GetBalances(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: 获取余额失败: %w", err)
	}

	openOrders, err := l.gw.GetOpenOrders(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: 获取挂单失败: %w", err)
	}

	snap := Snapshot{
		BaseCurrency: l.base,
		Prices:       make(map[string]float64),
		RefreshedAt:  time.Now().UTC(),
	}

	for _, order := range openOrders {
		if !order.IsActive() {
			continue
		}
		locked := order.Price * order.Remaining()
		switch order.Side {
		case exchange.SideBuy:
			snap.LockedInBuys += locked
		case exchange.SideSell:
			snap.LockedInSells += locked
		}
	}

	type holding struct {
		symbol string
		amount float64
	}

	var holdings []holding
	for asset, balance := range balances {
		upper := strings.ToUpper(asset)
		if upper == l.base {
			snap.Available = balance.Available
			snap.Total = balance.Available + snap.LockedInBuys
			continue
		}
		if balance.Total <= 0 {
			continue
		}
		holdings = append(holdings, holding{symbol: l.SymbolFor(asset), amount: balance.Total})
	}

	values := make([]float64, len(holdings))
	prices := make([]float64, len(holdings))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(4)
	for i, h := range holdings {
		group.Go(func() error {
			ticker, err := l.gw.GetTicker(groupCtx, h.symbol)
			if err != nil {
				return fmt.Errorf("ledger: 获取 %s 行情失败: %w", h.symbol, err)
			}
			prices[i] = ticker.Last
			values[i] = h.amount * ticker.Last
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Snapshot{}, err
	}

	for i, h := range holdings {
		snap.Prices[h.symbol] = prices[i]
		snap.HoldingsValue += values[i]
	}

	snap.TotalAssets = snap.Total + snap.HoldingsValue

	l.logger.Debug("资金台账刷新完成",
		zap.Float64("total", snap.Total),
		zap.Float64("available", snap.Available),
		zap.Float64("locked_in_buys", snap.LockedInBuys),
		zap.Float64("locked_in_sells", snap.LockedInSells),
		zap.Float64("holdings_value", snap.HoldingsValue),
		zap.Int("holdings", len(holdings)),
	)

	return snap, nil
}
