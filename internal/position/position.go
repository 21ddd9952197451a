package position

import (
	"sort"
	"sync"
	"time"
)

// Origin 标记持仓来源。
type Origin string

const (
	// OriginAgent 表示由本系统买单成交建立的持仓。
	OriginAgent Origin = "agent"
	// OriginAdopted 表示对账时从交易所既有余额收编的持仓。
	OriginAdopted Origin = "adopted"
)

// Position 表示一笔在管持仓。
// 不变量：数量与入场价均非负；TP/SL 初始化完成后 Target > Entry > Stop。
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"`
	EntryPrice    float64   `json:"entry_price"`
	MarkPrice     float64   `json:"mark_price"`
	OpenedAt      time.Time `json:"opened_at"`
	TargetPrice   float64   `json:"target_price"`
	StopPrice     float64   `json:"stop_price"`
	MaxPnlPercent float64   `json:"max_pnl_percent"`
	Origin        Origin    `json:"origin"`
}

// UpdateMark 更新标记价并维护最大浮盈水位。
func (p *Position) UpdateMark(price float64) {
	if price <= 0 {
		return
	}
	p.MarkPrice = price
	if pnl := p.PnlPercent(); pnl > p.MaxPnlPercent {
		p.MaxPnlPercent = pnl
	}
}

// PnlPercent 返回当前浮动收益率（百分比）。
func (p *Position) PnlPercent() float64 {
	if p.EntryPrice <= 0 || p.MarkPrice <= 0 {
		return 0
	}
	return (p.MarkPrice - p.EntryPrice) / p.EntryPrice * 100
}

// MarkValue 返回按标记价计算的持仓市值。
func (p *Position) MarkValue() float64 {
	return p.Quantity * p.MarkPrice
}

// ProjectedNetProfit 返回扣除预估摩擦成本后的预期净利。
func (p *Position) ProjectedNetProfit(frictionRate float64) float64 {
	gross := p.Quantity * (p.MarkPrice - p.EntryPrice)
	fees := p.MarkValue() * frictionRate
	return gross - fees
}

// Age 返回持仓时长。
func (p *Position) Age(now time.Time) time.Duration {
	if p.OpenedAt.IsZero() {
		return 0
	}
	return now.Sub(p.OpenedAt)
}

// SetTargets 按策略比例设定止盈止损价。
func (p *Position) SetTargets(tpPercent, slPercent float64) {
	if p.EntryPrice <= 0 {
		return
	}
	p.TargetPrice = p.EntryPrice * (1 + tpPercent)
	p.StopPrice = p.EntryPrice * (1 - slPercent)
}

// Book 是持仓登记簿，为周期循环持有的进程级共享状态。
// 仅周期循环与加锁后的平仓路径会修改它。
type Book struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

// NewBook 创建空登记簿。
func NewBook() *Book {
	return &Book{positions: make(map[string]*Position)}
}

// Get 返回指定标的持仓副本。
func (b *Book) Get(symbol string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// Has 判断是否存在该标的持仓。
func (b *Book) Has(symbol string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[symbol]
	return ok
}

// Upsert 写入或覆盖持仓。
func (b *Book) Upsert(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stored := p
	b.positions[p.Symbol] = &stored
}

// Remove 删除持仓。
func (b *Book) Remove(symbol string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, symbol)
}

// Len 返回持仓数。
func (b *Book) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}

// All 返回按标的排序的持仓副本列表。
func (b *Book) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Mutate 在持有写锁的情况下原子修改单个持仓。
// 回调返回 false 表示该持仓应被删除（数量归零等场景）。
func (b *Book) Mutate(symbol string, fn func(*Position) bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[symbol]
	if !ok {
		return false
	}
	if keep := fn(p); !keep {
		delete(b.positions, symbol)
	}
	return true
}

// ApplyFill 将一次买单成交并入登记簿：已有持仓按加权均价合并，否则建仓。
// 同一订单的成交只允许被应用一次，去重由订单管理器保证。
func (b *Book) ApplyFill(symbol string, qty, price float64, filledAt time.Time) Position {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.positions[symbol]; ok {
		totalQty := existing.Quantity + qty
		if totalQty > 0 {
			existing.EntryPrice = (existing.EntryPrice*existing.Quantity + price*qty) / totalQty
		}
		existing.Quantity = totalQty
		existing.MarkPrice = price
		return *existing
	}

	p := &Position{
		Symbol:     symbol,
		Quantity:   qty,
		EntryPrice: price,
		MarkPrice:  price,
		OpenedAt:   filledAt,
		Origin:     OriginAgent,
	}
	b.positions[symbol] = p
	return *p
}

// Restore 用持久化的持仓列表重建登记簿，仅在启动时调用。
func (b *Book) Restore(positions []Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*Position, len(positions))
	for _, p := range positions {
		stored := p
		b.positions[p.Symbol] = &stored
	}
}
