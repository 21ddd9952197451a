package recycle

import (
	"sync"
	"time"
)

// StaleCancelState 记录单个标的的陈旧撤单升级状态。
type StaleCancelState struct {
	Count         int       `json:"count"`
	CanceledPrice float64   `json:"canceled_price"`
	LastCancelAt  time.Time `json:"last_cancel_at"`
	CooldownUntil time.Time `json:"cooldown_until"`
}

// GuardSnapshot 是守卫状态的持久化形式。
type GuardSnapshot struct {
	LastRecycle  map[string]time.Time        `json:"last_recycle"`
	StaleCancels map[string]StaleCancelState `json:"stale_cancels"`
}

// GuardConfig 控制守卫行为。
type GuardConfig struct {
	ReentryCooldown    time.Duration
	ReentryCooldownMax time.Duration
	PriceImproveBps    float64
	RecycleCooldown    time.Duration
}

// Guard 维护跨周期的防抖状态：每标的回收冷却时间戳、陈旧撤单
// 升级计数、每周期回收平仓计数。计数只在成交补仓成功时衰减。
type Guard struct {
	mu  sync.Mutex
	cfg GuardConfig

	lastRecycle map[string]time.Time
	stale       map[string]*StaleCancelState
	cycleCloses int
}

// NewGuard 创建守卫。
func NewGuard(cfg GuardConfig) *Guard {
	return &Guard{
		cfg:         cfg,
		lastRecycle: make(map[string]time.Time),
		stale:       make(map[string]*StaleCancelState),
	}
}

// RecordStaleCancel 记录一次陈旧撤单并返回本次生效的再入场冷却时长。
// 同一标的连续撤单按 1x/2x/3x 基础冷却升级，封顶于配置最大值。
func (g *Guard) RecordStaleCancel(symbol string, canceledPrice float64, now time.Time) time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.stale[symbol]
	if !ok {
		state = &StaleCancelState{}
		g.stale[symbol] = state
	}

	state.Count++
	state.CanceledPrice = canceledPrice
	state.LastCancelAt = now

	multiplier := state.Count
	if multiplier > 3 {
		multiplier = 3
	}
	cooldown := time.Duration(multiplier) * g.cfg.ReentryCooldown
	if g.cfg.ReentryCooldownMax > 0 && cooldown > g.cfg.ReentryCooldownMax {
		cooldown = g.cfg.ReentryCooldownMax
	}
	state.CooldownUntil = now.Add(cooldown)

	return cooldown
}

// AllowReentry 判断冷却期内的再入场是否被允许。
// 冷却期内仅当候选价格比被撤价格至少改善配置的基点数时放行。
func (g *Guard) AllowReentry(symbol string, candidatePrice float64, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.stale[symbol]
	if !ok || now.After(state.CooldownUntil) || now.Equal(state.CooldownUntil) {
		return true
	}

	if state.CanceledPrice <= 0 || candidatePrice <= 0 {
		return false
	}

	improvement := state.CanceledPrice * (1 - g.cfg.PriceImproveBps/10000)
	return candidatePrice <= improvement
}

// ResetEscalation 在该标的成功成交后清空其撤单升级状态。
func (g *Guard) ResetEscalation(symbol string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.stale, symbol)
}

// StaleCancelCount 返回该标的当前的连续撤单次数。
func (g *Guard) StaleCancelCount(symbol string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if state, ok := g.stale[symbol]; ok {
		return state.Count
	}
	return 0
}

// RecordRecycleClose 登记一次回收平仓。
func (g *Guard) RecordRecycleClose(symbol string, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastRecycle[symbol] = now
	g.cycleCloses++
}

// CanRecycle 判断该标的是否已度过回收冷却窗口。
func (g *Guard) CanRecycle(symbol string, now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	last, ok := g.lastRecycle[symbol]
	if !ok {
		return true
	}
	return now.Sub(last) >= g.cfg.RecycleCooldown
}

// BeginCycle 重置每周期回收计数，每个周期开始时调用一次。
func (g *Guard) BeginCycle() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cycleCloses = 0
}

// CycleCloses 返回当前周期内已执行的回收平仓数。
func (g *Guard) CycleCloses() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cycleCloses
}

// Export 导出守卫状态用于快照持久化。
func (g *Guard) Export() GuardSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := GuardSnapshot{
		LastRecycle:  make(map[string]time.Time, len(g.lastRecycle)),
		StaleCancels: make(map[string]StaleCancelState, len(g.stale)),
	}
	for k, v := range g.lastRecycle {
		snap.LastRecycle[k] = v
	}
	for k, v := range g.stale {
		snap.StaleCancels[k] = *v
	}
	return snap
}

// Restore 从持久化快照恢复守卫状态，仅在启动时调用。
func (g *Guard) Restore(snap GuardSnapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.lastRecycle = make(map[string]time.Time, len(snap.LastRecycle))
	for k, v := range snap.LastRecycle {
		g.lastRecycle[k] = v
	}
	g.stale = make(map[string]*StaleCancelState, len(snap.StaleCancels))
	for k, v := range snap.StaleCancels {
		state := v
		g.stale[k] = &state
	}
}
