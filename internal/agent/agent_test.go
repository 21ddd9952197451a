package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exit"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/feed"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/ledger"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/order"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/snapshot"
)

// mockGateway 模拟一个即时成交卖单、买单保持挂单的交易所。
type mockGateway struct {
	mu       sync.Mutex
	balances map[string]exchange.Balance
	tickers  map[string]exchange.Ticker
	orders   map[string]exchange.Order
	nextID   int
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		balances: make(map[string]exchange.Balance),
		tickers:  make(map[string]exchange.Ticker),
		orders:   make(map[string]exchange.Order),
	}
}

func (m *mockGateway) GetBalances(context.Context) (map[string]exchange.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]exchange.Balance, len(m.balances))
	for k, v := range m.balances {
		out[k] = v
	}
	return out, nil
}

func (m *mockGateway) GetOpenOrders(context.Context) ([]exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []exchange.Order
	for _, o := range m.orders {
		if o.IsActive() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (m *mockGateway) GetOrder(_ context.Context, id, _ string) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return exchange.Order{}, fmt.Errorf("order %s not found", id)
	}
	return o, nil
}

func (m *mockGateway) CreateOrder(_ context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, price, size float64, clientID string) (exchange.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	o := exchange.Order{
		ID:        fmt.Sprintf("ord-%d", m.nextID),
		ClientID:  clientID,
		Symbol:    symbol,
		Side:      side,
		Type:      typ,
		Price:     price,
		Size:      size,
		Status:    exchange.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
	if side == exchange.SideSell {
		fillPrice := price
		if fillPrice <= 0 {
			fillPrice = m.tickers[symbol].Last
		}
		o.Status = exchange.StatusFilled
		o.Filled = size
		o.AvgFillPrice = fillPrice
	}
	m.orders[o.ID] = o
	return o, nil
}

func (m *mockGateway) CancelOrder(_ context.Context, id, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[id]; ok {
		o.Status = exchange.StatusCanceled
		m.orders[id] = o
	}
	return nil
}

func (m *mockGateway) GetTicker(_ context.Context, symbol string) (exchange.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickers[symbol]
	if !ok {
		return exchange.Ticker{}, fmt.Errorf("no ticker for %s", symbol)
	}
	return t, nil
}

func (m *mockGateway) GetOrderBook(context.Context, string, int) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, nil
}

func (m *mockGateway) GetSymbolRules(_ context.Context, symbol string) (exchange.SymbolRules, error) {
	return exchange.SymbolRules{Symbol: symbol, PriceIncrement: 0.01, SizeIncrement: 0.0001, MinNotional: 1}, nil
}

func (m *mockGateway) LastTradePrice(context.Context, string) (float64, error) {
	return 0, nil
}

var _ exchange.Gateway = (*mockGateway)(nil)

func testConfig() config.Config {
	return config.Config{
		Trading: config.TradingConfig{
			BaseCurrency:       "USDT",
			MinTradeSize:       10,
			EntryFraction:      0.5,
			MaxPositions:       4,
			DustThreshold:      1,
			TakeProfitPercent:  0.05,
			StopLossPercent:    0.03,
			TPSLTolerance:      0.005,
			FrictionRate:       0.002,
			MaxHold:            72 * time.Hour,
			DecayMinPnlPercent: 0.5,
		},
		Orders: config.OrdersConfig{
			SoftStaleAfter:     time.Minute,
			HardStaleAfter:     10 * time.Minute,
			PendingTrigger:     3,
			MaxPending:         4,
			MaxCancelPerCycle:  3,
			ReentryCooldown:    5 * time.Minute,
			ReentryCooldownMax: 15 * time.Minute,
			PriceImproveBps:    10,
			PollConcurrency:    2,
		},
		Exit: config.ExitConfig{ConfirmWait: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond},
		Recycle: config.RecycleConfig{
			MinNetProfit:       0.5,
			MinReturnPercent:   0.3,
			MinHold:            30 * time.Minute,
			Cooldown:           time.Hour,
			MaxPerCycle:        2,
			MinEdge:            45,
			OverrideScore:      90,
			HighScoreThreshold: 70,
			ZombieFlatBand:     0.5,
		},
		Reconcile: config.ReconcileConfig{CadenceCycles: 10},
		Scheduler: config.SchedulerConfig{CycleInterval: time.Minute, CycleTimeout: 5 * time.Second},
	}
}

func newTestAgent(t *testing.T, gw *mockGateway, opps []feed.Opportunity) (*Agent, *position.Book, *order.Manager) {
	t.Helper()
	cfg := testConfig()

	guard := recycle.NewGuard(recycle.GuardConfig{
		ReentryCooldown:    cfg.Orders.ReentryCooldown,
		ReentryCooldownMax: cfg.Orders.ReentryCooldownMax,
		PriceImproveBps:    cfg.Orders.PriceImproveBps,
		RecycleCooldown:    cfg.Recycle.Cooldown,
	})
	book := position.NewBook()
	cashLedger := ledger.New(gw, cfg.Trading.BaseCurrency, nil)
	orders := order.NewManager(gw, guard, cfg.Orders, cfg.Trading.MinTradeSize, nil, nil)
	exits := exit.NewEngine(gw, book, guard, cfg.Exit, cfg.Trading, nil, nil)
	controller := recycle.NewController(cfg.Recycle, cfg.Trading, guard, nil)
	reconciler := position.NewReconciler(gw, book, orders, cfg.Trading, nil, nil)
	snapshots := snapshot.NewStore(filepath.Join(t.TempDir(), "state.json"), nil)

	a := New(Deps{
		Config:     cfg,
		Gateway:    gw,
		Ledger:     cashLedger,
		Book:       book,
		Orders:     orders,
		Exits:      exits,
		Guard:      guard,
		Controller: controller,
		Reconciler: reconciler,
		Feed:       &feed.Static{Opportunities: opps},
		Snapshots:  snapshots,
	})
	return a, book, orders
}

func TestTick_PlacesEntryForRankedOpportunity(t *testing.T) {
	gw := newMockGateway()
	gw.balances["USDT"] = exchange.Balance{Asset: "USDT", Total: 100, Available: 100}
	gw.tickers["SOL/USDT"] = exchange.Ticker{Symbol: "SOL/USDT", Last: 20, Bid: 19.99, Ask: 20.01}

	a, _, orders := newTestAgent(t, gw, []feed.Opportunity{{Symbol: "SOL/USDT", Score: 80}})
	a.Tick(context.Background())

	if !orders.HasPendingBuy("SOL/USDT") {
		t.Fatalf("expected a pending buy for the ranked opportunity")
	}

	// 同一机会的下一个周期不会重复下单。
	a.Tick(context.Background())
	if orders.PendingCount() != 1 {
		t.Errorf("expected a single pending buy across cycles, got %d", orders.PendingCount())
	}
}

func TestTick_TakesProfitWhenTargetReached(t *testing.T) {
	gw := newMockGateway()
	gw.balances["USDT"] = exchange.Balance{Asset: "USDT", Total: 100, Available: 100}
	gw.balances["BTC"] = exchange.Balance{Asset: "BTC", Total: 1, Available: 1}
	gw.tickers["BTC/USDT"] = exchange.Ticker{Symbol: "BTC/USDT", Last: 110, Bid: 109.9, Ask: 110.1}

	a, book, _ := newTestAgent(t, gw, nil)
	pos := position.Position{
		Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, MarkPrice: 100,
		OpenedAt: time.Now().UTC().Add(-time.Hour), Origin: position.OriginAgent,
	}
	pos.SetTargets(0.05, 0.03)
	book.Upsert(pos)

	a.Tick(context.Background())

	if book.Has("BTC/USDT") {
		t.Fatalf("position above take-profit target must be closed")
	}
}

func TestTick_StopsOutWhenStopBreached(t *testing.T) {
	gw := newMockGateway()
	gw.balances["USDT"] = exchange.Balance{Asset: "USDT", Total: 100, Available: 100}
	gw.balances["BTC"] = exchange.Balance{Asset: "BTC", Total: 1, Available: 1}
	gw.tickers["BTC/USDT"] = exchange.Ticker{Symbol: "BTC/USDT", Last: 90, Bid: 89.9, Ask: 90.1}

	a, book, _ := newTestAgent(t, gw, nil)
	pos := position.Position{
		Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, MarkPrice: 100,
		OpenedAt: time.Now().UTC().Add(-time.Hour), Origin: position.OriginAgent,
	}
	pos.SetTargets(0.05, 0.03)
	book.Upsert(pos)

	a.Tick(context.Background())

	if book.Has("BTC/USDT") {
		t.Fatalf("position below stop price must be closed")
	}
}

func TestTick_SurvivesFeedOutage(t *testing.T) {
	gw := newMockGateway()
	gw.balances["USDT"] = exchange.Balance{Asset: "USDT", Total: 100, Available: 100}

	a, _, _ := newTestAgent(t, gw, nil)
	a.deps.Feed = failingFeed{}

	// 机会源故障不得让周期 panic 或中断。
	a.Tick(context.Background())
}

type failingFeed struct{}

func (failingFeed) Fetch(context.Context) ([]feed.Opportunity, error) {
	return nil, fmt.Errorf("feed unavailable")
}

func TestBootstrap_RestoresSnapshotAndRehydratesOrders(t *testing.T) {
	gw := newMockGateway()
	gw.balances["USDT"] = exchange.Balance{Asset: "USDT", Total: 100, Available: 100}
	gw.balances["BTC"] = exchange.Balance{Asset: "BTC", Total: 1, Available: 1}
	gw.tickers["BTC/USDT"] = exchange.Ticker{Symbol: "BTC/USDT", Last: 100, Bid: 99.9, Ask: 100.1}

	// 交易所上有一张重启前留下的买单。
	if _, err := gw.CreateOrder(context.Background(), "ETH/USDT", exchange.SideBuy, exchange.TypeLimit, 50, 1, "stale-client"); err != nil {
		t.Fatalf("seed order failed: %v", err)
	}

	a, book, orders := newTestAgent(t, gw, nil)

	saved := snapshot.State{
		Positions: []position.Position{
			{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, MarkPrice: 100, OpenedAt: time.Now().UTC(), Origin: position.OriginAgent},
		},
	}
	if err := a.deps.Snapshots.Save(saved); err != nil {
		t.Fatalf("seed snapshot failed: %v", err)
	}

	if err := a.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap returned error: %v", err)
	}

	if !book.Has("BTC/USDT") {
		t.Errorf("snapshot positions must be restored")
	}
	if !orders.HasPendingBuy("ETH/USDT") {
		t.Errorf("open exchange orders must be rehydrated")
	}
}
