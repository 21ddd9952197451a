package exit

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
)

type mockGateway struct {
	mu    sync.Mutex
	calls []string

	balances  map[string]exchange.Balance
	rules     exchange.SymbolRules
	createErr error
	fill      exchange.Order
	clientIDs []string

	// createDelay 模拟慢速交易所，用于并发互斥测试。
	createDelay time.Duration
}

func (m *mockGateway) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

func (m *mockGateway) callCount(call string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == call {
			n++
		}
	}
	return n
}

func (m *mockGateway) GetBalances(context.Context) (map[string]exchange.Balance, error) {
	m.record("GetBalances")
	return m.balances, nil
}

func (m *mockGateway) GetOpenOrders(context.Context) ([]exchange.Order, error) {
	return nil, nil
}

func (m *mockGateway) GetOrder(context.Context, string, string) (exchange.Order, error) {
	m.record("GetOrder")
	return m.fill, nil
}

func (m *mockGateway) CreateOrder(_ context.Context, symbol string, side exchange.OrderSide, typ exchange.OrderType, price, size float64, clientID string) (exchange.Order, error) {
	m.record("CreateOrder")
	m.mu.Lock()
	m.clientIDs = append(m.clientIDs, clientID)
	m.mu.Unlock()
	if m.createDelay > 0 {
		time.Sleep(m.createDelay)
	}
	if m.createErr != nil {
		return exchange.Order{}, m.createErr
	}
	out := m.fill
	if out.ID == "" {
		out = exchange.Order{
			ID: "sell-1", Symbol: symbol, Side: side, Type: typ,
			Price: price, Size: size, Status: exchange.StatusPending,
			CreatedAt: time.Now().UTC(),
		}
	}
	return out, nil
}

func (m *mockGateway) CancelOrder(context.Context, string, string) error {
	m.record("CancelOrder")
	return nil
}

func (m *mockGateway) GetTicker(context.Context, string) (exchange.Ticker, error) {
	return exchange.Ticker{}, nil
}

func (m *mockGateway) GetOrderBook(context.Context, string, int) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, nil
}

func (m *mockGateway) GetSymbolRules(context.Context, string) (exchange.SymbolRules, error) {
	m.record("GetSymbolRules")
	return m.rules, nil
}

func (m *mockGateway) LastTradePrice(context.Context, string) (float64, error) {
	return 0, nil
}

var _ exchange.Gateway = (*mockGateway)(nil)

func newTestEngine(gw *mockGateway, book *position.Book) *Engine {
	guard := recycle.NewGuard(recycle.GuardConfig{RecycleCooldown: time.Hour})
	cfg := config.ExitConfig{ConfirmWait: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond}
	trading := config.TradingConfig{FrictionRate: 0.002}
	return NewEngine(gw, book, guard, cfg, trading, nil, nil)
}

func TestClose_RealizedPnlSubtractsFees(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{
		Symbol: "BTC/USDT", Quantity: 2, EntryPrice: 100, MarkPrice: 105,
		OpenedAt: time.Now().UTC().Add(-time.Hour),
	})

	gw := &mockGateway{
		rules: exchange.SymbolRules{SizeIncrement: 0.01, MinNotional: 1},
		fill: exchange.Order{
			ID: "sell-1", Symbol: "BTC/USDT", Side: exchange.SideSell,
			Size: 2, Filled: 2, AvgFillPrice: 105, Fee: 0.1,
			Status: exchange.StatusFilled,
		},
	}
	engine := newTestEngine(gw, book)

	result, err := engine.Close(context.Background(), "BTC/USDT", ReasonStopLoss)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if result.Outcome != OutcomeConfirmed {
		t.Fatalf("expected confirmed close, got %s", result.Outcome)
	}
	// 2 * (105-100) - 0.1 = 9.9
	if math.Abs(result.RealizedPnl-9.9) > 1e-9 {
		t.Errorf("realized pnl: got %v want 9.9", result.RealizedPnl)
	}
	if book.Has("BTC/USDT") {
		t.Errorf("confirmed close must remove the position")
	}
}

func TestClose_SellCarriesClientOrderID(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 100, MarkPrice: 105})

	gw := &mockGateway{
		rules: exchange.SymbolRules{SizeIncrement: 0.01, MinNotional: 1},
		fill: exchange.Order{
			ID: "sell-1", Symbol: "BTC/USDT", Side: exchange.SideSell,
			Size: 1, Filled: 1, AvgFillPrice: 105,
			Status: exchange.StatusFilled,
		},
	}
	engine := newTestEngine(gw, book)

	if _, err := engine.Close(context.Background(), "BTC/USDT", ReasonDecay); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if len(gw.clientIDs) == 0 {
		t.Fatalf("no sell submitted")
	}
	for _, id := range gw.clientIDs {
		if id == "" {
			t.Errorf("sell submission must carry a client order id")
		}
	}
}

func TestClose_EstimatesFeesWhenExchangeOmitsThem(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "ETH/USDT", Quantity: 5, EntryPrice: 100, MarkPrice: 110})

	gw := &mockGateway{
		rules: exchange.SymbolRules{SizeIncrement: 0.01},
		fill: exchange.Order{
			ID: "sell-2", Symbol: "ETH/USDT", Side: exchange.SideSell,
			Size: 5, Filled: 5, AvgFillPrice: 110,
			Status: exchange.StatusFilled,
		},
	}
	engine := newTestEngine(gw, book)

	result, err := engine.Close(context.Background(), "ETH/USDT", ReasonDecay)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	// 毛利 5*(110-100)=50，摩擦预估 5*110*0.002=1.1
	if math.Abs(result.RealizedPnl-48.9) > 1e-9 {
		t.Errorf("realized pnl with estimated fees: got %v want 48.9", result.RealizedPnl)
	}
}

func TestClose_SecondConcurrentRequestFailsFast(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 10, MarkPrice: 11})

	gw := &mockGateway{
		rules:       exchange.SymbolRules{SizeIncrement: 0.01},
		createDelay: 50 * time.Millisecond,
		fill: exchange.Order{
			ID: "sell-1", Symbol: "BTC/USDT", Side: exchange.SideSell,
			Size: 1, Filled: 1, AvgFillPrice: 11,
			Status: exchange.StatusFilled,
		},
	}
	engine := newTestEngine(gw, book)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = engine.Close(context.Background(), "BTC/USDT", ReasonRecycle)
		}()
	}
	wg.Wait()

	var inFlight, succeeded int
	for _, err := range results {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrCloseInFlight):
			inFlight++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || inFlight != 1 {
		t.Fatalf("expected exactly one close and one in-flight rejection, got ok=%d busy=%d", succeeded, inFlight)
	}
	if got := gw.callCount("CreateOrder"); got != 1 {
		t.Errorf("expected a single sell order on the exchange, got %d", got)
	}
}

func TestClose_SkipsDustBelowMinNotional(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "SHIB/USDT", Quantity: 0.5, EntryPrice: 0.01, MarkPrice: 0.01})

	gw := &mockGateway{rules: exchange.SymbolRules{SizeIncrement: 0.1, MinNotional: 1}}
	engine := newTestEngine(gw, book)

	result, err := engine.Close(context.Background(), "SHIB/USDT", ReasonRecycle)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if result.Outcome != OutcomeSkipped {
		t.Fatalf("expected skipped close for dust, got %s", result.Outcome)
	}
	if got := gw.callCount("CreateOrder"); got != 0 {
		t.Errorf("dust must never reach the exchange, CreateOrder calls=%d", got)
	}
}

func TestClose_DropsGhostWhenBalanceGone(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "BTC/USDT", Quantity: 1, EntryPrice: 10, MarkPrice: 11})

	gw := &mockGateway{
		rules:     exchange.SymbolRules{SizeIncrement: 0.01},
		createErr: &ccxt.Error{Type: ccxt.InsufficientFundsErrType},
		balances:  map[string]exchange.Balance{"BTC": {Asset: "BTC", Total: 0, Available: 0}},
	}
	engine := newTestEngine(gw, book)

	result, err := engine.Close(context.Background(), "BTC/USDT", ReasonStopLoss)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if result.Outcome != OutcomeRejected {
		t.Fatalf("expected rejected outcome, got %s", result.Outcome)
	}
	if book.Has("BTC/USDT") {
		t.Errorf("ghost position must be removed when exchange balance is zero")
	}
}

func TestClose_PartialFillReducesBookQuantity(t *testing.T) {
	book := position.NewBook()
	book.Upsert(position.Position{Symbol: "BTC/USDT", Quantity: 4, EntryPrice: 10, MarkPrice: 11})

	gw := &mockGateway{
		rules: exchange.SymbolRules{SizeIncrement: 0.01},
		fill: exchange.Order{
			ID: "sell-1", Symbol: "BTC/USDT", Side: exchange.SideSell,
			Size: 4, Filled: 3, AvgFillPrice: 11,
			Status: exchange.StatusCanceled,
		},
	}
	engine := newTestEngine(gw, book)

	result, err := engine.Close(context.Background(), "BTC/USDT", ReasonStopLoss)
	if err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if result.Outcome != OutcomePartial {
		t.Fatalf("expected partial outcome, got %s", result.Outcome)
	}
	remaining, ok := book.Get("BTC/USDT")
	if !ok {
		t.Fatalf("partially closed position must stay in the book")
	}
	if math.Abs(remaining.Quantity-1) > 1e-9 {
		t.Errorf("remaining quantity: got %v want 1", remaining.Quantity)
	}
}
