package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/exchange"
)

type mockGateway struct {
	balances   map[string]exchange.Balance
	openOrders []exchange.Order
	tickers    map[string]exchange.Ticker

	balanceErr error
	tickerErr  error
}

func (m *mockGateway) GetBalances(context.Context) (map[string]exchange.Balance, error) {
	if m.balanceErr != nil {
		return nil, m.balanceErr
	}
	return m.balances, nil
}

func (m *mockGateway) GetOpenOrders(context.Context) ([]exchange.Order, error) {
	return m.openOrders, nil
}

func (m *mockGateway) GetOrder(context.Context, string, string) (exchange.Order, error) {
	return exchange.Order{}, errors.New("not implemented")
}

func (m *mockGateway) CreateOrder(context.Context, string, exchange.OrderSide, exchange.OrderType, float64, float64, string) (exchange.Order, error) {
	return exchange.Order{}, errors.New("not implemented")
}

func (m *mockGateway) CancelOrder(context.Context, string, string) error {
	return errors.New("not implemented")
}

func (m *mockGateway) GetTicker(_ context.Context, symbol string) (exchange.Ticker, error) {
	if m.tickerErr != nil {
		return exchange.Ticker{}, m.tickerErr
	}
	return m.tickers[symbol], nil
}

func (m *mockGateway) GetOrderBook(context.Context, string, int) (exchange.OrderBook, error) {
	return exchange.OrderBook{}, errors.New("not implemented")
}

func (m *mockGateway) GetSymbolRules(context.Context, string) (exchange.SymbolRules, error) {
	return exchange.SymbolRules{}, errors.New("not implemented")
}

func (m *mockGateway) LastTradePrice(context.Context, string) (float64, error) {
	return 0, nil
}

func TestRefresh_DeployableDoesNotDoubleSubtractLockedBuys(t *testing.T) {
	// 交易所返回的可用余额已经扣掉了买单占用的50，
	// 可部署资金必须等于可用余额，而不是再减一次锁定金额。
	gw := &mockGateway{
		balances: map[string]exchange.Balance{
			"USDT": {Asset: "USDT", Total: 150, Available: 100},
		},
		openOrders: []exchange.Order{
			{Symbol: "BTC/USDT", Side: exchange.SideBuy, Price: 25, Size: 2, Status: exchange.StatusPending},
		},
	}

	l := New(gw, "USDT", nil)
	snap, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	if snap.LockedInBuys != 50 {
		t.Fatalf("expected locked_in_buys=50, got %v", snap.LockedInBuys)
	}
	if snap.Deployable() != 100 {
		t.Errorf("expected deployable=100, got %v", snap.Deployable())
	}
	if snap.Total != 150 {
		t.Errorf("expected total=150, got %v", snap.Total)
	}
}

func TestRefresh_ValuesHoldingsAndPartialBuyLock(t *testing.T) {
	gw := &mockGateway{
		balances: map[string]exchange.Balance{
			"USDT": {Asset: "USDT", Total: 80, Available: 80},
			"ETH":  {Asset: "ETH", Total: 2, Available: 2},
		},
		openOrders: []exchange.Order{
			// 部分成交的买单只按未成交部分计锁定。
			{Symbol: "ETH/USDT", Side: exchange.SideBuy, Price: 10, Size: 4, Filled: 2, Status: exchange.StatusPartiallyFilled},
		},
		tickers: map[string]exchange.Ticker{
			"ETH/USDT": {Symbol: "ETH/USDT", Last: 100},
		},
	}

	l := New(gw, "USDT", nil)
	snap, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}

	if snap.LockedInBuys != 20 {
		t.Errorf("expected locked_in_buys=20, got %v", snap.LockedInBuys)
	}
	if snap.HoldingsValue != 200 {
		t.Errorf("expected holdings_value=200, got %v", snap.HoldingsValue)
	}
	if snap.TotalAssets != 80+20+200 {
		t.Errorf("expected total_assets=300, got %v", snap.TotalAssets)
	}
	if snap.MarkPrice("ETH/USDT") != 100 {
		t.Errorf("expected cached mark price 100, got %v", snap.MarkPrice("ETH/USDT"))
	}
}

func TestRefresh_DegradesToLastSnapshotOnFailure(t *testing.T) {
	gw := &mockGateway{
		balances: map[string]exchange.Balance{
			"USDT": {Asset: "USDT", Total: 100, Available: 100},
		},
	}

	l := New(gw, "USDT", nil)
	first, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("first Refresh returned error: %v", err)
	}

	gw.balanceErr = errors.New("exchange down")
	second, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("expected degraded snapshot, got error: %v", err)
	}

	if !second.RefreshedAt.Equal(first.RefreshedAt) {
		t.Errorf("expected degraded snapshot to be the previous one")
	}
	if second.Deployable() != first.Deployable() {
		t.Errorf("degraded deployable mismatch: got %v want %v", second.Deployable(), first.Deployable())
	}
}

func TestRefresh_FailsWithoutHistory(t *testing.T) {
	gw := &mockGateway{balanceErr: errors.New("exchange down")}
	l := New(gw, "USDT", nil)

	if _, err := l.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error when no previous snapshot exists")
	}
}

func TestRestore_PrewarmsCache(t *testing.T) {
	gw := &mockGateway{balanceErr: errors.New("exchange down")}
	l := New(gw, "USDT", nil)

	saved := Snapshot{
		BaseCurrency: "USDT",
		Available:    42,
		RefreshedAt:  time.Now().UTC(),
	}
	l.Restore(saved)

	snap, err := l.Refresh(context.Background())
	if err != nil {
		t.Fatalf("expected degraded snapshot after restore, got error: %v", err)
	}
	if snap.Deployable() != 42 {
		t.Errorf("expected restored deployable=42, got %v", snap.Deployable())
	}
}
