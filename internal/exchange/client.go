package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/config"
)

// Client 基于 ccxt 实现 Gateway，负责与交易所交互并统一重试与错误分类。
type Client struct {
	cfg      config.ExchangeConfig
	logger   *zap.Logger
	exchange *ccxt.Binance

	marketsMu     sync.Mutex
	marketsLoaded atomic.Bool
}

var _ Gateway = (*Client)(nil)

// NewClient 构造 Binance 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}
	if cfg.APIPass != "" {
		userConfig["password"] = cfg.APIPass
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	return &Client{
		cfg:      cfg,
		logger:   logger,
		exchange: ex,
	}, nil
}

// GetBalances 返回按资产聚合的余额。
func (c *Client) GetBalances(ctx context.Context) (map[string]Balance, error) {
	var raw ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := c.exchange.FetchBalance()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	balances := make(map[string]Balance)
	if raw.Total != nil {
		for asset, total := range raw.Total {
			if total == nil {
				continue
			}
			b := Balance{Asset: asset, Total: *total}
			if raw.Free != nil {
				if free, ok := raw.Free[asset]; ok && free != nil {
					b.Available = *free
				}
			}
			balances[asset] = b
		}
	}

	return balances, nil
}

// GetOpenOrders 返回账户当前全部挂单。
func (c *Client) GetOpenOrders(ctx context.Context) ([]Order, error) {
	var raw []ccxt.Order

	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}
		result, err := c.exchange.FetchOpenOrders()
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, orderFromCcxt(item))
	}
	return orders, nil
}

// GetOrder 查询单个订单的最新状态。
func (c *Client) GetOrder(ctx context.Context, id, symbol string) (Order, error) {
	var raw ccxt.Order

	err := c.callWithRetry(ctx, "fetch_order", func() error {
		result, err := c.exchange.FetchOrder(id, ccxt.WithFetchOrderSymbol(symbol))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	return orderFromCcxt(raw), nil
}

// CreateOrder 提交订单。下单调用不做自动重试：
// 提交是否到达交易所无法从网络错误中判断，重试交由上层结合订单查询决定。
func (c *Client) CreateOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, price, size float64, clientID string) (Order, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return Order{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Order{}, ctxErr
	}

	params := map[string]interface{}{}
	if clientID != "" {
		params["clientOrderId"] = clientID
	}

	var (
		raw ccxt.Order
		err error
	)

	switch typ {
	case TypeLimit:
		raw, err = c.exchange.CreateLimitOrder(symbol, string(side), size, price,
			ccxt.WithCreateLimitOrderParams(params))
	case TypeMarket:
		raw, err = c.exchange.CreateMarketOrder(symbol, string(side), size,
			ccxt.WithCreateMarketOrderParams(params))
	default:
		return Order{}, fmt.Errorf("exchange: 不支持的订单类型 %s", typ)
	}
	if err != nil {
		return Order{}, err
	}

	order := orderFromCcxt(raw)
	if order.Symbol == "" {
		order.Symbol = symbol
	}
	if order.Side == "" {
		order.Side = side
	}
	if order.Type == "" {
		order.Type = typ
	}
	if order.Price == 0 {
		order.Price = price
	}
	if order.Size == 0 {
		order.Size = size
	}
	if order.ClientID == "" {
		order.ClientID = clientID
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	return order, nil
}

// CancelOrder 撤销挂单。订单已不存在视为撤销成功。
func (c *Client) CancelOrder(ctx context.Context, id, symbol string) error {
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.exchange.CancelOrder(id, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	if err != nil && Classify(err) == KindBalanceState {
		c.logger.Debug("撤单时订单已不存在",
			zap.String("order_id", id),
			zap.String("symbol", symbol),
		)
		return nil
	}
	return err
}

// GetTicker 获取最新行情。
func (c *Client) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		result, err := c.exchange.FetchTicker(symbol)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	ticker := Ticker{
		Symbol: symbol,
		Last:   derefFloat(raw.Last),
		Bid:    derefFloat(raw.Bid),
		Ask:    derefFloat(raw.Ask),
	}
	if raw.Timestamp != nil {
		ticker.Timestamp = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	} else {
		ticker.Timestamp = time.Now().UTC()
	}
	return ticker, nil
}

// GetOrderBook 获取盘口快照。
func (c *Client) GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error) {
	if depth <= 0 {
		depth = 50
	}

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		result, err := c.exchange.FetchOrderBook(symbol, ccxt.WithFetchOrderBookLimit(int64(depth)))
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return OrderBook{}, err
	}

	return convertOrderBook(symbol, raw), nil
}

// GetSymbolRules 从市场元数据中提取交易对约束。
func (c *Client) GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error) {
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return SymbolRules{}, err
	}

	rules := SymbolRules{Symbol: symbol}

	market, ok := c.exchange.Market(symbol).(map[string]interface{})
	if !ok {
		return rules, fmt.Errorf("exchange: 未找到交易对 %s 的市场元数据", symbol)
	}

	if precision, ok := market["precision"].(map[string]interface{}); ok {
		rules.PriceIncrement = numericField(precision, "price")
		rules.SizeIncrement = numericField(precision, "amount")
	}
	if limits, ok := market["limits"].(map[string]interface{}); ok {
		if cost, ok := limits["cost"].(map[string]interface{}); ok {
			rules.MinNotional = numericField(cost, "min")
		}
	}

	return rules, nil
}

// LastTradePrice 返回账户在该交易对上最近一次成交价格。
func (c *Client) LastTradePrice(ctx context.Context, symbol string) (float64, error) {
	var raw []ccxt.Trade

	err := c.callWithRetry(ctx, "fetch_my_trades", func() error {
		result, err := c.exchange.FetchMyTrades(
			ccxt.WithFetchMyTradesSymbol(symbol),
			ccxt.WithFetchMyTradesLimit(1),
		)
		if err != nil {
			return err
		}
		raw = result
		return nil
	})
	if err != nil {
		return 0, err
	}

	if len(raw) == 0 {
		return 0, nil
	}
	return derefFloat(raw[len(raw)-1].Price), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	if c.marketsLoaded.Load() {
		return nil
	}

	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded.Load() {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.exchange.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded.Store(true)
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr := normalizeMaintenance(err)
		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if Classify(normalizedErr) != KindRetryable || attempt >= c.cfg.Retry.MaxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func normalizeMaintenance(err error) error {
	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message)
	}
	return err
}

// orderFromCcxt 是网关边界上的规范化构造器：所有交易所返回的订单
// 都在这里收敛为统一的 Order 结构。
func orderFromCcxt(raw ccxt.Order) Order {
	order := Order{
		ID:           derefString(raw.Id),
		ClientID:     derefString(raw.ClientOrderId),
		Symbol:       derefString(raw.Symbol),
		Side:         OrderSide(strings.ToLower(derefString(raw.Side))),
		Type:         OrderType(strings.ToLower(derefString(raw.Type))),
		Price:        derefFloat(raw.Price),
		Size:         derefFloat(raw.Amount),
		Filled:       derefFloat(raw.Filled),
		AvgFillPrice: derefFloat(raw.Average),
	}

	if raw.Fee.Cost != nil {
		order.Fee = *raw.Fee.Cost
	}
	if raw.Timestamp != nil {
		order.CreatedAt = time.UnixMilli(int64(*raw.Timestamp)).UTC()
	}

	switch strings.ToLower(derefString(raw.Status)) {
	case "open":
		if order.Filled > 0 {
			order.Status = StatusPartiallyFilled
		} else {
			order.Status = StatusPending
		}
	case "closed":
		order.Status = StatusFilled
	case "canceled", "cancelled", "expired", "rejected":
		order.Status = StatusCanceled
	default:
		order.Status = StatusPending
	}

	return order
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) OrderBook {
	bids := make([]OrderBookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	asks := make([]OrderBookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, OrderBookLevel{Price: level[0], Amount: level[1]})
	}

	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return OrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func numericField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}
