package exchange

import "context"

// Gateway 抽象交易所读写能力，便于在测试中替换为内存实现。
type Gateway interface {
	// GetBalances 返回按资产聚合的余额。
	GetBalances(ctx context.Context) (map[string]Balance, error)
	// GetOpenOrders 返回账户当前全部挂单。
	GetOpenOrders(ctx context.Context) ([]Order, error)
	// GetOrder 查询单个订单的最新状态。
	GetOrder(ctx context.Context, id, symbol string) (Order, error)
	// CreateOrder 提交订单，返回交易所确认后的规范化订单。
	CreateOrder(ctx context.Context, symbol string, side OrderSide, typ OrderType, price, size float64, clientID string) (Order, error)
	// CancelOrder 撤销挂单。
	CancelOrder(ctx context.Context, id, symbol string) error
	// GetTicker 获取最新行情。
	GetTicker(ctx context.Context, symbol string) (Ticker, error)
	// GetOrderBook 获取盘口快照。
	GetOrderBook(ctx context.Context, symbol string, depth int) (OrderBook, error)
	// GetSymbolRules 返回交易对的下单约束。
	GetSymbolRules(ctx context.Context, symbol string) (SymbolRules, error)
	// LastTradePrice 返回账户在该交易对上最近一次成交价格，无记录时返回0。
	LastTradePrice(ctx context.Context, symbol string) (float64, error)
}
