package exchange

import "time"

// OrderSide 表示订单方向。
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType 表示订单类型。
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus 表示订单生命周期状态。
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
)

// Order 是网关边界上统一规范化后的订单表示。
// 所有下游组件只消费该结构，不再对交易所原始返回做形状判断。
type Order struct {
	ID           string
	ClientID     string
	Symbol       string
	Side         OrderSide
	Type         OrderType
	Price        float64
	Size         float64
	Filled       float64
	AvgFillPrice float64
	Fee          float64
	Status       OrderStatus
	CreatedAt    time.Time
}

// Remaining 返回未成交数量。
func (o Order) Remaining() float64 {
	if r := o.Size - o.Filled; r > 0 {
		return r
	}
	return 0
}

// IsTerminal 判断订单是否已到达终态。
func (o Order) IsTerminal() bool {
	return o.Status == StatusFilled || o.Status == StatusCanceled
}

// IsActive 判断订单是否仍在撮合队列中。
func (o Order) IsActive() bool {
	return o.Status == StatusPending || o.Status == StatusPartiallyFilled
}

// Balance 表示单一资产的余额。
type Balance struct {
	Asset     string
	Total     float64
	Available float64
}

// Ticker 为最新行情快照。
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	Timestamp time.Time
}

// SpreadPercent 返回买卖价差占中间价的比例。
func (t Ticker) SpreadPercent() float64 {
	if t.Bid <= 0 || t.Ask <= 0 || t.Ask < t.Bid {
		return 0
	}
	mid := (t.Bid + t.Ask) / 2
	if mid <= 0 {
		return 0
	}
	return (t.Ask - t.Bid) / mid
}

// OrderBookLevel 表示盘口档位。
type OrderBookLevel struct {
	Price  float64
	Amount float64
}

// OrderBook 为订单簿快照。
type OrderBook struct {
	Symbol    string
	Bids      []OrderBookLevel
	Asks      []OrderBookLevel
	Timestamp time.Time
}

// SymbolRules 描述交易对的下单约束。
type SymbolRules struct {
	Symbol         string
	PriceIncrement float64
	SizeIncrement  float64
	MinNotional    float64
}
