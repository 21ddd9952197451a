package order

import "time"

// FillEvent 表示一次被确认的买单成交。
type FillEvent struct {
	Symbol   string
	OrderID  string
	Quantity float64
	Price    float64
	Fee      float64
	Latency  time.Duration
	FilledAt time.Time
}

// CancelReason 说明撤单触发路径。
type CancelReason string

const (
	// CancelSoftStale 表示订单超过软阈值且系统处于排队或资金压力下。
	CancelSoftStale CancelReason = "soft_stale_under_pressure"
	// CancelHardStale 表示订单超过硬阈值，无条件撤销。
	CancelHardStale CancelReason = "hard_stale"
)

// CancelEvent 表示一次陈旧撤单。
type CancelEvent struct {
	Symbol   string
	OrderID  string
	Price    float64
	Age      time.Duration
	Cooldown time.Duration
	Reason   CancelReason
}
