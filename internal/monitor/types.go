package monitor

import "time"

// EventType 表示监控事件类型。
type EventType string

const (
	EventOrderPlaced   EventType = "order_placed"
	EventOrderFilled   EventType = "order_filled"
	EventOrderCanceled EventType = "order_canceled"
	EventClose         EventType = "close"
	EventReconcile     EventType = "reconcile"
	EventSkip          EventType = "skip"
	EventError         EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderPayload 记录订单生命周期事件。
type OrderPayload struct {
	Symbol    string  `json:"symbol"`
	OrderID   string  `json:"order_id"`
	Side      string  `json:"side"`
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Filled    float64 `json:"filled,omitempty"`
	LatencyMs int64   `json:"latency_ms,omitempty"`
	Reason    string  `json:"reason,omitempty"`
}

// ClosePayload 记录平仓事件。
type ClosePayload struct {
	Symbol      string  `json:"symbol"`
	Reason      string  `json:"reason"`
	Quantity    float64 `json:"quantity"`
	FillPrice   float64 `json:"fill_price"`
	EntryPrice  float64 `json:"entry_price"`
	RealizedPnl float64 `json:"realized_pnl"`
	Outcome     string  `json:"outcome"`
}

// ReconcilePayload 记录对账动作。
type ReconcilePayload struct {
	Symbol   string  `json:"symbol"`
	Action   string  `json:"action"`
	Quantity float64 `json:"quantity,omitempty"`
	Value    float64 `json:"value,omitempty"`
	Detail   string  `json:"detail,omitempty"`
}

// SkipPayload 记录被跳过的动作及原因。
type SkipPayload struct {
	Symbol string `json:"symbol"`
	Action string `json:"action"`
	Reason string `json:"reason"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
