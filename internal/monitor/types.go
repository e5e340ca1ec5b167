package monitor

import (
	"time"
)

// EventType 表示订单生命周期事件类型。
type EventType string

const (
	EventPlaced    EventType = "placed"
	EventAmended   EventType = "amended"
	EventFilled    EventType = "filled"
	EventCancelled EventType = "cancelled"
	EventRecovered EventType = "recovered"
	EventShutdown  EventType = "shutdown"
	EventSnapshot  EventType = "snapshot"
	EventError     EventType = "error"
)

// Event 封装通用事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// OrderPayload 记录一次下单或改单。
type OrderPayload struct {
	Instance        int     `json:"instance"`
	Side            string  `json:"side"`
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	ReferencePrice  float64 `json:"reference_price"`
	TriggerPrice    float64 `json:"trigger_price"`
	LimitPrice      float64 `json:"limit_price"`
	Amount          float64 `json:"amount"`
	Path            string  `json:"path"`
}

// FillPayload 记录终态回报。
type FillPayload struct {
	Instance        int     `json:"instance"`
	Side            string  `json:"side"`
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id,omitempty"`
	Status          string  `json:"status"`
	Filled          float64 `json:"filled"`
}

// RecoveryPayload 记录一次状态恢复。
type RecoveryPayload struct {
	Instance      int    `json:"instance"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Cancelled     bool   `json:"cancelled"`
	Error         string `json:"error,omitempty"`
}

// ShutdownPayload 记录退出流程中处理的单个实例。
type ShutdownPayload struct {
	Phase        string  `json:"phase"`
	Instance     int     `json:"instance"`
	Side         string  `json:"side"`
	LimitPrice   float64 `json:"limit_price"`
	MarketAmount float64 `json:"market_amount,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// SnapshotPayload 记录启动时的行情与遗留挂单。
type SnapshotPayload struct {
	Symbol     string   `json:"symbol"`
	LastPrice  float64  `json:"last_price"`
	TickSize   float64  `json:"tick_size"`
	Instances  int      `json:"instances"`
	OpenOrders []string `json:"open_orders,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
