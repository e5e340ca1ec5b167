package exchange

import (
	"strings"
	"time"
)

// OrderSide 表示下单方向。
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// ParseSide 解析配置中的方向，无法识别时返回 false。
func ParseSide(value string) (OrderSide, bool) {
	switch OrderSide(strings.ToLower(strings.TrimSpace(value))) {
	case OrderSideBuy:
		return OrderSideBuy, true
	case OrderSideSell:
		return OrderSideSell, true
	default:
		return "", false
	}
}

// Opposite 返回相反方向。
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderStatus 为归一化后的订单状态。
type OrderStatus string

const (
	OrderStatusOpen      OrderStatus = "open"
	OrderStatusClosed    OrderStatus = "closed"
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusRejected 只由推送通道在请求被拒绝时生成。
	OrderStatusRejected OrderStatus = "rejected"
	OrderStatusUnknown  OrderStatus = "unknown"
)

// 推送请求的操作类型，也用于标注被拒绝的回报。
const (
	OperationCreate = "create"
	OperationAmend  = "amend"
	OperationCancel = "cancel"
)

// NormalizeStatus 把交易所各种写法统一为 OrderStatus。
func NormalizeStatus(raw string) OrderStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "new", "put", "create", "created", "update", "updated", "amend", "amended":
		return OrderStatusOpen
	case "closed", "filled", "finish", "finished":
		return OrderStatusClosed
	case "cancelled", "canceled", "cancel", "expired", "rejected":
		return OrderStatusCancelled
	default:
		return OrderStatusUnknown
	}
}

// Terminal 表示订单已不再挂出。
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCancelled || s == OrderStatusRejected
}

// Order 是交易所返回订单的最小表示。
type Order struct {
	ID            string
	ClientOrderID string
	Side          OrderSide
	Status        OrderStatus
	Price         float64
	Amount        float64
	Filled        float64
}

// OrderRef 用于定位一笔已提交的订单，两个字段至少有一个非空。
type OrderRef struct {
	ExchangeOrderID string
	ClientOrderID   string
}

// Key 返回交易所接受的订单标识，优先使用交易所 ID。
func (r OrderRef) Key() string {
	if r.ExchangeOrderID != "" {
		return r.ExchangeOrderID
	}
	return r.ClientOrderID
}

// StopLimitRequest 描述一笔止损限价委托。
type StopLimitRequest struct {
	ClientOrderID string
	Side          OrderSide
	TriggerPrice  float64
	LimitPrice    float64
	Amount        float64
}

// AmendRequest 描述对已挂订单的局部修改，Amount 为空表示数量不变。
type AmendRequest struct {
	Ref          OrderRef
	Side         OrderSide
	TriggerPrice float64
	LimitPrice   float64
	Amount       *float64
}

// MarketRequest 描述一笔市价单。
type MarketRequest struct {
	ClientOrderID string
	Side          OrderSide
	Amount        float64
}

// OrderEvent 是推送通道上的订单回报。Operation 与 Reason 只在被拒绝的回报中有值。
type OrderEvent struct {
	ExchangeOrderID string
	ClientOrderID   string
	Side            OrderSide
	Status          OrderStatus
	Amount          float64
	Filled          float64
	Operation       string
	Reason          string
	ReceivedAt      time.Time
}
