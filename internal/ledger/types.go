package ledger

import (
	"time"

	"ladder-bot/internal/exchange"
)

// State 是实例的生命周期状态。
type State int

const (
	StateEmpty State = iota
	StatePending
	StateActive
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePending:
		return "pending"
	case StateActive:
		return "active"
	default:
		return "unknown"
	}
}

// Op 区分一次动作是下单还是改单。
type Op int

const (
	OpPlace Op = iota
	OpAmend
)

func (o Op) String() string {
	if o == OpAmend {
		return "amend"
	}
	return "place"
}

// Instance 是阶梯中的一个槽位。ExecutedAmount 为买单成交数量，供同一实例的
// 卖单使用；NextSide 为下一次下单的方向，买单成交后切换为卖。
type Instance struct {
	Index           int
	State           State
	ExchangeOrderID string
	ClientOrderID   string
	Side            exchange.OrderSide
	ReferencePrice  float64
	TriggerPrice    float64
	LimitPrice      float64
	Amount          float64
	ExecutedAmount  *float64
	NextSide        exchange.OrderSide
	SubmittedAt     time.Time
	PendingSince    time.Time
}

// Ref 返回订单定位信息。
func (i Instance) Ref() exchange.OrderRef {
	return exchange.OrderRef{
		ExchangeOrderID: i.ExchangeOrderID,
		ClientOrderID:   i.ClientOrderID,
	}
}

// Ticket 标识一次被准入的动作。
type Ticket uint64

// Result 是一次下单/改单的结果，Ticket 为准入时取得的值。
type Result struct {
	Op              Op
	Ticket          Ticket
	Err             error
	ExchangeOrderID string
	ClientOrderID   string
	Side            exchange.OrderSide
	ReferencePrice  float64
	TriggerPrice    float64
	LimitPrice      float64
	Amount          float64
	SubmittedAt     time.Time
}

// Fill 描述一笔终态订单回报。
type Fill struct {
	ClientOrderID string
	Side          exchange.OrderSide
	Filled        float64
	Cancelled     bool
}

// Settlement 是终态回报落账后的结果。
type Settlement struct {
	Instance     Instance
	BuyExecuted  bool
	SellExecuted bool
}
