package execution

import (
	"context"
	"errors"
	"time"

	"ladder-bot/internal/exchange"
	"ladder-bot/internal/monitor"
	"ladder-bot/internal/transport"
)

var (
	// ErrBusy 表示实例已有动作在途，本次跳过。
	ErrBusy = errors.New("execution: 实例正忙")
	// ErrNotActive 表示实例没有可操作的挂单。
	ErrNotActive = errors.New("execution: 实例没有活动订单")
	// ErrStaleResult 表示动作完成时实例已被超时清理或重置，结果未落账。
	ErrStaleResult = errors.New("execution: 动作结果已过期")
	// ErrRecoveryFailure 表示恢复流程中撤单失败，本地状态仍会被清除。
	ErrRecoveryFailure = errors.New("execution: 恢复撤单失败")
)

// Transport 是协调器使用的下单通道。
type Transport interface {
	PlaceStopLimit(ctx context.Context, index int, side exchange.OrderSide, trigger, limit, amount float64) (transport.Ack, error)
	Amend(ctx context.Context, index int, ref exchange.OrderRef, side exchange.OrderSide, trigger, limit float64, amount *float64) (transport.Ack, error)
	Cancel(ctx context.Context, index int, ref exchange.OrderRef) (transport.Ack, error)
	PlaceMarket(ctx context.Context, index int, side exchange.OrderSide, amount float64) (transport.Ack, error)
}

var _ Transport = (*transport.Facade)(nil)

// Journal 记录订单生命周期。
type Journal interface {
	RecordPlaced(ctx context.Context, p monitor.OrderPayload)
	RecordAmended(ctx context.Context, p monitor.OrderPayload)
	RecordFill(ctx context.Context, p monitor.FillPayload)
	RecordRecovery(ctx context.Context, p monitor.RecoveryPayload)
	RecordShutdown(ctx context.Context, p monitor.ShutdownPayload)
}

var _ Journal = (*monitor.Service)(nil)

type nopJournal struct{}

func (nopJournal) RecordPlaced(context.Context, monitor.OrderPayload) {}
func (nopJournal) RecordAmended(context.Context, monitor.OrderPayload) {}
func (nopJournal) RecordFill(context.Context, monitor.FillPayload) {}
func (nopJournal) RecordRecovery(context.Context, monitor.RecoveryPayload) {}
func (nopJournal) RecordShutdown(context.Context, monitor.ShutdownPayload) {}

// Options 控制协调器行为。
type Options struct {
	PendingTimeout       time.Duration
	MaxConcurrentActions int
}

// Summary 汇总一次批量操作。
type Summary struct {
	Attempted int
	Succeeded int
	Skipped   int
	Busy      int
	Failed    int
	Err       error
}

// ShutdownReport 记录退出流程的处理顺序与错误。
type ShutdownReport struct {
	Buys  []int
	Sells []int
	Err   error
}
