package execution

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ladder-bot/internal/exchange"
	"ladder-bot/internal/ledger"
	"ladder-bot/internal/monitor"
)

// RecoverState 撤销并遗忘指定实例，index 为 nil 时处理全部实例。
// 撤单失败只记录错误，本地状态总会被清除。
func (c *Coordinator) RecoverState(ctx context.Context, index *int) Summary {
	var indexes []int
	if index != nil {
		indexes = []int{*index}
	} else {
		for i := 0; i < c.ledger.Size(); i++ {
			indexes = append(indexes, i)
		}
	}

	c.metrics.ObserveRecovery()
	var sum Summary
	for _, i := range indexes {
		err := c.guard("recover", i, func() error { return c.recoverOne(ctx, i) })
		sum.Attempted++
		if err != nil {
			sum.Failed++
			sum.Err = multierr.Append(sum.Err, err)
			continue
		}
		sum.Succeeded++
	}
	c.reportInstances()
	return sum
}

func (c *Coordinator) recoverOne(ctx context.Context, index int) error {
	inst, ok := c.ledger.Get(index)
	if !ok {
		return fmt.Errorf("instance %d: %w", index, ErrNotActive)
	}
	if inst.State == ledger.StateEmpty {
		return nil
	}

	var cancelErr error
	cancelled := false
	if ref := inst.Ref(); ref.Key() != "" {
		_, cancelErr = c.transport.Cancel(ctx, index, ref)
		cancelled = cancelErr == nil
		if cancelErr != nil {
			cancelErr = fmt.Errorf("%w: instance %d: %w", ErrRecoveryFailure, index, cancelErr)
			c.logger.Error("恢复时撤单失败，仍清除本地状态",
				zap.Int("instance", index),
				zap.String("client_order_id", inst.ClientOrderID),
				zap.Error(cancelErr),
			)
		}
	}

	c.ledger.Forget(index)

	payload := monitor.RecoveryPayload{
		Instance:      index,
		ClientOrderID: inst.ClientOrderID,
		Cancelled:     cancelled,
	}
	if cancelErr != nil {
		payload.Error = cancelErr.Error()
	}
	c.journal.RecordRecovery(ctx, payload)
	c.logger.Info("实例已恢复为空闲",
		zap.Int("instance", index),
		zap.String("previous_state", inst.State.String()),
		zap.Bool("cancelled", cancelled),
	)
	return cancelErr
}

// GracefulShutdown 分两阶段撤销全部活动订单：先撤买单；再按限价从低到高撤卖单，
// 有买入成交数量的卖单随后以市价卖出。每个实例无论成败都会被移除。
func (c *Coordinator) GracefulShutdown(ctx context.Context) ShutdownReport {
	var report ShutdownReport

	for _, inst := range c.ledger.Active(exchange.OrderSideBuy) {
		report.Buys = append(report.Buys, inst.Index)
		err := c.guard("shutdown", inst.Index, func() error { return c.unwindBuy(ctx, inst) })
		report.Err = multierr.Append(report.Err, err)
	}

	sells := c.ledger.Active(exchange.OrderSideSell)
	ledger.SortByLimit(sells)
	for _, inst := range sells {
		report.Sells = append(report.Sells, inst.Index)
		err := c.guard("shutdown", inst.Index, func() error { return c.unwindSell(ctx, inst) })
		report.Err = multierr.Append(report.Err, err)
	}

	c.reportInstances()
	c.logger.Info("退出清理完成",
		zap.Ints("buys", report.Buys),
		zap.Ints("sells", report.Sells),
		zap.Error(report.Err),
	)
	return report
}

func (c *Coordinator) unwindBuy(ctx context.Context, inst ledger.Instance) error {
	defer c.ledger.Remove(inst.Index)

	_, err := c.transport.Cancel(ctx, inst.Index, inst.Ref())
	c.recordShutdown(ctx, "cancel_buy", inst, 0, err)
	if err != nil {
		return fmt.Errorf("instance %d cancel buy: %w", inst.Index, err)
	}
	return nil
}

func (c *Coordinator) unwindSell(ctx context.Context, inst ledger.Instance) error {
	defer c.ledger.Remove(inst.Index)

	var errs error
	ack, err := c.transport.Cancel(ctx, inst.Index, inst.Ref())
	if err != nil {
		errs = multierr.Append(errs, fmt.Errorf("instance %d cancel sell: %w", inst.Index, err))
	}

	amount := unsoldAmount(inst, ack.Filled)
	if amount > 0 {
		if _, err := c.transport.PlaceMarket(ctx, inst.Index, exchange.OrderSideSell, amount); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("instance %d market sell: %w", inst.Index, err))
		}
	}

	c.recordShutdown(ctx, "unwind_sell", inst, amount, errs)
	return errs
}

// unsoldAmount 返回撤单后仍需市价卖出的数量：买入成交数量扣除挂单已部分成交的部分。
func unsoldAmount(inst ledger.Instance, sellFilled float64) float64 {
	if inst.ExecutedAmount == nil {
		return 0
	}
	amount := *inst.ExecutedAmount
	if sellFilled > 0 {
		amount -= sellFilled
	}
	if amount < 0 {
		return 0
	}
	return amount
}

func (c *Coordinator) recordShutdown(ctx context.Context, phase string, inst ledger.Instance, amount float64, err error) {
	payload := monitor.ShutdownPayload{
		Phase:        phase,
		Instance:     inst.Index,
		Side:         string(inst.Side),
		LimitPrice:   inst.LimitPrice,
		MarketAmount: amount,
	}
	if err != nil {
		payload.Error = err.Error()
		c.logger.Error("退出清理失败",
			zap.Int("instance", inst.Index),
			zap.String("operation", phase),
			zap.Error(err),
		)
	}
	c.journal.RecordShutdown(ctx, payload)
}
