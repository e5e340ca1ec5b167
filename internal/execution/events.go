package execution

import (
	"context"

	"go.uber.org/zap"

	"ladder-bot/internal/exchange"
	"ladder-bot/internal/ledger"
	"ladder-bot/internal/monitor"
)

// Run 逐条消费推送通道的订单回报，直到 ctx 结束或通道关闭。
func (c *Coordinator) Run(ctx context.Context, events <-chan exchange.OrderEvent) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.HandleOrderEvent(ctx, ev)
		}
	}
}

// Drain 不阻塞地处理 events 中已缓冲的回报，返回处理条数。
// 退出清理前调用，避免已成交订单被再次撤销或重复卖出。
func (c *Coordinator) Drain(ctx context.Context, events <-chan exchange.OrderEvent) int {
	n := 0
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return n
			}
			c.HandleOrderEvent(ctx, ev)
			n++
		default:
			return n
		}
	}
}

// HandleOrderEvent 分发一条回报：确认回报绑定交易所订单号，终态回报落账。
// 返回是否匹配到本系统管理的实例。
func (c *Coordinator) HandleOrderEvent(ctx context.Context, ev exchange.OrderEvent) (matched bool) {
	defer func() {
		if r := recover(); r != nil {
			matched = false
			c.logger.Error("处理订单回报发生 panic",
				zap.String("client_order_id", ev.ClientOrderID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
		c.metrics.ObserveEvent(string(ev.Status), matched)
	}()

	switch {
	case ev.Status == exchange.OrderStatusOpen:
		return c.bindAck(ev)
	case ev.Status == exchange.OrderStatusRejected:
		return c.handleRejection(ctx, ev)
	case ev.Status.Terminal():
		return c.HandleExecutionEvent(ctx, ev)
	default:
		return false
	}
}

// handleRejection 处理推送请求被交易所拒绝的回报。下单被拒视同撤销，实例回到 empty；
// 改单被拒时交易所侧状态不明，撤单后遗忘该实例；撤单被拒只记录。
func (c *Coordinator) handleRejection(ctx context.Context, ev exchange.OrderEvent) bool {
	index, ok := c.resolve(ev)
	if !ok {
		c.logger.Debug("忽略未匹配的拒绝回报",
			zap.String("client_order_id", ev.ClientOrderID),
			zap.String("operation", ev.Operation),
		)
		return false
	}

	c.logger.Warn("推送请求被交易所拒绝",
		zap.Int("instance", index),
		zap.String("operation", ev.Operation),
		zap.String("client_order_id", ev.ClientOrderID),
		zap.String("reason", ev.Reason),
	)
	switch ev.Operation {
	case exchange.OperationAmend:
		c.RecoverState(ctx, &index)
		return true
	case exchange.OperationCancel:
		return true
	default:
		return c.HandleExecutionEvent(ctx, ev)
	}
}

func (c *Coordinator) bindAck(ev exchange.OrderEvent) bool {
	index, ok := c.resolve(ev)
	if !ok {
		return false
	}
	if !c.ledger.BindExchangeID(index, ev.ClientOrderID, ev.ExchangeOrderID) {
		return false
	}
	c.logger.Debug("订单已被交易所确认",
		zap.Int("instance", index),
		zap.String("client_order_id", ev.ClientOrderID),
		zap.String("exchange_order_id", ev.ExchangeOrderID),
	)
	return true
}

// resolve 先查反向索引，索引缺失或已指向别的实例时线性扫描兜底。
func (c *Coordinator) resolve(ev exchange.OrderEvent) (int, bool) {
	if index, ok := c.ledger.Lookup(ev.ClientOrderID); ok && c.ledger.Holds(index, ev.ClientOrderID) {
		return index, true
	}
	return c.ledger.Scan(ev.ClientOrderID, ev.ExchangeOrderID)
}

// HandleExecutionEvent 处理成交/撤销等终态回报。买单成交时记录数量供卖单使用，
// 之后实例回到 empty。与本系统无关或已处理过的回报为空操作。
func (c *Coordinator) HandleExecutionEvent(ctx context.Context, ev exchange.OrderEvent) bool {
	index, ok := c.resolve(ev)
	if !ok {
		c.logger.Debug("忽略未匹配的订单回报",
			zap.String("client_order_id", ev.ClientOrderID),
			zap.String("exchange_order_id", ev.ExchangeOrderID),
			zap.String("status", string(ev.Status)),
		)
		return false
	}

	clientOrderID := ev.ClientOrderID
	if clientOrderID == "" {
		inst, _ := c.ledger.Get(index)
		clientOrderID = inst.ClientOrderID
	}

	settled, ok := c.ledger.Settle(index, ledger.Fill{
		ClientOrderID: clientOrderID,
		Side:          ev.Side,
		Filled:        ev.Filled,
		Cancelled:     ev.Status == exchange.OrderStatusCancelled || ev.Status == exchange.OrderStatusRejected,
	})
	if !ok {
		return false
	}

	side := ev.Side
	if side == "" {
		side = settled.Instance.Side
	}
	switch {
	case settled.BuyExecuted || settled.SellExecuted:
		c.metrics.ObserveFill(string(side))
		c.logger.Info("订单成交",
			zap.Int("instance", index),
			zap.String("side", string(side)),
			zap.String("client_order_id", clientOrderID),
			zap.Float64("filled", ev.Filled),
			zap.String("status", string(ev.Status)),
		)
	default:
		c.logger.Info("订单已撤销",
			zap.Int("instance", index),
			zap.String("client_order_id", clientOrderID),
		)
	}

	c.journal.RecordFill(ctx, monitor.FillPayload{
		Instance:        index,
		Side:            string(side),
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: ev.ExchangeOrderID,
		Status:          string(ev.Status),
		Filled:          ev.Filled,
	})
	c.reportInstances()
	return true
}
