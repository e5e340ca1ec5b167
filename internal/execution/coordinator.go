package execution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ladder-bot/internal/exchange"
	"ladder-bot/internal/ledger"
	"ladder-bot/internal/market"
	"ladder-bot/internal/metrics"
	"ladder-bot/internal/monitor"
	"ladder-bot/internal/policy"
)

// Coordinator 驱动每个实例的下单、改单、回报处理与撤销。
// 同一实例上的动作由 Ledger 的 pending 标记串行化，网络调用期间不持有任何锁。
type Coordinator struct {
	ledger    *ledger.Ledger
	transport Transport
	prices    market.PriceSource
	ladder    policy.PriceCalculator
	amounts   *policy.AmountPolicy
	journal   Journal
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
	now       func() time.Time
}

// Option 调整协调器的可选依赖。
type Option func(*Coordinator)

// WithJournal 注入生命周期日志。
func WithJournal(j Journal) Option {
	return func(c *Coordinator) {
		if j != nil {
			c.journal = j
		}
	}
}

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator 创建协调器。
func NewCoordinator(
	l *ledger.Ledger,
	t Transport,
	prices market.PriceSource,
	ladder policy.PriceCalculator,
	amounts *policy.AmountPolicy,
	opts Options,
	logger *zap.Logger,
	options ...Option,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxConcurrentActions <= 0 {
		opts.MaxConcurrentActions = 1
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = 30 * time.Second
	}
	c := &Coordinator{
		ledger:    l,
		transport: t,
		prices:    prices,
		ladder:    ladder,
		amounts:   amounts,
		journal:   nopJournal{},
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Ledger 返回协调器持有的实例表。
func (c *Coordinator) Ledger() *ledger.Ledger {
	return c.ledger
}

type tally struct {
	mu  sync.Mutex
	sum Summary
}

func (t *tally) add(err error, skipped, busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case busy:
		t.sum.Busy++
		return
	case skipped:
		t.sum.Attempted++
		t.sum.Skipped++
	case err != nil:
		t.sum.Attempted++
		t.sum.Failed++
		t.sum.Err = multierr.Append(t.sum.Err, err)
	default:
		t.sum.Attempted++
		t.sum.Succeeded++
	}
}

// fanOut 在有限并发下对每个实例执行 fn，单个实例的失败不影响其他实例。
func (c *Coordinator) fanOut(ctx context.Context, op string, indexes []int, fn func(ctx context.Context, index int) error) Summary {
	var t tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxConcurrentActions)

	for _, index := range indexes {
		index := index
		g.Go(func() error {
			err := c.guard(op, index, func() error { return fn(gctx, index) })
			switch {
			case errors.Is(err, ErrBusy):
				t.add(nil, false, true)
			case errors.Is(err, policy.ErrMissingCarryAmount), errors.Is(err, ErrNotActive):
				t.add(nil, true, false)
			default:
				t.add(err, false, false)
			}
			return nil
		})
	}
	_ = g.Wait()
	c.reportInstances()
	return t.sum
}

// guard 把实例内的 panic 转为错误。
func (c *Coordinator) guard(op string, index int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("execution: %s 实例 %d panic: %v", op, index, r)
			c.logger.Error("实例处理发生 panic",
				zap.Int("instance", index),
				zap.String("operation", op),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
		}
	}()
	return fn()
}

// PlaceAll 对前 total 个空闲实例下单。
func (c *Coordinator) PlaceAll(ctx context.Context, total int) Summary {
	if total > c.ledger.Size() || total <= 0 {
		total = c.ledger.Size()
	}
	indexes := make([]int, total)
	for i := range indexes {
		indexes[i] = i
	}
	return c.fanOut(ctx, "place", indexes, c.place)
}

func (c *Coordinator) place(ctx context.Context, index int) error {
	ticket, ok := c.ledger.TryBeginIf(index, ledger.StateEmpty)
	if !ok {
		return ErrBusy
	}
	inst, _ := c.ledger.Get(index)

	side := inst.NextSide
	if side == "" {
		side = c.ledger.DefaultSide()
	}

	price, err := c.prices.CurrentPrice(ctx)
	if err != nil {
		c.ledger.Release(index, ticket)
		return c.fail("place", index, fmt.Errorf("获取行情失败: %w", err))
	}

	trigger, limit, err := c.ladder.Prices(price, side, index)
	if err != nil {
		c.ledger.Release(index, ticket)
		return c.fail("place", index, err)
	}

	amount, err := c.amounts.Amount(side, limit, c.carry(inst, side))
	if err != nil {
		c.ledger.Release(index, ticket)
		if errors.Is(err, policy.ErrMissingCarryAmount) {
			c.logger.Debug("尚无买入成交，跳过卖单", zap.Int("instance", index))
			return err
		}
		return c.fail("place", index, err)
	}

	submittedAt := c.now()
	ack, err := c.transport.PlaceStopLimit(ctx, index, side, trigger, limit, amount)
	completed := c.ledger.CompleteAction(index, ledger.Result{
		Op:              ledger.OpPlace,
		Ticket:          ticket,
		Err:             err,
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientOrderID:   ack.ClientOrderID,
		Side:            side,
		ReferencePrice:  price,
		TriggerPrice:    trigger,
		LimitPrice:      limit,
		Amount:          amount,
		SubmittedAt:     submittedAt,
	})
	if err != nil {
		return c.fail("place", index, err)
	}
	if !completed {
		return c.fail("place", index, ErrStaleResult)
	}

	c.logger.Info("已提交阶梯订单",
		zap.Int("instance", index),
		zap.String("side", string(side)),
		zap.String("client_order_id", ack.ClientOrderID),
		zap.Float64("trigger", trigger),
		zap.Float64("limit", limit),
		zap.Float64("amount", amount),
		zap.String("path", ack.Path),
	)
	c.journal.RecordPlaced(ctx, monitor.OrderPayload{
		Instance:        index,
		Side:            string(side),
		ClientOrderID:   ack.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		ReferencePrice:  price,
		TriggerPrice:    trigger,
		LimitPrice:      limit,
		Amount:          amount,
		Path:            ack.Path,
	})
	return nil
}

// carry 返回卖单使用的数量：优先本实例的买入成交，其次最近一次买入成交。
func (c *Coordinator) carry(inst ledger.Instance, side exchange.OrderSide) *float64 {
	if side != exchange.OrderSideSell {
		return nil
	}
	if inst.ExecutedAmount != nil {
		return inst.ExecutedAmount
	}
	return c.ledger.LastBuyAmount()
}

func (c *Coordinator) fail(op string, index int, err error) error {
	c.logger.Warn("实例动作失败",
		zap.Int("instance", index),
		zap.String("operation", op),
		zap.Error(err),
	)
	return fmt.Errorf("instance %d %s: %w", index, op, err)
}

// MonitorAll 检查全部活动订单，价格逆向移动时改单。
func (c *Coordinator) MonitorAll(ctx context.Context) Summary {
	active := c.ledger.Active("")
	if len(active) == 0 {
		return Summary{}
	}

	price, err := c.prices.CurrentPrice(ctx)
	if err != nil {
		c.logger.Warn("获取行情失败，跳过本轮改单检查", zap.Error(err))
		return Summary{Err: err}
	}

	indexes := make([]int, 0, len(active))
	for _, inst := range active {
		if needsAmend(inst, price) {
			indexes = append(indexes, inst.Index)
		}
	}
	if len(indexes) == 0 {
		return Summary{}
	}
	return c.fanOut(ctx, "amend", indexes, c.amend)
}

// 买单价格跌破参考价、卖单价格升破参考价时需要追价。
func needsAmend(inst ledger.Instance, price float64) bool {
	switch inst.Side {
	case exchange.OrderSideBuy:
		return price < inst.ReferencePrice
	case exchange.OrderSideSell:
		return price > inst.ReferencePrice
	default:
		return false
	}
}

// Amend 以当前价格重新计算并修改实例订单。失败时保留原价格，下一轮重试。
func (c *Coordinator) Amend(ctx context.Context, index int) error {
	return c.guard("amend", index, func() error { return c.amend(ctx, index) })
}

func (c *Coordinator) amend(ctx context.Context, index int) error {
	ticket, admitted := c.ledger.TryBeginIf(index, ledger.StateActive)
	if !admitted {
		inst, ok := c.ledger.Get(index)
		if ok && inst.State == ledger.StatePending {
			return ErrBusy
		}
		return ErrNotActive
	}
	inst, _ := c.ledger.Get(index)

	price, err := c.prices.CurrentPrice(ctx)
	if err != nil {
		c.ledger.Release(index, ticket)
		return c.fail("amend", index, err)
	}

	trigger, limit, err := c.ladder.Prices(price, inst.Side, index)
	if err != nil {
		c.ledger.Release(index, ticket)
		return c.fail("amend", index, err)
	}

	var amountPtr *float64
	amount := inst.Amount
	computed, err := c.amounts.Amount(inst.Side, limit, c.carry(inst, inst.Side))
	switch {
	case err == nil:
		amount = computed
		amountPtr = &computed
	case errors.Is(err, policy.ErrMissingCarryAmount):
		// 保持原数量
	default:
		c.ledger.Release(index, ticket)
		return c.fail("amend", index, err)
	}

	submittedAt := c.now()
	ack, err := c.transport.Amend(ctx, index, inst.Ref(), inst.Side, trigger, limit, amountPtr)
	completed := c.ledger.CompleteAction(index, ledger.Result{
		Op:              ledger.OpAmend,
		Ticket:          ticket,
		Err:             err,
		ExchangeOrderID: ack.ExchangeOrderID,
		ClientOrderID:   inst.ClientOrderID,
		Side:            inst.Side,
		ReferencePrice:  price,
		TriggerPrice:    trigger,
		LimitPrice:      limit,
		Amount:          amount,
		SubmittedAt:     submittedAt,
	})
	if err != nil {
		return c.fail("amend", index, err)
	}
	if !completed {
		return c.fail("amend", index, ErrStaleResult)
	}

	c.logger.Info("已修改阶梯订单",
		zap.Int("instance", index),
		zap.String("client_order_id", inst.ClientOrderID),
		zap.Float64("reference", price),
		zap.Float64("previous_limit", inst.LimitPrice),
		zap.Float64("limit", limit),
	)
	c.journal.RecordAmended(ctx, monitor.OrderPayload{
		Instance:        index,
		Side:            string(inst.Side),
		ClientOrderID:   inst.ClientOrderID,
		ExchangeOrderID: ack.ExchangeOrderID,
		ReferencePrice:  price,
		TriggerPrice:    trigger,
		LimitPrice:      limit,
		Amount:          amount,
		Path:            ack.Path,
	})
	return nil
}

// SweepPending 释放 pending 超时的实例。
func (c *Coordinator) SweepPending() []int {
	released := c.ledger.SweepExpiredPending(c.opts.PendingTimeout)
	c.metrics.ObserveSweep(len(released))
	return released
}

func (c *Coordinator) reportInstances() {
	if c.metrics == nil {
		return
	}
	counts := c.ledger.Counts()
	out := make(map[string]int, len(counts))
	for state, n := range counts {
		out[state.String()] = n
	}
	c.metrics.SetInstances(out)
}
