package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
	"ladder-bot/internal/metrics"
)

var (
	// ErrPlacementFailed 表示推送与同步通道均未能下单。
	ErrPlacementFailed = errors.New("transport: 下单失败")
	// ErrAmendmentFailed 表示推送与同步通道均未能改单。
	ErrAmendmentFailed = errors.New("transport: 改单失败")
	// ErrCancelFailed 表示撤单失败。
	ErrCancelFailed = errors.New("transport: 撤单失败")
	// ErrMarketFailed 表示市价单失败。
	ErrMarketFailed = errors.New("transport: 市价单失败")

	errNoPush = fmt.Errorf("%w: 未配置推送通道", exchange.ErrTransport)
)

// Gate 的 text 字段除去 t- 前缀最长 28 字节。
const clientIDLength = 24

// PushSender 是推送通道的发送端，调用只表示消息已写出，确认稍后以事件形式到达。
type PushSender interface {
	SendStopLimit(ctx context.Context, index int, req exchange.StopLimitRequest) error
	SendAmend(ctx context.Context, index int, req exchange.AmendRequest) error
	SendCancel(ctx context.Context, index int, ref exchange.OrderRef) error
	SendMarket(ctx context.Context, index int, req exchange.MarketRequest) error
}

// SyncClient 是同步 REST 通道。
type SyncClient interface {
	PlaceStopLimit(ctx context.Context, req exchange.StopLimitRequest) (exchange.Order, error)
	Amend(ctx context.Context, req exchange.AmendRequest) (exchange.Order, error)
	Cancel(ctx context.Context, ref exchange.OrderRef) (exchange.Order, error)
	PlaceMarket(ctx context.Context, req exchange.MarketRequest) (exchange.Order, error)
}

// Registrar 在发送前登记客户端订单号，保证回报到达时可以被匹配。
type Registrar interface {
	Register(index int, clientOrderID string)
}

// Ack 是一次请求的受理结果。Pending 为 true 表示经推送通道发出，交易所确认尚未到达；
// Filled 只在同步通道返回订单时有值。
type Ack struct {
	ClientOrderID   string
	ExchangeOrderID string
	Path            string
	Pending         bool
	Status          exchange.OrderStatus
	Filled          float64
}

// Facade 把推送通道与同步通道统一为一组下单操作：先推送，
// 传输错误按指数退避重试，耗尽后降级为同步请求。
type Facade struct {
	cfg       config.TransportConfig
	push      PushSender
	rest      SyncClient
	registrar Registrar
	metrics   *metrics.Metrics
	logger    *zap.Logger
	newID     func() string
}

// Option 调整 Facade 的可选行为。
type Option func(*Facade)

// WithMetrics 注入指标。
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Facade) { f.metrics = m }
}

// WithIDGenerator 替换客户端订单号生成器。
func WithIDGenerator(gen func() string) Option {
	return func(f *Facade) {
		if gen != nil {
			f.newID = gen
		}
	}
}

// New 创建 Facade。push 为 nil 时所有请求直接走同步通道。
func New(cfg config.TransportConfig, push PushSender, rest SyncClient, registrar Registrar, logger *zap.Logger, opts ...Option) *Facade {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Facade{
		cfg:       cfg,
		push:      push,
		rest:      rest,
		registrar: registrar,
		logger:    logger,
		newID:     NewClientOrderID,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewClientOrderID 生成 Gate text 格式的客户端订单号。
func NewClientOrderID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "t-" + id[:clientIDLength]
}

// PlaceStopLimit 提交止损限价单，返回客户端订单号与受理状态。
func (f *Facade) PlaceStopLimit(ctx context.Context, index int, side exchange.OrderSide, trigger, limit, amount float64) (Ack, error) {
	req := exchange.StopLimitRequest{
		ClientOrderID: f.newID(),
		Side:          side,
		TriggerPrice:  trigger,
		LimitPrice:    limit,
		Amount:        amount,
	}
	if f.registrar != nil {
		f.registrar.Register(index, req.ClientOrderID)
	}

	pushErr := f.sendPush(ctx, "place", index, func() error {
		return f.push.SendStopLimit(ctx, index, req)
	})
	if pushErr == nil {
		return Ack{ClientOrderID: req.ClientOrderID, Path: metrics.PathPush, Pending: true, Status: exchange.OrderStatusOpen}, nil
	}
	if !fallbackAllowed(ctx, pushErr) {
		return Ack{ClientOrderID: req.ClientOrderID}, fmt.Errorf("%w: %w", ErrPlacementFailed, pushErr)
	}

	order, restErr := f.fallback(ctx, "place", index, pushErr, func() (exchange.Order, error) {
		return f.rest.PlaceStopLimit(ctx, req)
	})
	if restErr != nil {
		return Ack{ClientOrderID: req.ClientOrderID}, fmt.Errorf("%w: %w", ErrPlacementFailed, multierr.Combine(pushErr, restErr))
	}
	return restAck(req.ClientOrderID, order), nil
}

// Amend 修改已挂订单，amount 为 nil 时保持原数量。
func (f *Facade) Amend(ctx context.Context, index int, ref exchange.OrderRef, side exchange.OrderSide, trigger, limit float64, amount *float64) (Ack, error) {
	req := exchange.AmendRequest{
		Ref:          ref,
		Side:         side,
		TriggerPrice: trigger,
		LimitPrice:   limit,
		Amount:       amount,
	}

	pushErr := f.sendPush(ctx, "amend", index, func() error {
		return f.push.SendAmend(ctx, index, req)
	})
	if pushErr == nil {
		return Ack{ClientOrderID: ref.ClientOrderID, ExchangeOrderID: ref.ExchangeOrderID, Path: metrics.PathPush, Pending: true, Status: exchange.OrderStatusOpen}, nil
	}
	if !fallbackAllowed(ctx, pushErr) {
		return Ack{}, fmt.Errorf("%w: %w", ErrAmendmentFailed, pushErr)
	}

	order, restErr := f.fallback(ctx, "amend", index, pushErr, func() (exchange.Order, error) {
		return f.rest.Amend(ctx, req)
	})
	if restErr != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrAmendmentFailed, multierr.Combine(pushErr, restErr))
	}
	ack := restAck(ref.ClientOrderID, order)
	if ack.ExchangeOrderID == "" {
		ack.ExchangeOrderID = ref.ExchangeOrderID
	}
	return ack, nil
}

// Cancel 撤销订单，返回 nil 错误表示请求已被受理。同步通道返回的已成交数量放在 Ack.Filled。
func (f *Facade) Cancel(ctx context.Context, index int, ref exchange.OrderRef) (Ack, error) {
	if ref.Key() == "" {
		return Ack{}, fmt.Errorf("%w: 缺少订单标识", ErrCancelFailed)
	}

	pushErr := f.sendPush(ctx, "cancel", index, func() error {
		return f.push.SendCancel(ctx, index, ref)
	})
	if pushErr == nil {
		return Ack{ClientOrderID: ref.ClientOrderID, ExchangeOrderID: ref.ExchangeOrderID, Path: metrics.PathPush, Pending: true}, nil
	}
	if !fallbackAllowed(ctx, pushErr) {
		return Ack{}, fmt.Errorf("%w: %w", ErrCancelFailed, pushErr)
	}

	order, restErr := f.fallback(ctx, "cancel", index, pushErr, func() (exchange.Order, error) {
		return f.rest.Cancel(ctx, ref)
	})
	if restErr != nil {
		return Ack{}, fmt.Errorf("%w: %w", ErrCancelFailed, multierr.Combine(pushErr, restErr))
	}
	ack := restAck(ref.ClientOrderID, order)
	if ack.ExchangeOrderID == "" {
		ack.ExchangeOrderID = ref.ExchangeOrderID
	}
	return ack, nil
}

// PlaceMarket 提交市价单。市价单不属于任何阶梯实例，不做登记。
func (f *Facade) PlaceMarket(ctx context.Context, index int, side exchange.OrderSide, amount float64) (Ack, error) {
	req := exchange.MarketRequest{
		ClientOrderID: f.newID(),
		Side:          side,
		Amount:        amount,
	}

	pushErr := f.sendPush(ctx, "market", index, func() error {
		return f.push.SendMarket(ctx, index, req)
	})
	if pushErr == nil {
		return Ack{ClientOrderID: req.ClientOrderID, Path: metrics.PathPush, Pending: true}, nil
	}
	if !fallbackAllowed(ctx, pushErr) {
		return Ack{ClientOrderID: req.ClientOrderID}, fmt.Errorf("%w: %w", ErrMarketFailed, pushErr)
	}

	order, restErr := f.fallback(ctx, "market", index, pushErr, func() (exchange.Order, error) {
		return f.rest.PlaceMarket(ctx, req)
	})
	if restErr != nil {
		return Ack{ClientOrderID: req.ClientOrderID}, fmt.Errorf("%w: %w", ErrMarketFailed, multierr.Combine(pushErr, restErr))
	}
	return restAck(req.ClientOrderID, order), nil
}

// sendPush 发送推送消息，传输错误最多重试 MaxRetries 次，等待可被 ctx 打断。
func (f *Facade) sendPush(ctx context.Context, op string, index int, send func() error) error {
	if f.push == nil {
		return errNoPush
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = f.cfg.InitialInterval
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 200 * time.Millisecond
	}
	if f.cfg.Multiplier >= 1 {
		policy.Multiplier = f.cfg.Multiplier
	}
	policy.RandomizationFactor = 0
	if f.cfg.MaxInterval > 0 {
		policy.MaxInterval = f.cfg.MaxInterval
	}
	maxRetries := f.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := send()
		f.metrics.ObserveOrder(op, metrics.PathPush, err)
		if err == nil {
			return nil
		}

		normalized, retry := exchange.Classify(err)
		if !retry || attempt >= maxRetries {
			return normalized
		}

		wait := policy.NextBackOff()
		f.metrics.ObserveRetry(op)
		f.logger.Warn("推送发送失败，等待重试",
			zap.Int("instance", index),
			zap.String("operation", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", wait),
			zap.Error(normalized),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (f *Facade) fallback(ctx context.Context, op string, index int, pushErr error, call func() (exchange.Order, error)) (exchange.Order, error) {
	if f.rest == nil {
		return exchange.Order{}, fmt.Errorf("%w: 未配置同步通道", exchange.ErrTransport)
	}

	f.metrics.ObserveFallback(op)
	f.logger.Warn("推送通道不可用，降级为同步请求",
		zap.Int("instance", index),
		zap.String("operation", op),
		zap.Error(pushErr),
	)

	order, err := call()
	f.metrics.ObserveOrder(op, metrics.PathREST, err)
	if err != nil {
		f.logger.Error("同步请求失败",
			zap.Int("instance", index),
			zap.String("operation", op),
			zap.Error(err),
		)
	}
	return order, err
}

// 业务拒绝与 ctx 结束不降级。
func fallbackAllowed(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, exchange.ErrBusinessRejection) && !errors.Is(err, exchange.ErrMaintenance)
}

func restAck(clientOrderID string, order exchange.Order) Ack {
	return Ack{
		ClientOrderID:   clientOrderID,
		ExchangeOrderID: order.ID,
		Path:            metrics.PathREST,
		Status:          order.Status,
		Filled:          order.Filled,
	}
}
