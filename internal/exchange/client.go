package exchange

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"ladder-bot/internal/config"
)

// gateAPI 是 ccxt Gate 客户端中用到的下单与查询接口，便于在测试中替换。
type gateAPI interface {
	CreateOrder(symbol string, typeVar string, side string, amount float64, options ...ccxt.CreateOrderOptions) (ccxt.Order, error)
	EditOrder(id string, symbol string, typeVar string, side string, options ...ccxt.EditOrderOptions) (ccxt.Order, error)
	CancelOrder(id string, options ...ccxt.CancelOrderOptions) (ccxt.Order, error)
	FetchOpenOrders(options ...ccxt.FetchOpenOrdersOptions) ([]ccxt.Order, error)
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
}

// Client 是 Gate.io 现货的同步 REST 通道，作为推送通道失败后的兜底。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    gateAPI
	raw    *ccxt.Gate
	symbol string

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Gate.io 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if cfg.Market == "" {
		return nil, errors.New("exchange: market 不能为空")
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}
	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewGate(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := newClient(cfg, ex, logger)
	c.raw = ex
	return c, nil
}

func newClient(cfg config.ExchangeConfig, api gateAPI, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger,
		api:    api,
		symbol: cfg.Market,
	}
}

// Symbol 返回交易对符号。
func (c *Client) Symbol() string {
	return c.symbol
}

// PlaceStopLimit 同步提交止损限价单，Gate 通过 text 字段回传客户端订单号。
func (c *Client) PlaceStopLimit(ctx context.Context, req StopLimitRequest) (Order, error) {
	params := map[string]interface{}{
		"triggerPrice": req.TriggerPrice,
	}
	if req.ClientOrderID != "" {
		params["text"] = req.ClientOrderID
	}

	var out Order
	err := c.call(ctx, "place_stop_limit", func() error {
		order, err := c.api.CreateOrder(c.symbol, "limit", string(req.Side), req.Amount,
			ccxt.WithCreateOrderPrice(req.LimitPrice),
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}
		out = convertOrder(order)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if out.ClientOrderID == "" {
		out.ClientOrderID = req.ClientOrderID
	}
	return out, nil
}

// Amend 以局部更新方式修改已挂订单的价格与数量。
func (c *Client) Amend(ctx context.Context, req AmendRequest) (Order, error) {
	key := req.Ref.Key()
	if key == "" {
		return Order{}, fmt.Errorf("%w: 缺少订单标识", ErrBusinessRejection)
	}

	opts := []ccxt.EditOrderOptions{
		ccxt.WithEditOrderPrice(req.LimitPrice),
		ccxt.WithEditOrderParams(map[string]interface{}{
			"triggerPrice": req.TriggerPrice,
		}),
	}
	if req.Amount != nil {
		opts = append(opts, ccxt.WithEditOrderAmount(*req.Amount))
	}

	var out Order
	err := c.call(ctx, "amend", func() error {
		order, err := c.api.EditOrder(key, c.symbol, "limit", string(req.Side), opts...)
		if err != nil {
			return err
		}
		out = convertOrder(order)
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	if out.ClientOrderID == "" {
		out.ClientOrderID = req.Ref.ClientOrderID
	}
	return out, nil
}

// Cancel 撤销订单。
func (c *Client) Cancel(ctx context.Context, ref OrderRef) (Order, error) {
	key := ref.Key()
	if key == "" {
		return Order{}, fmt.Errorf("%w: 缺少订单标识", ErrBusinessRejection)
	}

	var out Order
	err := c.call(ctx, "cancel", func() error {
		order, err := c.api.CancelOrder(key, ccxt.WithCancelOrderSymbol(c.symbol))
		if err != nil {
			return err
		}
		out = convertOrder(order)
		return nil
	})
	return out, err
}

// PlaceMarket 提交市价单。
func (c *Client) PlaceMarket(ctx context.Context, req MarketRequest) (Order, error) {
	var opts []ccxt.CreateOrderOptions
	if req.ClientOrderID != "" {
		opts = append(opts, ccxt.WithCreateOrderParams(map[string]interface{}{"text": req.ClientOrderID}))
	}

	var out Order
	err := c.call(ctx, "place_market", func() error {
		order, err := c.api.CreateOrder(c.symbol, "market", string(req.Side), req.Amount, opts...)
		if err != nil {
			return err
		}
		out = convertOrder(order)
		return nil
	})
	return out, err
}

// FetchOpenOrders 查询当前交易对的全部挂单，用于对账遗留订单。
func (c *Client) FetchOpenOrders(ctx context.Context) ([]Order, error) {
	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		orders, err := c.api.FetchOpenOrders(ccxt.WithFetchOpenOrdersSymbol(c.symbol))
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, err
	}

	orders := make([]Order, 0, len(raw))
	for _, item := range raw {
		orders = append(orders, convertOrder(item))
	}
	return orders, nil
}

// FetchLastPrice 通过 ticker 获取最新成交价。
func (c *Client) FetchLastPrice(ctx context.Context) (float64, error) {
	var last float64
	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		ticker, err := c.api.FetchTicker(c.symbol)
		if err != nil {
			return err
		}
		if ticker.Last == nil || *ticker.Last <= 0 {
			return fmt.Errorf("%w: ticker 缺少最新价", ErrTransport)
		}
		last = *ticker.Last
		return nil
	})
	return last, err
}

// PricePrecision 读取市场元数据中的价格精度，未知时返回 0。
func (c *Client) PricePrecision(ctx context.Context) (float64, error) {
	if c.raw == nil {
		return 0, nil
	}
	if err := c.ensureMarketsLoaded(ctx); err != nil {
		return 0, err
	}

	var market interface{} = c.raw.Market(c.symbol)
	marketMap, ok := market.(map[string]interface{})
	if !ok {
		return 0, nil
	}
	precision, _ := marketMap["precision"].(map[string]interface{})
	if precision == nil {
		return 0, nil
	}
	if value, ok := precision["price"].(float64); ok {
		return value, nil
	}
	return 0, nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	loadErr := c.callWithRetry(ctx, "load_markets", func() error {
		_, err := c.raw.LoadMarkets()
		return err
	})
	if loadErr != nil {
		return loadErr
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载", zap.String("symbol", c.symbol))
	return nil
}

// call 执行单次下单类调用，只做错误归类，重试与降级由上层决定。
func (c *Client) call(ctx context.Context, operation string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	start := time.Now()
	err := fn()
	if err == nil {
		return nil
	}

	normalized, _ := Classify(err)
	c.logger.Warn("交易所同步调用失败",
		zap.String("operation", operation),
		zap.Duration("latency", time.Since(start)),
		zap.Error(normalized),
	)
	return normalized
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.cfg.Retry.MinDelay
	if policy.InitialInterval <= 0 {
		policy.InitialInterval = 500 * time.Millisecond
	}
	policy.MaxInterval = c.cfg.Retry.MaxDelay
	if policy.MaxInterval <= 0 {
		policy.MaxInterval = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
				)
			}
			return nil
		}

		normalized, retry := Classify(err)
		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Error(normalized),
			)
			return normalized
		}

		wait := policy.NextBackOff()
		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
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

func convertOrder(o ccxt.Order) Order {
	out := Order{
		ID:            deref(o.Id),
		ClientOrderID: deref(o.ClientOrderId),
		Side:          OrderSide(deref(o.Side)),
		Status:        NormalizeStatus(deref(o.Status)),
	}
	if o.Price != nil {
		out.Price = *o.Price
	}
	if o.Amount != nil {
		out.Amount = *o.Amount
	}
	if o.Filled != nil {
		out.Filled = *o.Filled
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
