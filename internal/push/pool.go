package push

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
)

// Pool 按实例编号把订单消息分配到多条推送连接上，
// 每条连接最多服务 max_instances_per_connection 个实例。
type Pool struct {
	conns       []*Conn
	perConn     int
	pair        string
	timeInForce func(exchange.OrderSide) string
	events      chan exchange.OrderEvent
	logger      *zap.Logger
}

// NewPool 为 instances 个实例创建 ceil(instances/perConn) 条连接。
func NewPool(cfg config.PushConfig, creds Credentials, symbol string, instances int, prices PriceSink, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	perConn := cfg.MaxInstancesPerConnection
	if perConn <= 0 {
		perConn = 1
	}
	if instances <= 0 {
		instances = 1
	}
	buffer := cfg.EventBuffer
	if buffer <= 0 {
		buffer = 256
	}

	count := (instances + perConn - 1) / perConn
	events := make(chan exchange.OrderEvent, buffer)
	pair := GatePair(symbol)

	conns := make([]*Conn, 0, count)
	for i := 0; i < count; i++ {
		// 只让第一条连接写行情，避免重复更新
		var sink PriceSink
		if i == 0 {
			sink = prices
		}
		conns = append(conns, newConn(i, cfg, creds, pair, sink, events, logger))
	}

	logger.Info("推送连接池已创建",
		zap.Int("instances", instances),
		zap.Int("connections", count),
		zap.String("pair", pair),
	)

	return &Pool{
		conns:       conns,
		perConn:     perConn,
		pair:        pair,
		timeInForce: defaultTimeInForce,
		events:      events,
		logger:      logger,
	}
}

func defaultTimeInForce(side exchange.OrderSide) string {
	if side == exchange.OrderSideBuy {
		return "ioc"
	}
	return "gtc"
}

// Start 启动全部连接。
func (p *Pool) Start(ctx context.Context) {
	for _, conn := range p.conns {
		conn.Start(ctx)
	}
}

// Stop 关闭全部连接。
func (p *Pool) Stop() {
	for _, conn := range p.conns {
		conn.Stop()
	}
}

// Events 返回订单回报通道，所有连接共享同一个有界队列。
func (p *Pool) Events() <-chan exchange.OrderEvent {
	return p.events
}

// Size 返回连接数量。
func (p *Pool) Size() int {
	return len(p.conns)
}

func (p *Pool) connFor(index int) (*Conn, error) {
	if index < 0 {
		return nil, fmt.Errorf("push: 非法实例编号 %d", index)
	}
	slot := index / p.perConn
	if slot >= len(p.conns) {
		slot = slot % len(p.conns)
	}
	return p.conns[slot], nil
}

// SendStopLimit 通过推送通道提交止损限价单。
func (p *Pool) SendStopLimit(_ context.Context, index int, req exchange.StopLimitRequest) error {
	conn, err := p.connFor(index)
	if err != nil {
		return err
	}
	return conn.Send(exchange.OperationCreate, []createPayload{{
		ClientOrderID: req.ClientOrderID,
		CurrencyPair:  p.pair,
		Type:          "limit",
		Side:          string(req.Side),
		Amount:        formatNumber(req.Amount),
		Price:         formatNumber(req.LimitPrice),
		StopPrice:     formatNumber(req.TriggerPrice),
		TimeInForce:   p.timeInForce(req.Side),
	}}, exchange.OrderRef{ClientOrderID: req.ClientOrderID}, req.Side)
}

// SendAmend 通过推送通道修改订单。
func (p *Pool) SendAmend(_ context.Context, index int, req exchange.AmendRequest) error {
	conn, err := p.connFor(index)
	if err != nil {
		return err
	}
	payload := amendPayload{
		OrderID:      req.Ref.Key(),
		CurrencyPair: p.pair,
		Price:        formatNumber(req.LimitPrice),
		StopPrice:    formatNumber(req.TriggerPrice),
	}
	if req.Amount != nil {
		payload.Amount = formatNumber(*req.Amount)
	}
	return conn.Send(exchange.OperationAmend, []amendPayload{payload}, req.Ref, req.Side)
}

// SendCancel 通过推送通道撤单。
func (p *Pool) SendCancel(_ context.Context, index int, ref exchange.OrderRef) error {
	conn, err := p.connFor(index)
	if err != nil {
		return err
	}
	return conn.Send(exchange.OperationCancel, []cancelPayload{{
		OrderID:      ref.Key(),
		CurrencyPair: p.pair,
	}}, ref, "")
}

// SendMarket 通过推送通道提交市价单。
func (p *Pool) SendMarket(_ context.Context, index int, req exchange.MarketRequest) error {
	conn, err := p.connFor(index)
	if err != nil {
		return err
	}
	return conn.Send(exchange.OperationCreate, []createPayload{{
		ClientOrderID: req.ClientOrderID,
		CurrencyPair:  p.pair,
		Type:          "market",
		Side:          string(req.Side),
		Amount:        formatNumber(req.Amount),
		TimeInForce:   "ioc",
	}}, exchange.OrderRef{ClientOrderID: req.ClientOrderID}, req.Side)
}
