package push

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
)

// ErrNotConnected 表示推送连接尚未建立或已断开。
var ErrNotConnected = errors.New("push: 连接未建立")

// PriceSink 接收行情推送的最新价。
type PriceSink interface {
	Update(price float64)
}

// Credentials 为推送通道签名所需的密钥。
type Credentials struct {
	APIKey    string
	APISecret string
}

// pendingRequest 是一条已发出、尚未收到应答的订单请求，用于把错误应答对应回订单。
type pendingRequest struct {
	event  string
	ref    exchange.OrderRef
	side   exchange.OrderSide
	sentAt time.Time
}

// Conn 维护一条 Gate.io WebSocket 连接：负责订阅、签名下单消息、
// 把行情写入 PriceSink、把订单回报写入事件通道。
type Conn struct {
	id     int
	cfg    config.PushConfig
	creds  Credentials
	pair   string
	prices PriceSink
	events chan<- exchange.OrderEvent
	logger *zap.Logger
	now    func() time.Time

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	reqMu    sync.Mutex
	nextID   int64
	inflight map[int64]pendingRequest
}

func newConn(id int, cfg config.PushConfig, creds Credentials, pair string, prices PriceSink, events chan<- exchange.OrderEvent, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ReconnectMaxInterval <= 0 {
		cfg.ReconnectMaxInterval = 30 * time.Second
	}
	return &Conn{
		id:     id,
		cfg:    cfg,
		creds:  creds,
		pair:   pair,
		prices: prices,
		events:   events,
		logger:   logger.With(zap.Int("conn", id)),
		now:      time.Now,
		inflight: make(map[int64]pendingRequest),
	}
}

// Start 启动连接循环，断线后按指数退避重连。
func (c *Conn) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.runLoop(ctx)
}

// Stop 关闭连接并等待后台协程退出。
func (c *Conn) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.close()
	c.wg.Wait()
}

// Connected 报告连接当前是否可写。
func (c *Conn) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil
}

func (c *Conn) runLoop(ctx context.Context) {
	defer c.wg.Done()

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = c.cfg.ReconnectMaxInterval

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			delay := retry.NextBackOff()
			c.logger.Warn("推送连接失败，等待重连", zap.Duration("wait", delay), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry.Reset()
		c.readLoop(ctx)
	}
}

func (c *Conn) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, http.Header{})
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.subscribe(); err != nil {
		c.close()
		return fmt.Errorf("订阅失败: %w", err)
	}

	if c.cfg.PingInterval > 0 {
		go c.pingLoop(ctx, conn)
	}

	c.logger.Info("推送连接已建立", zap.String("url", c.cfg.URL))
	return nil
}

func (c *Conn) subscribe() error {
	ts := c.now().Unix()
	if err := c.write(request{
		Time:    ts,
		Channel: channelTickers,
		Event:   "subscribe",
		Payload: []string{c.pair},
	}); err != nil {
		return err
	}
	return c.write(request{
		Time:    ts,
		Channel: channelOrders,
		Event:   "subscribe",
		Payload: []string{c.pair},
		Auth:    c.auth(channelOrders, "subscribe", ts),
	})
}

func (c *Conn) readLoop(ctx context.Context) {
	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()
		if conn == nil {
			return
		}

		_ = conn.SetReadDeadline(c.now().Add(c.cfg.ReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Warn("推送连接读取失败", zap.Error(err))
			}
			c.close()
			return
		}

		c.handleMessage(ctx, msg)
	}
}

func (c *Conn) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.RLock()
			current := c.conn
			c.mu.RUnlock()
			if current != conn {
				return
			}
			if err := c.write(request{Time: c.now().Unix(), Channel: channelPing}); err != nil {
				c.logger.Warn("推送心跳失败", zap.Error(err))
				c.close()
				return
			}
		}
	}
}

func (c *Conn) handleMessage(ctx context.Context, msg []byte) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		c.logger.Debug("忽略无法解析的推送消息", zap.Error(err))
		return
	}

	var (
		origin  pendingRequest
		tracked bool
	)
	if env.ID != 0 {
		origin, tracked = c.untrack(env.ID)
	}
	if env.Error != nil {
		c.logger.Warn("推送通道返回错误",
			zap.String("channel", env.Channel),
			zap.String("event", env.Event),
			zap.Int64("request_id", env.ID),
			zap.Int("code", env.Error.Code),
			zap.String("message", env.Error.Message),
		)
		if tracked {
			c.emit(ctx, exchange.OrderEvent{
				ExchangeOrderID: origin.ref.ExchangeOrderID,
				ClientOrderID:   origin.ref.ClientOrderID,
				Side:            origin.side,
				Status:          exchange.OrderStatusRejected,
				Operation:       origin.event,
				Reason:          fmt.Sprintf("%d %s", env.Error.Code, env.Error.Message),
				ReceivedAt:      c.now(),
			})
		}
		return
	}

	switch env.Channel {
	case channelTickers:
		if env.Event != "update" {
			return
		}
		var tick tickerResult
		if err := json.Unmarshal(env.Result, &tick); err != nil {
			c.logger.Warn("行情解析失败", zap.Error(err))
			return
		}
		if tick.Last > 0 && c.prices != nil {
			c.prices.Update(float64(tick.Last))
		}
	case channelOrders, channelOrder:
		if env.Event == "subscribe" || env.Event == "unsubscribe" {
			return
		}
		orders, err := decodeOrders(env.Result)
		if err != nil {
			c.logger.Warn("订单回报解析失败", zap.String("event", env.Event), zap.Error(err))
			return
		}
		received := c.now()
		for _, item := range orders {
			if item.ID == "" && item.Text == "" && item.ClientOrderID == "" {
				continue
			}
			c.emit(ctx, item.toEvent(env.Event, received))
		}
	}
}

// emit 在事件队列满时阻塞，避免丢失成交回报；上下文取消时放弃。
func (c *Conn) emit(ctx context.Context, ev exchange.OrderEvent) {
	select {
	case c.events <- ev:
	case <-ctx.Done():
		c.logger.Warn("退出时丢弃订单回报", zap.String("client_order_id", ev.ClientOrderID))
	}
}

// Send 发送一条签名的 spot.order 消息，不等待交易所确认。
// 请求在写出前登记，应答携带同一 id 时据此还原被拒绝的订单。
func (c *Conn) Send(event string, payload interface{}, ref exchange.OrderRef, side exchange.OrderSide) error {
	now := c.now()
	id := c.track(pendingRequest{event: event, ref: ref, side: side, sentAt: now})
	err := c.write(request{
		ID:      id,
		Time:    now.Unix(),
		Channel: channelOrder,
		Event:   event,
		Payload: payload,
		Auth:    c.auth(channelOrder, event, now.Unix()),
	})
	if err != nil {
		c.untrack(id)
	}
	return err
}

// track 登记请求并清理超过读超时仍无应答的旧请求。
func (c *Conn) track(req pendingRequest) int64 {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	for id, old := range c.inflight {
		if req.sentAt.Sub(old.sentAt) > c.cfg.ReadTimeout {
			delete(c.inflight, id)
		}
	}
	c.nextID++
	c.inflight[c.nextID] = req
	return c.nextID
}

func (c *Conn) untrack(id int64) (pendingRequest, bool) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	req, ok := c.inflight[id]
	if ok {
		delete(c.inflight, id)
	}
	return req, ok
}

// Inflight 返回尚未收到应答的请求数。
func (c *Conn) Inflight() int {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()
	return len(c.inflight)
}

func (c *Conn) auth(channel, event string, ts int64) *auth {
	if c.creds.APIKey == "" {
		return nil
	}
	return &auth{
		Method: "api_key",
		Key:    c.creds.APIKey,
		Sign:   sign(c.creds.APISecret, channel, event, ts),
	}
}

func (c *Conn) write(msg request) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("push: 序列化消息失败: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: %w", exchange.ErrTransport, ErrNotConnected)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %w", exchange.ErrTransport, err)
	}
	return nil
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}
