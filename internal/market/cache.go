package market

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrNoPrice 表示等待超时后仍没有任何行情。
var ErrNoPrice = errors.New("market: 尚未收到行情")

// PriceSource 为协调器提供最新成交价。
type PriceSource interface {
	CurrentPrice(ctx context.Context) (float64, error)
}

// Cache 缓存推送通道的最新价，首个价格到达前读取方最多等待 wait。
type Cache struct {
	wait   time.Duration
	logger *zap.Logger

	mu      sync.RWMutex
	price   float64
	updated time.Time
	ready   chan struct{}
	once    sync.Once
}

var _ PriceSource = (*Cache)(nil)

// NewCache 创建价格缓存。
func NewCache(wait time.Duration, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if wait <= 0 {
		wait = 5 * time.Second
	}
	return &Cache{
		wait:   wait,
		logger: logger,
		ready:  make(chan struct{}),
	}
}

// Update 写入最新价，非正数忽略。
func (c *Cache) Update(price float64) {
	if price <= 0 {
		return
	}
	c.mu.Lock()
	c.price = price
	c.updated = time.Now()
	c.mu.Unlock()
	c.once.Do(func() { close(c.ready) })
}

// CurrentPrice 返回缓存价格；尚无价格时阻塞至多 wait。
func (c *Cache) CurrentPrice(ctx context.Context) (float64, error) {
	select {
	case <-c.ready:
	default:
		timer := time.NewTimer(c.wait)
		defer timer.Stop()
		select {
		case <-c.ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
			c.logger.Warn("等待行情超时", zap.Duration("wait", c.wait))
			return 0, ErrNoPrice
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.price, nil
}

// LastUpdate 返回最近一次更新的时间。
func (c *Cache) LastUpdate() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updated
}
