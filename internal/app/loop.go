package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"ladder-bot/internal/exchange"
	"ladder-bot/internal/execution"
	"ladder-bot/internal/market"
	"ladder-bot/internal/metrics"
)

// ladderDriver 是策略循环驱动的协调器入口。
type ladderDriver interface {
	SweepPending() []int
	PlaceAll(ctx context.Context, total int) execution.Summary
	MonitorAll(ctx context.Context) execution.Summary
	RecoverState(ctx context.Context, index *int) execution.Summary
	GracefulShutdown(ctx context.Context) execution.ShutdownReport
	Drain(ctx context.Context, events <-chan exchange.OrderEvent) int
}

var _ ladderDriver = (*execution.Coordinator)(nil)

// errTradeLimit 表示达到配置的循环次数上限。
var errTradeLimit = errors.New("已达到交易次数上限")

type strategyLoop struct {
	driver     ladderDriver
	total      int
	interval   time.Duration
	cooldown   time.Duration
	tradeLimit int
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

// run 周期性地清理超时实例、补齐空闲实例并检查改单，直到 ctx 结束或达到次数上限。
func (l *strategyLoop) run(ctx context.Context) error {
	interval := l.interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	cycles := 0
	for {
		if l.tradeLimit > 0 && cycles >= l.tradeLimit {
			l.logger.Info("达到交易次数上限，停止策略循环", zap.Int("cycles", cycles))
			return errTradeLimit
		}

		if err := l.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("策略循环异常，执行全量恢复", zap.Error(err))
			recovered := l.driver.RecoverState(ctx, nil)
			if recovered.Err != nil {
				l.logger.Error("全量恢复存在撤单失败", zap.Error(recovered.Err))
			}
			if !sleepCtx(ctx, l.cooldown) {
				return nil
			}
		}
		cycles++

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// cycle 执行一轮调度，panic 与行情不可用视为循环级错误。
func (l *strategyLoop) cycle(ctx context.Context) (err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("策略循环 panic: %v", r)
		}
		l.metrics.ObserveCycle(time.Since(start).Seconds())
	}()

	if released := l.driver.SweepPending(); len(released) > 0 {
		l.logger.Warn("已释放超时实例", zap.Ints("instances", released))
	}

	placed := l.driver.PlaceAll(ctx, l.total)
	if placed.Succeeded > 0 || placed.Failed > 0 {
		l.logger.Info("补齐阶梯订单",
			zap.Int("placed", placed.Succeeded),
			zap.Int("failed", placed.Failed),
			zap.Int("skipped", placed.Skipped),
		)
	}
	if errors.Is(placed.Err, market.ErrNoPrice) {
		return placed.Err
	}

	monitored := l.driver.MonitorAll(ctx)
	if monitored.Failed > 0 {
		l.logger.Warn("部分改单失败，下轮重试",
			zap.Int("failed", monitored.Failed),
			zap.Error(monitored.Err),
		)
	}
	if errors.Is(monitored.Err, market.ErrNoPrice) {
		return monitored.Err
	}
	return nil
}

// shutdown 使用独立的超时上下文执行退出清理，先落账队列中尚未处理的回报。
func shutdown(driver ladderDriver, events <-chan exchange.OrderEvent, timeout time.Duration, logger *zap.Logger) execution.ShutdownReport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if n := driver.Drain(ctx, events); n > 0 {
		logger.Info("退出前已处理积压回报", zap.Int("events", n))
	}
	logger.Info("开始退出清理")
	report := driver.GracefulShutdown(ctx)
	if report.Err != nil {
		logger.Error("退出清理存在失败", zap.Error(report.Err))
	}
	return report
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
