package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"ladder-bot/internal/config"
	"ladder-bot/internal/exchange"
	"ladder-bot/internal/execution"
	"ladder-bot/internal/ledger"
	"ladder-bot/internal/market"
	"ladder-bot/internal/metrics"
	"ladder-bot/internal/monitor"
	"ladder-bot/internal/policy"
	"ladder-bot/internal/push"
	"ladder-bot/internal/store"
	"ladder-bot/internal/transport"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// priceFeed 把推送行情同时写入缓存与指标。
type priceFeed struct {
	cache   *market.Cache
	metrics *metrics.Metrics
}

func (p priceFeed) Update(price float64) {
	p.cache.Update(price)
	p.metrics.SetPrice(price)
}

// Run 完成启动对账后运行策略循环与回报处理，退出时执行两阶段清理。
// 只有初始价格获取失败与配置错误会导致返回错误。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("阶梯交易系统启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("market", a.cfg.Exchange.Market),
	)

	side, ok := exchange.ParseSide(a.cfg.Trading.OrderType)
	if !ok {
		return fmt.Errorf("%w: order_type=%q", policy.ErrConfig, a.cfg.Trading.OrderType)
	}

	client, err := exchange.NewClient(a.cfg.Exchange, a.logger)
	if err != nil {
		return fmt.Errorf("初始化交易所客户端失败: %w", err)
	}

	snapshot, err := exchange.NewSnapshotService(client, client.Symbol(), a.logger).GetSnapshot(ctx)
	if err != nil {
		return err
	}

	tick, err := policy.ResolveTickSize(a.cfg.Trading.TickSize, snapshot.PricePrecision, a.cfg.Trading.FallbackPricePrecision)
	if err != nil {
		return err
	}
	ladderPolicy, err := policy.NewTickLadderFromConfig(tick, a.cfg.Trading)
	if err != nil {
		return err
	}
	size := policy.LadderSize(a.cfg.Trading.ParallelInstances, a.cfg.Trading.DynamicMultiplier, snapshot.LastPrice)

	m := metrics.New()
	m.SetPrice(snapshot.LastPrice)
	cache := market.NewCache(a.cfg.Trading.PriceWaitTimeout, a.logger)
	cache.Update(snapshot.LastPrice)

	book := ledger.New(size, side, a.logger)
	pool := push.NewPool(a.cfg.Push, push.Credentials{
		APIKey:    a.cfg.Exchange.APIKey,
		APISecret: a.cfg.Exchange.APISecret,
	}, client.Symbol(), size, priceFeed{cache: cache, metrics: m}, a.logger)
	facade := transport.New(a.cfg.Transport, pool, client, book, a.logger, transport.WithMetrics(m))

	options := []execution.Option{execution.WithMetrics(m)}
	var journal *monitor.Service
	if a.store != nil {
		journal, err = monitor.NewService(a.store, a.logger)
		if err != nil {
			return fmt.Errorf("初始化生命周期日志失败: %w", err)
		}
		options = append(options, execution.WithJournal(journal))
	}

	coord := execution.NewCoordinator(book, facade, cache, ladderPolicy,
		policy.NewAmountPolicy(a.cfg.Trading.FixedNotional, a.cfg.Trading.SellFeeRate),
		execution.Options{
			PendingTimeout:       a.cfg.Execution.PendingTimeout,
			MaxConcurrentActions: a.cfg.Execution.MaxConcurrentActions,
		},
		a.logger, options...,
	)

	a.reportSnapshot(ctx, journal, snapshot, tick, size)

	if a.cfg.Monitor.Enabled {
		if err := startMonitorServer(ctx, journal, m, book, a.cfg.Monitor.Port, a.logger); err != nil {
			a.logger.Warn("监控接口启动失败", zap.Error(err))
		}
	}

	// 推送连接在退出清理结束后才关闭
	poolCtx, stopPool := context.WithCancel(context.Background())
	pool.Start(poolCtx)
	defer func() {
		stopPool()
		pool.Stop()
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	loop := &strategyLoop{
		driver:     coord,
		total:      size,
		interval:   a.cfg.Trading.PricePollInterval,
		cooldown:   a.cfg.Scheduler.ErrorCooldown,
		tradeLimit: a.cfg.Trading.TradeLimit,
		metrics:    m,
		logger:     a.logger,
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return coord.Run(groupCtx, pool.Events())
	})
	group.Go(func() error {
		defer cancel()
		return loop.run(groupCtx)
	})

	err = group.Wait()
	shutdown(coord, pool.Events(), a.cfg.Scheduler.ShutdownTimeout, a.logger)

	if errors.Is(err, errTradeLimit) {
		return nil
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	a.logger.Info("系统收到退出信号，已停止")
	return nil
}

// reportSnapshot 记录启动快照，交易所上已存在的挂单只告警，不纳入阶梯管理。
func (a *App) reportSnapshot(ctx context.Context, journal *monitor.Service, snapshot exchange.StartupSnapshot, tick float64, size int) {
	ids := make([]string, 0, len(snapshot.OpenOrders))
	for _, order := range snapshot.OpenOrders {
		ids = append(ids, order.ID)
		a.logger.Warn("发现遗留挂单",
			zap.String("order_id", order.ID),
			zap.String("client_order_id", order.ClientOrderID),
			zap.String("side", string(order.Side)),
			zap.Float64("price", order.Price),
			zap.Float64("amount", order.Amount),
		)
	}

	a.logger.Info("启动快照",
		zap.String("symbol", snapshot.Symbol),
		zap.Float64("last_price", snapshot.LastPrice),
		zap.Float64("tick_size", tick),
		zap.Int("instances", size),
		zap.Int("open_orders", len(ids)),
	)

	if journal != nil {
		journal.RecordSnapshot(ctx, monitor.SnapshotPayload{
			Symbol:     snapshot.Symbol,
			LastPrice:  snapshot.LastPrice,
			TickSize:   tick,
			Instances:  size,
			OpenOrders: ids,
		})
	}
}
