package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"ladder-bot/internal/app"
	"ladder-bot/internal/config"
	"ladder-bot/internal/log"
	"ladder-bot/internal/store"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "配置文件路径，默认使用 configs/config.yaml")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger, err := log.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer func(logger *zap.Logger) {
		_ = logger.Sync()
	}(logger)

	sqliteStore, err := store.NewSQLite(cfg.Database)
	if err != nil {
		logger.Error("初始化数据库失败", zap.Error(err))
		os.Exit(1)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("关闭数据库失败", zap.Error(closeErr))
		}
	}()

	logger.Info("阶梯配置已加载", ladderFields(configPath, cfg)...)

	tradingApp := app.New(cfg, logger, sqliteStore)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := tradingApp.Run(ctx); err != nil {
		logger.Error("系统运行异常", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("系统已安全退出")
}

// ladderFields 描述本次启动的阶梯参数。未配置固定实例数时，阶梯规模在取得首个价格后
// 按 dynamic_multiplier 计算。
func ladderFields(configPath string, cfg *config.Config) []zap.Field {
	fields := []zap.Field{
		zap.String("config", configPath),
		zap.String("symbol", cfg.Exchange.Market),
		zap.String("order_type", cfg.Trading.OrderType),
		zap.Float64("fixed_notional", cfg.Trading.FixedNotional),
		zap.Int("buy_trigger_ticks", cfg.Trading.Buy.TriggerOffset),
		zap.Int("sell_trigger_ticks", cfg.Trading.Sell.TriggerOffset),
	}
	if cfg.Trading.ParallelInstances > 0 {
		return append(fields, zap.Int("ladder_size", cfg.Trading.ParallelInstances))
	}
	return append(fields,
		zap.String("ladder_size", "dynamic"),
		zap.Float64("dynamic_multiplier", cfg.Trading.DynamicMultiplier),
	)
}
