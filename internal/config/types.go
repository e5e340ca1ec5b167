package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Push      PushConfig      `mapstructure:"push"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Transport TransportConfig `mapstructure:"transport"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所 REST 连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	Market     string      `mapstructure:"market"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 控制 REST 查询类调用的重试。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// PushConfig 描述推送通道（WebSocket）参数。
type PushConfig struct {
	URL                       string        `mapstructure:"url"`
	MaxInstancesPerConnection int           `mapstructure:"max_instances_per_connection"`
	PingInterval              time.Duration `mapstructure:"ping_interval"`
	ReadTimeout               time.Duration `mapstructure:"read_timeout"`
	HandshakeTimeout          time.Duration `mapstructure:"handshake_timeout"`
	EventBuffer               int           `mapstructure:"event_buffer"`
	ReconnectMaxInterval      time.Duration `mapstructure:"reconnect_max_interval"`
}

// OffsetConfig 为单侧的基础偏移量（以 tick 计）。
type OffsetConfig struct {
	TriggerOffset int `mapstructure:"trigger_offset"`
	LimitOffset   int `mapstructure:"limit_offset"`
}

// TradingConfig 控制阶梯挂单参数。
type TradingConfig struct {
	OrderType              string        `mapstructure:"order_type"`
	FixedNotional          float64       `mapstructure:"fixed_notional"`
	SellFeeRate            float64       `mapstructure:"sell_fee_rate"`
	TickSize               float64       `mapstructure:"tick_size"`
	FallbackPricePrecision int           `mapstructure:"fallback_price_precision"`
	Buy                    OffsetConfig  `mapstructure:"buy"`
	Sell                   OffsetConfig  `mapstructure:"sell"`
	ParallelInstances      int           `mapstructure:"parallel_instances"`
	DynamicMultiplier      float64       `mapstructure:"dynamic_multiplier"`
	PricePollInterval      time.Duration `mapstructure:"price_poll_interval"`
	PriceWaitTimeout       time.Duration `mapstructure:"price_wait_timeout"`
	TradeLimit             int           `mapstructure:"trade_limit"`
}

// TransportConfig 控制推送通道重试与降级。
type TransportConfig struct {
	MaxRetries      int           `mapstructure:"max_retries"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	Multiplier      float64       `mapstructure:"multiplier"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// ExecutionConfig 控制订单生命周期协调器。
type ExecutionConfig struct {
	PendingTimeout       time.Duration `mapstructure:"pending_timeout"`
	MaxConcurrentActions int           `mapstructure:"max_concurrent_actions"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string        `mapstructure:"level"`
	Encoding         string        `mapstructure:"encoding"`
	Development      bool          `mapstructure:"development"`
	OutputPaths      []string      `mapstructure:"output_paths"`
	ErrorOutputPaths []string      `mapstructure:"error_output_paths"`
	File             LogFileConfig `mapstructure:"file"`
}

// LogFileConfig 控制滚动日志文件，Path 为空时不写文件。
type LogFileConfig struct {
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	ErrorCooldown   time.Duration `mapstructure:"error_cooldown"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Market == "" {
		err = multierr.Append(err, errors.New("exchange.market 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Push.URL == "" {
		err = multierr.Append(err, errors.New("push.url 不能为空"))
	}
	if c.Push.MaxInstancesPerConnection <= 0 {
		err = multierr.Append(err, errors.New("push.max_instances_per_connection 必须大于0"))
	}
	if c.Push.EventBuffer <= 0 {
		err = multierr.Append(err, errors.New("push.event_buffer 必须大于0"))
	}

	switch strings.ToLower(c.Trading.OrderType) {
	case "buy", "sell":
	default:
		err = multierr.Append(err, fmt.Errorf("trading.order_type 仅支持 buy/sell，当前为 %q", c.Trading.OrderType))
	}
	if c.Trading.FixedNotional <= 0 {
		err = multierr.Append(err, errors.New("trading.fixed_notional 必须大于0"))
	}
	if c.Trading.SellFeeRate < 0 || c.Trading.SellFeeRate >= 1 {
		err = multierr.Append(err, errors.New("trading.sell_fee_rate 必须位于[0,1)"))
	}
	if c.Trading.TickSize < 0 {
		err = multierr.Append(err, errors.New("trading.tick_size 不能为负"))
	}
	if c.Trading.TickSize == 0 && c.Trading.FallbackPricePrecision <= 0 {
		err = multierr.Append(err, errors.New("trading.tick_size 与 fallback_price_precision 至少配置一个"))
	}
	if c.Trading.ParallelInstances < 0 {
		err = multierr.Append(err, errors.New("trading.parallel_instances 不能为负"))
	}
	if c.Trading.ParallelInstances == 0 && c.Trading.DynamicMultiplier <= 0 {
		err = multierr.Append(err, errors.New("trading.parallel_instances 为0时 dynamic_multiplier 必须大于0"))
	}
	if c.Trading.PricePollInterval <= 0 {
		err = multierr.Append(err, errors.New("trading.price_poll_interval 必须大于0"))
	}
	if c.Trading.PriceWaitTimeout <= 0 {
		err = multierr.Append(err, errors.New("trading.price_wait_timeout 必须大于0"))
	}
	if c.Trading.TradeLimit < 0 {
		err = multierr.Append(err, errors.New("trading.trade_limit 不能为负"))
	}

	if c.Transport.MaxRetries <= 0 {
		err = multierr.Append(err, errors.New("transport.max_retries 必须大于0"))
	}
	if c.Transport.InitialInterval <= 0 {
		err = multierr.Append(err, errors.New("transport.initial_interval 必须大于0"))
	}
	if c.Transport.Multiplier < 1 {
		err = multierr.Append(err, errors.New("transport.multiplier 不能小于1"))
	}
	if c.Execution.PendingTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.pending_timeout 必须大于0"))
	}
	if c.Execution.MaxConcurrentActions <= 0 {
		err = multierr.Append(err, errors.New("execution.max_concurrent_actions 必须大于0"))
	}

	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Scheduler.ErrorCooldown <= 0 {
		err = multierr.Append(err, errors.New("scheduler.error_cooldown 必须大于0"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ErrInvalid 表示配置校验失败，启动阶段遇到即退出。
var ErrInvalid = errors.New("配置校验失败")
