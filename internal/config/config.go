package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "ladder"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.Trading.OrderType = strings.ToLower(strings.TrimSpace(cfg.Trading.OrderType))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "gate")
	v.SetDefault("exchange.market", "BTC/USDT")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("push.url", "wss://api.gateio.ws/ws/v4/")
	v.SetDefault("push.max_instances_per_connection", 10)
	v.SetDefault("push.ping_interval", "15s")
	v.SetDefault("push.read_timeout", "60s")
	v.SetDefault("push.handshake_timeout", "10s")
	v.SetDefault("push.event_buffer", 256)
	v.SetDefault("push.reconnect_max_interval", "30s")

	v.SetDefault("trading.order_type", "buy")
	v.SetDefault("trading.sell_fee_rate", 0.001)
	v.SetDefault("trading.tick_size", 0)
	v.SetDefault("trading.fallback_price_precision", 2)
	v.SetDefault("trading.buy.trigger_offset", 5)
	v.SetDefault("trading.buy.limit_offset", 3)
	v.SetDefault("trading.sell.trigger_offset", 5)
	v.SetDefault("trading.sell.limit_offset", 3)
	v.SetDefault("trading.parallel_instances", 0)
	v.SetDefault("trading.dynamic_multiplier", 24)
	v.SetDefault("trading.price_poll_interval", "1s")
	v.SetDefault("trading.price_wait_timeout", "5s")
	v.SetDefault("trading.trade_limit", 0)

	v.SetDefault("transport.max_retries", 3)
	v.SetDefault("transport.initial_interval", "200ms")
	v.SetDefault("transport.multiplier", 2.0)
	v.SetDefault("transport.max_interval", "5s")

	v.SetDefault("execution.pending_timeout", "30s")
	v.SetDefault("execution.max_concurrent_actions", 8)

	v.SetDefault("database.path", "data/ladder.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_backups", 7)
	v.SetDefault("logging.file.max_age_days", 30)

	v.SetDefault("scheduler.error_cooldown", "1s")
	v.SetDefault("scheduler.shutdown_timeout", "30s")

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 9108)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
