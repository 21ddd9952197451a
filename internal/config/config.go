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
	envPrefix         = "ibis"
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
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.timeout", "10s")
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trading.base_currency", "USDT")
	v.SetDefault("trading.min_trade_size", 10.0)
	v.SetDefault("trading.entry_fraction", 0.25)
	v.SetDefault("trading.max_positions", 8)
	v.SetDefault("trading.dust_threshold", 1.0)
	v.SetDefault("trading.take_profit_percent", 0.05)
	v.SetDefault("trading.stop_loss_percent", 0.03)
	v.SetDefault("trading.tp_sl_tolerance", 0.005)
	v.SetDefault("trading.friction_rate", 0.002)
	v.SetDefault("trading.max_hold", "72h")
	v.SetDefault("trading.decay_min_pnl_percent", 0.5)

	v.SetDefault("orders.soft_stale_after", "60s")
	v.SetDefault("orders.hard_stale_after", "10m")
	v.SetDefault("orders.pending_trigger", 3)
	v.SetDefault("orders.max_pending", 6)
	v.SetDefault("orders.max_cancel_per_cycle", 3)
	v.SetDefault("orders.reentry_cooldown", "5m")
	v.SetDefault("orders.reentry_cooldown_max", "15m")
	v.SetDefault("orders.price_improve_bps", 10.0)
	v.SetDefault("orders.poll_concurrency", 4)

	v.SetDefault("exit.confirm_wait", "20s")
	v.SetDefault("exit.poll_interval", "2s")

	v.SetDefault("recycle.min_net_profit", 0.5)
	v.SetDefault("recycle.min_return_percent", 0.3)
	v.SetDefault("recycle.allow_loss_eviction", false)
	v.SetDefault("recycle.min_hold", "30m")
	v.SetDefault("recycle.cooldown", "1h")
	v.SetDefault("recycle.max_per_cycle", 2)
	v.SetDefault("recycle.min_edge", 45.0)
	v.SetDefault("recycle.override_score", 90.0)
	v.SetDefault("recycle.high_score_threshold", 70.0)
	v.SetDefault("recycle.fee_penalty_weight", 100.0)
	v.SetDefault("recycle.latency_penalty_weight", 0.2)
	v.SetDefault("recycle.queue_penalty_weight", 20.0)
	v.SetDefault("recycle.spread_penalty_weight", 50.0)
	v.SetDefault("recycle.zombie_flat_band", 0.5)

	v.SetDefault("reconcile.cadence_cycles", 10)

	v.SetDefault("scheduler.cycle_interval", "1m")
	v.SetDefault("scheduler.cycle_timeout", "45s")

	v.SetDefault("snapshot.path", "data/agent_state.json")

	v.SetDefault("database.path", "data/agent.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("metrics.port", 0)
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
