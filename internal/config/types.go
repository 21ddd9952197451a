package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trading   TradingConfig   `mapstructure:"trading"`
	Orders    OrdersConfig    `mapstructure:"orders"`
	Exit      ExitConfig      `mapstructure:"exit"`
	Recycle   RecycleConfig   `mapstructure:"recycle"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string        `mapstructure:"name"`
	APIKey     string        `mapstructure:"api_key"`
	APISecret  string        `mapstructure:"api_secret"`
	APIPass    string        `mapstructure:"api_password"`
	UseSandbox bool          `mapstructure:"use_sandbox"`
	Timeout    time.Duration `mapstructure:"timeout"`
	Retry      RetryConfig   `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradingConfig 管理资金与持仓的基本约束。
type TradingConfig struct {
	BaseCurrency       string        `mapstructure:"base_currency"`
	MinTradeSize       float64       `mapstructure:"min_trade_size"`
	EntryFraction      float64       `mapstructure:"entry_fraction"`
	MaxPositions       int           `mapstructure:"max_positions"`
	DustThreshold      float64       `mapstructure:"dust_threshold"`
	TakeProfitPercent  float64       `mapstructure:"take_profit_percent"`
	StopLossPercent    float64       `mapstructure:"stop_loss_percent"`
	TPSLTolerance      float64       `mapstructure:"tp_sl_tolerance"`
	FrictionRate       float64       `mapstructure:"friction_rate"`
	MaxHold            time.Duration `mapstructure:"max_hold"`
	DecayMinPnlPercent float64       `mapstructure:"decay_min_pnl_percent"`
}

// OrdersConfig 控制挂单生命周期管理。
type OrdersConfig struct {
	SoftStaleAfter     time.Duration `mapstructure:"soft_stale_after"`
	HardStaleAfter     time.Duration `mapstructure:"hard_stale_after"`
	PendingTrigger     int           `mapstructure:"pending_trigger"`
	MaxPending         int           `mapstructure:"max_pending"`
	MaxCancelPerCycle  int           `mapstructure:"max_cancel_per_cycle"`
	ReentryCooldown    time.Duration `mapstructure:"reentry_cooldown"`
	ReentryCooldownMax time.Duration `mapstructure:"reentry_cooldown_max"`
	PriceImproveBps    float64       `mapstructure:"price_improve_bps"`
	PollConcurrency    int           `mapstructure:"poll_concurrency"`
}

// ExitConfig 控制平仓引擎行为。
type ExitConfig struct {
	ConfirmWait  time.Duration `mapstructure:"confirm_wait"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// RecycleConfig 控制资金回收与准入排序。
type RecycleConfig struct {
	MinNetProfit         float64       `mapstructure:"min_net_profit"`
	MinReturnPercent     float64       `mapstructure:"min_return_percent"`
	AllowLossEviction    bool          `mapstructure:"allow_loss_eviction"`
	MinHold              time.Duration `mapstructure:"min_hold"`
	Cooldown             time.Duration `mapstructure:"cooldown"`
	MaxPerCycle          int           `mapstructure:"max_per_cycle"`
	MinEdge              float64       `mapstructure:"min_edge"`
	OverrideScore        float64       `mapstructure:"override_score"`
	HighScoreThreshold   float64       `mapstructure:"high_score_threshold"`
	FeePenaltyWeight     float64       `mapstructure:"fee_penalty_weight"`
	LatencyPenaltyWeight float64       `mapstructure:"latency_penalty_weight"`
	QueuePenaltyWeight   float64       `mapstructure:"queue_penalty_weight"`
	SpreadPenaltyWeight  float64       `mapstructure:"spread_penalty_weight"`
	ZombieFlatBand       float64       `mapstructure:"zombie_flat_band"`
}

// ReconcileConfig 控制持仓对账节奏。
type ReconcileConfig struct {
	CadenceCycles int `mapstructure:"cadence_cycles"`
}

// SchedulerConfig 控制主循环节奏。
type SchedulerConfig struct {
	CycleInterval time.Duration `mapstructure:"cycle_interval"`
	CycleTimeout  time.Duration `mapstructure:"cycle_timeout"`
}

// SnapshotConfig 控制状态快照文件。
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
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
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MetricsConfig 控制指标暴露端口，0 表示关闭。
type MetricsConfig struct {
	Port int `mapstructure:"port"`
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
	if c.Exchange.Timeout <= 0 {
		err = multierr.Append(err, errors.New("exchange.timeout 必须大于0"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.Trading.BaseCurrency == "" {
		err = multierr.Append(err, errors.New("trading.base_currency 不能为空"))
	}
	if c.Trading.MinTradeSize <= 0 {
		err = multierr.Append(err, errors.New("trading.min_trade_size 必须大于0"))
	}
	if c.Trading.EntryFraction <= 0 || c.Trading.EntryFraction > 1 {
		err = multierr.Append(err, errors.New("trading.entry_fraction 必须位于(0,1]"))
	}
	if c.Trading.MaxPositions <= 0 {
		err = multierr.Append(err, errors.New("trading.max_positions 必须大于0"))
	}
	if c.Trading.DustThreshold < 0 {
		err = multierr.Append(err, errors.New("trading.dust_threshold 不能为负"))
	}
	if c.Trading.TakeProfitPercent <= 0 {
		err = multierr.Append(err, errors.New("trading.take_profit_percent 必须大于0"))
	}
	if c.Trading.StopLossPercent <= 0 || c.Trading.StopLossPercent >= 1 {
		err = multierr.Append(err, errors.New("trading.stop_loss_percent 必须位于(0,1)"))
	}
	if c.Trading.TPSLTolerance <= 0 {
		err = multierr.Append(err, errors.New("trading.tp_sl_tolerance 必须大于0"))
	}
	if c.Trading.FrictionRate < 0 || c.Trading.FrictionRate > 0.05 {
		err = multierr.Append(err, errors.New("trading.friction_rate 应位于[0,0.05]"))
	}
	if c.Trading.MaxHold <= 0 {
		err = multierr.Append(err, errors.New("trading.max_hold 必须大于0"))
	}
	if c.Orders.SoftStaleAfter <= 0 || c.Orders.HardStaleAfter <= 0 {
		err = multierr.Append(err, errors.New("orders.*_stale_after 必须大于0"))
	}
	if c.Orders.SoftStaleAfter > c.Orders.HardStaleAfter {
		err = multierr.Append(err, errors.New("orders.soft_stale_after 不能大于 hard_stale_after"))
	}
	if c.Orders.PendingTrigger <= 0 {
		err = multierr.Append(err, errors.New("orders.pending_trigger 必须大于0"))
	}
	if c.Orders.MaxPending <= 0 {
		err = multierr.Append(err, errors.New("orders.max_pending 必须大于0"))
	}
	if c.Orders.MaxCancelPerCycle <= 0 {
		err = multierr.Append(err, errors.New("orders.max_cancel_per_cycle 必须大于0"))
	}
	if c.Orders.ReentryCooldown <= 0 {
		err = multierr.Append(err, errors.New("orders.reentry_cooldown 必须大于0"))
	}
	if c.Orders.ReentryCooldownMax < c.Orders.ReentryCooldown {
		err = multierr.Append(err, errors.New("orders.reentry_cooldown_max 不能小于 reentry_cooldown"))
	}
	if c.Orders.PriceImproveBps < 0 {
		err = multierr.Append(err, errors.New("orders.price_improve_bps 不能为负"))
	}
	if c.Orders.PollConcurrency <= 0 {
		err = multierr.Append(err, errors.New("orders.poll_concurrency 必须大于0"))
	}
	if c.Exit.ConfirmWait <= 0 {
		err = multierr.Append(err, errors.New("exit.confirm_wait 必须大于0"))
	}
	if c.Exit.PollInterval <= 0 || c.Exit.PollInterval > c.Exit.ConfirmWait {
		err = multierr.Append(err, errors.New("exit.poll_interval 必须位于(0, confirm_wait]"))
	}
	if c.Recycle.MinHold <= 0 {
		err = multierr.Append(err, errors.New("recycle.min_hold 必须大于0"))
	}
	if c.Recycle.Cooldown <= 0 {
		err = multierr.Append(err, errors.New("recycle.cooldown 必须大于0"))
	}
	if c.Recycle.MaxPerCycle <= 0 {
		err = multierr.Append(err, errors.New("recycle.max_per_cycle 必须大于0"))
	}
	if c.Recycle.OverrideScore < c.Recycle.MinEdge {
		err = multierr.Append(err, errors.New("recycle.override_score 不应小于 min_edge"))
	}
	if c.Reconcile.CadenceCycles <= 0 {
		err = multierr.Append(err, errors.New("reconcile.cadence_cycles 必须大于0"))
	}
	if c.Scheduler.CycleInterval <= 0 {
		err = multierr.Append(err, errors.New("scheduler.cycle_interval 必须大于0"))
	}
	if c.Scheduler.CycleTimeout <= 0 || c.Scheduler.CycleTimeout > c.Scheduler.CycleInterval {
		err = multierr.Append(err, errors.New("scheduler.cycle_timeout 必须位于(0, cycle_interval]"))
	}
	if c.Snapshot.Path == "" {
		err = multierr.Append(err, errors.New("snapshot.path 不能为空"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
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
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		err = multierr.Append(err, errors.New("metrics.port 必须位于[0,65535]"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
