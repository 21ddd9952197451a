package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DailyCounters 是当日运行计数。
type DailyCounters struct {
	TradingDate        string `json:"trading_date"`
	Trades             int64  `json:"trades"`
	Fills              int64  `json:"fills"`
	Cancels            int64  `json:"cancels"`
	FillLatencyTotalMs int64  `json:"fill_latency_total_ms"`
}

// AvgFillLatencyMs 返回平均成交时延（毫秒）。
func (d DailyCounters) AvgFillLatencyMs() float64 {
	if d.Fills == 0 {
		return 0
	}
	return float64(d.FillLatencyTotalMs) / float64(d.Fills)
}

// DailyTracker 维护按交易日聚合的运行计数。
type DailyTracker struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDailyTracker 创建日度计数器并初始化表结构。
func NewDailyTracker(db *sql.DB, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("monitor: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker := &DailyTracker{db: db, logger: logger}
	if err := tracker.initSchema(); err != nil {
		return nil, err
	}
	return tracker, nil
}

func (t *DailyTracker) initSchema() error {
	stmt := `CREATE TABLE IF NOT EXISTS daily_counters (
		trading_date TEXT PRIMARY KEY,
		trades INTEGER NOT NULL DEFAULT 0,
		fills INTEGER NOT NULL DEFAULT 0,
		cancels INTEGER NOT NULL DEFAULT 0,
		fill_latency_total_ms INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);`
	if _, err := t.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化日度计数表失败: %w", err)
	}
	return nil
}

// Add 累加当日计数并返回最新值。
func (t *DailyTracker) Add(ctx context.Context, ts time.Time, trades, fills, cancels, latencyMs int64) (DailyCounters, error) {
	tradingDate := ts.UTC().Format("2006-01-02")
	now := time.Now().UTC().Format(time.RFC3339)

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO daily_counters (trading_date, trades, fills, cancels, fill_latency_total_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(trading_date) DO UPDATE SET
			trades = trades + excluded.trades,
			fills = fills + excluded.fills,
			cancels = cancels + excluded.cancels,
			fill_latency_total_ms = fill_latency_total_ms + excluded.fill_latency_total_ms,
			updated_at = excluded.updated_at`,
		tradingDate, trades, fills, cancels, latencyMs, now,
	)
	if err != nil {
		return DailyCounters{}, fmt.Errorf("monitor: 更新日度计数失败: %w", err)
	}

	return t.Current(ctx, ts)
}

// Current 返回当日计数。
func (t *DailyTracker) Current(ctx context.Context, ts time.Time) (DailyCounters, error) {
	tradingDate := ts.UTC().Format("2006-01-02")
	counters := DailyCounters{TradingDate: tradingDate}

	row := t.db.QueryRowContext(ctx,
		`SELECT trades, fills, cancels, fill_latency_total_ms FROM daily_counters WHERE trading_date = ?`,
		tradingDate,
	)
	err := row.Scan(&counters.Trades, &counters.Fills, &counters.Cancels, &counters.FillLatencyTotalMs)
	if errors.Is(err, sql.ErrNoRows) {
		return counters, nil
	}
	if err != nil {
		return DailyCounters{}, fmt.Errorf("monitor: 查询日度计数失败: %w", err)
	}
	return counters, nil
}
