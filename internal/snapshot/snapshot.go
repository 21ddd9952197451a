package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/ledger"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/monitor"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/position"
	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/recycle"
)

// State 是每个周期末落盘的进程状态。
// 挂单不入快照：重启后以交易所挂单为准重新收编。
type State struct {
	SavedAt   time.Time             `json:"saved_at"`
	Positions []position.Position   `json:"positions"`
	Ledger    ledger.Snapshot       `json:"ledger"`
	Guard     recycle.GuardSnapshot `json:"guard"`
	Counters  monitor.DailyCounters `json:"counters"`
}

// Store 负责状态快照的原子读写。
type Store struct {
	path   string
	logger *zap.Logger
}

// NewStore 创建快照存储。
func NewStore(path string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{path: path, logger: logger}
}

// Save 原子地写入快照：同目录临时文件、fsync、再 rename 覆盖。
// 任何时刻磁盘上要么是完整的旧快照要么是完整的新快照。
func (s *Store) Save(state State) error {
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now().UTC()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("snapshot: 序列化失败: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot: 创建目录失败: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("snapshot: 创建临时文件失败: %w", err)
	}
	tmpPath := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: 写入临时文件失败: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("snapshot: 刷盘失败: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: 关闭临时文件失败: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("snapshot: 替换快照失败: %w", err)
	}

	s.logger.Debug("状态快照已落盘",
		zap.String("path", s.path),
		zap.Int("positions", len(state.Positions)),
	)
	return nil
}

// Load 读取快照。文件不存在时返回 ok=false 而非错误，冷启动属正常情况。
func (s *Store) Load() (State, bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return State{}, false, nil
		}
		return State{}, false, fmt.Errorf("snapshot: 读取失败: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, false, fmt.Errorf("snapshot: 解析失败: %w", err)
	}

	return state, true, nil
}
