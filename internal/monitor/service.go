package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/The-Osiris-Labs/IBIS-AGI-TRADER-sub000/internal/store"
)

// Service 将执行决策写入只追加事件日志，供外部监控端只读消费。
// 每个跳过/撤单/对账/平仓决策都带足够上下文，事后可还原决策依据。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化监控服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Service{
		db:     store.DB(),
		logger: logger,
	}

	if err := s.initSchema(); err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Service) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS monitor_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);
`
	if _, err := s.db.Exec(stmt); err != nil {
		return fmt.Errorf("monitor: 初始化表失败: %w", err)
	}
	return nil
}

// Record 写入单个事件。写入失败只记录日志，不中断交易周期。
func (s *Service) Record(ctx context.Context, event Event) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("监控事件序列化失败", zap.Error(err))
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		s.logger.Warn("监控事件写入失败", zap.String("type", string(event.Type)), zap.Error(err))
	}
}

// RecordOrder 记录订单生命周期事件。
func (s *Service) RecordOrder(ctx context.Context, typ EventType, payload OrderPayload) {
	s.Record(ctx, Event{Type: typ, Payload: payload})
}

// RecordClose 记录平仓事件。
func (s *Service) RecordClose(ctx context.Context, payload ClosePayload) {
	s.Record(ctx, Event{Type: EventClose, Payload: payload})
}

// RecordReconcile 记录对账动作。
func (s *Service) RecordReconcile(ctx context.Context, payload ReconcilePayload) {
	s.Record(ctx, Event{Type: EventReconcile, Payload: payload})
}

// RecordSkip 记录被跳过的动作。
func (s *Service) RecordSkip(ctx context.Context, payload SkipPayload) {
	s.Record(ctx, Event{Type: EventSkip, Payload: payload})
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, message string, err error, context map[string]interface{}) {
	payload := ErrorPayload{Message: message, Context: context}
	if err != nil {
		payload.Error = err.Error()
	}
	s.Record(ctx, Event{Type: EventError, Payload: payload})
}
