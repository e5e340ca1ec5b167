package monitor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"ladder-bot/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Service 负责持久化订单生命周期事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewService 初始化日志服务，创建所需表结构。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := store.Migrate(context.Background(), schema...); err != nil {
		return nil, fmt.Errorf("monitor: 初始化表失败: %w", err)
	}

	return &Service{
		db:     store.DB(),
		logger: logger,
	}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS lifecycle_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL,
	instance INTEGER,
	payload TEXT NOT NULL,
	created_at TEXT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_type ON lifecycle_events(event_type)`,
	`CREATE INDEX IF NOT EXISTS idx_lifecycle_events_instance ON lifecycle_events(instance)`,
}

// Record 写入单个事件，instance 为负数表示与具体实例无关。
func (s *Service) Record(ctx context.Context, event Event, instance int) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var inst interface{}
	if instance >= 0 {
		inst = instance
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO lifecycle_events (event_type, instance, payload, created_at) VALUES (?, ?, ?, ?)`,
		string(event.Type), inst, string(payload), event.Timestamp.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

func (s *Service) record(ctx context.Context, typ EventType, instance int, payload interface{}) {
	if err := s.Record(ctx, Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}, instance); err != nil {
		s.logger.Warn("记录生命周期事件失败",
			zap.String("type", string(typ)),
			zap.Int("instance", instance),
			zap.Error(err),
		)
	}
}

// RecordPlaced 记录下单。
func (s *Service) RecordPlaced(ctx context.Context, p OrderPayload) {
	s.record(ctx, EventPlaced, p.Instance, p)
}

// RecordAmended 记录改单。
func (s *Service) RecordAmended(ctx context.Context, p OrderPayload) {
	s.record(ctx, EventAmended, p.Instance, p)
}

// RecordFill 记录成交或撤单回报。
func (s *Service) RecordFill(ctx context.Context, p FillPayload) {
	typ := EventFilled
	if p.Filled <= 0 {
		typ = EventCancelled
	}
	s.record(ctx, typ, p.Instance, p)
}

// RecordRecovery 记录状态恢复。
func (s *Service) RecordRecovery(ctx context.Context, p RecoveryPayload) {
	s.record(ctx, EventRecovered, p.Instance, p)
}

// RecordShutdown 记录退出流程。
func (s *Service) RecordShutdown(ctx context.Context, p ShutdownPayload) {
	s.record(ctx, EventShutdown, p.Instance, p)
}

// RecordSnapshot 记录启动快照。
func (s *Service) RecordSnapshot(ctx context.Context, p SnapshotPayload) {
	s.record(ctx, EventSnapshot, -1, p)
}

// RecordError 记录异常。
func (s *Service) RecordError(ctx context.Context, msg string, err error, ctxMap map[string]interface{}) {
	payload := ErrorPayload{
		Message: msg,
		Context: ctxMap,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	s.record(ctx, EventError, -1, payload)
}

// ListEvents 按类型检索最近事件，instance 为负数表示不过滤实例。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, instance, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM lifecycle_events WHERE 1 = 1`
	args := make([]interface{}, 0, 3)
	if eventType != "" {
		query += ` AND event_type = ?`
		args = append(args, string(eventType))
	}
	if instance >= 0 {
		query += ` AND instance = ?`
		args = append(args, instance)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339Nano, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   jsoniter.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
