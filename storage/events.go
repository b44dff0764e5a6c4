package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"tradingagents/event"
	"tradingagents/logger"
	"tradingagents/utils"
)

// EventRecord 持久化的事件
type EventRecord struct {
	ID        int64                  `json:"id"`
	Type      string                 `json:"event_type"`
	Data      map[string]interface{} `json:"data"`
	CreatedAt time.Time              `json:"created_at"`
}

// SaveEvent 保存事件
func (ls *LogStorage) SaveEvent(eventType string, data map[string]interface{}, at time.Time) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("序列化事件数据失败: %w", err)
	}
	if at.IsZero() {
		at = utils.NowUTC()
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	_, err = ls.db.Exec(`INSERT INTO events (event_type, data, created_at) VALUES (?, ?, ?)`,
		eventType, string(jsonData), at.UTC())
	return err
}

// ProcessEvent 作为事件中心的处理器，把事件写入数据库
func (ls *LogStorage) ProcessEvent(ev *event.Event) {
	if err := ls.SaveEvent(string(ev.Type), ev.Data, ev.Timestamp); err != nil {
		logger.Warn("⚠️ 保存事件失败 [%s]: %v", ev.Type, err)
	}
}

// QueryEvents 按类型查询最近的事件，eventType 为空时不过滤
func (ls *LogStorage) QueryEvents(eventType string, limit int) ([]*EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	query := `SELECT id, event_type, data, created_at FROM events`
	var args []interface{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := ls.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询事件失败: %w", err)
	}
	defer rows.Close()

	var out []*EventRecord
	for rows.Next() {
		var rec EventRecord
		var data string
		if err := rows.Scan(&rec.ID, &rec.Type, &data, &rec.CreatedAt); err != nil {
			continue
		}
		if data != "" {
			_ = json.Unmarshal([]byte(data), &rec.Data)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// CleanupJob 定时清理日志数据库
type CleanupJob struct {
	storage *LogStorage
	days    int
}

// NewCleanupJob 创建日志数据库清理任务
func NewCleanupJob(ls *LogStorage, days int) *CleanupJob {
	if days <= 0 {
		days = 30
	}
	return &CleanupJob{storage: ls, days: days}
}

// Name 任务名称
func (j *CleanupJob) Name() string { return "log_storage_cleanup" }

// Run 执行清理
func (j *CleanupJob) Run(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n, err := j.storage.CleanOldLogs(j.days)
	if err != nil {
		return fmt.Errorf("清理日志数据库失败: %w", err)
	}
	if n > 0 {
		logger.Info("🧹 日志数据库已清理 %d 条记录", n)
	}
	return nil
}
