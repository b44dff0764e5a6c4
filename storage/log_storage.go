// Package storage 把运行日志与系统事件镜像到 SQLite，供事后检索。
package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tradingagents/utils"
)

// LogStorage 日志存储
type LogStorage struct {
	db *sql.DB
	mu sync.RWMutex

	closeMu sync.RWMutex
	closed  bool
	logCh   chan *logEntry
	flushCh chan chan struct{}
	done    chan struct{}
}

type logEntry struct {
	level     string
	message   string
	timestamp time.Time
}

// LogQueryParams 日志查询参数
type LogQueryParams struct {
	StartTime time.Time
	EndTime   time.Time
	Level     string
	Keyword   string
	Limit     int
	Offset    int
}

// LogRecord 日志记录
type LogRecord struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// NewLogStorage 打开（或创建）日志数据库
func NewLogStorage(path string) (*LogStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("打开日志数据库失败: %w", err)
	}
	// SQLite 只允许单写
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ls := &LogStorage{
		db:      db,
		logCh:   make(chan *logEntry, 500),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	if err := ls.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建日志表失败: %w", err)
	}

	go ls.processLogs()
	return ls, nil
}

func (ls *LogStorage) createTables() error {
	_, err := ls.db.Exec(`
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp DATETIME NOT NULL,
		level TEXT NOT NULL,
		message TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON logs(timestamp);
	CREATE INDEX IF NOT EXISTS idx_logs_level ON logs(level);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		event_type TEXT NOT NULL,
		data TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_type_time ON events(event_type, created_at);
	`)
	return err
}

// WriteLog 写入日志（异步，队列满时丢弃）
func (ls *LogStorage) WriteLog(level, message string) {
	ls.closeMu.RLock()
	defer ls.closeMu.RUnlock()
	if ls.closed {
		return
	}
	select {
	case ls.logCh <- &logEntry{level: level, message: message, timestamp: utils.NowUTC()}:
	default:
	}
}

// Flush 等待已入队的日志写入数据库
func (ls *LogStorage) Flush() {
	ls.closeMu.RLock()
	if ls.closed {
		ls.closeMu.RUnlock()
		return
	}
	ack := make(chan struct{})
	ls.flushCh <- ack
	ls.closeMu.RUnlock()
	<-ack
}

func (ls *LogStorage) processLogs() {
	defer close(ls.done)
	buffer := make([]*logEntry, 0, 100)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	flush := func() {
		if len(buffer) == 0 {
			return
		}
		ls.mu.Lock()
		// 写入失败静默丢弃，不影响主流程
		_ = ls.batchInsert(buffer)
		ls.mu.Unlock()
		buffer = buffer[:0]
	}
	drain := func() {
		for {
			select {
			case entry := <-ls.logCh:
				buffer = append(buffer, entry)
			default:
				return
			}
		}
	}

	for {
		select {
		case entry, ok := <-ls.logCh:
			if !ok {
				flush()
				return
			}
			buffer = append(buffer, entry)
			if len(buffer) >= 100 {
				flush()
			}
		case ack := <-ls.flushCh:
			drain()
			flush()
			close(ack)
		case <-ticker.C:
			flush()
		}
	}
}

func (ls *LogStorage) batchInsert(entries []*logEntry) error {
	tx, err := ls.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT INTO logs (timestamp, level, message) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.Exec(e.timestamp, e.level, e.message); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetLogs 按时间、级别、关键字查询日志，按时间倒序
func (ls *LogStorage) GetLogs(params LogQueryParams) ([]*LogRecord, int, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	where := []string{"1=1"}
	var args []interface{}
	if !params.StartTime.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, params.StartTime.UTC())
	}
	if !params.EndTime.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, params.EndTime.UTC())
	}
	if params.Level != "" {
		where = append(where, "level = ?")
		args = append(args, strings.ToUpper(params.Level))
	}
	if params.Keyword != "" {
		where = append(where, "message LIKE ?")
		args = append(args, "%"+params.Keyword+"%")
	}
	whereClause := strings.Join(where, " AND ")

	var total int
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM logs WHERE "+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("查询日志总数失败: %w", err)
	}

	if params.Limit <= 0 {
		params.Limit = 100
	}
	if params.Limit > 1000 {
		params.Limit = 1000
	}
	query := fmt.Sprintf(`
		SELECT id, timestamp, level, message
		FROM logs
		WHERE %s
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?`, whereClause)
	args = append(args, params.Limit, params.Offset)

	rows, err := ls.db.Query(query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("查询日志失败: %w", err)
	}
	defer rows.Close()

	var logs []*LogRecord
	for rows.Next() {
		var rec LogRecord
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.Level, &rec.Message); err != nil {
			continue
		}
		logs = append(logs, &rec)
	}
	return logs, total, rows.Err()
}

// CleanOldLogs 删除超过 days 天的日志与事件，返回删除的行数
func (ls *LogStorage) CleanOldLogs(days int) (int64, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	cutoff := utils.NowUTC().AddDate(0, 0, -days)
	res, err := ls.db.Exec(`DELETE FROM logs WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	res, err = ls.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return n, err
	}
	m, _ := res.RowsAffected()
	return n + m, nil
}

// GetLogStats 日志总数与按级别统计
func (ls *LogStorage) GetLogStats() (map[string]interface{}, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var total int64
	if err := ls.db.QueryRow("SELECT COUNT(*) FROM logs").Scan(&total); err != nil {
		return nil, err
	}
	rows, err := ls.db.Query(`SELECT level, COUNT(*) FROM logs GROUP BY level`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byLevel := make(map[string]int64)
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			continue
		}
		byLevel[level] = count
	}
	return map[string]interface{}{"total": total, "by_level": byLevel}, rows.Err()
}

// Close 写完剩余日志后关闭数据库
func (ls *LogStorage) Close() error {
	ls.closeMu.Lock()
	if ls.closed {
		ls.closeMu.Unlock()
		return nil
	}
	ls.closed = true
	close(ls.logCh)
	ls.closeMu.Unlock()

	<-ls.done
	return ls.db.Close()
}
