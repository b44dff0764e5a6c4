package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"tradingagents/logger"
	"tradingagents/metrics"
	"tradingagents/utils"
)

const (
	activityPrefix = "user_activities_"
	activityExt    = ".jsonl"
	maxLineSize    = 4 << 20
)

// Option 日志器选项
type Option func(*options)

type options struct {
	now    func() time.Time
	stderr io.Writer
}

// WithNow 指定时钟（测试用）
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithStderr 写入失败信息的输出位置，默认 os.Stderr
func WithStderr(w io.Writer) Option {
	return func(o *options) { o.stderr = w }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now, stderr: os.Stderr}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// ActivityLogger 用户活动日志，按日期写入 user_activities_YYYY-MM-DD.jsonl
type ActivityLogger struct {
	dir  string
	mu   sync.Mutex
	opts options
	pm   *metrics.PrometheusMetrics
}

// NewActivityLogger 创建活动日志器
func NewActivityLogger(dir string, opts ...Option) (*ActivityLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建活动日志目录失败: %w", err)
	}
	logger.Info("✅ 用户活动记录器初始化完成，目录: %s", dir)
	return &ActivityLogger{dir: dir, opts: buildOptions(opts), pm: metrics.GetPrometheusMetrics()}, nil
}

// Dir 日志目录
func (a *ActivityLogger) Dir() string { return a.dir }

func (a *ActivityLogger) filePath(date string) string {
	return filepath.Join(a.dir, activityPrefix+date+activityExt)
}

// Append 追加一条记录。写入失败只输出到 stderr，不向调用方返回
func (a *ActivityLogger) Append(rec ActivityRecord) {
	if rec.Timestamp == 0 {
		rec.Timestamp = FromTime(a.opts.now())
	}
	t := rec.Timestamp.Time().UTC()
	if rec.Datetime == "" {
		rec.Datetime = t.Format(time.RFC3339)
	}
	if rec.Username == "" {
		rec.Username = "anonymous"
	}
	if rec.UserRole == "" {
		rec.UserRole = "guest"
	}

	line, err := json.Marshal(rec)
	if err != nil {
		a.writeFailed(err)
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := appendLine(a.filePath(t.Format(utils.DateLayout)), line); err != nil {
		a.writeFailed(err)
	}
}

func (a *ActivityLogger) writeFailed(err error) {
	a.pm.RecordActivityWriteFailure()
	fmt.Fprintf(a.opts.stderr, "❌ 写入活动记录失败: %v\n", err)
}

// appendLine 以 O_APPEND 打开并一次写入整行
func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(buf, line...)
	buf = append(buf, '\n')
	if _, err := f.Write(buf); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// LogActivity 记录一次活动
func (a *ActivityLogger) LogActivity(username, role, actionType, actionName, sessionID string, details map[string]interface{}, success bool, errMsg string, duration time.Duration) {
	rec := ActivityRecord{
		Username:     username,
		UserRole:     role,
		ActionType:   actionType,
		ActionName:   actionName,
		SessionID:    sessionID,
		Details:      details,
		Success:      success,
		ErrorMessage: errMsg,
	}
	if duration > 0 {
		ms := duration.Milliseconds()
		rec.DurationMs = &ms
	}
	a.Append(rec)
}

// LogAnalysisRequest 记录股票分析请求
func (a *ActivityLogger) LogAnalysisRequest(username, sessionID, stockCode, analysisType string, duration time.Duration, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	a.LogActivity(username, "", ActionAnalysis, "stock_analysis", sessionID, map[string]interface{}{
		"stock_code":    stockCode,
		"analysis_type": analysisType,
	}, err == nil, msg, duration)
}

// Query 按条件查询，结果按时间戳倒序。默认查询最近 7 天、最多 100 条
func (a *ActivityLogger) Query(opts QueryOptions) []ActivityRecord {
	opts = opts.withDefaults(a.opts.now(), 100)

	var out []ActivityRecord
	for _, date := range datesBetween(opts.Start, opts.End) {
		recs, err := readActivityFile(a.filePath(date))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				logger.Error("❌ 读取活动文件失败 %s: %v", date, err)
			}
			continue
		}
		for _, r := range recs {
			if opts.match(r.Username, r.ActionType, r.Timestamp) {
				out = append(out, r)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

// datesBetween 区间内的所有 UTC 日期（含首尾）
func datesBetween(start, end time.Time) []string {
	s := start.UTC().Truncate(24 * time.Hour)
	e := end.UTC()
	var dates []string
	for d := s; !d.After(e); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(utils.DateLayout))
	}
	return dates
}

func readActivityFile(path string) ([]ActivityRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []ActivityRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		rec := ActivityRecord{Success: true}
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			logger.Warn("⚠️ 跳过损坏的活动记录 %s:%d: %v", filepath.Base(path), lineNo, err)
			continue
		}
		out = append(out, rec)
	}
	return out, sc.Err()
}

// ActivityStats 活动统计
type ActivityStats struct {
	TotalActivities int            `json:"total_activities"`
	UniqueUsers     int            `json:"unique_users"`
	ActivityTypes   map[string]int `json:"activity_types"`
	DailyActivities map[string]int `json:"daily_activities"`
	UserActivities  map[string]int `json:"user_activities"`
	SuccessRate     float64        `json:"success_rate"`
	AverageDuration float64        `json:"average_duration"`
}

// Statistics 最近 days 天的活动统计
func (a *ActivityLogger) Statistics(days int) ActivityStats {
	if days <= 0 {
		days = 7
	}
	end := a.opts.now()
	recs := a.Query(QueryOptions{Start: end.AddDate(0, 0, -days), End: end, Limit: 10000})

	stats := ActivityStats{
		TotalActivities: len(recs),
		ActivityTypes:   make(map[string]int),
		DailyActivities: make(map[string]int),
		UserActivities:  make(map[string]int),
	}
	var succeeded int
	var durationSum, durationN int64
	for _, r := range recs {
		stats.ActivityTypes[orUnknown(r.ActionType)]++
		stats.UserActivities[orUnknown(r.Username)]++
		stats.DailyActivities[r.Timestamp.Time().UTC().Format(utils.DateLayout)]++
		if r.Success {
			succeeded++
		}
		if r.DurationMs != nil && *r.DurationMs > 0 {
			durationSum += *r.DurationMs
			durationN++
		}
	}
	stats.UniqueUsers = len(stats.UserActivities)
	if len(recs) > 0 {
		stats.SuccessRate = float64(succeeded) / float64(len(recs)) * 100
	}
	if durationN > 0 {
		stats.AverageDuration = float64(durationSum) / float64(durationN)
	}
	return stats
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// Cleanup 删除早于 daysToKeep 天的分区文件，返回删除的文件数
func (a *ActivityLogger) Cleanup(daysToKeep int) int {
	return cleanupPartitions(a.dir, activityPrefix, []string{activityExt}, daysToKeep, a.opts.now())
}

// cleanupPartitions 按文件名中的日期删除旧分区
func cleanupPartitions(dir, prefix string, exts []string, daysToKeep int, now time.Time) int {
	if daysToKeep <= 0 {
		daysToKeep = 90
	}
	cutoff := now.UTC().AddDate(0, 0, -daysToKeep).Format(utils.DateLayout)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Error("❌ 读取日志目录失败 %s: %v", dir, err)
		}
		return 0
	}

	deleted := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, prefix) {
			continue
		}
		date := strings.TrimPrefix(name, prefix)
		matched := false
		for _, ext := range exts {
			if strings.HasSuffix(date, ext) {
				date = strings.TrimSuffix(date, ext)
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		if _, err := time.Parse(utils.DateLayout, date); err != nil {
			continue
		}
		if date >= cutoff {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil {
			logger.Warn("⚠️ 删除旧日志失败 %s: %v", name, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		logger.Info("🧹 已清理 %s 下 %d 个旧日志文件", dir, deleted)
	}
	return deleted
}
