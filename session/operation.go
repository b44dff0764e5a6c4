package session

import (
	"bytes"
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
	operationPrefix = "operations_"
	operationExt    = ".json"
)

// OperationLogger 操作日志，按日期写入 operations_YYYY-MM-DD.json，每行一条 JSON。
// 旧版整文件 JSON 数组格式仍可读取，首次追加时转换为逐行格式
type OperationLogger struct {
	dir  string
	mu   sync.Mutex
	opts options
	pm   *metrics.PrometheusMetrics
}

// NewOperationLogger 创建操作日志器
func NewOperationLogger(dir string, opts ...Option) (*OperationLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("创建操作日志目录失败: %w", err)
	}
	return &OperationLogger{dir: dir, opts: buildOptions(opts), pm: metrics.GetPrometheusMetrics()}, nil
}

func (o *OperationLogger) filePath(date string) string {
	return filepath.Join(o.dir, operationPrefix+date+operationExt)
}

// Append 追加一条操作日志，失败只输出到 stderr
func (o *OperationLogger) Append(rec OperationRecord) {
	if rec.Timestamp == 0 {
		rec.Timestamp = FromTime(o.opts.now())
	}
	t := rec.Timestamp.Time().UTC()
	if rec.Datetime == "" {
		rec.Datetime = t.Format(time.RFC3339)
	}
	line, err := json.Marshal(rec)
	if err != nil {
		o.writeFailed(err)
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	path := o.filePath(t.Format(utils.DateLayout))
	if err := migrateLegacyArray(path); err != nil {
		o.writeFailed(err)
		return
	}
	if err := appendLine(path, line); err != nil {
		o.writeFailed(err)
	}
}

// LogOperation 记录一次操作
func (o *OperationLogger) LogOperation(username, actionType, action string, details map[string]interface{}, success bool) {
	o.Append(OperationRecord{
		Username:   username,
		ActionType: actionType,
		Action:     action,
		Details:    details,
		Success:    success,
	})
}

func (o *OperationLogger) writeFailed(err error) {
	o.pm.RecordActivityWriteFailure()
	fmt.Fprintf(o.opts.stderr, "❌ 记录操作日志失败: %v\n", err)
}

// migrateLegacyArray 把 JSON 数组格式的文件原子替换为逐行格式
func migrateLegacyArray(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil
	}
	recs, err := decodeOperations(trimmed)
	if err != nil {
		return fmt.Errorf("解析旧版操作日志失败: %w", err)
	}
	var buf bytes.Buffer
	for _, r := range recs {
		line, err := json.Marshal(r)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// decodeOperations 同时支持 JSON 数组、单个对象与逐行 JSON
func decodeOperations(data []byte) ([]OperationRecord, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '[' {
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, err
		}
		out := make([]OperationRecord, 0, len(raw))
		for _, r := range raw {
			rec := OperationRecord{Success: true}
			if err := json.Unmarshal(r, &rec); err != nil {
				continue
			}
			out = append(out, rec)
		}
		return out, nil
	}

	var out []OperationRecord
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		rec := OperationRecord{Success: true}
		err := dec.Decode(&rec)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// Query 读取目录下全部操作日志（含 .jsonl），按时间戳倒序
func (o *OperationLogger) Query(opts QueryOptions) []OperationRecord {
	opts = opts.withDefaults(o.opts.now(), 1000)
	out := o.load(opts)
	sortOperations(out)
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out
}

func (o *OperationLogger) load(opts QueryOptions) []OperationRecord {
	entries, err := os.ReadDir(o.dir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Error("❌ 读取操作日志目录失败: %v", err)
		}
		return nil
	}
	var out []OperationRecord
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".jsonl")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(o.dir, name))
		if err != nil {
			logger.Error("❌ 读取日志文件失败: %s - %v", name, err)
			continue
		}
		recs, err := decodeOperations(data)
		if err != nil {
			logger.Warn("⚠️ 日志文件 %s 部分损坏: %v", name, err)
		}
		for _, r := range recs {
			if opts.match(r.Username, r.ActionType, r.Timestamp) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Cleanup 删除早于 daysToKeep 天的操作日志
func (o *OperationLogger) Cleanup(daysToKeep int) int {
	return cleanupPartitions(o.dir, operationPrefix, []string{operationExt, ".jsonl"}, daysToKeep, o.opts.now())
}

func sortOperations(recs []OperationRecord) {
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Timestamp > recs[j].Timestamp })
}
