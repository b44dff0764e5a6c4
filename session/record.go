// Package session 保存用户活动日志、操作日志与分析会话状态。
//
// 活动与操作日志都按 UTC 日期分文件追加写入，读取时统一按时间戳倒序。
package session

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// 活动类型
const (
	ActionAuth           = "auth"
	ActionAnalysis       = "analysis"
	ActionConfig         = "config"
	ActionNavigation     = "navigation"
	ActionDataExport     = "data_export"
	ActionUserManagement = "user_management"
	ActionSystem         = "system"
)

// Timestamp 兼容数字秒、数字字符串与 ISO-8601 字符串的时间戳，无法解析时为 0
type Timestamp float64

// UnmarshalJSON 宽松解析，从不返回错误
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = 0
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			*t = 0
			return nil
		}
		*t = Timestamp(ParseTimestamp(s))
		return nil
	}
	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		*t = 0
		return nil
	}
	*t = Timestamp(f)
	return nil
}

// Time 转为 time.Time
func (t Timestamp) Time() time.Time {
	sec := float64(t)
	whole := int64(sec)
	return time.Unix(whole, int64((sec-float64(whole))*1e9))
}

// ParseTimestamp 解析字符串形式的时间戳，依次尝试数字与 ISO-8601
func ParseTimestamp(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if strings.HasSuffix(s, "Z") {
		s = strings.TrimSuffix(s, "Z") + "+00:00"
	}
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return float64(ts.UnixNano()) / 1e9
		}
	}
	return 0
}

// FromTime 由 time.Time 构造时间戳
func FromTime(t time.Time) Timestamp {
	return Timestamp(float64(t.UnixNano()) / 1e9)
}

// ActivityRecord 用户活动记录，追加后不再修改
type ActivityRecord struct {
	Timestamp    Timestamp              `json:"timestamp"`
	Datetime     string                 `json:"datetime,omitempty"`
	Username     string                 `json:"username"`
	UserRole     string                 `json:"user_role"`
	ActionType   string                 `json:"action_type"`
	ActionName   string                 `json:"action_name"`
	SessionID    string                 `json:"session_id"`
	Details      map[string]interface{} `json:"details,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	PageURL      string                 `json:"page_url,omitempty"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
}

// OperationRecord 操作日志记录，也是合并查询的统一格式
type OperationRecord struct {
	Timestamp    Timestamp              `json:"timestamp"`
	Datetime     string                 `json:"datetime,omitempty"`
	Username     string                 `json:"username"`
	UserRole     string                 `json:"user_role,omitempty"`
	ActionType   string                 `json:"action_type"`
	Action       string                 `json:"action"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Success      bool                   `json:"success"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	SessionID    string                 `json:"session_id,omitempty"`
	IPAddress    string                 `json:"ip_address,omitempty"`
	UserAgent    string                 `json:"user_agent,omitempty"`
	PageURL      string                 `json:"page_url,omitempty"`
	DurationMs   *int64                 `json:"duration_ms,omitempty"`
}

// ToOperation 活动记录转换为操作日志格式
func (r ActivityRecord) ToOperation() OperationRecord {
	return OperationRecord{
		Timestamp:    r.Timestamp,
		Datetime:     r.Datetime,
		Username:     r.Username,
		UserRole:     r.UserRole,
		ActionType:   r.ActionType,
		Action:       r.ActionName,
		Details:      r.Details,
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
		SessionID:    r.SessionID,
		IPAddress:    r.IPAddress,
		UserAgent:    r.UserAgent,
		PageURL:      r.PageURL,
		DurationMs:   r.DurationMs,
	}
}

// QueryOptions 查询条件，零值表示不过滤
type QueryOptions struct {
	Start      time.Time
	End        time.Time
	Username   string
	ActionType string
	Limit      int
}

func (o QueryOptions) withDefaults(now time.Time, limit int) QueryOptions {
	if o.End.IsZero() {
		o.End = now
	}
	if o.Start.IsZero() {
		o.Start = o.End.AddDate(0, 0, -7)
	}
	if o.Limit <= 0 {
		o.Limit = limit
	}
	return o
}

func (o QueryOptions) match(username, actionType string, ts Timestamp) bool {
	if o.Username != "" && username != o.Username {
		return false
	}
	if o.ActionType != "" && actionType != o.ActionType {
		return false
	}
	t := ts.Time()
	return !t.Before(o.Start) && !t.After(o.End)
}
