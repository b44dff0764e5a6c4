package utils

import (
	"sync"
	"time"
)

var (
	// GlobalLocation 全局配置的时区（用于新闻时间等本地化显示）
	GlobalLocation *time.Location = time.Local
	locationMu     sync.RWMutex
)

// DateLayout 按日分区文件使用的日期格式
const DateLayout = "2006-01-02"

// SetLocation 设置全局时区
func SetLocation(name string) error {
	loc, err := time.LoadLocation(name)
	if err != nil {
		// 容器内常缺少 tzdata，东8区直接使用固定偏移
		if name == "UTC+8" || name == "Asia/Shanghai" {
			locationMu.Lock()
			GlobalLocation = time.FixedZone("UTC+8", 8*60*60)
			locationMu.Unlock()
			return nil
		}
		return err
	}
	locationMu.Lock()
	GlobalLocation = loc
	locationMu.Unlock()
	return nil
}

// Location 获取当前配置的时区
func Location() *time.Location {
	locationMu.RLock()
	defer locationMu.RUnlock()
	return GlobalLocation
}

// ToConfiguredTimezone 将时间转换为配置的时区
func ToConfiguredTimezone(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.In(Location())
}

// NowUTC 获取当前UTC时间
func NowUTC() time.Time {
	return time.Now().UTC()
}

// UTCDateKey 返回 UTC 日期字符串（YYYY-MM-DD），用于日志按日分区
func UTCDateKey(t time.Time) string {
	return t.UTC().Format(DateLayout)
}

// EpochSeconds 返回浮点形式的 Unix 秒
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

// FromEpochSeconds 将浮点 Unix 秒转换为时间
func FromEpochSeconds(sec float64) time.Time {
	whole := int64(sec)
	frac := int64((sec - float64(whole)) * 1e9)
	return time.Unix(whole, frac)
}
