// Package cache 自适应缓存管理器：在 redis / mongodb / file 三种后端之间按健康状况选择主后端，
// 连接丢失时自动降级，降级在进程生命周期内保持，直到显式 Refresh。
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Kind 缓存数据类型
type Kind string

const (
	KindBars         Kind = "bars"
	KindInfo         Kind = "info"
	KindNews         Kind = "news"
	KindFundamentals Kind = "fundamentals"
	KindRealtime     Kind = "realtime"
	KindSentiment    Kind = "sentiment"
)

// Kinds 全部数据类型
var Kinds = []Kind{KindBars, KindInfo, KindNews, KindFundamentals, KindRealtime, KindSentiment}

// Dir 数据类型对应的目录（file）或集合（mongodb）名称
func (k Kind) Dir() string {
	switch k {
	case KindBars, KindRealtime:
		return "stock_data"
	case KindNews:
		return "news_data"
	case KindFundamentals:
		return "fundamentals"
	case KindSentiment:
		return "sentiment_data"
	case KindInfo:
		return "stock_info"
	default:
		return "misc_data"
	}
}

// Key 组成指纹的规范化元组
type Key struct {
	Kind          Kind
	Symbol        string
	Start         string
	End           string
	Source        string
	SchemaVersion int
}

// Fingerprint 对规范元组做 sha256，字段顺序固定，跨进程稳定
func (k Key) Fingerprint() string {
	parts := []string{
		"v1",
		string(k.Kind),
		strings.TrimSpace(k.Symbol),
		strings.TrimSpace(k.Start),
		strings.TrimSpace(k.End),
		strings.ToLower(strings.TrimSpace(k.Source)),
		strconv.Itoa(k.SchemaVersion),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}

// Entry 缓存条目
type Entry struct {
	Fingerprint   string        `json:"fingerprint" msgpack:"fingerprint" bson:"_id"`
	Kind          Kind          `json:"kind" msgpack:"kind" bson:"kind"`
	Symbol        string        `json:"symbol" msgpack:"symbol" bson:"symbol"`
	Start         string        `json:"start,omitempty" msgpack:"start" bson:"start"`
	End           string        `json:"end,omitempty" msgpack:"end" bson:"end"`
	Source        string        `json:"source" msgpack:"source" bson:"source"`
	SchemaVersion int           `json:"schema_version" msgpack:"schema_version" bson:"schema_version"`
	Payload       []byte        `json:"-" msgpack:"payload" bson:"payload"`
	CreatedAt     time.Time     `json:"created_at" msgpack:"created_at" bson:"created_at"`
	TTL           time.Duration `json:"ttl" msgpack:"ttl" bson:"ttl"`
	SizeBytes     int           `json:"size_bytes" msgpack:"size_bytes" bson:"size_bytes"`
}

// ExpiresAt 过期时间，TTL<=0 表示永不过期
func (e *Entry) ExpiresAt() time.Time {
	if e.TTL <= 0 {
		return time.Time{}
	}
	return e.CreatedAt.Add(e.TTL)
}

// Expired 判断条目在 now 时刻是否过期
func (e *Entry) Expired(now time.Time) bool {
	exp := e.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}
