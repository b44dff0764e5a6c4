// Package news 解析雅虎财经新旧两种新闻格式，过滤付费来源并按标题去重。
package news

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradingagents/utils"
)

// DisplayLayout 新闻日期的统一展示格式
const DisplayLayout = "2006-01-02 15:04"

// UnknownValue 缺失来源或日期时的占位
const UnknownValue = "unknown"

// Item 标准化后的新闻条目
type Item struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Source  string `json:"source"`
	Date    string `json:"date"`
	Related string `json:"related,omitempty"`
}

// DefaultPaidSources 付费来源（全文无法免费阅读），全部为小写
var DefaultPaidSources = []string{
	"the wall street journal", "wsj", "wall street journal",
	"bloomberg", "financial times", "ft", "barron's", "barrons",
	"barrons.com", "the economist", "investor's business daily", "ibd",
}

// PaidSet 小写来源名集合
type PaidSet map[string]struct{}

// NewPaidSet 构建付费来源集合，为空时使用默认列表
func NewPaidSet(sources []string) PaidSet {
	if len(sources) == 0 {
		sources = DefaultPaidSources
	}
	set := make(PaidSet, len(sources))
	for _, s := range sources {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			set[s] = struct{}{}
		}
	}
	return set
}

// Contains 大小写不敏感地判断来源是否付费
func (p PaidSet) Contains(source string) bool {
	_, ok := p[strings.ToLower(strings.TrimSpace(source))]
	return ok
}

// PaidRegistry 可热更新的付费来源集合，nil 时使用默认列表
type PaidRegistry struct {
	set atomic.Pointer[PaidSet]
}

// NewPaidRegistry 创建付费来源集合
func NewPaidRegistry(sources []string) *PaidRegistry {
	r := &PaidRegistry{}
	r.Set(sources)
	return r
}

// Set 替换集合
func (r *PaidRegistry) Set(sources []string) {
	set := NewPaidSet(sources)
	r.set.Store(&set)
}

// Current 当前集合
func (r *PaidRegistry) Current() PaidSet {
	if r == nil {
		return NewPaidSet(nil)
	}
	if p := r.set.Load(); p != nil {
		return *p
	}
	return NewPaidSet(nil)
}

// Parse 解析单条原始新闻，标题或链接为空时返回 nil
//
// 新格式: {content: {title, canonicalUrl: {url}, provider: {displayName}, pubDate}}
// 旧格式: {title, link, publisher, providerPublishTime}
func Parse(raw map[string]any, symbol string) *Item {
	if raw == nil {
		return nil
	}

	var title, link, publisher, date string
	if content, ok := raw["content"].(map[string]any); ok && len(content) > 0 {
		title = stringField(content, "title")
		if canonical, ok := content["canonicalUrl"].(map[string]any); ok {
			link = stringField(canonical, "url")
		}
		if provider, ok := content["provider"].(map[string]any); ok {
			publisher = stringField(provider, "displayName")
		}
		date = formatDate(stringField(content, "pubDate"))
	} else {
		title = stringField(raw, "title")
		link = stringField(raw, "link")
		publisher = stringField(raw, "publisher")
		if ts, ok := epochField(raw, "providerPublishTime"); ok {
			date = utils.FromEpochSeconds(ts).In(utils.Location()).Format(DisplayLayout)
		}
	}

	if strings.TrimSpace(title) == "" || strings.TrimSpace(link) == "" {
		return nil
	}
	if publisher == "" {
		publisher = UnknownValue
	}
	if date == "" {
		date = UnknownValue
	}

	item := &Item{Title: title, URL: link, Source: publisher, Date: date}
	if symbol != "" {
		item.Related = strings.ReplaceAll(symbol, "^", "")
	}
	return item
}

// ParseAll 解析一组原始新闻，跳过无效条目
func ParseAll(raws []map[string]any, symbol string) []Item {
	items := make([]Item, 0, len(raws))
	for _, raw := range raws {
		if item := Parse(raw, symbol); item != nil {
			items = append(items, *item)
		}
	}
	return items
}

// formatDate ISO-8601 转为 "YYYY-MM-DD HH:MM"，无法解析时截取前 16 个字符
func formatDate(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "T") {
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(DisplayLayout)
			}
		}
	}
	if len(s) > 16 {
		return s[:16]
	}
	return s
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func epochField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, v > 0
	case int64:
		return float64(v), v > 0
	case int:
		return float64(v), v > 0
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && f > 0
	default:
		return 0, false
	}
}

// FilterPaid 移除付费来源，保持原有顺序
func FilterPaid(items []Item, paid PaidSet) []Item {
	out := make([]Item, 0, len(items))
	for _, item := range items {
		if !paid.Contains(item.Source) {
			out = append(out, item)
		}
	}
	return out
}

// Dedup 按去除首尾空白后的标题去重，保留首次出现，丢弃空标题
func Dedup(items []Item) []Item {
	seen := make(map[string]struct{}, len(items))
	out := make([]Item, 0, len(items))
	for _, item := range items {
		t := strings.TrimSpace(item.Title)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, item)
	}
	return out
}

// Normalize 依次执行 解析 -> 去重 -> 付费过滤
func Normalize(raws []map[string]any, symbol string, paid PaidSet) []Item {
	return FilterPaid(Dedup(ParseAll(raws, symbol)), paid)
}

// Clean 对已解析的条目执行去重与付费过滤，重复调用结果不变
func Clean(items []Item, paid PaidSet) []Item {
	return FilterPaid(Dedup(items), paid)
}
