package event

import (
	"sync"
	"time"

	"tradingagents/logger"
)

// EventType 事件类型
type EventType string

const (
	EventTypeCacheBackendDegraded  EventType = "cache_backend_degraded"
	EventTypeCacheBackendRefreshed EventType = "cache_backend_refreshed"
	EventTypeCacheWriteFailed      EventType = "cache_write_failed"
	EventTypeProviderFailed        EventType = "provider_failed"
	EventTypeProviderFallback      EventType = "provider_fallback"
	EventTypeRateLimited           EventType = "rate_limited"
	EventTypeConfigReloaded        EventType = "config_reloaded"
	EventTypeSystemStart           EventType = "system_start"
	EventTypeSystemStop            EventType = "system_stop"
)

// Event 事件结构
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// EventBus 事件总线
type EventBus struct {
	eventCh    chan *Event
	bufferSize int

	mu     sync.RWMutex
	closed bool
}

// NewEventBus 创建事件总线
func NewEventBus(bufferSize int) *EventBus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	return &EventBus{
		eventCh:    make(chan *Event, bufferSize),
		bufferSize: bufferSize,
	}
}

// Publish 发布事件（非阻塞），nil 总线上调用是安全的
func (eb *EventBus) Publish(event *Event) {
	if eb == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()
	if eb.closed {
		return
	}
	select {
	case eb.eventCh <- event:
	default:
		logger.Warn("⚠️ 事件队列已满，丢弃事件: %s", event.Type)
	}
}

// Subscribe 订阅事件（返回 channel）
func (eb *EventBus) Subscribe() <-chan *Event {
	return eb.eventCh
}

// Close 关闭事件总线，可重复调用
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.closed {
		return
	}
	eb.closed = true
	close(eb.eventCh)
}
