package event

import (
	"context"
	"fmt"
	"sync"

	"tradingagents/logger"
)

// EventSeverity 事件严重程度
type EventSeverity string

const (
	SeverityCritical EventSeverity = "critical"
	SeverityWarning  EventSeverity = "warning"
	SeverityInfo     EventSeverity = "info"
)

// GetEventSeverity 返回事件类型对应的严重程度
func GetEventSeverity(t EventType) EventSeverity {
	switch t {
	case EventTypeCacheWriteFailed:
		return SeverityCritical
	case EventTypeCacheBackendDegraded, EventTypeProviderFailed, EventTypeRateLimited:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// EventCenter 事件中心：消费总线上的事件并分发给各处理器
type EventCenter struct {
	eventBus   *EventBus
	mu         sync.RWMutex
	processors []EventProcessor
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewEventCenter 创建事件中心
func NewEventCenter(eventBus *EventBus) *EventCenter {
	ctx, cancel := context.WithCancel(context.Background())
	return &EventCenter{
		eventBus: eventBus,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Register 注册事件处理器
func (ec *EventCenter) Register(p EventProcessor) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.processors = append(ec.processors, p)
}

// Start 启动事件中心
func (ec *EventCenter) Start() {
	logger.Debug("🚀 启动事件中心...")
	ec.wg.Add(1)
	go ec.processEvents()
}

// Stop 停止事件中心，处理完已入队的事件后返回
func (ec *EventCenter) Stop() {
	ec.eventBus.Close()
	ec.wg.Wait()
	ec.cancel()
	logger.Debug("✅ 事件中心已停止")
}

func (ec *EventCenter) processEvents() {
	defer ec.wg.Done()

	eventCh := ec.eventBus.Subscribe()
	for {
		select {
		case <-ec.ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			ec.handleEvent(event)
		}
	}
}

func (ec *EventCenter) handleEvent(event *Event) {
	if event == nil {
		return
	}

	switch GetEventSeverity(event.Type) {
	case SeverityCritical:
		logger.Error("🚨 [%s] %s", event.Type, BuildMessage(event))
	case SeverityWarning:
		logger.Warn("⚠️ [%s] %s", event.Type, BuildMessage(event))
	default:
		logger.Debug("ℹ️ [%s] %s", event.Type, BuildMessage(event))
	}

	ec.mu.RLock()
	processors := append([]EventProcessor(nil), ec.processors...)
	ec.mu.RUnlock()

	for _, p := range processors {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("❌ 事件处理器异常: %v", r)
				}
			}()
			p.ProcessEvent(event)
		}()
	}
}

// PublishEvent 发布事件的便捷方法
func (ec *EventCenter) PublishEvent(eventType EventType, data map[string]interface{}) {
	ec.eventBus.Publish(&Event{Type: eventType, Data: data})
}

// BuildMessage 生成事件的可读描述
func BuildMessage(event *Event) string {
	switch event.Type {
	case EventTypeCacheBackendDegraded:
		return fmt.Sprintf("缓存后端降级: %s -> %s (%s)",
			extractString(event.Data, "from"), extractString(event.Data, "to"), extractString(event.Data, "reason"))
	case EventTypeCacheBackendRefreshed:
		return fmt.Sprintf("缓存后端已刷新: %s", extractString(event.Data, "backend"))
	case EventTypeCacheWriteFailed:
		return fmt.Sprintf("缓存写入失败: %s (%s)",
			extractString(event.Data, "fingerprint"), extractString(event.Data, "error"))
	case EventTypeProviderFailed, EventTypeProviderFallback:
		return fmt.Sprintf("数据源 %s 获取 %s %s 失败: %s",
			extractString(event.Data, "provider"), extractString(event.Data, "symbol"),
			extractString(event.Data, "kind"), extractString(event.Data, "error"))
	case EventTypeRateLimited:
		return fmt.Sprintf("数据源 %s 触发限流，等待 %s",
			extractString(event.Data, "provider"), extractString(event.Data, "wait"))
	default:
		return string(event.Type)
	}
}

func extractString(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}
