// Package notify 把缓存降级、数据源失败等告警事件推送到外部渠道。
package notify

import (
	"strings"
	"sync"

	"tradingagents/config"
	"tradingagents/event"
	"tradingagents/logger"
)

// Notifier 通知接口
type Notifier interface {
	Send(event *event.Event) error
	Name() string
}

var severityRank = map[event.EventSeverity]int{
	event.SeverityInfo:     0,
	event.SeverityWarning:  1,
	event.SeverityCritical: 2,
}

// NotificationService 通知服务，作为事件中心的处理器使用
type NotificationService struct {
	notifiers   []Notifier
	minSeverity event.EventSeverity
	wg          sync.WaitGroup
}

// NewNotificationService 按配置创建通知服务，未启用或没有可用渠道时返回 nil
func NewNotificationService(cfg *config.Config) *NotificationService {
	nc := cfg.Notifications
	if !nc.Enabled {
		return nil
	}
	var notifiers []Notifier
	if nc.Webhook.URL != "" {
		notifiers = append(notifiers, NewWebhookNotifier(nc.Webhook.URL, nc.Webhook.Timeout))
		logger.Info("✅ Webhook 通知已启用")
	}
	if nc.DingTalk.Webhook != "" {
		notifiers = append(notifiers, NewDingTalkNotifier(nc.DingTalk.Webhook, nc.DingTalk.Secret))
		logger.Info("✅ 钉钉通知已启用")
	}
	if len(notifiers) == 0 {
		logger.Warn("⚠️ 已启用通知但未配置任何渠道")
		return nil
	}
	return New(event.EventSeverity(strings.ToLower(nc.MinSeverity)), notifiers...)
}

// New 使用给定渠道创建通知服务，minSeverity 无效时按 warning 处理
func New(minSeverity event.EventSeverity, notifiers ...Notifier) *NotificationService {
	if _, ok := severityRank[minSeverity]; !ok {
		minSeverity = event.SeverityWarning
	}
	return &NotificationService{notifiers: notifiers, minSeverity: minSeverity}
}

func (ns *NotificationService) shouldNotify(t event.EventType) bool {
	return severityRank[event.GetEventSeverity(t)] >= severityRank[ns.minSeverity]
}

// ProcessEvent 异步发送到所有渠道，不阻塞事件中心
func (ns *NotificationService) ProcessEvent(evt *event.Event) {
	if evt == nil || !ns.shouldNotify(evt.Type) {
		return
	}
	for _, n := range ns.notifiers {
		ns.wg.Add(1)
		go func(n Notifier) {
			defer ns.wg.Done()
			if err := n.Send(evt); err != nil {
				logger.Warn("⚠️ [%s] 通知发送失败: %v", n.Name(), err)
			}
		}(n)
	}
}

// Wait 等待已发出的通知完成
func (ns *NotificationService) Wait() {
	ns.wg.Wait()
}
