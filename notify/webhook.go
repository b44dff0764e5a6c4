package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"tradingagents/event"
)

// WebhookNotifier 以 JSON POST 推送原始事件
type WebhookNotifier struct {
	url     string
	timeout time.Duration
	client  *http.Client
}

// NewWebhookNotifier 创建 Webhook 通知器，timeoutSec<=0 时为 3 秒
func NewWebhookNotifier(url string, timeoutSec int) *WebhookNotifier {
	timeout := time.Duration(timeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &WebhookNotifier{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

func (wn *WebhookNotifier) Name() string {
	return "Webhook"
}

// Send 发送通知
func (wn *WebhookNotifier) Send(evt *event.Event) error {
	payload := map[string]interface{}{
		"type":      string(evt.Type),
		"severity":  string(event.GetEventSeverity(evt.Type)),
		"message":   event.BuildMessage(evt),
		"timestamp": evt.Timestamp.UTC().Format(time.RFC3339),
		"data":      evt.Data,
	}
	return postJSON(wn.client, wn.timeout, wn.url, payload)
}

func postJSON(client *http.Client, timeout time.Duration, url string, payload interface{}) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("返回错误状态码: %d", resp.StatusCode)
	}
	return nil
}
