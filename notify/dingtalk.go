package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"tradingagents/event"
)

// DingTalkNotifier 钉钉机器人通知器
type DingTalkNotifier struct {
	webhook string
	secret  string
	client  *http.Client
	now     func() time.Time
}

// NewDingTalkNotifier 创建钉钉通知器，secret 非空时启用加签
func NewDingTalkNotifier(webhook, secret string) *DingTalkNotifier {
	return &DingTalkNotifier{
		webhook: webhook,
		secret:  secret,
		client:  &http.Client{Timeout: 3 * time.Second},
		now:     time.Now,
	}
}

func (dn *DingTalkNotifier) Name() string {
	return "DingTalk"
}

// Send 发送通知
func (dn *DingTalkNotifier) Send(evt *event.Event) error {
	requestURL := dn.webhook
	if dn.secret != "" {
		timestamp := dn.now().UnixMilli()
		sep := "&"
		if !strings.Contains(requestURL, "?") {
			sep = "?"
		}
		requestURL = fmt.Sprintf("%s%stimestamp=%d&sign=%s", requestURL, sep, timestamp, url.QueryEscape(dn.sign(timestamp)))
	}

	payload := map[string]interface{}{
		"msgtype": "text",
		"text": map[string]string{
			"content": formatDingTalkMessage(evt),
		},
	}
	return postJSON(dn.client, 3*time.Second, requestURL, payload)
}

// sign 钉钉加签: base64(hmac_sha256(secret, "timestamp\nsecret"))
func (dn *DingTalkNotifier) sign(timestamp int64) string {
	stringToSign := fmt.Sprintf("%d\n%s", timestamp, dn.secret)
	h := hmac.New(sha256.New, []byte(dn.secret))
	h.Write([]byte(stringToSign))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func formatDingTalkMessage(evt *event.Event) string {
	var title string
	switch event.GetEventSeverity(evt.Type) {
	case event.SeverityCritical:
		title = "❌ 严重告警"
	case event.SeverityWarning:
		title = "⚠️ 告警"
	default:
		title = "📢 系统通知"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n%s\n\n时间: %s\n", title, event.BuildMessage(evt), evt.Timestamp.Format("2006-01-02 15:04:05"))
	if len(evt.Data) > 0 {
		keys := make([]string, 0, len(evt.Data))
		for k := range evt.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\n详细信息:\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %v\n", k, evt.Data[k])
		}
	}
	return b.String()
}
