package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Webhook 消息格式。slack 使用 {"text": ...}，dingtalk 使用
// {"msgtype": "text", "text": {"content": ...}}。
const (
	FormatSlack    = "slack"
	FormatDingTalk = "dingtalk"
)

// WebhookNotifier 把告警 POST 到机器人 webhook。
type WebhookNotifier struct {
	url    string
	format string
	client *http.Client
}

// NewWebhook 创建 WebhookNotifier。httpClient 为 nil 时使用 10s 超时
// 的默认客户端。
func NewWebhook(url, format string, httpClient *http.Client) (*WebhookNotifier, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook 地址为空")
	}
	switch format {
	case FormatSlack, FormatDingTalk:
	default:
		return nil, fmt.Errorf("未知的 webhook 格式: %s", format)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookNotifier{url: url, format: format, client: httpClient}, nil
}

// Name 实现 Notifier。
func (n *WebhookNotifier) Name() string { return "webhook-" + n.format }

// Notify 发送消息。非 2xx 响应视为失败。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	var payload any
	text := event.render()
	switch n.format {
	case FormatDingTalk:
		payload = map[string]any{
			"msgtype": "text",
			"text":    map[string]string{"content": text},
		}
	default:
		payload = map[string]string{"text": text}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码 webhook 消息失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构造 webhook 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("发送 webhook 请求失败: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook 返回状态码 %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*WebhookNotifier)(nil)
