package a2a

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout 是未提供自定义 http.Client 时的请求超时。
const DefaultHTTPTimeout = 15 * time.Second

// APIError 表示协议服务端返回的错误。
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("a2a api error (%d): %s", e.StatusCode, e.Message)
}

// Client 是协议层的 HTTP 客户端，覆盖发现、提交、轮询与取消四个
// 操作，供交互通道及其他进程内组件调用远端工作器。
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// NewClient 创建协议客户端。httpClient 为 nil 时使用带默认超时的
// 客户端。
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("无效的协议服务地址: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Discover 返回指定工作器的 AgentCard。
func (c *Client) Discover(ctx context.Context, agent string) (AgentCard, error) {
	var card AgentCard
	err := c.do(ctx, http.MethodGet, c.endpoint("agent", agent), nil, &card)
	return card, err
}

// SendTask 提交任务。同步工作器返回最终响应；流式工作器返回初始
// pending 响应，最终结果通过 GetTask 轮询。
func (c *Client) SendTask(ctx context.Context, agent string, req TaskRequest) (TaskResponse, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodPost, c.endpoint("agent", agent, "tasks", "send"), req, &resp)
	return resp, err
}

// GetTask 返回任务的当前协议视图。
func (c *Client) GetTask(ctx context.Context, agent, id string) (TaskResponse, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodGet, c.endpoint("agent", agent, "tasks", id), nil, &resp)
	return resp, err
}

// CancelTask 取消任务。终态任务返回带 400 状态码的 APIError。
func (c *Client) CancelTask(ctx context.Context, agent, id string) (TaskResponse, error) {
	var resp TaskResponse
	err := c.do(ctx, http.MethodPost, c.endpoint("agent", agent, "tasks", id, "cancel"), nil, &resp)
	return resp, err
}

func (c *Client) endpoint(segments ...string) string {
	u := *c.baseURL
	u.Path = path.Join(append([]string{u.Path}, segments...)...)
	return u.String()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("编码请求体失败: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("构造请求失败: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求协议服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var eb errorBody
		message := resp.Status
		if decodeErr := json.NewDecoder(resp.Body).Decode(&eb); decodeErr == nil && eb.Error != "" {
			message = eb.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	return nil
}
