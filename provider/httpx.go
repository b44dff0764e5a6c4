package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tradingagents/dataerr"
)

// UserAgent 访问公开行情接口时使用的 UA
const UserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"

// NewHTTPClient 创建数据源使用的 HTTP 客户端
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// Fetch 执行请求并返回响应体；非 2xx 返回 *dataerr.HTTPStatusError，空响应返回 ErrEmptyResponse
func Fetch(ctx context.Context, client *http.Client, req *http.Request) ([]byte, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("读取响应失败: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &dataerr.HTTPStatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, dataerr.ErrEmptyResponse
	}
	return body, nil
}

// GetJSON GET 请求并解码 JSON
func GetJSON(ctx context.Context, client *http.Client, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	body, err := Fetch(ctx, client, req)
	if err != nil {
		return err
	}
	return DecodeJSON(body, out)
}

// PostJSON POST JSON 请求并解码响应
func PostJSON(ctx context.Context, client *http.Client, url string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	body, err := Fetch(ctx, client, req)
	if err != nil {
		return err
	}
	return DecodeJSON(body, out)
}

// DecodeJSON 解码失败包装为 ErrMalformedPayload
func DecodeJSON(body []byte, out any) error {
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %v", dataerr.ErrMalformedPayload, err)
	}
	return nil
}
