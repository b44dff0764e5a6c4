// Package dataerr 定义数据层的错误分类及其重试策略判定。
package dataerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrEmptyResponse 上游返回空结果（视为暂时性错误）
	ErrEmptyResponse = errors.New("empty response")
	// ErrNotSupported 数据源不支持该请求类型
	ErrNotSupported = errors.New("request kind not supported by provider")
	// ErrMalformedPayload 上游返回的数据无法解析
	ErrMalformedPayload = errors.New("malformed payload")
)

// UnsupportedMarketError 代码无法归类到任何市场
type UnsupportedMarketError struct {
	Symbol string
}

func (e *UnsupportedMarketError) Error() string {
	return fmt.Sprintf("不支持的市场代码: %q", e.Symbol)
}

// RateLimitedError 用尽所有限流等待后仍被限流
type RateLimitedError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("[%s] 触发限流，已重试 %d 次: %v", e.Provider, e.Attempts, e.Err)
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// ProviderTransientError 上游网络错误、5xx 或空结果
type ProviderTransientError struct {
	Provider string
	Err      error
}

func (e *ProviderTransientError) Error() string {
	return fmt.Sprintf("[%s] 暂时性错误: %v", e.Provider, e.Err)
}

func (e *ProviderTransientError) Unwrap() error { return e.Err }

// ProviderFatalError 认证失败或响应语义错误，不重试
type ProviderFatalError struct {
	Provider string
	Err      error
}

func (e *ProviderFatalError) Error() string {
	return fmt.Sprintf("[%s] 致命错误: %v", e.Provider, e.Err)
}

func (e *ProviderFatalError) Unwrap() error { return e.Err }

// DataUnavailableError 数据源链全部失败
type DataUnavailableError struct {
	Symbol       string
	Kind         string
	LastProvider string
	Err          error
}

func (e *DataUnavailableError) Error() string {
	return fmt.Sprintf("无法获取 %s 的 %s 数据 (最后数据源: %s): %v", e.Symbol, e.Kind, e.LastProvider, e.Err)
}

func (e *DataUnavailableError) Unwrap() error { return e.Err }

// CacheWriteError 主后端与降级后端都写入失败
type CacheWriteError struct {
	Fingerprint string
	Err         error
}

func (e *CacheWriteError) Error() string {
	return fmt.Sprintf("缓存写入失败 (%s): %v", e.Fingerprint, e.Err)
}

func (e *CacheWriteError) Unwrap() error { return e.Err }

// ConfigError 配置无法解析或不完整
type ConfigError struct {
	Key    string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("配置错误 (%s): %s", e.Key, e.Reason)
}

// HTTPStatusError 非 2xx 的 HTTP 响应
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200]
	}
	return fmt.Sprintf("HTTP 错误 %d: %s", e.StatusCode, body)
}

// IsRateLimitSignal 判断是否为显式限流信号（HTTP 429 或包含限流关键字）
func IsRateLimitSignal(err error) bool {
	if err == nil {
		return false
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "Rate limited") ||
		strings.Contains(msg, "Too Many Requests") ||
		strings.Contains(msg, "HTTP 429") ||
		strings.Contains(msg, "status 429")
}

// IsFatal 判断错误是否不应重试
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var fatal *ProviderFatalError
	if errors.As(err, &fatal) {
		return true
	}
	if errors.Is(err, ErrNotSupported) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode == http.StatusForbidden
	}
	return false
}

// IsTransient 判断错误是否可以退避重试
func IsTransient(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) || errors.Is(err, ErrMalformedPayload) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var transient *ProviderTransientError
	if errors.As(err, &transient) {
		return true
	}
	var statusErr *HTTPStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// Transient 包装为暂时性错误
func Transient(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderTransientError{Provider: provider, Err: err}
}

// Fatal 包装为致命错误
func Fatal(provider string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderFatalError{Provider: provider, Err: err}
}
