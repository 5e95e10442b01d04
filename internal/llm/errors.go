package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorKind 生成调用失败的分类
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindRateLimited
	KindAuthInvalid
	KindRequestTooLarge
	KindTimeout
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindRequestTooLarge:
		return "request_too_large"
	case KindTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error 已分类的生成错误
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	Err        error
}

// 用于 errors.Is 按类型匹配
var (
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrAuthInvalid     = &Error{Kind: KindAuthInvalid}
	ErrRequestTooLarge = &Error{Kind: KindRequestTooLarge}
	ErrTimeout         = &Error{Kind: KindTimeout}
	ErrUnknown         = &Error{Kind: KindUnknown}
)

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm %s (HTTP %d): %s", e.Kind, e.StatusCode, msg)
	}
	return fmt.Sprintf("llm %s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is 同类型的哨兵错误视为相等
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == "" && t.Err == nil
}

var (
	rateLimitHints = []string{"rate limit", "rate_limit", "ratelimit", "too many requests", "quota", "overloaded", "resource_exhausted", "busy"}
	authHints      = []string{"authentication", "invalid api key", "invalid_api_key", "incorrect api key", "api key", "unauthorized", "permission", "forbidden"}
	tooLargeHints  = []string{"context length", "context_length", "maximum context", "context window", "too many tokens", "token limit", "tokens exceed", "request too large", "too large", "too long", "reduce the length"}
	timeoutHints   = []string{"timeout", "timed out", "deadline exceeded"}
)

// Classify 根据状态码和错误信息将后端错误映射为分类错误
func Classify(statusCode int, message string, cause error) *Error {
	e := &Error{StatusCode: statusCode, Message: message, Err: cause}
	lower := strings.ToLower(message)

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode == 529 || containsAny(lower, rateLimitHints):
		e.Kind = KindRateLimited
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden || containsAny(lower, authHints):
		e.Kind = KindAuthInvalid
	case statusCode == http.StatusRequestEntityTooLarge || containsAny(lower, tooLargeHints):
		e.Kind = KindRequestTooLarge
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout ||
		errors.Is(cause, context.DeadlineExceeded) || containsAny(lower, timeoutHints):
		e.Kind = KindTimeout
	default:
		e.Kind = KindUnknown
	}
	return e
}

// KindOf 返回错误的分类，未分类的错误视为 Unknown
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindUnknown
}

// IsRetryable 判断错误是否值得重试；鉴权失败和请求过大不重试
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindAuthInvalid, KindRequestTooLarge:
		return false
	default:
		return true
	}
}

// UserMessage 返回面向用户的错误描述
func UserMessage(err error) string {
	switch KindOf(err) {
	case KindRateLimited:
		return "AI service is currently busy. Please try again in a few moments."
	case KindAuthInvalid:
		return "AI service credentials are invalid."
	case KindRequestTooLarge:
		return "Document content is too large for processing."
	case KindTimeout:
		return "AI service timeout. Please try again later."
	default:
		return fmt.Sprintf("Summarization failed: %v", err)
	}
}

func containsAny(s string, hints []string) bool {
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
