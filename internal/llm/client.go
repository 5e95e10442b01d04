package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fachebot/doc-digest/internal/config"
	"github.com/fachebot/doc-digest/internal/logger"
	"github.com/fachebot/doc-digest/internal/metrics"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Request 单次生成请求
type Request struct {
	Model           string
	Prompt          string
	MaxOutputTokens int
	Temperature     float32
}

// Generator 文本生成接口，由 Client 实现
type Generator interface {
	Generate(ctx context.Context, model, prompt string, maxOutputTokens int) (string, error)
}

var _ Generator = (*Client)(nil)

// backend 文本生成后端，返回的错误应已分类为 *Error
type backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (string, error)
}

// Client 文本生成客户端：单条提示词、单次调用、无内部重试
type Client struct {
	config  *config.LLM
	backend backend
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics metrics.Recorder
}

func NewClient(cfg *config.LLM, httpClient *http.Client, rec metrics.Recorder) (*Client, error) {
	var b backend
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		b = newOpenAIBackend(cfg.BaseURL, cfg.APIKey, httpClient)
	case "anthropic":
		b = newAnthropicBackend(cfg.BaseURL, cfg.APIKey, httpClient)
	default:
		return nil, fmt.Errorf("不支持的 LLM Provider: %s", cfg.Provider)
	}
	return newClient(cfg, b, rec), nil
}

func newClient(cfg *config.LLM, b backend, rec metrics.Recorder) *Client {
	if rec == nil {
		rec = metrics.Noop{}
	}

	client := &Client{
		config:  cfg,
		backend: b,
		metrics: rec,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	if cfg.Breaker.Enable {
		client.breaker = newBreaker(b.Name(), cfg.Breaker)
	}
	return client
}

func newBreaker(name string, cfg config.Breaker) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "llm-" + name,
		MaxRequests: 1,
		Timeout:     time.Duration(cfg.OpenSeconds) * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// 限流由调用方退避重试，鉴权和请求过大与后端健康无关，均不计入失败
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			switch KindOf(err) {
			case KindRateLimited, KindAuthInvalid, KindRequestTooLarge:
				return true
			}
			return errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warnf("[LLM] 熔断器状态变化, name: %s, from: %s, to: %s", name, from, to)
		},
	})
}

// DefaultModel 返回配置的默认模型
func (c *Client) DefaultModel() string {
	return c.config.Model
}

// Generate 发送单条提示词并返回生成文本，model 为空时使用默认模型
func (c *Client) Generate(ctx context.Context, model, prompt string, maxOutputTokens int) (string, error) {
	if model == "" {
		model = c.config.Model
	}
	req := Request{
		Model:           model,
		Prompt:          prompt,
		MaxOutputTokens: maxOutputTokens,
		Temperature:     c.config.Temperature,
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				return "", ctx.Err()
			}
			// 截止时间前无法获得令牌
			return "", &Error{Kind: KindTimeout, Message: "等待限流令牌超时", Err: err}
		}
	}

	if c.config.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.config.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	start := time.Now()
	text, err := c.complete(ctx, req)
	duration := time.Since(start)

	if err != nil {
		c.metrics.ObserveGeneration(KindOf(err).String(), duration)
		logger.Debugf("[LLM] 生成失败, model: %s, duration: %s, %v", model, duration, err)
		return "", err
	}

	c.metrics.ObserveGeneration("ok", duration)
	logger.Debugf("[LLM] 生成完成, model: %s, duration: %s, output: %d", model, duration, len(text))
	return text, nil
}

func (c *Client) complete(ctx context.Context, req Request) (string, error) {
	if c.breaker == nil {
		return c.call(ctx, req)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.call(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &Error{Kind: KindRateLimited, Message: "熔断器已打开", Err: err}
		}
		return "", err
	}
	return result.(string), nil
}

func (c *Client) call(ctx context.Context, req Request) (string, error) {
	text, err := c.backend.Complete(ctx, req)
	if err == nil {
		return text, nil
	}

	// 调用方取消时保留原始错误
	if errors.Is(ctx.Err(), context.Canceled) {
		return "", ctx.Err()
	}
	var e *Error
	if errors.As(err, &e) {
		return "", err
	}
	return "", Classify(0, err.Error(), err)
}
