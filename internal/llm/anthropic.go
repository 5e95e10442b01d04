package llm

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// anthropicMessagesInterface 定义 Anthropic Messages 接口，便于测试
type anthropicMessagesInterface interface {
	New(ctx context.Context, body anthropic.MessageNewParams, opts ...option.RequestOption) (*anthropic.Message, error)
}

// anthropicBackend Anthropic Messages API 后端
type anthropicBackend struct {
	messages anthropicMessagesInterface
}

func newAnthropicBackend(baseURL, apiKey string, httpClient *http.Client) *anthropicBackend {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// 重试由批调度器负责
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}

	client := anthropic.NewClient(opts...)
	return &anthropicBackend{messages: &client.Messages}
}

func (b *anthropicBackend) Name() string {
	return "anthropic"
}

func (b *anthropicBackend) Complete(ctx context.Context, req Request) (string, error) {
	message, err := b.messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxOutputTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
		Temperature: anthropic.Float(float64(req.Temperature)),
	})
	if err != nil {
		return "", classifyAnthropicError(err)
	}

	var sb strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &Error{Kind: KindUnknown, Message: "Anthropic API 返回空结果"}
	}
	return strings.TrimSpace(sb.String()), nil
}

func classifyAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return Classify(apiErr.StatusCode, err.Error(), err)
	}
	return Classify(0, err.Error(), err)
}
