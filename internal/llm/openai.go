package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// openAIClientInterface 定义 OpenAI 客户端接口，便于测试
type openAIClientInterface interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// openAIBackend 兼容 OpenAI Chat Completions 协议的后端
type openAIBackend struct {
	client openAIClientInterface
}

func newOpenAIBackend(baseURL, apiKey string, httpClient *http.Client) *openAIBackend {
	openaiConfig := openai.DefaultConfig(apiKey)
	openaiConfig.BaseURL = baseURL
	if httpClient != nil {
		openaiConfig.HTTPClient = httpClient
	}
	return &openAIBackend{client: openai.NewClientWithConfig(openaiConfig)}
}

func (b *openAIBackend) Name() string {
	return "openai"
}

func (b *openAIBackend) Complete(ctx context.Context, req Request) (string, error) {
	// go-openai 会省略值为 0 的 temperature，用最小正数表示 0
	temperature := req.Temperature
	if temperature == 0 {
		temperature = math.SmallestNonzeroFloat32
	}

	resp, err := b.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		Temperature: temperature,
		MaxTokens:   req.MaxOutputTokens,
	})
	if err != nil {
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 {
		return "", &Error{Kind: KindUnknown, Message: "LLM API 返回空结果"}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		msg := apiErr.Message
		if code, ok := apiErr.Code.(string); ok && code != "" {
			msg = fmt.Sprintf("%s (%s)", msg, code)
		}
		return Classify(apiErr.HTTPStatusCode, msg, err)
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return Classify(reqErr.HTTPStatusCode, err.Error(), err)
	}
	return Classify(0, err.Error(), err)
}
