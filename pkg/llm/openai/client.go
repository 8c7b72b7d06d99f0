// Package openai реализует адаптер LLM провайдера для OpenAI-совместимых API.
//
// Поддерживает custom BaseURL, поэтому работает и с DeepSeek, и с любым
// другим совместимым провайдером. Работает только через интерфейс llm.Provider.
package openai

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/ilkoid/priemka-ai/pkg/config"
	"github.com/ilkoid/priemka-ai/pkg/llm"
	"github.com/ilkoid/priemka-ai/pkg/utils"
)

// Client реализует интерфейс llm.Provider для OpenAI-совместимых API.
type Client struct {
	api         *openai.Client
	model       string
	temperature float64
	timeout     time.Duration
	limiter     *rate.Limiter
}

// Проверка что Client реализует llm.Provider
var _ llm.Provider = (*Client)(nil)

// NewClient создает клиент из конфигурации.
//
// Все настройки из конфигурации, никакого хардкода.
func NewClient(cfg config.LLMConfig) (*Client, error) {
	cfg = cfg.GetDefaults()

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm.api_key is required")
	}

	timeout, err := cfg.ParseTimeout()
	if err != nil {
		return nil, err
	}

	// Поддержка custom BaseURL для non-OpenAI провайдеров (DeepSeek и т.д.)
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}

	return &Client{
		api:         openai.NewClientWithConfig(apiCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		timeout:     timeout,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimit)), cfg.BurstLimit),
	}, nil
}

// Chat выполняет запрос к API и возвращает текст ответа.
//
// Алгоритм:
//  1. Ждем разрешения от лимитера (блокирует горутину при превышении лимита)
//  2. Конвертирует сообщения в формат SDK
//  3. Вызывает API с ограничением по времени
//  4. Возвращает content первого choice
//
// Все ошибки возвращаются, никаких panic.
func (c *Client) Chat(ctx context.Context, req llm.ChatRequest) (string, error) {
	startTime := time.Now()

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter wait: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	model := req.Model
	if model == "" {
		model = c.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	utils.Debug("LLM request started", "model", model, "messages_count", len(req.Messages))

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: float32(temperature),
		Messages:    make([]openai.ChatCompletionMessage, len(req.Messages)),
	}
	if req.MaxTokens > 0 {
		apiReq.MaxTokens = req.MaxTokens
	}
	if req.Format == llm.FormatJSON {
		apiReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	for i, m := range req.Messages {
		apiReq.Messages[i] = openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		utils.Error("LLM API request failed",
			"error", err,
			"model", model,
			"duration_ms", time.Since(startTime).Milliseconds())
		return "", fmt.Errorf("llm api error: %w", err)
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	content := resp.Choices[0].Message.Content

	utils.Info("LLM response received",
		"model", model,
		"content_length", len(content),
		"duration_ms", time.Since(startTime).Milliseconds())

	return content, nil
}
