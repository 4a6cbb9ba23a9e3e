package reasoning

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/rs/zerolog/log"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTemperature = 0.7
	defaultMaxRetries  = 2
	defaultMaxTokens   = 1024
	defaultTimeout     = 60 * time.Second
)

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	MaxRetries  int
	HTTPClient  *http.Client
}

type OpenAIClient struct {
	completions *openai.ChatCompletionService
	model       string
	temperature float64
	maxTokens   int
}

func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("openai: api key required")
	}

	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultMaxRetries
	}
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(retries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	opts = append(opts, option.WithHTTPClient(httpClient))

	client := openai.NewClient(opts...)

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	temperature := cfg.Temperature
	if temperature <= 0 {
		temperature = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	return &OpenAIClient{
		completions: &client.Chat.Completions,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
	}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	params := c.buildParams(req)

	start := time.Now()
	resp, err := c.completions.New(ctx, params)
	if err != nil {
		log.Warn().Str("component", "reasoning").Str("kind", "gateway_unavailable").
			Str("model", string(params.Model)).Err(err).Msg("completion failed")
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	log.Debug().Str("component", "reasoning").Str("model", string(params.Model)).
		Dur("took", time.Since(start)).Int64("total_tokens", resp.Usage.TotalTokens).Msg("completion")

	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyCompletion
	}
	return content, nil
}

func (c *OpenAIClient) buildParams(req Request) openai.ChatCompletionNewParams {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	temperature := c.temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}

	return openai.ChatCompletionNewParams{
		Model:               shared.ChatModel(model),
		Messages:            convertMessages(req.Messages),
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	}
}

func convertMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
