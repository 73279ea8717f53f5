package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/models"
)

// chatService defines minimal interface for chat completions.
type chatService interface {
	New(ctx context.Context, params openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient wraps the OpenAI chat completion service.
type OpenAIClient struct {
	chat      chatService
	model     string
	maxTokens int64
	metrics   *metrics.Metrics
}

func newOpenAIClient(cfg Opts) (*OpenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	slog.Debug("OpenAIClient created", "model", model, "maxTokens", cfg.MaxTokens)
	return &OpenAIClient{chat: &cli.Chat.Completions, model: model, maxTokens: cfg.MaxTokens, metrics: cfg.Metrics}, nil
}

// SendMessage runs one chat completion: system prompt, history, then the user prompt if set.
func (c *OpenAIClient) SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+2)
	messages = append(messages, openai.SystemMessage(systemPrompt))
	for _, m := range history {
		switch m.Role {
		case models.RoleSystem:
			messages = append(messages, openai.SystemMessage(m.Message))
		case models.RoleAssistant:
			messages = append(messages, openai.AssistantMessage(m.Message))
		default:
			messages = append(messages, openai.UserMessage(m.Message))
		}
	}
	if userPrompt != "" {
		messages = append(messages, openai.UserMessage(userPrompt))
	}

	slog.Debug("OpenAIClient.SendMessage", "model", c.model, "systemLen", len(systemPrompt), "userLen", len(userPrompt), "history", len(history))
	start := time.Now()
	text, err := c.complete(ctx, messages)
	observe(c.metrics, ProviderOpenAI, start, err)
	return text, err
}

func (c *OpenAIClient) complete(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.New(ctx, openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(c.maxTokens),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	content := resp.Choices[0].Message.Content
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}
