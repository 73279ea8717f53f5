package genai

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	googlegenai "google.golang.org/genai"

	"github.com/BTreeMap/InnerGuide/internal/metrics"
	"github.com/BTreeMap/InnerGuide/internal/models"
)

// contentGenerator is the slice of *googlegenai.Models the client calls.
type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*googlegenai.Content, config *googlegenai.GenerateContentConfig) (*googlegenai.GenerateContentResponse, error)
}

// GeminiClient talks to the Gemini API.
type GeminiClient struct {
	models    contentGenerator
	model     string
	maxTokens int32
	metrics   *metrics.Metrics
}

func newGeminiClient(cfg Opts) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini %w", ErrMissingAPIKey)
	}
	model := cfg.Model
	if model == "" {
		model = DefaultGeminiModel
	}
	// Construction with an API key does not touch the network.
	client, err := googlegenai.NewClient(context.Background(), &googlegenai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: googlegenai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	slog.Debug("GeminiClient created", "model", model, "maxTokens", cfg.MaxTokens)
	return &GeminiClient{models: client.Models, model: model, maxTokens: int32(cfg.MaxTokens), metrics: cfg.Metrics}, nil
}

// SendMessage generates content from the history and optional user prompt.
func (c *GeminiClient) SendMessage(ctx context.Context, systemPrompt, userPrompt string, history []models.Message) (string, error) {
	contents := make([]*googlegenai.Content, 0, len(history)+1)
	for _, m := range history {
		role := googlegenai.Role(googlegenai.RoleUser)
		if m.Role == models.RoleAssistant {
			role = googlegenai.RoleModel
		}
		contents = append(contents, googlegenai.NewContentFromText(m.Message, role))
	}
	if userPrompt != "" {
		contents = append(contents, googlegenai.NewContentFromText(userPrompt, googlegenai.RoleUser))
	}
	// Gemini rejects an empty contents list; greetings carry no history or user text.
	if len(contents) == 0 {
		contents = append(contents, googlegenai.NewContentFromText(systemPrompt, googlegenai.RoleUser))
	}

	cfg := &googlegenai.GenerateContentConfig{
		SystemInstruction: googlegenai.NewContentFromText(systemPrompt, googlegenai.RoleUser),
		MaxOutputTokens:   c.maxTokens,
	}

	slog.Debug("GeminiClient.SendMessage", "model", c.model, "systemLen", len(systemPrompt), "userLen", len(userPrompt), "history", len(history))
	start := time.Now()
	text, err := c.generate(ctx, contents, cfg)
	observe(c.metrics, ProviderGemini, start, err)
	return text, err
}

func (c *GeminiClient) generate(ctx context.Context, contents []*googlegenai.Content, cfg *googlegenai.GenerateContentConfig) (string, error) {
	res, err := c.models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("failed to generate content: %w", err)
	}
	if res == nil || len(res.Candidates) == 0 {
		return "", ErrNoChoicesReturned
	}
	text := res.Text()
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}
