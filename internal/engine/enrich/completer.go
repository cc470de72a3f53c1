package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/anatolykoptev/go-kit/llm"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"google.golang.org/genai"

	"github.com/anatolykoptev/go_roletrends/internal/engine"
)

// Completer returns one completion for a system instruction and user content.
// Implementations must be safe for concurrent use.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Model() string
}

// ErrNoChoices marks a completion response without any candidate text.
var ErrNoChoices = errors.New("completion returned no choices")

// NewCompleter builds the provider named by cfg.LLMProvider.
func NewCompleter(ctx context.Context, cfg engine.Config) (Completer, error) {
	switch cfg.LLMProvider {
	case "", "compat":
		return NewCompat(cfg), nil
	case "openai":
		return NewOpenAI(cfg), nil
	case "gemini":
		return NewGemini(ctx, cfg)
	}
	return nil, fmt.Errorf("%w: unknown LLM_PROVIDER %q", engine.ErrConfig, cfg.LLMProvider)
}

// CompatCompleter talks to any OpenAI-compatible endpoint through go-kit/llm,
// rotating fallback keys on quota errors.
type CompatCompleter struct {
	client      *llm.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewCompat builds a CompatCompleter.
func NewCompat(cfg engine.Config) *CompatCompleter {
	return &CompatCompleter{
		client: llm.NewClient(cfg.LLMAPIBase, cfg.LLMAPIKey, cfg.LLMModel,
			llm.WithFallbackKeys(cfg.LLMAPIKeyFallbacks),
			llm.WithMaxTokens(cfg.LLMMaxTokens),
			llm.WithTemperature(cfg.LLMTemperature),
			llm.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
		),
		model:       cfg.LLMModel,
		temperature: cfg.LLMTemperature,
		maxTokens:   cfg.LLMMaxTokens,
	}
}

func (c *CompatCompleter) Model() string { return c.model }

func (c *CompatCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	return c.client.Complete(ctx, system, user,
		llm.WithChatTemperature(c.temperature),
		llm.WithChatMaxTokens(c.maxTokens),
	)
}

// OpenAICompleter uses the official OpenAI SDK.
type OpenAICompleter struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAI builds an OpenAICompleter. LLMAPIBase overrides the endpoint when set.
func NewOpenAI(cfg engine.Config) *OpenAICompleter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.LLMAPIKey),
		option.WithHTTPClient(&http.Client{Timeout: cfg.LLMTimeout}),
	}
	if cfg.LLMAPIBase != "" {
		opts = append(opts, option.WithBaseURL(cfg.LLMAPIBase))
	}
	return &OpenAICompleter{
		client:      openai.NewClient(opts...),
		model:       cfg.LLMModel,
		temperature: cfg.LLMTemperature,
		maxTokens:   cfg.LLMMaxTokens,
	}
}

func (c *OpenAICompleter) Model() string { return c.model }

func (c *OpenAICompleter) Complete(ctx context.Context, system, user string) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(c.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(user),
		},
		Temperature: openai.Float(c.temperature),
		N:           openai.Int(1),
	}
	if c.maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(c.maxTokens))
	}
	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", ErrNoChoices
	}
	return completion.Choices[0].Message.Content, nil
}

// GeminiCompleter uses the Gemini API through the genai SDK.
type GeminiCompleter struct {
	client      *genai.Client
	model       string
	temperature float32
	maxTokens   int32
}

// NewGemini builds a GeminiCompleter.
func NewGemini(ctx context.Context, cfg engine.Config) (*GeminiCompleter, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.LLMAPIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.LLMTimeout},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiCompleter{
		client:      client,
		model:       cfg.LLMModel,
		temperature: float32(cfg.LLMTemperature),
		maxTokens:   int32(cfg.LLMMaxTokens),
	}, nil
}

func (c *GeminiCompleter) Model() string { return c.model }

func (c *GeminiCompleter) Complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(user), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr(c.temperature),
		MaxOutputTokens:   c.maxTokens,
		CandidateCount:    1,
	})
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", ErrNoChoices
	}
	return text, nil
}
