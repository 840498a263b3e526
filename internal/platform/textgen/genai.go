// Package textgen adapts Google Gen AI models to the advisory text generator contract.
package textgen

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/stitchquote/api/internal/platform/config"
	"github.com/stitchquote/api/internal/services"
)

const (
	providerName           = "google-genai"
	defaultModel           = "gemini-2.5-flash"
	defaultMaxOutputTokens = 1024
	temperature            = 0.2
)

// GenAIGenerator produces advisory narrative with a Gemini model.
type GenAIGenerator struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

var _ services.TextGenerator = (*GenAIGenerator)(nil)

// Option customises the underlying client.
type Option func(*genai.ClientConfig)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(baseURL string) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPOptions.BaseURL = baseURL
	}
}

// WithHTTPClient replaces the HTTP client, e.g. to add tracing.
func WithHTTPClient(client *http.Client) Option {
	return func(cfg *genai.ClientConfig) {
		cfg.HTTPClient = client
	}
}

func NewGenAIGenerator(ctx context.Context, cfg config.AdvisoryConfig, opts ...Option) (*GenAIGenerator, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("textgen: api key is required")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModel
	}
	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxOutputTokens
	}

	clientCfg := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		if opt != nil {
			opt(clientCfg)
		}
	}
	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		return nil, fmt.Errorf("textgen: create genai client: %w", err)
	}
	return &GenAIGenerator{client: client, model: model, maxTokens: int32(maxTokens)}, nil
}

func (g *GenAIGenerator) Provider() string { return providerName }
func (g *GenAIGenerator) Model() string    { return g.model }

// Generate sends prompt as a single user turn. Deadlines come from ctx.
func (g *GenAIGenerator) Generate(ctx context.Context, prompt string) (services.TextCompletion, error) {
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt), &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](temperature),
		MaxOutputTokens: g.maxTokens,
	})
	if err != nil {
		return services.TextCompletion{}, fmt.Errorf("textgen: generate content: %w", err)
	}

	completion := services.TextCompletion{Text: resp.Text(), Model: g.model}
	if resp.ModelVersion != "" {
		completion.Model = resp.ModelVersion
	}
	if usage := resp.UsageMetadata; usage != nil {
		completion.InputTokens = int(usage.PromptTokenCount)
		completion.OutputTokens = int(usage.CandidatesTokenCount)
	}
	return completion, nil
}
