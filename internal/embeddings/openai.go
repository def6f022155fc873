package embeddings

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/sashabaranov/go-openai"
)

// Config holds configuration for the embedding endpoint
type Config struct {
	// BaseURL points at any OpenAI-compatible server (OpenAI, Ollama's /v1, a CLIP text server).
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey     string        `mapstructure:"api_key" yaml:"api_key"`
	Model      string        `mapstructure:"model" yaml:"model"`
	Dimensions int           `mapstructure:"dimensions" yaml:"dimensions"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`

	Workers           int     `mapstructure:"workers" yaml:"workers"`
	Cache             bool    `mapstructure:"cache" yaml:"cache"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second" yaml:"requests_per_second"`
}

// OpenAIProvider implements Provider with the OpenAI embeddings API
type OpenAIProvider struct {
	client     *openai.Client
	model      string
	dimensions int
}

// NewOpenAIProvider creates a provider from cfg
func NewOpenAIProvider(cfg Config) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New("embedding model is required")
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	clientConfig.HTTPClient = &http.Client{Timeout: timeout}

	return &OpenAIProvider{
		client:     openai.NewClientWithConfig(clientConfig),
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
	}, nil
}

// Embed generates an embedding for a single text
func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	req := openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(p.model),
	}
	// Only models that support shortening accept this; leave it off otherwise.
	if p.dimensions > 0 && p.shortenable() {
		req.Dimensions = p.dimensions
	}

	resp, err := p.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create embeddings failed: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, errors.New("empty embedding response")
	}

	embedding := resp.Data[0].Embedding
	if p.dimensions > 0 && len(embedding) != p.dimensions {
		return nil, fmt.Errorf("embedding has %d dimensions, expected %d", len(embedding), p.dimensions)
	}
	return embedding, nil
}

func (p *OpenAIProvider) shortenable() bool {
	switch p.model {
	case "text-embedding-3-small", "text-embedding-3-large":
		return true
	}
	return false
}

// Name returns the model name
func (p *OpenAIProvider) Name() string {
	return fmt.Sprintf("openai/%s", p.model)
}
